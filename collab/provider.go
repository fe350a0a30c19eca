package collab

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Provider is the network fan-out a session binds to: a thin pub/sub
// contract so collaboration traffic can ride NATS in production and an
// in-memory bus in tests.
type Provider interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Close() error
}

// Subscription is one active subscription.
type Subscription interface {
	Unsubscribe() error
}

// NATSProvider fans collaboration traffic out over a NATS connection.
type NATSProvider struct {
	conn *nats.Conn
}

// NewNATSProvider wraps an established NATS connection. The provider does
// not own the connection unless Close is used for teardown.
func NewNATSProvider(conn *nats.Conn) *NATSProvider {
	return &NATSProvider{conn: conn}
}

// Publish sends one message.
func (p *NATSProvider) Publish(subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers messages on subject to handler.
func (p *NATSProvider) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains the underlying connection.
func (p *NATSProvider) Close() error {
	return p.conn.Drain()
}

// subjectToken sanitizes an identifier for use as one NATS subject token.
func subjectToken(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}

// updateSubject and presenceSubject name the per-document channels.
func updateSubject(documentID string) string {
	return "collab.doc." + subjectToken(documentID) + ".updates"
}

func presenceSubject(documentID string) string {
	return "collab.doc." + subjectToken(documentID) + ".presence"
}
