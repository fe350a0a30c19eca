package collab

import "sync"

// LoopbackProvider is an in-process pub/sub bus. It serves single-node
// deployments with no external broker and doubles as the test transport.
// Create one bus and hand its provider to every manager that should see
// the same traffic.
type LoopbackProvider struct {
	mu   sync.Mutex
	subs map[string][]*loopbackSub
}

// NewLoopbackProvider creates an empty in-process bus.
func NewLoopbackProvider() *LoopbackProvider {
	return &LoopbackProvider{subs: make(map[string][]*loopbackSub)}
}

type loopbackSub struct {
	bus     *LoopbackProvider
	subject string
	handler func([]byte)
}

// Unsubscribe removes the subscription from the bus.
func (s *loopbackSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, candidate := range subs {
		if candidate == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Publish delivers data synchronously to every subscriber of subject.
func (p *LoopbackProvider) Publish(subject string, data []byte) error {
	p.mu.Lock()
	subs := make([]*loopbackSub, len(p.subs[subject]))
	copy(subs, p.subs[subject])
	p.mu.Unlock()

	for _, s := range subs {
		s.handler(data)
	}
	return nil
}

// Subscribe registers a handler for subject.
func (p *LoopbackProvider) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	s := &loopbackSub{bus: p, subject: subject, handler: handler}
	p.mu.Lock()
	p.subs[subject] = append(p.subs[subject], s)
	p.mu.Unlock()
	return s, nil
}

// Close drops all subscriptions.
func (p *LoopbackProvider) Close() error {
	p.mu.Lock()
	p.subs = make(map[string][]*loopbackSub)
	p.mu.Unlock()
	return nil
}
