package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codecollab/syncengine/collab"
	"github.com/codecollab/syncengine/loader"
	"github.com/codecollab/syncengine/pool"
	"github.com/codecollab/syncengine/store"
	"github.com/codecollab/syncengine/watcher"
)

// ClientMessageType discriminates requests arriving from a UI client.
type ClientMessageType string

const (
	MsgFileCreate      ClientMessageType = "file.create"
	MsgFileRead        ClientMessageType = "file.read"
	MsgFileUpdate      ClientMessageType = "file.update"
	MsgFileDelete      ClientMessageType = "file.delete"
	MsgFileMetadata    ClientMessageType = "file.metadata"
	MsgFileMarkSynced  ClientMessageType = "file.mark_synced"
	MsgConflictCheck   ClientMessageType = "conflict.check"
	MsgConflictResolve ClientMessageType = "conflict.resolve"
	MsgLockAcquire     ClientMessageType = "lock.acquire"
	MsgLockRelease     ClientMessageType = "lock.release"
	MsgLockInfo        ClientMessageType = "lock.info"
	MsgLoaderInit      ClientMessageType = "loader.init"
	MsgLoaderLines     ClientMessageType = "loader.lines"
	MsgLoaderSearch    ClientMessageType = "loader.search"
	MsgSessionJoin     ClientMessageType = "session.join"
	MsgSessionLeave    ClientMessageType = "session.leave"
	MsgSessionCursor   ClientMessageType = "session.cursor"
	MsgSessionStats    ClientMessageType = "session.stats"
	MsgSyncMode        ClientMessageType = "sync.mode"
	MsgWatcherStats    ClientMessageType = "watcher.stats"
	MsgPoolHealth      ClientMessageType = "pool.health"
)

// ClientMessage is the request envelope. Payload shape depends on Type.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

// ServerMessageType discriminates engine-to-client messages.
type ServerMessageType string

const (
	// SrvResult answers a request; Result holds the response payload.
	SrvResult ServerMessageType = "result"
	// SrvError answers a failed request; Error holds the taxonomy code.
	SrvError ServerMessageType = "error"
	// SrvFileSync is an unsolicited push for a store mutation.
	SrvFileSync ServerMessageType = "file.sync"
	// SrvBatch is an unsolicited push for a watcher batch.
	SrvBatch ServerMessageType = "batch"
)

// ServerMessage is the response envelope.
type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     *ErrorInfo        `json:"error,omitempty"`
}

// ErrorCode is the stable wire-level error taxonomy. Clients branch on
// codes, not on message text.
type ErrorCode string

const (
	CodeInvalidPath     ErrorCode = "INVALID_PATH"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeFileTooLarge    ErrorCode = "FILE_TOO_LARGE"
	CodeLocked          ErrorCode = "LOCKED"
	CodeLockNotFound    ErrorCode = "LOCK_NOT_FOUND"
	CodeNotInitialized  ErrorCode = "NOT_INITIALIZED"
	CodeLineOutOfRange  ErrorCode = "LINE_OUT_OF_RANGE"
	CodeNoCurrentUser   ErrorCode = "NO_CURRENT_USER"
	CodeSessionGone     ErrorCode = "SESSION_DESTROYED"
	CodeConnectionLimit ErrorCode = "CONNECTION_LIMIT"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeBadRequest      ErrorCode = "BAD_REQUEST"
	CodeInternal        ErrorCode = "INTERNAL"
)

// ErrorInfo carries a taxonomy code plus a human-readable message.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrSessionNotFound reports a session operation for a document the
// manager is not tracking.
var ErrSessionNotFound = errors.New("session not found")

// codeFor maps component sentinel errors onto the wire taxonomy.
func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrFileTooLarge):
		return CodeFileTooLarge
	case errors.Is(err, store.ErrLocked):
		return CodeLocked
	case errors.Is(err, store.ErrLockNotFound):
		return CodeLockNotFound
	case errors.Is(err, loader.ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, loader.ErrLineOutOfRange):
		return CodeLineOutOfRange
	case errors.Is(err, collab.ErrNoCurrentUser):
		return CodeNoCurrentUser
	case errors.Is(err, collab.ErrSessionDestroyed):
		return CodeSessionGone
	case errors.Is(err, pool.ErrConnectionLimit):
		return CodeConnectionLimit
	case errors.Is(err, pool.ErrConnectionNotFound):
		return CodeNotFound
	case errors.Is(err, pool.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// Request payloads.

type FileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	UserID  string `json:"userId"`
}

type FilePathRequest struct {
	Path   string `json:"path"`
	UserID string `json:"userId,omitempty"`
}

type ConflictCheckRequest struct {
	Path     string             `json:"path"`
	Incoming store.FileMetadata `json:"incoming"`
}

type ConflictResolveRequest struct {
	Path     string                `json:"path"`
	Content  string                `json:"content"`
	Strategy store.ResolveStrategy `json:"strategy"`
	UserID   string                `json:"userId"`
}

type LockAcquireRequest struct {
	Path    string         `json:"path"`
	Type    store.LockType `json:"lockType"`
	OwnerID string         `json:"ownerId"`
	TTL     time.Duration  `json:"ttl,omitempty"`
}

type LockReleaseRequest struct {
	Path   string `json:"path"`
	LockID string `json:"lockId"`
}

type LineRangeRequest struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

type SearchRequest struct {
	Path          string `json:"path"`
	Pattern       string `json:"pattern"`
	Regex         bool   `json:"regex,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
	MaxResults    int    `json:"maxResults,omitempty"`
}

type SessionJoinRequest struct {
	DocumentID string `json:"documentId"`
	FilePath   string `json:"filePath"`
}

type SessionRequest struct {
	DocumentID string `json:"documentId"`
}

type CursorRequest struct {
	DocumentID string `json:"documentId"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

// Response payloads.

type FileReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type LineRangeResult struct {
	Path      string   `json:"path"`
	StartLine int      `json:"startLine"`
	Lines     []string `json:"lines"`
}

type SearchResult struct {
	Path    string         `json:"path"`
	Matches []loader.Match `json:"matches"`
}

type SessionJoinResult struct {
	DocumentID string        `json:"documentId"`
	Text       string        `json:"text"`
	Users      []collab.User `json:"users"`
}

// SyncMode names the synchronization strategy the engine applies to a path.
type SyncMode string

const (
	// ModeMerge paths are edited through the collaborative merge path.
	ModeMerge SyncMode = "merge"
	// ModeLock paths fall back to pessimistic locking.
	ModeLock SyncMode = "lock"
)

type SyncModeResult struct {
	Path string   `json:"path"`
	Mode SyncMode `json:"mode"`
}

// filePushPayload is what SrvFileSync carries.
type filePushPayload struct {
	Type   store.SyncEventType `json:"type"`
	Path   string              `json:"path"`
	UserID string              `json:"userId,omitempty"`
	At     time.Time           `json:"at"`
}

// batchPushPayload is what SrvBatch carries.
type batchPushPayload struct {
	Events    []watcher.Event `json:"events"`
	EmittedAt time.Time       `json:"emittedAt"`
}

func resultMessage(requestID string, payload any) ServerMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorMessage(requestID, err)
	}
	return ServerMessage{Type: SrvResult, RequestID: requestID, Result: data}
}

func errorMessage(requestID string, err error) ServerMessage {
	return ServerMessage{
		Type:      SrvError,
		RequestID: requestID,
		Error:     &ErrorInfo{Code: codeFor(err), Message: err.Error()},
	}
}

func badRequest(requestID, message string) ServerMessage {
	return ServerMessage{
		Type:      SrvError,
		RequestID: requestID,
		Error:     &ErrorInfo{Code: CodeBadRequest, Message: message},
	}
}
