package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codecollab/syncengine/loader"
)

// Dispatch executes one client request and returns the response
// envelope. Unknown message types and malformed payloads come back as
// BAD_REQUEST; component failures map onto the error taxonomy.
func (e *Engine) Dispatch(ctx context.Context, msg ClientMessage) ServerMessage {
	switch msg.Type {
	case MsgFileCreate:
		return e.dispatchFileCreate(msg)
	case MsgFileRead:
		return e.dispatchFileRead(msg)
	case MsgFileUpdate:
		return e.dispatchFileUpdate(msg)
	case MsgFileDelete:
		return e.dispatchFileDelete(msg)
	case MsgFileMetadata:
		return e.dispatchFileMetadata(msg)
	case MsgFileMarkSynced:
		return e.dispatchFileMarkSynced(msg)
	case MsgConflictCheck:
		return e.dispatchConflictCheck(msg)
	case MsgConflictResolve:
		return e.dispatchConflictResolve(msg)
	case MsgLockAcquire:
		return e.dispatchLockAcquire(msg)
	case MsgLockRelease:
		return e.dispatchLockRelease(msg)
	case MsgLockInfo:
		return e.dispatchLockInfo(msg)
	case MsgLoaderInit:
		return e.dispatchLoaderInit(ctx, msg)
	case MsgLoaderLines:
		return e.dispatchLoaderLines(ctx, msg)
	case MsgLoaderSearch:
		return e.dispatchLoaderSearch(ctx, msg)
	case MsgSessionJoin:
		return e.dispatchSessionJoin(msg)
	case MsgSessionLeave:
		return e.dispatchSessionLeave(msg)
	case MsgSessionCursor:
		return e.dispatchSessionCursor(msg)
	case MsgSessionStats:
		return e.dispatchSessionStats(msg)
	case MsgSyncMode:
		return e.dispatchSyncMode(msg)
	case MsgWatcherStats:
		return resultMessage(msg.RequestID, e.watcher.Stats())
	case MsgPoolHealth:
		return resultMessage(msg.RequestID, e.pool.Health())
	default:
		return badRequest(msg.RequestID, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func decode[T any](msg ClientMessage) (T, *ServerMessage) {
	var req T
	if len(msg.Payload) == 0 {
		failure := badRequest(msg.RequestID, "missing payload")
		return req, &failure
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		failure := badRequest(msg.RequestID, fmt.Sprintf("malformed payload: %v", err))
		return req, &failure
	}
	return req, nil
}

func (e *Engine) dispatchFileCreate(msg ClientMessage) ServerMessage {
	req, failure := decode[FileWriteRequest](msg)
	if failure != nil {
		return *failure
	}
	meta, err := e.store.Create(req.Path, []byte(req.Content), req.UserID)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, meta)
}

func (e *Engine) dispatchFileRead(msg ClientMessage) ServerMessage {
	req, failure := decode[FilePathRequest](msg)
	if failure != nil {
		return *failure
	}
	content, err := e.store.Read(req.Path)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, FileReadResult{Path: req.Path, Content: string(content)})
}

func (e *Engine) dispatchFileUpdate(msg ClientMessage) ServerMessage {
	req, failure := decode[FileWriteRequest](msg)
	if failure != nil {
		return *failure
	}
	meta, err := e.store.Update(req.Path, []byte(req.Content), req.UserID)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	e.invalidateLoader(req.Path)
	return resultMessage(msg.RequestID, meta)
}

func (e *Engine) dispatchFileDelete(msg ClientMessage) ServerMessage {
	req, failure := decode[FilePathRequest](msg)
	if failure != nil {
		return *failure
	}
	if err := e.store.Delete(req.Path, req.UserID); err != nil {
		return errorMessage(msg.RequestID, err)
	}
	e.invalidateLoader(req.Path)
	return resultMessage(msg.RequestID, map[string]string{"path": req.Path})
}

func (e *Engine) dispatchFileMetadata(msg ClientMessage) ServerMessage {
	req, failure := decode[FilePathRequest](msg)
	if failure != nil {
		return *failure
	}
	meta, err := e.store.Metadata(req.Path)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, meta)
}

func (e *Engine) dispatchFileMarkSynced(msg ClientMessage) ServerMessage {
	req, failure := decode[FilePathRequest](msg)
	if failure != nil {
		return *failure
	}
	if err := e.store.MarkSynced(req.Path); err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, map[string]string{"path": req.Path})
}

func (e *Engine) dispatchConflictCheck(msg ClientMessage) ServerMessage {
	req, failure := decode[ConflictCheckRequest](msg)
	if failure != nil {
		return *failure
	}
	report, err := e.store.CheckConflicts(req.Path, req.Incoming)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, report)
}

func (e *Engine) dispatchConflictResolve(msg ClientMessage) ServerMessage {
	req, failure := decode[ConflictResolveRequest](msg)
	if failure != nil {
		return *failure
	}
	resolution, err := e.store.ResolveConflict(req.Path, []byte(req.Content), req.Strategy, req.UserID)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	e.invalidateLoader(req.Path)
	return resultMessage(msg.RequestID, resolution)
}

func (e *Engine) dispatchLockAcquire(msg ClientMessage) ServerMessage {
	req, failure := decode[LockAcquireRequest](msg)
	if failure != nil {
		return *failure
	}
	lock, err := e.store.AcquireLock(req.Path, req.Type, req.OwnerID, req.TTL)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, lock)
}

func (e *Engine) dispatchLockRelease(msg ClientMessage) ServerMessage {
	req, failure := decode[LockReleaseRequest](msg)
	if failure != nil {
		return *failure
	}
	if err := e.store.ReleaseLock(req.Path, req.LockID); err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, map[string]string{"path": req.Path})
}

func (e *Engine) dispatchLockInfo(msg ClientMessage) ServerMessage {
	req, failure := decode[FilePathRequest](msg)
	if failure != nil {
		return *failure
	}
	locks, err := e.store.LockInfo(req.Path)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, locks)
}

func (e *Engine) dispatchLoaderInit(ctx context.Context, msg ClientMessage) ServerMessage {
	req, failure := decode[FilePathRequest](msg)
	if failure != nil {
		return *failure
	}
	l, err := e.loaderFor(ctx, req.Path)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	info, err := l.Info()
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, info)
}

func (e *Engine) dispatchLoaderLines(ctx context.Context, msg ClientMessage) ServerMessage {
	req, failure := decode[LineRangeRequest](msg)
	if failure != nil {
		return *failure
	}
	l, err := e.loaderFor(ctx, req.Path)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	lines, err := l.GetLineRange(ctx, req.StartLine, req.EndLine)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, LineRangeResult{
		Path:      req.Path,
		StartLine: req.StartLine,
		Lines:     lines,
	})
}

func (e *Engine) dispatchLoaderSearch(ctx context.Context, msg ClientMessage) ServerMessage {
	req, failure := decode[SearchRequest](msg)
	if failure != nil {
		return *failure
	}
	l, err := e.loaderFor(ctx, req.Path)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	matches, err := l.Search(ctx, req.Pattern, loader.SearchOptions{
		Regex:         req.Regex,
		CaseSensitive: req.CaseSensitive,
		MaxResults:    req.MaxResults,
	})
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, SearchResult{Path: req.Path, Matches: matches})
}

func (e *Engine) dispatchSessionJoin(msg ClientMessage) ServerMessage {
	req, failure := decode[SessionJoinRequest](msg)
	if failure != nil {
		return *failure
	}
	if e.Mode(req.FilePath) != ModeMerge {
		return badRequest(msg.RequestID,
			fmt.Sprintf("%s is not a collaborative file type; use locks", req.FilePath))
	}
	session, err := e.manager.JoinSession(req.DocumentID, e.cfg.Workspace.Project, req.FilePath)
	if err != nil {
		return errorMessage(msg.RequestID, err)
	}
	e.metrics.SessionsActive.Inc()
	return resultMessage(msg.RequestID, SessionJoinResult{
		DocumentID: req.DocumentID,
		Text:       session.Text().String(),
		Users:      e.manager.ActiveUsers(session),
	})
}

func (e *Engine) dispatchSessionLeave(msg ClientMessage) ServerMessage {
	req, failure := decode[SessionRequest](msg)
	if failure != nil {
		return *failure
	}
	_, existed := e.manager.Session(req.DocumentID)
	if err := e.manager.LeaveSession(req.DocumentID); err != nil {
		return errorMessage(msg.RequestID, err)
	}
	if existed {
		e.metrics.SessionsActive.Dec()
	}
	return resultMessage(msg.RequestID, map[string]string{"documentId": req.DocumentID})
}

func (e *Engine) dispatchSessionCursor(msg ClientMessage) ServerMessage {
	req, failure := decode[CursorRequest](msg)
	if failure != nil {
		return *failure
	}
	session, ok := e.manager.Session(req.DocumentID)
	if !ok {
		return errorMessage(msg.RequestID,
			fmt.Errorf("%w: %s", ErrSessionNotFound, req.DocumentID))
	}
	if err := e.manager.UpdateCursor(session, req.Line, req.Column); err != nil {
		return errorMessage(msg.RequestID, err)
	}
	return resultMessage(msg.RequestID, map[string]string{"documentId": req.DocumentID})
}

func (e *Engine) dispatchSessionStats(msg ClientMessage) ServerMessage {
	req, failure := decode[SessionRequest](msg)
	if failure != nil {
		return *failure
	}
	session, ok := e.manager.Session(req.DocumentID)
	if !ok {
		return errorMessage(msg.RequestID,
			fmt.Errorf("%w: %s", ErrSessionNotFound, req.DocumentID))
	}
	return resultMessage(msg.RequestID, e.manager.SessionStats(session))
}

func (e *Engine) dispatchSyncMode(msg ClientMessage) ServerMessage {
	req, failure := decode[FilePathRequest](msg)
	if failure != nil {
		return *failure
	}
	return resultMessage(msg.RequestID, SyncModeResult{Path: req.Path, Mode: e.Mode(req.Path)})
}
