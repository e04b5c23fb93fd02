package logx

import (
	"context"

	"pkt.systems/muxd/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
	paneKey
	connKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithPane annotates the logger with session and pane identifiers.
func WithPane(ctx context.Context, sessionID schema.SessionID, paneID schema.PaneID) pslog.Logger {
	log := WithSession(ctx, sessionID)
	if paneID != "" {
		if current, ok := ctx.Value(paneKey).(schema.PaneID); ok && current == paneID {
			return log
		}
		log = log.With("pane", paneID)
	}
	return log
}

// WithConn annotates the logger with a protocol connection id.
func WithConn(ctx context.Context, connID string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if connID != "" {
		if current, ok := ctx.Value(connKey).(string); ok && current == connID {
			return log
		}
		log = log.With("conn", connID)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithPane stores the pane marker on the context for log de-duplication.
func ContextWithPane(ctx context.Context, paneID schema.PaneID) context.Context {
	if ctx == nil || paneID == "" {
		return ctx
	}
	return context.WithValue(ctx, paneKey, paneID)
}

// ContextWithPaneLogger attaches the logger and session/pane markers to the context.
func ContextWithPaneLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID, paneID schema.PaneID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithPane(ContextWithSession(ctx, sessionID), paneID)
}

// ContextWithConnLogger attaches the logger and connection marker to the context.
func ContextWithConnLogger(ctx context.Context, log pslog.Logger, connID string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connKey, connID)
}

// CopyContextFields copies session/pane/connection markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if session, ok := src.Value(sessionKey).(schema.SessionID); ok && session != "" {
		dst = ContextWithSession(dst, session)
	}
	if pane, ok := src.Value(paneKey).(schema.PaneID); ok && pane != "" {
		dst = ContextWithPane(dst, pane)
	}
	if conn, ok := src.Value(connKey).(string); ok && conn != "" {
		dst = context.WithValue(dst, connKey, conn)
	}
	return dst
}
