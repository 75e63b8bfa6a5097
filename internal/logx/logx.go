package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

type contextKey int

const (
	conversationKey contextKey = iota
	sessionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithConversation annotates the logger with the conversation id if present.
func WithConversation(ctx context.Context, conv schema.ConversationID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if conv != "" {
		if current, ok := ctx.Value(conversationKey).(schema.ConversationID); ok && current == conv {
			return log
		}
		log = log.With("conversation", conv)
	}
	return log
}

// WithSession annotates the logger with a backend session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// ContextWithConversation stores the conversation marker on the context for
// log de-duplication.
func ContextWithConversation(ctx context.Context, conv schema.ConversationID) context.Context {
	if ctx == nil || conv == "" {
		return ctx
	}
	return context.WithValue(ctx, conversationKey, conv)
}

// ContextWithSession stores the session marker on the context for log
// de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithConversationLogger attaches the logger and conversation marker
// to the context.
func ContextWithConversationLogger(ctx context.Context, log pslog.Logger, conv schema.ConversationID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithConversation(ctx, conv)
}

// CopyContextFields copies conversation/session markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if conv, ok := src.Value(conversationKey).(schema.ConversationID); ok && conv != "" {
		dst = ContextWithConversation(dst, conv)
	}
	if sess, ok := src.Value(sessionKey).(schema.SessionID); ok && sess != "" {
		dst = ContextWithSession(dst, sess)
	}
	return dst
}
