// Package router maps verified envelopes onto per-type handlers.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"fedgate/pkg/types"
)

// Message types with a handler slot.
const (
	TypeAccountDeletion   = "account_deletion"
	TypeComment           = "comment"
	TypeConversation      = "conversation"
	TypeLike              = "like"
	TypeMessage           = "message"
	TypeParticipation     = "participation"
	TypePhoto             = "photo"
	TypePollParticipation = "poll_participation"
	TypeProfile           = "profile"
	TypeRequest           = "request"
	TypeReshare           = "reshare"
	TypeRetraction        = "retraction"
	TypeStatusMessage     = "status_message"
)

var slots = []string{
	TypeAccountDeletion,
	TypeComment,
	TypeConversation,
	TypeLike,
	TypeMessage,
	TypeParticipation,
	TypePhoto,
	TypePollParticipation,
	TypeProfile,
	TypeRequest,
	TypeReshare,
	TypeRetraction,
	TypeStatusMessage,
}

// Handler processes one verified envelope for a local identity.
type Handler interface {
	Handle(ctx context.Context, local *types.LocalIdentity, env *types.Envelope) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, local *types.LocalIdentity, env *types.Envelope) bool

func (f HandlerFunc) Handle(ctx context.Context, local *types.LocalIdentity, env *types.Envelope) bool {
	return f(ctx, local, env)
}

// Router holds one handler per known message type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRouter creates a router with every slot bound to fallback.
func NewRouter(fallback Handler, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback == nil {
		fallback = HandlerFunc(func(context.Context, *types.LocalIdentity, *types.Envelope) bool { return true })
	}

	handlers := make(map[string]Handler, len(slots))
	for _, s := range slots {
		handlers[s] = fallback
	}
	return &Router{handlers: handlers, logger: logger}
}

// IsKnown reports whether msgType has a handler slot.
func IsKnown(msgType string) bool {
	for _, s := range slots {
		if s == msgType {
			return true
		}
	}
	return false
}

// Register binds h to an existing slot.
func (r *Router) Register(msgType string, h Handler) error {
	if !IsKnown(msgType) {
		return fmt.Errorf("no handler slot for message type %q", msgType)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", msgType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
	return nil
}

// Slots lists the message types the router accepts.
func (r *Router) Slots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch invokes the handler for env.Type and returns its result
// unchanged. Unknown types are logged and rejected.
func (r *Router) Dispatch(ctx context.Context, local *types.LocalIdentity, env *types.Envelope) bool {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("Unknown message type",
			zap.String("type", env.Type),
			zap.String("sender", env.Sender))
		return false
	}

	return h.Handle(ctx, local, env)
}
