// Package receiver runs an inbound envelope through verification, the
// relationship gate and the message router.
package receiver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fedgate/pkg/federation"
	"fedgate/pkg/router"
	"fedgate/pkg/types"
)

// replyTypes are delivered by followers even when they have no sharing
// relationship with the recipient.
var replyTypes = map[string]bool{
	router.TypeComment:           true,
	router.TypeLike:              true,
	router.TypeMessage:           true,
	router.TypeParticipation:     true,
	router.TypePollParticipation: true,
}

// Verifier authenticates raw envelopes.
type Verifier interface {
	Verify(ctx context.Context, raw []byte, senderHandle string) (*types.Envelope, error)
}

// RelationshipFinder looks up the sender's relationship with a local identity.
type RelationshipFinder interface {
	FindByHandle(ctx context.Context, local types.LocalID, handle string) (*types.Relationship, error)
}

// Gate decides whether a relationship permits delivery.
type Gate interface {
	MayAccept(ctx context.Context, local *types.LocalIdentity, rel *types.Relationship, isReplyOrComment bool) bool
}

// Dispatcher hands a verified envelope to its type handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, local *types.LocalIdentity, env *types.Envelope) bool
}

// Result describes an accepted envelope.
type Result struct {
	Type    string
	Author  string
	Handled bool
}

// Receiver is the inbound pipeline.
type Receiver struct {
	verifier      Verifier
	relationships RelationshipFinder
	gate          Gate
	router        Dispatcher
	metrics       *federation.Metrics
	logger        *zap.Logger
}

// NewReceiver wires the pipeline stages together.
func NewReceiver(verifier Verifier, relationships RelationshipFinder, gate Gate, router Dispatcher, metrics *federation.Metrics, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = federation.NopMetrics()
	}
	return &Receiver{
		verifier:      verifier,
		relationships: relationships,
		gate:          gate,
		router:        router,
		metrics:       metrics,
		logger:        logger,
	}
}

// IsReplyOrComment reports whether msgType is a reaction to existing content.
func IsReplyOrComment(msgType string) bool {
	return replyTypes[msgType]
}

// Receive processes one envelope addressed to local. Rejections are
// *federation.RejectError values; any other error is an internal failure.
func (r *Receiver) Receive(ctx context.Context, local *types.LocalIdentity, sender string, raw []byte) (*Result, error) {
	res, err := r.receive(ctx, local, sender, raw)
	if err != nil {
		r.metrics.EnvelopesRejected.WithLabelValues(federation.RejectClass(err)).Inc()
		r.logger.Info("Envelope rejected",
			zap.Int64("local", int64(local.ID)),
			zap.String("sender", sender),
			zap.String("reason", federation.Reason(err)))
		return nil, err
	}
	r.metrics.EnvelopesReceived.WithLabelValues(res.Type).Inc()
	return res, nil
}

func (r *Receiver) receive(ctx context.Context, local *types.LocalIdentity, sender string, raw []byte) (*Result, error) {
	if _, err := federation.ParseHandle(sender); err != nil {
		return nil, federation.Reject(fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err), "invalid sender handle")
	}

	env, err := r.verifier.Verify(ctx, raw, sender)
	if err != nil {
		return nil, err
	}
	if !router.IsKnown(env.Type) {
		return nil, federation.Reject(federation.ErrUnknownMessageType, "unknown message type %q", env.Type)
	}

	// Requests open a relationship, so there is nothing to gate on yet.
	if env.Type != router.TypeRequest {
		rel, err := r.relationship(ctx, local, sender)
		if err != nil {
			return nil, err
		}
		if !r.gate.MayAccept(ctx, local, rel, IsReplyOrComment(env.Type)) {
			return nil, federation.Reject(federation.ErrUnauthorizedSender,
				"%s is not allowed to deliver %s to %s", sender, env.Type, local.Nickname)
		}
	}

	handled := r.router.Dispatch(ctx, local, env)
	r.logger.Debug("Envelope dispatched",
		zap.Int64("local", int64(local.ID)),
		zap.String("type", env.Type),
		zap.String("sender", sender),
		zap.Bool("handled", handled))
	return &Result{Type: env.Type, Author: env.Author(), Handled: handled}, nil
}

// relationship returns the sender's relationship with local, or nil when
// there is none.
func (r *Receiver) relationship(ctx context.Context, local *types.LocalIdentity, sender string) (*types.Relationship, error) {
	if local.IsPublicSink() {
		return nil, nil
	}
	rel, err := r.relationships.FindByHandle(ctx, local.ID, sender)
	if errors.Is(err, federation.ErrRelationshipNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up relationship for %s: %w", sender, err)
	}
	return rel, nil
}
