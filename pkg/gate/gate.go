// Package gate decides whether an existing relationship lets a remote
// party deliver a message to a local identity.
package gate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"fedgate/pkg/federation"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

// Promoter persists the follower to friend promotion.
type Promoter interface {
	PromoteToFriend(ctx context.Context, id types.RelationshipID) error
}

// Gate applies relationship policy to inbound messages.
type Gate struct {
	promoter Promoter
	metrics  *federation.Metrics
	logger   *zap.Logger
}

// NewGate creates a gate. A nil promoter disables follower promotion and
// relationships are judged as read.
func NewGate(promoter Promoter, metrics *federation.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = federation.NopMetrics()
	}
	return &Gate{promoter: promoter, metrics: metrics, logger: logger}
}

// MayAccept reports whether rel permits delivery to local. A follower of an
// open profile is promoted to friend first; rel is updated in place when
// the promotion is persisted.
func (g *Gate) MayAccept(ctx context.Context, local *types.LocalIdentity, rel *types.Relationship, isReplyOrComment bool) bool {
	ok := g.decide(ctx, local, rel, isReplyOrComment)
	decision := "rejected"
	if ok {
		decision = "accepted"
	}
	g.metrics.GateDecisions.WithLabelValues(decision).Inc()
	return ok
}

func (g *Gate) decide(ctx context.Context, local *types.LocalIdentity, rel *types.Relationship, isReplyOrComment bool) bool {
	if rel == nil {
		return local.IsPublicSink()
	}

	if g.promoter != nil && rel.Relation == types.RelationFollower && local != nil && local.PageType == types.PageFreeLove {
		g.promote(ctx, rel)
	}

	if rel.Blocked || rel.ReadOnly || rel.Archive {
		return false
	}

	switch rel.Relation {
	case types.RelationSharing, types.RelationFriend:
		return true
	case types.RelationFollower:
		if isReplyOrComment || (local != nil && local.PageType == types.PageCommunity) {
			return true
		}
	}

	return local.IsPublicSink()
}

func (g *Gate) promote(ctx context.Context, rel *types.Relationship) {
	if err := g.promoter.PromoteToFriend(ctx, rel.ID); err != nil {
		// A concurrent change already moved the row; decide on what we read.
		if !errors.Is(err, store.ErrStaleRelationship) {
			g.logger.Warn("Failed to promote follower",
				zap.Int64("relationship", int64(rel.ID)),
				zap.Error(err))
		}
		return
	}
	rel.Relation = types.RelationFriend
	rel.Writable = true
	g.metrics.GatePromotions.Inc()
	g.logger.Info("Promoted follower to friend",
		zap.Int64("relationship", int64(rel.ID)),
		zap.String("handle", rel.Handle))
}
