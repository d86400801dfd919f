// Package identity resolves federation handles to cached remote identity
// records, probing the remote node when the cached copy is missing or stale.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fedgate/pkg/auth"
	"fedgate/pkg/federation"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

// RefreshAfter is the default age after which a cached identity is re-probed.
const RefreshAfter = 14 * 24 * time.Hour

// Prober fetches a fresh identity for a handle from its home node. protocol
// is the tag the caller expects; a node speaking several protocols should
// answer with that one when it can.
type Prober interface {
	Probe(ctx context.Context, handle, protocol string) (*types.Identity, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, handle, protocol string) (*types.Identity, error)

func (f ProberFunc) Probe(ctx context.Context, handle, protocol string) (*types.Identity, error) {
	return f(ctx, handle, protocol)
}

// Config controls a Resolver.
type Config struct {
	// Protocol is the tag a probed identity must advertise to be accepted.
	Protocol     string
	RefreshAfter time.Duration
	Metrics      *federation.Metrics
}

// Resolver is the only writer of identity cache rows. Each caller that
// expects a different protocol gets its own Resolver over the same store.
type Resolver struct {
	store        store.IdentityStore
	prober       Prober
	protocol     string
	refreshAfter time.Duration
	metrics      *federation.Metrics
	logger       *zap.Logger
	group        singleflight.Group
	now          func() time.Time
}

// NewResolver creates a resolver over the given cache and prober
func NewResolver(st store.IdentityStore, prober Prober, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Protocol == "" {
		cfg.Protocol = types.ProtocolDFRN
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = RefreshAfter
	}
	if cfg.Metrics == nil {
		cfg.Metrics = federation.NopMetrics()
	}

	return &Resolver{
		store:        st,
		prober:       prober,
		protocol:     cfg.Protocol,
		refreshAfter: cfg.RefreshAfter,
		metrics:      cfg.Metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// Protocol returns the tag this resolver caches under.
func (r *Resolver) Protocol() string {
	return r.protocol
}

// Resolve returns the identity for handle, refreshing it when older than the
// refresh window. A failed probe degrades to the stale record when one exists.
func (r *Resolver) Resolve(ctx context.Context, handle string) (*types.Identity, error) {
	h, err := federation.ParseHandle(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrNotFound, err)
	}
	key := h.String()

	cached, err := r.store.GetIdentity(ctx, r.protocol, key)
	if err != nil && !errors.Is(err, federation.ErrNotFound) {
		return nil, fmt.Errorf("failed to read identity cache: %w", err)
	}
	if cached != nil && r.now().Sub(cached.UpdatedAt) <= r.refreshAfter {
		r.metrics.ResolverLookups.WithLabelValues("cache_hit").Inc()
		return cached, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.refresh(ctx, key)
	})
	if err != nil {
		if cached != nil {
			r.metrics.ResolverLookups.WithLabelValues("stale").Inc()
			r.logger.Warn("Identity probe failed, serving stale record",
				zap.String("handle", key),
				zap.Time("updated_at", cached.UpdatedAt),
				zap.Error(err))
			return cached, nil
		}
		r.metrics.ResolverLookups.WithLabelValues("miss").Inc()
		r.logger.Debug("Identity probe failed",
			zap.String("handle", key),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", federation.ErrNotFound, key)
	}

	r.metrics.ResolverLookups.WithLabelValues("refreshed").Inc()
	return v.(*types.Identity), nil
}

func (r *Resolver) refresh(ctx context.Context, key string) (*types.Identity, error) {
	start := time.Now()
	candidate, err := r.prober.Probe(ctx, key, r.protocol)
	federation.ObserveSince(r.metrics.ProbeLatency, start)
	if err != nil {
		r.metrics.ProbeFailures.Inc()
		return nil, fmt.Errorf("failed to probe %s: %w", key, err)
	}
	if candidate == nil {
		r.metrics.ProbeFailures.Inc()
		return nil, fmt.Errorf("probe returned no identity for %s", key)
	}
	if candidate.Protocol != r.protocol {
		r.metrics.ProbeFailures.Inc()
		return nil, fmt.Errorf("%s advertises protocol %q, want %q", key, candidate.Protocol, r.protocol)
	}
	if !federation.SameHandle(candidate.Handle, key) {
		r.metrics.ProbeFailures.Inc()
		return nil, fmt.Errorf("probe for %s answered as %s", key, candidate.Handle)
	}

	fresh := *candidate
	fresh.Handle = key
	fresh.UpdatedAt = r.now()

	// Last writer wins on concurrent refreshes.
	if err := r.store.UpsertIdentity(ctx, &fresh); err != nil {
		r.logger.Warn("Failed to cache identity",
			zap.String("handle", key),
			zap.Error(err))
	}

	r.logger.Debug("Identity refreshed",
		zap.String("handle", key),
		zap.String("protocol", fresh.Protocol))
	return &fresh, nil
}

// PublicKey resolves handle and parses its advertised public key.
func (r *Resolver) PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error) {
	id, err := r.Resolve(ctx, handle)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(id.PublicKey) == "" {
		return nil, fmt.Errorf("%w: %s has no public key", federation.ErrNotFound, handle)
	}
	pub, err := auth.ParsePublicKey(id.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key of %s: %w", handle, err)
	}
	return pub, nil
}
