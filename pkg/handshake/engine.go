// Package handshake runs the two-phase RSA/AES exchange that turns an
// introduction into an authenticated relationship.
//
// Phase A (Confirm) runs on the node whose user approves an introduction.
// Phase B (Accept) runs on the node that sent the introduction, when the
// phase A parameters arrive at its confirm endpoint.
package handshake

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fedgate/pkg/auth"
	"fedgate/pkg/federation"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

// ProtocolVersion is sent as dfrn_version.
const ProtocolVersion = "2.23"

var (
	// ErrTemporaryFailure is returned when the peer answered status 2.
	ErrTemporaryFailure = errors.New("remote reported a temporary failure")
	// ErrRemoteFailure is returned when the peer answered status 3.
	ErrRemoteFailure = errors.New("remote rejected the confirmation")
	// ErrMissingSiteKey is returned when no remote site key is known.
	ErrMissingSiteKey = errors.New("remote site public key not available")
)

// Store is the persistence the engine needs.
type Store interface {
	store.RelationshipStore
	store.IntroStore
	store.GroupStore
}

// IdentityResolver fills in endpoints and keys missing from a relationship.
type IdentityResolver interface {
	Resolve(ctx context.Context, handle string) (*types.Identity, error)
}

// AvatarFetcher caches a remote avatar and returns the local URL to use.
type AvatarFetcher interface {
	Fetch(ctx context.Context, rel *types.Relationship) (string, error)
}

// Notifier receives fire-and-forget relationship signals.
type Notifier interface {
	RelationshipConfirmed(ctx context.Context, local *types.LocalIdentity, rel *types.Relationship)
	ShareRequest(ctx context.Context, local *types.LocalIdentity, rel *types.Relationship)
}

// Config holds engine settings.
type Config struct {
	KeyBits  int
	Protocol string
	Metrics  *federation.Metrics
}

// Engine runs both handshake phases.
type Engine struct {
	store     Store
	transport Transport
	resolver  IdentityResolver
	avatars   AvatarFetcher
	notifier  Notifier
	keyBits   int
	protocol  string
	metrics   *federation.Metrics
	logger    *zap.Logger
}

// NewEngine creates a handshake engine. resolver, avatars and notifier may be nil.
func NewEngine(st Store, transport Transport, resolver IdentityResolver, avatars AvatarFetcher, notifier Notifier, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = auth.DefaultKeyBits
	}
	if cfg.Protocol == "" {
		cfg.Protocol = types.ProtocolDFRN
	}
	if cfg.Metrics == nil {
		cfg.Metrics = federation.NopMetrics()
	}
	return &Engine{
		store:     st,
		transport: transport,
		resolver:  resolver,
		avatars:   avatars,
		notifier:  notifier,
		keyBits:   cfg.KeyBits,
		protocol:  cfg.Protocol,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// ConfirmRequest is a local approval of a pending introduction.
type ConfirmRequest struct {
	// HandshakeID takes precedence over ContactID when set.
	HandshakeID string
	ContactID   types.RelationshipID
	IntroID     int64
	Duplex      bool
	Hidden      bool
}

// Result is the outcome of phase A.
type Result struct {
	Code         StatusCode
	Message      string
	Relationship *types.Relationship
}

// Confirm runs phase A. The new keypair is persisted before the remote call
// and the relation is finalized afterwards in a single compare-and-set
// update; no store lock is held while the request is in flight.
func (e *Engine) Confirm(ctx context.Context, local *types.LocalIdentity, req ConfirmRequest) (*Result, error) {
	start := time.Now()
	e.metrics.HandshakesStarted.WithLabelValues("confirm").Inc()
	defer federation.ObserveSince(e.metrics.HandshakeLatency.WithLabelValues("confirm"), start)

	res, err := e.confirm(ctx, local, req)
	code := StatusNoResponse
	if res != nil {
		code = res.Code
	}
	e.metrics.HandshakeResults.WithLabelValues("confirm", code.String()).Inc()
	if err != nil {
		e.logger.Warn("Confirmation failed",
			zap.Int64("local", int64(local.ID)),
			zap.String("handshake_id", req.HandshakeID),
			zap.Int64("contact", int64(req.ContactID)),
			zap.Error(err))
	}
	return res, err
}

func (e *Engine) confirm(ctx context.Context, local *types.LocalIdentity, req ConfirmRequest) (*Result, error) {
	rel, err := e.lookup(ctx, local, req)
	if err != nil {
		return nil, err
	}
	e.fillFromIdentity(ctx, rel)

	network := rel.Network
	if network == "" {
		network = e.protocol
	}

	if network == types.ProtocolDFRN {
		res, err := e.exchangeKeys(ctx, local, rel, req)
		if err != nil || res.Code != StatusOK {
			return res, err
		}
	}

	prev := rel.Relation
	next, duplex := NextRelationInitiator(prev, req.Duplex)
	photo := e.fetchAvatar(ctx, rel)

	err = e.store.Finalize(ctx, rel.ID, store.Finalization{
		From:     prev,
		Relation: next,
		Duplex:   duplex,
		Hidden:   req.Hidden,
		Forum:    rel.Forum,
		Private:  rel.Private,
		Network:  network,
		Photo:    photo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize relationship %d: %w", rel.ID, err)
	}

	if req.IntroID > 0 {
		err = e.store.DeleteIntroduction(ctx, req.IntroID)
	} else {
		err = e.store.DeleteIntroductionsFor(ctx, rel.ID)
	}
	if err != nil {
		e.logger.Warn("Failed to delete introduction", zap.Int64("relationship", int64(rel.ID)), zap.Error(err))
	}
	if err := e.store.AddToDefaultGroup(ctx, local.ID, network, rel.ID); err != nil {
		e.logger.Warn("Failed to add to default group", zap.Int64("relationship", int64(rel.ID)), zap.Error(err))
	}

	final, err := e.store.GetRelationship(ctx, rel.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload relationship %d: %w", rel.ID, err)
	}

	if network != types.ProtocolDFRN && next == types.RelationFriend && e.notifier != nil {
		e.notifier.ShareRequest(ctx, local, final)
	}

	e.logger.Info("Relationship confirmed",
		zap.Int64("relationship", int64(rel.ID)),
		zap.String("handle", final.Handle),
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
	return &Result{Code: StatusOK, Relationship: final}, nil
}

func (e *Engine) lookup(ctx context.Context, local *types.LocalIdentity, req ConfirmRequest) (*types.Relationship, error) {
	if req.HandshakeID != "" {
		return e.store.FindByHandshakeID(ctx, local.ID, req.HandshakeID)
	}
	if req.ContactID == 0 {
		return nil, fmt.Errorf("%w: no handshake id or contact id", federation.ErrRelationshipNotFound)
	}
	rel, err := e.store.GetRelationship(ctx, req.ContactID)
	if err != nil {
		return nil, err
	}
	if rel.LocalID != local.ID {
		return nil, federation.ErrRelationshipNotFound
	}
	return rel, nil
}

// fillFromIdentity completes the confirm endpoint, site key and photo of rel
// from the identity cache when the introduction did not carry them.
func (e *Engine) fillFromIdentity(ctx context.Context, rel *types.Relationship) {
	if e.resolver == nil || rel.Handle == "" {
		return
	}
	if rel.ConfirmURL != "" && rel.SitePublicKey != "" && rel.Photo != "" {
		return
	}
	id, err := e.resolver.Resolve(ctx, rel.Handle)
	if err != nil {
		e.logger.Debug("Identity lookup failed", zap.String("handle", rel.Handle), zap.Error(err))
		return
	}
	if rel.ConfirmURL == "" {
		rel.ConfirmURL = id.ConfirmURL
	}
	if rel.SitePublicKey == "" {
		rel.SitePublicKey = id.PublicKey
	}
	if rel.Photo == "" {
		rel.Photo = id.AvatarURL
	}
}

// exchangeKeys generates and persists the relationship keypair, posts the
// encrypted parameters and interprets the remote status.
func (e *Engine) exchangeKeys(ctx context.Context, local *types.LocalIdentity, rel *types.Relationship, req ConfirmRequest) (*Result, error) {
	if rel.ConfirmURL == "" {
		return nil, fmt.Errorf("relationship %d has no confirm endpoint", rel.ID)
	}
	if rel.SitePublicKey == "" {
		return nil, ErrMissingSiteKey
	}
	sitePub, err := auth.ParsePublicKey(rel.SitePublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid remote site key: %w", err)
	}
	siteKey, err := auth.ParsePrivateKey(local.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid local site key: %w", err)
	}

	privPEM, pubPEM, err := auth.GenerateKeyPair(e.keyBits)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetPrivateKey(ctx, rel.ID, privPEM); err != nil {
		return nil, fmt.Errorf("failed to persist private key: %w", err)
	}

	handshakeID := rel.IssuedID
	if handshakeID == "" {
		handshakeID = rel.ReceivedID
	}
	if handshakeID == "" {
		if handshakeID, err = e.regenerateIssuedID(ctx, rel.ID); err != nil {
			return nil, err
		}
	}

	form, err := e.confirmParams(local, siteKey, sitePub, rel, handshakeID, pubPEM, req.Duplex)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Posting confirmation",
		zap.Int64("relationship", int64(rel.ID)),
		zap.String("endpoint", rel.ConfirmURL),
		zap.Bool("aes", rel.AESAllow))

	status, err := e.transport.Post(ctx, rel.ConfirmURL, form)
	if err != nil {
		code := StatusNoResponse
		if errors.Is(err, ErrTimeout) {
			code = StatusTemporary
		}
		return &Result{Code: code, Message: err.Error()}, err
	}

	res := &Result{Code: status.Code, Message: status.Message}
	switch status.Code {
	case StatusOK:
		return res, nil
	case StatusCollision:
		e.metrics.HandshakeCollisions.Inc()
		if _, err := e.regenerateIssuedID(ctx, rel.ID); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %s", federation.ErrHandshakeIDCollision, status.Message)
	case StatusTemporary:
		return res, fmt.Errorf("%w: %s", ErrTemporaryFailure, status.Message)
	default:
		return res, fmt.Errorf("%w: status %d: %s", ErrRemoteFailure, status.Code, status.Message)
	}
}

func (e *Engine) confirmParams(local *types.LocalIdentity, priv *rsa.PrivateKey, pub *rsa.PublicKey, rel *types.Relationship, handshakeID, pubPEM string, duplex bool) (url.Values, error) {
	dfrnID, err := auth.PrivateEncrypt(priv, []byte(handshakeID))
	if err != nil {
		return nil, fmt.Errorf("failed to sign handshake id: %w", err)
	}
	source, err := auth.PublicEncrypt(pub, []byte(local.ProfileURL))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt source url: %w", err)
	}

	form := url.Values{}
	form.Set("dfrn_id", hex.EncodeToString(dfrnID))
	form.Set("source_url", hex.EncodeToString(source))
	form.Set("dfrn_version", ProtocolVersion)
	if duplex {
		form.Set("duplex", "1")
	}
	switch local.PageType {
	case types.PageCommunity:
		form.Set("page", "1")
	case types.PagePrivateGroup:
		form.Set("page", "2")
	}

	if rel.AESAllow {
		key, err := auth.NewSymmetricKey()
		if err != nil {
			return nil, err
		}
		sealed, err := auth.EncryptAES256CBC([]byte(pubPEM), key)
		if err != nil {
			return nil, err
		}
		wrapped, err := auth.PublicEncrypt(pub, key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt symmetric key: %w", err)
		}
		form.Set("public_key", hex.EncodeToString(sealed))
		form.Set("aes_key", hex.EncodeToString(wrapped))
	} else {
		form.Set("public_key", pubPEM)
	}
	return form, nil
}

// regenerateIssuedID stores a fresh issued id, retrying on the unlikely
// store-level collision.
func (e *Engine) regenerateIssuedID(ctx context.Context, id types.RelationshipID) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		issued := uuid.NewString()
		err := e.store.SetIssuedID(ctx, id, issued)
		if err == nil {
			return issued, nil
		}
		if !errors.Is(err, federation.ErrHandshakeIDCollision) {
			return "", fmt.Errorf("failed to store issued id: %w", err)
		}
	}
	return "", fmt.Errorf("failed to store issued id: %w", federation.ErrHandshakeIDCollision)
}

func (e *Engine) fetchAvatar(ctx context.Context, rel *types.Relationship) string {
	if e.avatars == nil || rel.Photo == "" {
		return ""
	}
	photo, err := e.avatars.Fetch(ctx, rel)
	if err != nil {
		e.logger.Info("Avatar fetch failed",
			zap.Int64("relationship", int64(rel.ID)),
			zap.String("photo", rel.Photo),
			zap.Error(err))
		return ""
	}
	return photo
}

func pageFlags(page string) (forum, private bool) {
	switch n, _ := strconv.Atoi(page); n {
	case 1:
		return true, false
	case 2:
		return false, true
	}
	return false, false
}
