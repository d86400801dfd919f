package handshake

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fedgate/pkg/auth"
	"fedgate/pkg/federation"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

// AcceptRequest carries the form fields of an inbound confirmation.
type AcceptRequest struct {
	DFRNID    string
	SourceURL string
	PublicKey string
	AESKey    string
	Version   string
	Duplex    bool
	Page      string
}

// AcceptFromForm reads an AcceptRequest from posted form values.
func AcceptFromForm(get func(string) string) AcceptRequest {
	return AcceptRequest{
		DFRNID:    get("dfrn_id"),
		SourceURL: get("source_url"),
		PublicKey: get("public_key"),
		AESKey:    get("aes_key"),
		Version:   get("dfrn_version"),
		Duplex:    get("duplex") == "1",
		Page:      get("page"),
	}
}

// Accept runs phase B. It never fails with a Go error: every outcome is a
// status code and message for the remote node.
func (e *Engine) Accept(ctx context.Context, local *types.LocalIdentity, req AcceptRequest) Status {
	start := time.Now()
	e.metrics.HandshakesStarted.WithLabelValues("accept").Inc()
	defer federation.ObserveSince(e.metrics.HandshakeLatency.WithLabelValues("accept"), start)

	status := e.accept(ctx, local, req)
	e.metrics.HandshakeResults.WithLabelValues("accept", status.Code.String()).Inc()
	if status.Code != StatusOK {
		e.logger.Info("Inbound confirmation rejected",
			zap.Int64("local", int64(local.ID)),
			zap.Int("status", int(status.Code)),
			zap.String("message", status.Message))
	}
	return status
}

func (e *Engine) accept(ctx context.Context, local *types.LocalIdentity, req AcceptRequest) Status {
	siteKey, err := auth.ParsePrivateKey(local.PrivateKey)
	if err != nil {
		e.logger.Error("Local site key unusable", zap.Int64("local", int64(local.ID)), zap.Error(err))
		return Status{Code: StatusFailure, Message: "Local site key unavailable."}
	}

	sourceURL := decryptWith(req.SourceURL, func(b []byte) ([]byte, error) {
		return auth.PrivateDecrypt(siteKey, b)
	})
	if sourceURL == "" {
		return Status{Code: StatusFailure, Message: "Unable to decrypt source URL."}
	}

	rel, err := e.store.FindByURL(ctx, local.ID, sourceURL)
	if errors.Is(err, federation.ErrRelationshipNotFound) {
		rel, err = e.store.FindByURL(ctx, local.ID, federation.SwapScheme(sourceURL))
	}
	if err != nil {
		if errors.Is(err, federation.ErrRelationshipNotFound) {
			return Status{Code: StatusFailure, Message: "Contact record not found."}
		}
		e.logger.Error("Relationship lookup failed", zap.String("source_url", sourceURL), zap.Error(err))
		return Status{Code: StatusTemporary, Message: "Temporary failure."}
	}

	if rel.SitePublicKey == "" {
		return Status{Code: StatusFailure, Message: "Site public key not available in contact record."}
	}
	sitePub, err := auth.ParsePublicKey(rel.SitePublicKey)
	if err != nil {
		return Status{Code: StatusFailure, Message: "Site public key not usable."}
	}

	handshakeID := decryptWith(req.DFRNID, func(b []byte) ([]byte, error) {
		return auth.PublicDecrypt(sitePub, b)
	})
	if handshakeID == "" {
		return Status{Code: StatusFailure, Message: "Unable to decrypt remote handshake id."}
	}

	pubPEM, err := recoverPublicKey(siteKey, req)
	if err != nil {
		e.logger.Info("Public key recovery failed", zap.Int64("relationship", int64(rel.ID)), zap.Error(err))
		return Status{Code: StatusFailure, Message: "Unable to recover public key."}
	}

	if err := e.store.SetReceivedHandshake(ctx, rel.ID, handshakeID, pubPEM); err != nil {
		if errors.Is(err, federation.ErrHandshakeIDCollision) {
			e.metrics.HandshakeCollisions.Inc()
			return Status{Code: StatusCollision, Message: "The ID provided by your system is a duplicate on our system. Please try again."}
		}
		e.logger.Error("Failed to store handshake", zap.Int64("relationship", int64(rel.ID)), zap.Error(err))
		return Status{Code: StatusTemporary, Message: "Temporary failure."}
	}

	if req.Duplex {
		if err := e.store.ClearIssuedID(ctx, rel.ID); err != nil {
			e.logger.Warn("Failed to clear issued id", zap.Int64("relationship", int64(rel.ID)), zap.Error(err))
		}
	}

	photo := e.fetchAvatar(ctx, rel)
	prev := rel.Relation
	next, duplex := NextRelationResponder(prev, req.Duplex)
	forum, private := pageFlags(req.Page)

	err = e.store.Finalize(ctx, rel.ID, store.Finalization{
		From:            prev,
		Relation:        next,
		Duplex:          duplex,
		Hidden:          rel.Hidden,
		Forum:           forum,
		Private:         private,
		Network:         types.ProtocolDFRN,
		Photo:           photo,
		ProtocolVersion: req.Version,
	})
	if err != nil {
		e.logger.Warn("Failed to finalize relationship", zap.Int64("relationship", int64(rel.ID)), zap.Error(err))
		return Status{Code: StatusTemporary, Message: "Unable to update contact record."}
	}

	if local.NotifyFlags&types.NotifyConfirm != 0 && e.notifier != nil {
		if final, err := e.store.GetRelationship(ctx, rel.ID); err == nil {
			e.notifier.RelationshipConfirmed(ctx, local, final)
		}
	}

	e.logger.Info("Inbound confirmation accepted",
		zap.Int64("relationship", int64(rel.ID)),
		zap.String("url", rel.URL),
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
	return Status{Code: StatusOK}
}

// decryptWith hex-decodes field and applies fn, returning "" on any failure.
func decryptWith(field string, fn func([]byte) ([]byte, error)) string {
	raw, err := hex.DecodeString(strings.TrimSpace(field))
	if err != nil || len(raw) == 0 {
		return ""
	}
	out, err := fn(raw)
	if err != nil {
		return ""
	}
	return string(out)
}

// recoverPublicKey extracts the sender's relationship key, unwrapping the
// symmetric layer when an aes_key was supplied. Without one the key may
// arrive hex-encoded or as plain PEM.
func recoverPublicKey(siteKey *rsa.PrivateKey, req AcceptRequest) (string, error) {
	var pemText string
	if req.AESKey != "" {
		wrapped, err := hex.DecodeString(strings.TrimSpace(req.AESKey))
		if err != nil {
			return "", fmt.Errorf("%w: aes_key: %v", federation.ErrHandshakeDecryption, err)
		}
		key, err := auth.PrivateDecrypt(siteKey, wrapped)
		if err != nil {
			return "", fmt.Errorf("%w: aes_key: %v", federation.ErrHandshakeDecryption, err)
		}
		sealed, err := hex.DecodeString(strings.TrimSpace(req.PublicKey))
		if err != nil {
			return "", fmt.Errorf("%w: public_key: %v", federation.ErrHandshakeDecryption, err)
		}
		plain, err := auth.DecryptAES256CBC(sealed, key)
		if err != nil {
			return "", fmt.Errorf("%w: public_key: %v", federation.ErrHandshakeDecryption, err)
		}
		pemText = string(plain)
	} else if raw, err := hex.DecodeString(strings.TrimSpace(req.PublicKey)); err == nil && len(raw) > 0 {
		pemText = string(raw)
	} else {
		pemText = req.PublicKey
	}

	if _, err := auth.ParsePublicKey(pemText); err != nil {
		return "", fmt.Errorf("%w: %v", federation.ErrHandshakeDecryption, err)
	}
	return pemText, nil
}
