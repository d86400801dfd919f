package envelope

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fedgate/pkg/auth"
	"fedgate/pkg/federation"
	"fedgate/pkg/types"
)

// signedTypes require an author signature over the canonical payload.
var signedTypes = map[string]bool{
	"comment":      true,
	"conversation": true,
	"message":      true,
	"like":         true,
}

// authoredTypes must be delivered by their own author.
var authoredTypes = map[string]bool{
	"status_message": true,
	"reshare":        true,
}

// IsSigned reports whether msgType carries a mandatory author signature.
func IsSigned(msgType string) bool {
	return signedTypes[msgType]
}

// KeyResolver looks up the public key advertised for a handle.
type KeyResolver interface {
	PublicKey(ctx context.Context, handle string) (*rsa.PublicKey, error)
}

// Verifier authenticates inbound envelopes.
type Verifier struct {
	keys    KeyResolver
	metrics *federation.Metrics
	logger  *zap.Logger
}

// NewVerifier creates a verifier that resolves signer keys through keys
func NewVerifier(keys KeyResolver, metrics *federation.Metrics, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = federation.NopMetrics()
	}
	return &Verifier{keys: keys, metrics: metrics, logger: logger}
}

// Canonicalize applies the legacy rename table and splits the signature
// fields out of msg. The signed payload is built from original values in
// document order and never depends on the renamed names.
func Canonicalize(msg *Message) (*types.Envelope, error) {
	env := &types.Envelope{
		Type:   msg.Type,
		Legacy: msg.Legacy,
		Fields: make([]types.Field, 0, len(msg.Fields)),
	}
	if msg.Legacy {
		env.Type = NormalizeType(msg.Type)
	}

	var signed strings.Builder
	for _, f := range msg.Fields {
		name := f.Name
		if msg.Legacy {
			name = RenameField(env.Type, name)
		}

		switch f.Name {
		case FieldAuthorSignature:
			if f.Value != "" {
				sig, err := decodeSignature(f.Value)
				if err != nil {
					return nil, fmt.Errorf("invalid %s: %w", f.Name, err)
				}
				env.AuthorSignature = sig
			}
			continue
		case FieldParentAuthorSignature:
			if f.Value != "" {
				sig, err := decodeSignature(f.Value)
				if err != nil {
					return nil, fmt.Errorf("invalid %s: %w", f.Name, err)
				}
				env.ParentAuthorSignature = sig
			}
			continue
		case FieldTargetAuthorSignature:
			// Kept in the mapping, left out of the payload.
		default:
			if signed.Len() > 0 {
				signed.WriteByte(';')
			}
			signed.WriteString(f.Value)
		}

		env.Fields = append(env.Fields, types.Field{Name: name, Value: f.Value})
	}
	env.SignedData = signed.String()
	return env, nil
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Verify parses raw, normalizes it and checks its signatures against the
// keys of senderHandle and the declared author. Every failure is a
// *federation.RejectError.
func (v *Verifier) Verify(ctx context.Context, raw []byte, senderHandle string) (*types.Envelope, error) {
	start := time.Now()
	defer federation.ObserveSince(v.metrics.VerifyLatency, start)

	msg, err := Parse(raw)
	if err != nil {
		return nil, federation.Reject(fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err), "unparsable envelope")
	}

	env, err := Canonicalize(msg)
	if err != nil {
		return nil, federation.Reject(fmt.Errorf("%w: %v", federation.ErrMalformedEnvelope, err), "bad signature encoding")
	}
	env.Sender = senderHandle

	if authoredTypes[env.Type] && !federation.SameHandle(senderHandle, env.Author()) {
		v.logger.Warn("Sender is not the author",
			zap.String("type", env.Type),
			zap.String("sender", senderHandle),
			zap.String("author", env.Author()))
		return nil, federation.Reject(federation.ErrUnauthorizedSender,
			"sender %s does not match author %s", senderHandle, env.Author())
	}

	if !IsSigned(env.Type) {
		return env, nil
	}

	if len(env.AuthorSignature) == 0 {
		return nil, federation.Reject(federation.ErrSignatureMismatch, "%s without author signature", env.Type)
	}

	if len(env.ParentAuthorSignature) > 0 {
		if err := v.check(ctx, senderHandle, env.SignedData, env.ParentAuthorSignature); err != nil {
			v.logger.Info("Parent author signature rejected",
				zap.String("type", env.Type),
				zap.String("sender", senderHandle),
				zap.Error(err))
			return nil, federation.Reject(err, "parent author signature from %s does not verify", senderHandle)
		}
	}

	if err := v.check(ctx, env.Author(), env.SignedData, env.AuthorSignature); err != nil {
		v.logger.Info("Author signature rejected",
			zap.String("type", env.Type),
			zap.String("author", env.Author()),
			zap.Error(err))
		return nil, federation.Reject(err, "author signature from %s does not verify", env.Author())
	}

	return env, nil
}

// check verifies sig over payload with the key advertised by handle. Key
// lookup failures are reported as signature mismatches.
func (v *Verifier) check(ctx context.Context, handle, payload string, sig []byte) error {
	if handle == "" {
		return fmt.Errorf("%w: no signer handle", federation.ErrSignatureMismatch)
	}
	pub, err := v.keys.PublicKey(ctx, handle)
	if err != nil {
		return fmt.Errorf("%w: %w", federation.ErrSignatureMismatch, err)
	}
	if err := auth.VerifySHA256(pub, []byte(payload), sig); err != nil {
		return fmt.Errorf("%w: %v", federation.ErrSignatureMismatch, err)
	}
	return nil
}
