package router

import (
	"context"

	"go.uber.org/zap"

	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

// AuditHandler records the author signature of relayable messages so they
// can be forwarded later, and accepts everything else as is.
type AuditHandler struct {
	audits store.AuditStore
	logger *zap.Logger
}

// NewAuditHandler creates the default handler bound to every slot.
func NewAuditHandler(audits store.AuditStore, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{audits: audits, logger: logger}
}

func (h *AuditHandler) Handle(ctx context.Context, local *types.LocalIdentity, env *types.Envelope) bool {
	if len(env.AuthorSignature) == 0 {
		h.logger.Debug("Accepted message",
			zap.String("type", env.Type),
			zap.String("sender", env.Sender))
		return true
	}

	var localID types.LocalID
	if local != nil {
		localID = local.ID
	}

	id, err := h.audits.InsertSignatureAudit(ctx, &types.SignatureAudit{
		LocalID:    localID,
		Type:       env.Type,
		GUID:       env.Get("guid"),
		Signer:     env.Author(),
		SignedText: env.SignedData,
		Signature:  env.AuthorSignature,
	})
	if err != nil {
		h.logger.Error("Failed to record signature",
			zap.String("type", env.Type),
			zap.String("guid", env.Get("guid")),
			zap.Error(err))
		return false
	}

	h.logger.Debug("Recorded signature",
		zap.Int64("audit", id),
		zap.String("type", env.Type),
		zap.String("signer", env.Author()))
	return true
}
