package envelope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fedgate/pkg/auth"
	"fedgate/pkg/federation"
	"fedgate/pkg/identity"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

func TestVerify_DiasporaAuthorThroughResolver(t *testing.T) {
	ctx := context.Background()
	privPEM, pubPEM, err := auth.GenerateKeyPair(1024)
	require.NoError(t, err)
	priv, err := auth.ParsePrivateKey(privPEM)
	require.NoError(t, err)

	// The author's node only speaks Diaspora.
	lookup := identity.ProberFunc(func(_ context.Context, handle, _ string) (*types.Identity, error) {
		return &types.Identity{
			Protocol:   types.ProtocolDiaspora,
			Handle:     handle,
			ProfileURL: "https://x/u/a",
			PublicKey:  pubPEM,
		}, nil
	})
	raw := xmlDoc("comment",
		"author", "a@x", "guid", "g1", "parent_guid", "p1", "text", "hi",
		"author_signature", sign(t, priv, "a@x;g1;p1;hi"))

	t.Run("diaspora resolver", func(t *testing.T) {
		r := identity.NewResolver(store.NewMemoryStore(), lookup,
			identity.Config{Protocol: types.ProtocolDiaspora}, zaptest.NewLogger(t))
		v := NewVerifier(r, federation.NopMetrics(), zaptest.NewLogger(t))

		env, err := v.Verify(ctx, raw, "a@x")
		require.NoError(t, err)
		assert.Equal(t, "a@x;g1;p1;hi", env.SignedData)
	})

	t.Run("dfrn resolver cannot find the author", func(t *testing.T) {
		r := identity.NewResolver(store.NewMemoryStore(), lookup,
			identity.Config{Protocol: types.ProtocolDFRN}, zaptest.NewLogger(t))
		v := NewVerifier(r, federation.NopMetrics(), zaptest.NewLogger(t))

		_, err := v.Verify(ctx, raw, "a@x")
		assert.ErrorIs(t, err, federation.ErrSignatureMismatch)
	})
}
