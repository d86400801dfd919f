package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fedgate/pkg/federation"
	"fedgate/pkg/types"
)

// newTestPostgres connects to FEDGATE_TEST_POSTGRES and truncates every table.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("FEDGATE_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("FEDGATE_TEST_POSTGRES not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.pool.Exec(ctx, `TRUNCATE identities, local_identities, relationships, introductions,
		group_members, signature_audits RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPostgresStore_Identity(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertIdentity(ctx, &types.Identity{
		Protocol: types.ProtocolDFRN, Handle: "bob@remote.example", Name: "Bob", UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertIdentity(ctx, &types.Identity{
		Protocol: types.ProtocolDFRN, Handle: "bob@remote.example", Name: "Robert", UpdatedAt: now.Add(time.Hour),
	}))

	id, err := s.GetIdentity(ctx, types.ProtocolDFRN, "bob@remote.example")
	require.NoError(t, err)
	assert.Equal(t, "Robert", id.Name)
	assert.True(t, id.UpdatedAt.Equal(now.Add(time.Hour)))

	_, err = s.GetIdentity(ctx, types.ProtocolDiaspora, "bob@remote.example")
	assert.ErrorIs(t, err, federation.ErrNotFound)
}

func TestPostgresStore_HandshakeIDCollision(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	a, err := s.CreateRelationship(ctx, &types.Relationship{LocalID: 1, URL: "https://a.example/profile/a"})
	require.NoError(t, err)
	b, err := s.CreateRelationship(ctx, &types.Relationship{LocalID: 1, URL: "https://b.example/profile/b"})
	require.NoError(t, err)

	require.NoError(t, s.SetReceivedHandshake(ctx, a, "dup", "pub-a"))
	assert.ErrorIs(t, s.SetReceivedHandshake(ctx, b, "dup", "pub-b"), federation.ErrHandshakeIDCollision)

	require.NoError(t, s.SetIssuedID(ctx, a, "mine"))
	assert.ErrorIs(t, s.SetIssuedID(ctx, b, "mine"), federation.ErrHandshakeIDCollision)

	rel, err := s.FindByHandshakeID(ctx, 1, "mine")
	require.NoError(t, err)
	assert.Equal(t, a, rel.ID)
}

func TestPostgresStore_Finalize(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	id, err := s.CreateRelationship(ctx, &types.Relationship{
		LocalID: 1, Relation: types.RelationFollower, Pending: true, Network: types.ProtocolDFRN,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Finalize(ctx, id, Finalization{From: types.RelationSharing}), ErrStaleRelationship)
	assert.ErrorIs(t, s.Finalize(ctx, 999, Finalization{}), federation.ErrRelationshipNotFound)

	require.NoError(t, s.Finalize(ctx, id, Finalization{
		From: types.RelationFollower, Relation: types.RelationFriend, Forum: true,
	}))

	rel, err := s.GetRelationship(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RelationFriend, rel.Relation)
	assert.False(t, rel.Pending)
	assert.True(t, rel.Forum)
	assert.Equal(t, types.ProtocolDFRN, rel.Network)
}

func TestPostgresStore_Introductions(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	rel, err := s.CreateRelationship(ctx, &types.Relationship{LocalID: 1})
	require.NoError(t, err)
	intro, err := s.CreateIntroduction(ctx, &types.Introduction{LocalID: 1, RelationshipID: rel, Note: "hello"})
	require.NoError(t, err)

	got, err := s.GetIntroduction(ctx, intro)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Note)

	require.NoError(t, s.DeleteIntroduction(ctx, intro))
	_, err = s.GetIntroduction(ctx, intro)
	assert.ErrorIs(t, err, federation.ErrNotFound)

	require.NoError(t, s.AddToDefaultGroup(ctx, 1, types.ProtocolDFRN, rel))
	require.NoError(t, s.AddToDefaultGroup(ctx, 1, types.ProtocolDFRN, rel))

	auditID, err := s.InsertSignatureAudit(ctx, &types.SignatureAudit{
		LocalID: 1, Type: "comment", Signer: "a@x", SignedText: "a@x;g1", Signature: []byte{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Positive(t, auditID)
}
