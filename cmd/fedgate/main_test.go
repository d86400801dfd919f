package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fedgate/pkg/config"
	"fedgate/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("FEDGATE_CONFIG_DIR", t.TempDir())

	cfg := config.Default()
	cfg.Federation.BaseURL = "https://pod.example"
	cfg.Federation.KeyBits = 1024
	cfg.LocalIdentities = []config.LocalIdentityConfig{
		{ID: 1, Nickname: "alice"},
		{ID: 2, Nickname: "forum", PageType: "community"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildNode(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	_, err := buildNode(ctx, cfg, false, zaptest.NewLogger(t))
	assert.Error(t, err, "keys are not generated implicitly")

	n, err := buildNode(ctx, cfg, true, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	alice, err := n.local("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@pod.example", alice.Handle)

	stored, err := n.store.GetLocalByNickname(ctx, "forum")
	require.NoError(t, err)
	assert.Equal(t, types.PageCommunity, stored.PageType)

	_, err = n.local("mallory")
	assert.Error(t, err)

	assert.NotEmpty(t, n.router.Slots())
	assert.NotNil(t, n.engine)
	assert.NotSame(t, n.resolver, n.signers)
	assert.NotNil(t, n.avatars)

	families, err := n.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestLoadConfigFlag(t *testing.T) {
	path := filepath.Join("testdata", "fedgate.yaml")
	configFile = path
	defer func() { configFile = "" }()
	t.Setenv("FEDGATE_LISTEN_ADDR", ":9999")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr, "environment overrides the file")
	assert.Equal(t, "https://pod.example", cfg.Federation.BaseURL)
	require.Len(t, cfg.LocalIdentities, 1)
	assert.Equal(t, "alice", cfg.LocalIdentities[0].Nickname)
}

func TestRequirePersistentStore(t *testing.T) {
	cfg := config.Default()
	assert.Error(t, requirePersistentStore(cfg), "memory store is empty on every run")

	cfg.Store.Driver = config.StorePostgres
	assert.NoError(t, requirePersistentStore(cfg))
}

func TestContactsTable(t *testing.T) {
	rels := []*types.Relationship{
		{ID: 7, Handle: "bob@b.example", Network: types.ProtocolDFRN, Relation: types.RelationFriend, Duplex: true, IssuedID: "abc", UpdatedAt: time.Now()},
		{ID: 8, Handle: "carol@c.example", Network: types.ProtocolDiaspora, Relation: types.RelationFollower, Pending: true},
	}

	out := contactsTable(rels)
	assert.Contains(t, out, "bob@b.example")
	assert.Contains(t, out, "carol@c.example")
	assert.Contains(t, out, "friend")
	assert.Contains(t, out, "follower")

	assert.Contains(t, relationshipState(rels[0]), "duplex")
	assert.Contains(t, relationshipState(rels[1]), "pending")
	assert.Equal(t, "issued", handshakeState(rels[0]))

	view := newContactView(rels[0])
	assert.True(t, view.IssuedID)
	assert.False(t, view.ReceivedID)
	assert.Equal(t, "friend", view.Relation)
}

func TestRenderIdentity(t *testing.T) {
	out := renderIdentity(&types.Identity{
		Protocol:   types.ProtocolDFRN,
		Handle:     "bob@b.example",
		ConfirmURL: "https://b.example/dfrn_confirm/bob",
	})
	assert.Contains(t, out, "bob@b.example")
	assert.Contains(t, out, "dfrn_confirm")
	assert.True(t, strings.Contains(out, "missing"), "absent key is flagged")
}
