package receiver

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fedgate/pkg/auth"
	"fedgate/pkg/envelope"
	"fedgate/pkg/federation"
	"fedgate/pkg/gate"
	"fedgate/pkg/router"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

type keyring map[string]*rsa.PrivateKey

func (k keyring) PublicKey(_ context.Context, handle string) (*rsa.PublicKey, error) {
	priv, ok := k[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", federation.ErrNotFound, handle)
	}
	return &priv.PublicKey, nil
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Handle(_ context.Context, _ *types.LocalIdentity, env *types.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, env.Type)
	return true
}

type fixture struct {
	receiver *Receiver
	store    *store.MemoryStore
	metrics  *federation.Metrics
	handled  *recorder
	keys     keyring
	alice    *types.LocalIdentity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := federation.NopMetrics()
	st := store.NewMemoryStore()

	keys := keyring{}
	privPEM, _, err := auth.GenerateKeyPair(1024)
	require.NoError(t, err)
	keys["bob@b.example"], err = auth.ParsePrivateKey(privPEM)
	require.NoError(t, err)

	rec := &recorder{}
	r := NewReceiver(
		envelope.NewVerifier(keys, metrics, logger),
		st,
		gate.NewGate(st, metrics, logger),
		router.NewRouter(rec, logger),
		metrics,
		logger,
	)
	alice := &types.LocalIdentity{ID: 1, Nickname: "alice", PageType: types.PageNormal}
	st.AddLocal(alice)
	return &fixture{receiver: r, store: st, metrics: metrics, handled: rec, keys: keys, alice: alice}
}

func (f *fixture) relate(t *testing.T, rel types.Relation, blocked bool) {
	t.Helper()
	_, err := f.store.CreateRelationship(context.Background(), &types.Relationship{
		LocalID: f.alice.ID, Handle: "bob@b.example", Relation: rel, Blocked: blocked,
	})
	require.NoError(t, err)
}

func doc(root string, fields ...string) []byte {
	var sb strings.Builder
	sb.WriteString("<" + root + ">")
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&sb, "<%s>%s</%s>", fields[i], fields[i+1], fields[i])
	}
	sb.WriteString("</" + root + ">")
	return []byte(sb.String())
}

func (f *fixture) signedComment(t *testing.T) []byte {
	t.Helper()
	sig, err := auth.SignSHA256(f.keys["bob@b.example"], []byte("bob@b.example;c1;p1;nice"))
	require.NoError(t, err)
	return doc("comment",
		"author", "bob@b.example", "guid", "c1", "parent_guid", "p1", "text", "nice",
		"author_signature", base64.StdEncoding.EncodeToString(sig))
}

func statusMessage(author string) []byte {
	return doc("status_message", "author", author, "guid", "s1", "text", "hello")
}

func TestReceive(t *testing.T) {
	tests := []struct {
		name      string
		relation  types.Relation
		related   bool
		blocked   bool
		sink      bool
		raw       func(f *fixture, t *testing.T) []byte
		sender    string
		wantType  string
		wantErr   error
		wantClass string
	}{
		{
			name: "sharing contact posts", related: true, relation: types.RelationSharing,
			raw: func(*fixture, *testing.T) []byte { return statusMessage("bob@b.example") }, wantType: router.TypeStatusMessage,
		},
		{
			name: "stranger posts",
			raw:  func(*fixture, *testing.T) []byte { return statusMessage("bob@b.example") }, wantErr: federation.ErrUnauthorizedSender, wantClass: "unauthorized",
		},
		{
			name: "stranger posts to public sink", sink: true,
			raw: func(*fixture, *testing.T) []byte { return statusMessage("bob@b.example") }, wantType: router.TypeStatusMessage,
		},
		{
			name: "follower posts", related: true, relation: types.RelationFollower,
			raw: func(*fixture, *testing.T) []byte { return statusMessage("bob@b.example") }, wantErr: federation.ErrUnauthorizedSender, wantClass: "unauthorized",
		},
		{
			name: "follower comments", related: true, relation: types.RelationFollower,
			raw: func(f *fixture, t *testing.T) []byte { return f.signedComment(t) }, wantType: router.TypeComment,
		},
		{
			name: "blocked friend", related: true, relation: types.RelationFriend, blocked: true,
			raw: func(*fixture, *testing.T) []byte { return statusMessage("bob@b.example") }, wantErr: federation.ErrUnauthorizedSender, wantClass: "unauthorized",
		},
		{
			name: "stranger introduces", wantType: router.TypeRequest,
			raw: func(*fixture, *testing.T) []byte {
				return doc("request", "author", "bob@b.example", "recipient", "alice@a.example")
			},
		},
		{
			name: "spoofed author", related: true, relation: types.RelationFriend,
			raw: func(*fixture, *testing.T) []byte { return statusMessage("carol@c.example") }, wantErr: federation.ErrUnauthorizedSender, wantClass: "unauthorized",
		},
		{
			name: "unknown type", related: true, relation: types.RelationFriend,
			raw: func(*fixture, *testing.T) []byte { return doc("poke", "author", "bob@b.example") }, wantErr: federation.ErrUnknownMessageType, wantClass: "unknown_type",
		},
		{
			name: "not xml",
			raw:  func(*fixture, *testing.T) []byte { return []byte("{}") }, wantErr: federation.ErrMalformedEnvelope, wantClass: "malformed",
		},
		{
			name: "invalid sender", sender: "bob",
			raw: func(*fixture, *testing.T) []byte { return statusMessage("bob") }, wantErr: federation.ErrMalformedEnvelope, wantClass: "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.related {
				f.relate(t, tt.relation, tt.blocked)
			}
			local := f.alice
			if tt.sink {
				local = &types.LocalIdentity{ID: 0, Nickname: "public"}
			}
			sender := tt.sender
			if sender == "" {
				sender = "bob@b.example"
			}

			res, err := f.receiver.Receive(context.Background(), local, sender, tt.raw(f, t))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotEmpty(t, federation.Reason(err))
				assert.Empty(t, f.handled.types)
				assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EnvelopesRejected.WithLabelValues(tt.wantClass)))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, res.Type)
			assert.True(t, res.Handled)
			assert.Equal(t, []string{tt.wantType}, f.handled.types)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EnvelopesReceived.WithLabelValues(tt.wantType)))
		})
	}
}

func TestReceive_OpenProfilePromotesFollower(t *testing.T) {
	f := newFixture(t)
	f.alice.PageType = types.PageFreeLove
	f.relate(t, types.RelationFollower, false)

	_, err := f.receiver.Receive(context.Background(), f.alice, "bob@b.example", statusMessage("bob@b.example"))
	require.NoError(t, err)

	rel, err := f.store.FindByHandle(context.Background(), f.alice.ID, "bob@b.example")
	require.NoError(t, err)
	assert.Equal(t, types.RelationFriend, rel.Relation)
	assert.True(t, rel.Writable)
}

func TestIsReplyOrComment(t *testing.T) {
	assert.True(t, IsReplyOrComment(router.TypeComment))
	assert.True(t, IsReplyOrComment(router.TypeLike))
	assert.False(t, IsReplyOrComment(router.TypeStatusMessage))
	assert.False(t, IsReplyOrComment(router.TypeReshare))
}
