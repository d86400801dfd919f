package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fedgate/pkg/federation"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

func TestGate_MayAccept(t *testing.T) {
	normal := &types.LocalIdentity{ID: 1, PageType: types.PageNormal}
	community := &types.LocalIdentity{ID: 2, PageType: types.PageCommunity}
	sink := &types.LocalIdentity{ID: 0}

	tests := []struct {
		name    string
		local   *types.LocalIdentity
		rel     types.Relationship
		comment bool
		want    bool
	}{
		{"follower top-level on community", community, types.Relationship{Relation: types.RelationFollower}, false, true},
		{"follower top-level on normal", normal, types.Relationship{Relation: types.RelationFollower}, false, false},
		{"follower comment on normal", normal, types.Relationship{Relation: types.RelationFollower}, true, true},
		{"follower comment on community", community, types.Relationship{Relation: types.RelationFollower}, true, true},
		{"sharing", normal, types.Relationship{Relation: types.RelationSharing}, false, true},
		{"friend", normal, types.Relationship{Relation: types.RelationFriend}, false, true},
		{"none", normal, types.Relationship{Relation: types.RelationNone}, true, false},
		{"blocked friend", normal, types.Relationship{Relation: types.RelationFriend, Blocked: true}, false, false},
		{"readonly friend", normal, types.Relationship{Relation: types.RelationFriend, ReadOnly: true}, false, false},
		{"archived friend", normal, types.Relationship{Relation: types.RelationFriend, Archive: true}, false, false},
		{"none on public sink", sink, types.Relationship{Relation: types.RelationNone}, false, true},
		{"blocked on public sink", sink, types.Relationship{Relation: types.RelationFriend, Blocked: true}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemoryStore()
			rel := tt.rel
			rel.LocalID = tt.local.ID
			id, err := st.CreateRelationship(ctx, &rel)
			require.NoError(t, err)
			rel.ID = id

			g := NewGate(st, federation.NopMetrics(), zaptest.NewLogger(t))
			assert.Equal(t, tt.want, g.MayAccept(ctx, tt.local, &rel, tt.comment))

			stored, err := st.GetRelationship(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.rel.Relation, stored.Relation, "only open profiles promote")
		})
	}
}

func TestGate_NilRelationship(t *testing.T) {
	g := NewGate(store.NewMemoryStore(), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.True(t, g.MayAccept(ctx, &types.LocalIdentity{ID: 0}, nil, false))
	assert.False(t, g.MayAccept(ctx, &types.LocalIdentity{ID: 1}, nil, true))
	assert.False(t, g.MayAccept(ctx, nil, nil, false))
}

func TestGate_OpenProfilePromotesFollower(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	open := &types.LocalIdentity{ID: 3, PageType: types.PageFreeLove}

	rel := &types.Relationship{LocalID: 3, Relation: types.RelationFollower}
	id, err := st.CreateRelationship(ctx, rel)
	require.NoError(t, err)
	rel.ID = id

	g := NewGate(st, federation.NopMetrics(), zaptest.NewLogger(t))
	assert.True(t, g.MayAccept(ctx, open, rel, false))
	assert.Equal(t, types.RelationFriend, rel.Relation)
	assert.True(t, rel.Writable)

	stored, err := st.GetRelationship(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RelationFriend, stored.Relation)
	assert.True(t, stored.Writable)
}

func TestGate_PromotionRunsBeforeBlockCheck(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	open := &types.LocalIdentity{ID: 3, PageType: types.PageFreeLove}

	rel := &types.Relationship{LocalID: 3, Relation: types.RelationFollower, Blocked: true}
	id, err := st.CreateRelationship(ctx, rel)
	require.NoError(t, err)
	rel.ID = id

	g := NewGate(st, federation.NopMetrics(), zaptest.NewLogger(t))
	assert.False(t, g.MayAccept(ctx, open, rel, false))

	stored, _ := st.GetRelationship(ctx, id)
	assert.Equal(t, types.RelationFriend, stored.Relation)
}

func TestGate_NilPromoterKeepsFollower(t *testing.T) {
	ctx := context.Background()
	open := &types.LocalIdentity{ID: 3, PageType: types.PageFreeLove}
	g := NewGate(nil, nil, zaptest.NewLogger(t))

	rel := &types.Relationship{ID: 9, LocalID: 3, Relation: types.RelationFollower}
	assert.False(t, g.MayAccept(ctx, open, rel, false))
	assert.Equal(t, types.RelationFollower, rel.Relation)
	assert.False(t, rel.Writable)

	assert.True(t, g.MayAccept(ctx, open, rel, true), "followers may still comment")
}
