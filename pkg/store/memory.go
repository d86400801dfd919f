package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fedgate/pkg/federation"
	"fedgate/pkg/types"
)

// MemoryStore keeps every table in process memory. All mutations happen
// under a single lock, so each method is one atomic update.
type MemoryStore struct {
	mu sync.RWMutex

	identities    map[string]*types.Identity
	locals        map[types.LocalID]*types.LocalIdentity
	relationships map[types.RelationshipID]*types.Relationship
	intros        map[int64]*types.Introduction
	groups        map[string]map[types.RelationshipID]struct{} // local/network -> members
	audits        []*types.SignatureAudit

	nextRelID   types.RelationshipID
	nextIntroID int64
	nextAuditID int64

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:    make(map[string]*types.Identity),
		locals:        make(map[types.LocalID]*types.LocalIdentity),
		relationships: make(map[types.RelationshipID]*types.Relationship),
		intros:        make(map[int64]*types.Introduction),
		groups:        make(map[string]map[types.RelationshipID]struct{}),
		now:           time.Now,
	}
}

func identityKey(protocol, handle string) string {
	return protocol + "\x00" + strings.ToLower(handle)
}

func (m *MemoryStore) GetIdentity(ctx context.Context, protocol, handle string) (*types.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.identities[identityKey(protocol, handle)]
	if !ok {
		return nil, federation.ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (m *MemoryStore) UpsertIdentity(ctx context.Context, identity *types.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *identity
	m.identities[identityKey(identity.Protocol, identity.Handle)] = &cp
	return nil
}

// AddLocal registers a hosted account.
func (m *MemoryStore) AddLocal(local *types.LocalIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *local
	m.locals[local.ID] = &cp
}

func (m *MemoryStore) GetLocal(ctx context.Context, id types.LocalID) (*types.LocalIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.locals[id]
	if !ok {
		return nil, federation.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetLocalByNickname(ctx context.Context, nickname string) (*types.LocalIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.locals {
		if l.Nickname == nickname {
			cp := *l
			return &cp, nil
		}
	}
	return nil, federation.ErrNotFound
}

func (m *MemoryStore) GetRelationship(ctx context.Context, id types.RelationshipID) (*types.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.relationships[id]
	if !ok {
		return nil, federation.ErrRelationshipNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) findLocked(match func(r *types.Relationship) bool) (*types.Relationship, error) {
	// Lowest id wins so results are deterministic.
	var found *types.Relationship
	for _, r := range m.relationships {
		if match(r) && (found == nil || r.ID < found.ID) {
			found = r
		}
	}
	if found == nil {
		return nil, federation.ErrRelationshipNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) FindByHandle(ctx context.Context, local types.LocalID, handle string) (*types.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(func(r *types.Relationship) bool {
		return r.LocalID == local && strings.EqualFold(r.Handle, handle)
	})
}

func (m *MemoryStore) FindByURL(ctx context.Context, local types.LocalID, url string) (*types.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(func(r *types.Relationship) bool {
		return r.LocalID == local && r.URL == url
	})
}

func (m *MemoryStore) FindByHandshakeID(ctx context.Context, local types.LocalID, handshakeID string) (*types.Relationship, error) {
	if handshakeID == "" {
		return nil, federation.ErrRelationshipNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(func(r *types.Relationship) bool {
		if r.LocalID != local {
			return false
		}
		return r.IssuedID == handshakeID || (r.Duplex && r.ReceivedID == handshakeID)
	})
}

func (m *MemoryStore) ListRelationships(ctx context.Context, local types.LocalID) ([]*types.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Relationship, 0)
	for _, r := range m.relationships {
		if r.LocalID == local {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRelationship(ctx context.Context, rel *types.Relationship) (types.RelationshipID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rel.IssuedID != "" && m.issuedInUseLocked(rel.IssuedID, 0) {
		return 0, federation.ErrHandshakeIDCollision
	}
	if rel.ReceivedID != "" && m.receivedInUseLocked(rel.ReceivedID, 0) {
		return 0, federation.ErrHandshakeIDCollision
	}

	m.nextRelID++
	cp := *rel
	cp.ID = m.nextRelID
	cp.UpdatedAt = m.now()
	m.relationships[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) issuedInUseLocked(issued string, except types.RelationshipID) bool {
	for id, r := range m.relationships {
		if id != except && r.IssuedID == issued {
			return true
		}
	}
	return false
}

func (m *MemoryStore) receivedInUseLocked(received string, except types.RelationshipID) bool {
	for id, r := range m.relationships {
		if id != except && r.ReceivedID == received {
			return true
		}
	}
	return false
}

// update applies fn to the stored row under the write lock.
func (m *MemoryStore) update(id types.RelationshipID, fn func(r *types.Relationship) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.relationships[id]
	if !ok {
		return federation.ErrRelationshipNotFound
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetPrivateKey(ctx context.Context, id types.RelationshipID, privateKey string) error {
	return m.update(id, func(r *types.Relationship) error {
		r.PrivateKey = privateKey
		return nil
	})
}

func (m *MemoryStore) SetIssuedID(ctx context.Context, id types.RelationshipID, issuedID string) error {
	return m.update(id, func(r *types.Relationship) error {
		if m.issuedInUseLocked(issuedID, id) {
			return federation.ErrHandshakeIDCollision
		}
		r.IssuedID = issuedID
		return nil
	})
}

func (m *MemoryStore) ClearIssuedID(ctx context.Context, id types.RelationshipID) error {
	return m.update(id, func(r *types.Relationship) error {
		r.IssuedID = ""
		return nil
	})
}

func (m *MemoryStore) SetReceivedHandshake(ctx context.Context, id types.RelationshipID, receivedID, publicKey string) error {
	return m.update(id, func(r *types.Relationship) error {
		if m.receivedInUseLocked(receivedID, id) {
			return federation.ErrHandshakeIDCollision
		}
		r.ReceivedID = receivedID
		r.PublicKey = publicKey
		return nil
	})
}

func (m *MemoryStore) Finalize(ctx context.Context, id types.RelationshipID, f Finalization) error {
	return m.update(id, func(r *types.Relationship) error {
		if r.Relation != f.From {
			return ErrStaleRelationship
		}
		r.Relation = f.Relation
		r.Duplex = f.Duplex
		r.Hidden = f.Hidden
		r.Forum = f.Forum
		r.Private = f.Private
		r.Blocked = false
		r.Pending = false
		if f.Network != "" {
			r.Network = f.Network
		}
		if f.Photo != "" {
			r.Photo = f.Photo
		}
		if f.ProtocolVersion != "" {
			r.ProtocolVersion = f.ProtocolVersion
		}
		return nil
	})
}

func (m *MemoryStore) PromoteToFriend(ctx context.Context, id types.RelationshipID) error {
	return m.update(id, func(r *types.Relationship) error {
		if r.Relation != types.RelationFollower {
			return ErrStaleRelationship
		}
		r.Relation = types.RelationFriend
		r.Writable = true
		return nil
	})
}

func (m *MemoryStore) CreateIntroduction(ctx context.Context, intro *types.Introduction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextIntroID++
	cp := *intro
	cp.ID = m.nextIntroID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.intros[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) GetIntroduction(ctx context.Context, id int64) (*types.Introduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intro, ok := m.intros[id]
	if !ok {
		return nil, federation.ErrNotFound
	}
	cp := *intro
	return &cp, nil
}

func (m *MemoryStore) DeleteIntroduction(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intros, id)
	return nil
}

func (m *MemoryStore) DeleteIntroductionsFor(ctx context.Context, rel types.RelationshipID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, intro := range m.intros {
		if intro.RelationshipID == rel {
			delete(m.intros, id)
		}
	}
	return nil
}

func groupKey(local types.LocalID, network string) string {
	return fmt.Sprintf("%d/%s", local, network)
}

func (m *MemoryStore) AddToDefaultGroup(ctx context.Context, local types.LocalID, network string, rel types.RelationshipID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := groupKey(local, network)
	members, ok := m.groups[key]
	if !ok {
		members = make(map[types.RelationshipID]struct{})
		m.groups[key] = members
	}
	members[rel] = struct{}{}
	return nil
}

// GroupMembers lists the default-group members for a local identity and network.
func (m *MemoryStore) GroupMembers(local types.LocalID, network string) []types.RelationshipID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.RelationshipID, 0)
	for id := range m.groups[groupKey(local, network)] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *MemoryStore) InsertSignatureAudit(ctx context.Context, audit *types.SignatureAudit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAuditID++
	cp := *audit
	cp.ID = m.nextAuditID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.audits = append(m.audits, &cp)
	return cp.ID, nil
}

// Audits returns a copy of the recorded signature audits.
func (m *MemoryStore) Audits() []types.SignatureAudit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.SignatureAudit, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, *a)
	}
	return out
}

func (m *MemoryStore) Close() error {
	return nil
}
