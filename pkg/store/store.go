// Package store defines the persistence collaborator used by the resolver,
// gate, router and handshake engine, with an in-memory implementation for
// tests and single-node use and a PostgreSQL implementation for production.
package store

import (
	"context"
	"errors"

	"fedgate/pkg/types"
)

// ErrStaleRelationship is returned by Finalize when the relationship changed
// between the caller's read and the update.
var ErrStaleRelationship = errors.New("relationship changed concurrently")

// IdentityStore caches remote identities. Only the identity resolver writes.
type IdentityStore interface {
	GetIdentity(ctx context.Context, protocol, handle string) (*types.Identity, error)
	UpsertIdentity(ctx context.Context, identity *types.Identity) error
}

// LocalStore looks up accounts hosted on this node.
type LocalStore interface {
	GetLocal(ctx context.Context, id types.LocalID) (*types.LocalIdentity, error)
	GetLocalByNickname(ctx context.Context, nickname string) (*types.LocalIdentity, error)
}

// Finalization is the single atomic update that completes a handshake.
// It only applies when the stored relation still equals From.
type Finalization struct {
	From            types.Relation
	Relation        types.Relation
	Duplex          bool
	Hidden          bool
	Forum           bool
	Private         bool
	Network         string
	Photo           string
	ProtocolVersion string
}

// RelationshipStore holds relationship rows and enforces handshake-id uniqueness.
type RelationshipStore interface {
	GetRelationship(ctx context.Context, id types.RelationshipID) (*types.Relationship, error)
	FindByHandle(ctx context.Context, local types.LocalID, handle string) (*types.Relationship, error)
	FindByURL(ctx context.Context, local types.LocalID, url string) (*types.Relationship, error)
	// FindByHandshakeID matches the issued id, or the received id on duplex relationships.
	FindByHandshakeID(ctx context.Context, local types.LocalID, handshakeID string) (*types.Relationship, error)
	ListRelationships(ctx context.Context, local types.LocalID) ([]*types.Relationship, error)

	CreateRelationship(ctx context.Context, rel *types.Relationship) (types.RelationshipID, error)
	SetPrivateKey(ctx context.Context, id types.RelationshipID, privateKey string) error
	// SetIssuedID fails with federation.ErrHandshakeIDCollision if any other row issued the same id.
	SetIssuedID(ctx context.Context, id types.RelationshipID, issuedID string) error
	ClearIssuedID(ctx context.Context, id types.RelationshipID) error
	// SetReceivedHandshake fails with federation.ErrHandshakeIDCollision if any other row holds receivedID.
	SetReceivedHandshake(ctx context.Context, id types.RelationshipID, receivedID, publicKey string) error
	Finalize(ctx context.Context, id types.RelationshipID, f Finalization) error
	// PromoteToFriend moves a follower to friend and marks it writable.
	PromoteToFriend(ctx context.Context, id types.RelationshipID) error
}

// IntroStore holds pending introductions.
type IntroStore interface {
	CreateIntroduction(ctx context.Context, intro *types.Introduction) (int64, error)
	GetIntroduction(ctx context.Context, id int64) (*types.Introduction, error)
	DeleteIntroduction(ctx context.Context, id int64) error
	DeleteIntroductionsFor(ctx context.Context, rel types.RelationshipID) error
}

// GroupStore manages default-group membership.
type GroupStore interface {
	AddToDefaultGroup(ctx context.Context, local types.LocalID, network string, rel types.RelationshipID) error
}

// AuditStore records verified relayable signatures.
type AuditStore interface {
	InsertSignatureAudit(ctx context.Context, audit *types.SignatureAudit) (int64, error)
}

// Store is the complete persistence collaborator.
type Store interface {
	IdentityStore
	LocalStore
	RelationshipStore
	IntroStore
	GroupStore
	AuditStore
	Close() error
}
