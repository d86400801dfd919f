package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fedgate/pkg/federation"
	"fedgate/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL. Handshake-id uniqueness is
// enforced by partial unique indexes, so collisions surface at write time.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, pings and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Connected to postgres store")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) GetIdentity(ctx context.Context, protocol, handle string) (*types.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT protocol, handle, guid, name, profile_url, avatar_url, poll_url,
		       notify_url, confirm_url, public_key, updated_at
		FROM identities WHERE protocol = $1 AND handle = lower($2)`, protocol, handle)

	var id types.Identity
	err := row.Scan(&id.Protocol, &id.Handle, &id.GUID, &id.Name, &id.ProfileURL, &id.AvatarURL,
		&id.PollURL, &id.NotifyURL, &id.ConfirmURL, &id.PublicKey, &id.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, federation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return &id, nil
}

func (s *PostgresStore) UpsertIdentity(ctx context.Context, id *types.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (protocol, handle, guid, name, profile_url, avatar_url, poll_url,
		                        notify_url, confirm_url, public_key, updated_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (protocol, handle) DO UPDATE SET
			guid = EXCLUDED.guid, name = EXCLUDED.name, profile_url = EXCLUDED.profile_url,
			avatar_url = EXCLUDED.avatar_url, poll_url = EXCLUDED.poll_url,
			notify_url = EXCLUDED.notify_url, confirm_url = EXCLUDED.confirm_url,
			public_key = EXCLUDED.public_key, updated_at = EXCLUDED.updated_at`,
		id.Protocol, id.Handle, id.GUID, id.Name, id.ProfileURL, id.AvatarURL, id.PollURL,
		id.NotifyURL, id.ConfirmURL, id.PublicKey, id.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}
	return nil
}

// UpsertLocal writes a hosted account, typically from configuration at startup.
func (s *PostgresStore) UpsertLocal(ctx context.Context, l *types.LocalIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO local_identities (id, nickname, handle, profile_url, page_type, private_key, public_key, notify_flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			nickname = EXCLUDED.nickname, handle = EXCLUDED.handle, profile_url = EXCLUDED.profile_url,
			page_type = EXCLUDED.page_type, private_key = EXCLUDED.private_key,
			public_key = EXCLUDED.public_key, notify_flags = EXCLUDED.notify_flags`,
		l.ID, l.Nickname, l.Handle, l.ProfileURL, int(l.PageType), l.PrivateKey, l.PublicKey, l.NotifyFlags)
	if err != nil {
		return fmt.Errorf("failed to upsert local identity: %w", err)
	}
	return nil
}

const localColumns = `id, nickname, handle, profile_url, page_type, private_key, public_key, notify_flags`

func scanLocal(row pgx.Row) (*types.LocalIdentity, error) {
	var l types.LocalIdentity
	var page int
	err := row.Scan(&l.ID, &l.Nickname, &l.Handle, &l.ProfileURL, &page, &l.PrivateKey, &l.PublicKey, &l.NotifyFlags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, federation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load local identity: %w", err)
	}
	l.PageType = types.PageType(page)
	return &l, nil
}

func (s *PostgresStore) GetLocal(ctx context.Context, id types.LocalID) (*types.LocalIdentity, error) {
	return scanLocal(s.pool.QueryRow(ctx, `SELECT `+localColumns+` FROM local_identities WHERE id = $1`, id))
}

func (s *PostgresStore) GetLocalByNickname(ctx context.Context, nickname string) (*types.LocalIdentity, error) {
	return scanLocal(s.pool.QueryRow(ctx, `SELECT `+localColumns+` FROM local_identities WHERE nickname = $1`, nickname))
}

const relColumns = `id, local_id, handle, url, name, photo, network, relation, duplex, blocked, pending,
	hidden, readonly, archive, writable, forum, private, private_key, public_key, site_public_key,
	issued_id, received_id, aes_allow, confirm_url, protocol_version, updated_at`

func scanRelationship(row pgx.Row) (*types.Relationship, error) {
	var r types.Relationship
	var rel int
	err := row.Scan(&r.ID, &r.LocalID, &r.Handle, &r.URL, &r.Name, &r.Photo, &r.Network, &rel,
		&r.Duplex, &r.Blocked, &r.Pending, &r.Hidden, &r.ReadOnly, &r.Archive, &r.Writable,
		&r.Forum, &r.Private, &r.PrivateKey, &r.PublicKey, &r.SitePublicKey, &r.IssuedID,
		&r.ReceivedID, &r.AESAllow, &r.ConfirmURL, &r.ProtocolVersion, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, federation.ErrRelationshipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load relationship: %w", err)
	}
	r.Relation = types.Relation(rel)
	return &r, nil
}

func (s *PostgresStore) GetRelationship(ctx context.Context, id types.RelationshipID) (*types.Relationship, error) {
	return scanRelationship(s.pool.QueryRow(ctx, `SELECT `+relColumns+` FROM relationships WHERE id = $1`, id))
}

func (s *PostgresStore) FindByHandle(ctx context.Context, local types.LocalID, handle string) (*types.Relationship, error) {
	return scanRelationship(s.pool.QueryRow(ctx, `SELECT `+relColumns+` FROM relationships
		WHERE local_id = $1 AND lower(handle) = lower($2) ORDER BY id LIMIT 1`, local, handle))
}

func (s *PostgresStore) FindByURL(ctx context.Context, local types.LocalID, url string) (*types.Relationship, error) {
	return scanRelationship(s.pool.QueryRow(ctx, `SELECT `+relColumns+` FROM relationships
		WHERE local_id = $1 AND url = $2 ORDER BY id LIMIT 1`, local, url))
}

func (s *PostgresStore) FindByHandshakeID(ctx context.Context, local types.LocalID, handshakeID string) (*types.Relationship, error) {
	if handshakeID == "" {
		return nil, federation.ErrRelationshipNotFound
	}
	return scanRelationship(s.pool.QueryRow(ctx, `SELECT `+relColumns+` FROM relationships
		WHERE local_id = $1 AND (issued_id = $2 OR (duplex AND received_id = $2))
		ORDER BY id LIMIT 1`, local, handshakeID))
}

func (s *PostgresStore) ListRelationships(ctx context.Context, local types.LocalID) ([]*types.Relationship, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+relColumns+` FROM relationships WHERE local_id = $1 ORDER BY id`, local)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	out := make([]*types.Relationship, 0)
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRelationship(ctx context.Context, r *types.Relationship) (types.RelationshipID, error) {
	var id types.RelationshipID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO relationships (local_id, handle, url, name, photo, network, relation, duplex,
			blocked, pending, hidden, readonly, archive, writable, forum, private, private_key,
			public_key, site_public_key, issued_id, received_id, aes_allow, confirm_url, protocol_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24)
		RETURNING id`,
		r.LocalID, r.Handle, r.URL, r.Name, r.Photo, r.Network, int(r.Relation), r.Duplex,
		r.Blocked, r.Pending, r.Hidden, r.ReadOnly, r.Archive, r.Writable, r.Forum, r.Private,
		r.PrivateKey, r.PublicKey, r.SitePublicKey, r.IssuedID, r.ReceivedID, r.AESAllow,
		r.ConfirmURL, r.ProtocolVersion).Scan(&id)
	if isUniqueViolation(err) {
		return 0, federation.ErrHandshakeIDCollision
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create relationship: %w", err)
	}
	return id, nil
}

// exec runs a single-row update keyed by relationship id.
func (s *PostgresStore) exec(ctx context.Context, id types.RelationshipID, sql string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, sql, append([]interface{}{id}, args...)...)
	if isUniqueViolation(err) {
		return federation.ErrHandshakeIDCollision
	}
	if err != nil {
		return fmt.Errorf("failed to update relationship %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return federation.ErrRelationshipNotFound
	}
	return nil
}

func (s *PostgresStore) SetPrivateKey(ctx context.Context, id types.RelationshipID, privateKey string) error {
	return s.exec(ctx, id, `UPDATE relationships SET private_key = $2, updated_at = now() WHERE id = $1`, privateKey)
}

func (s *PostgresStore) SetIssuedID(ctx context.Context, id types.RelationshipID, issuedID string) error {
	return s.exec(ctx, id, `UPDATE relationships SET issued_id = $2, updated_at = now() WHERE id = $1`, issuedID)
}

func (s *PostgresStore) ClearIssuedID(ctx context.Context, id types.RelationshipID) error {
	return s.exec(ctx, id, `UPDATE relationships SET issued_id = '', updated_at = now() WHERE id = $1`)
}

func (s *PostgresStore) SetReceivedHandshake(ctx context.Context, id types.RelationshipID, receivedID, publicKey string) error {
	return s.exec(ctx, id, `UPDATE relationships SET received_id = $2, public_key = $3, updated_at = now()
		WHERE id = $1`, receivedID, publicKey)
}

func (s *PostgresStore) Finalize(ctx context.Context, id types.RelationshipID, f Finalization) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relationships SET relation = $3, duplex = $4, hidden = $5, forum = $6, private = $7,
			blocked = FALSE, pending = FALSE,
			network = COALESCE(NULLIF($8, ''), network),
			photo = COALESCE(NULLIF($9, ''), photo),
			protocol_version = COALESCE(NULLIF($10, ''), protocol_version),
			updated_at = now()
		WHERE id = $1 AND relation = $2`,
		id, int(f.From), int(f.Relation), f.Duplex, f.Hidden, f.Forum, f.Private,
		f.Network, f.Photo, f.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("failed to finalize relationship %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRelationship(ctx, id); err != nil {
			return err
		}
		return ErrStaleRelationship
	}
	return nil
}

func (s *PostgresStore) PromoteToFriend(ctx context.Context, id types.RelationshipID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE relationships SET relation = $2, writable = TRUE, updated_at = now()
		WHERE id = $1 AND relation = $3`, id, int(types.RelationFriend), int(types.RelationFollower))
	if err != nil {
		return fmt.Errorf("failed to promote relationship %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRelationship
	}
	return nil
}

func (s *PostgresStore) CreateIntroduction(ctx context.Context, intro *types.Introduction) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO introductions (local_id, relationship_id, note, duplex)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		intro.LocalID, intro.RelationshipID, intro.Note, intro.Duplex).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create introduction: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetIntroduction(ctx context.Context, id int64) (*types.Introduction, error) {
	var intro types.Introduction
	err := s.pool.QueryRow(ctx, `SELECT id, local_id, relationship_id, note, duplex, created_at
		FROM introductions WHERE id = $1`, id).
		Scan(&intro.ID, &intro.LocalID, &intro.RelationshipID, &intro.Note, &intro.Duplex, &intro.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, federation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load introduction: %w", err)
	}
	return &intro, nil
}

func (s *PostgresStore) DeleteIntroduction(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM introductions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete introduction: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteIntroductionsFor(ctx context.Context, rel types.RelationshipID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM introductions WHERE relationship_id = $1`, rel); err != nil {
		return fmt.Errorf("failed to delete introductions: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddToDefaultGroup(ctx context.Context, local types.LocalID, network string, rel types.RelationshipID) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO group_members (local_id, network, relationship_id)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, local, network, rel)
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertSignatureAudit(ctx context.Context, a *types.SignatureAudit) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO signature_audits (local_id, type, guid, signer, signed_text, signature)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.LocalID, a.Type, a.GUID, a.Signer, a.SignedText, a.Signature).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert signature audit: %w", err)
	}
	return id, nil
}
