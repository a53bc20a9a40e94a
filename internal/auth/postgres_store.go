package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists credentials in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new credential
func (p *PostgresStore) Create(ctx context.Context, cred *Credential) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credentials (id, hash, actor_id, role, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cred.ID, cred.Hash, cred.ActorID, cred.Role, cred.Name, cred.CreatedAt, cred.ExpiresAt, cred.Revoked)
	return err
}

// GetByHash retrieves a credential by its key hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Credential, error) {
	cred := &Credential{}
	var expiresAt sql.NullTime
	var lastUsed sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, actor_id, role, name, created_at, last_used, expires_at, revoked
		FROM credentials WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash).Scan(
		&cred.ID, &cred.Hash, &cred.ActorID, &cred.Role, &cred.Name,
		&cred.CreatedAt, &lastUsed, &expiresAt, &cred.Revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		cred.LastUsed = lastUsed.Time
	}
	return cred, nil
}

// GetByActor retrieves all credentials for an actor
func (p *PostgresStore) GetByActor(ctx context.Context, actorID string) ([]*Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, actor_id, role, name, created_at, last_used, expires_at, revoked
		FROM credentials WHERE actor_id = $1 ORDER BY created_at DESC
	`, actorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred := &Credential{}
		var expiresAt sql.NullTime
		var lastUsed sql.NullTime

		if err := rows.Scan(
			&cred.ID, &cred.Hash, &cred.ActorID, &cred.Role, &cred.Name,
			&cred.CreatedAt, &lastUsed, &expiresAt, &cred.Revoked,
		); err != nil {
			return nil, err
		}

		if expiresAt.Valid {
			cred.ExpiresAt = &expiresAt.Time
		}
		if lastUsed.Valid {
			cred.LastUsed = lastUsed.Time
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// Update updates a credential
func (p *PostgresStore) Update(ctx context.Context, cred *Credential) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE credentials SET last_used = $1, revoked = $2 WHERE id = $3
	`, cred.LastUsed, cred.Revoked, cred.ID)
	return err
}

// Delete removes a credential
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	return err
}
