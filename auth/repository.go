package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/identity"
)

var (
	// ErrCredentialNotFound signals that the identity has no API key.
	ErrCredentialNotFound = errors.New("auth: credential not found")
	// ErrCredentialExists signals that the identity already holds an API key.
	ErrCredentialExists = errors.New("auth: credential already exists")
)

// Repository stores API key hashes.
type Repository interface {
	CreateCredential(ctx context.Context, id identity.Key, keyHash string) (Credential, error)
	GetCredential(ctx context.Context, id identity.Key) (Credential, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed credential repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateCredential(ctx context.Context, id identity.Key, keyHash string) (Credential, error) {
	const insertSQL = `
		INSERT INTO api_credentials (identity, key_hash)
		VALUES ($1, $2)
		RETURNING identity, key_hash, created_at
	`

	cred, err := scanCredential(r.pool.QueryRow(ctx, insertSQL, id[:], keyHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Credential{}, ErrCredentialExists
		}
		return Credential{}, fmt.Errorf("auth: create credential: %w", err)
	}
	return cred, nil
}

func (r *PGRepository) GetCredential(ctx context.Context, id identity.Key) (Credential, error) {
	const selectSQL = `
		SELECT identity, key_hash, created_at
		FROM api_credentials
		WHERE identity = $1
	`

	cred, err := scanCredential(r.pool.QueryRow(ctx, selectSQL, id[:]))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("auth: get credential: %w", err)
	}
	return cred, nil
}

func scanCredential(row pgx.Row) (Credential, error) {
	var (
		cred Credential
		id   []byte
	)
	if err := row.Scan(&id, &cred.KeyHash, &cred.CreatedAt); err != nil {
		return Credential{}, err
	}
	cred.Identity = identity.BytesToKey(id)
	cred.CreatedAt = cred.CreatedAt.UTC()
	return cred, nil
}

// MemoryRepository keeps credentials in process, for the memory ledger backend.
type MemoryRepository struct {
	mu    sync.RWMutex
	creds map[identity.Key]Credential
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{creds: make(map[identity.Key]Credential)}
}

func (r *MemoryRepository) CreateCredential(ctx context.Context, id identity.Key, keyHash string) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[id]; ok {
		return Credential{}, ErrCredentialExists
	}
	cred := Credential{Identity: id, KeyHash: keyHash, CreatedAt: time.Now().UTC()}
	r.creds[id] = cred
	return cred, nil
}

func (r *MemoryRepository) GetCredential(ctx context.Context, id identity.Key) (Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.creds[id]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}
