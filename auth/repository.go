package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/puzpuzpuz/xsync/v4"
)

var (
	// ErrPrincipalNotFound signals that the principal does not exist.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicatePrincipal signals that the id is already registered.
	ErrDuplicatePrincipal = errors.New("auth: principal already exists")
)

// Repository handles principal storage.
type Repository interface {
	CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error)
	GetPrincipal(ctx context.Context, id string) (Principal, error)
	GrantActsFor(ctx context.Context, id, account string) error
}

// CreatePrincipalParams contains write parameters for creating principals.
type CreatePrincipalParams struct {
	ID           string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed principal repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const principalColumns = `id, password_hash, role, acts_for, created_at, updated_at`

func (r *PGRepository) CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (id, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING ` + principalColumns

	p, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL, params.ID, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicatePrincipal
		}
		return Principal{}, fmt.Errorf("auth: create principal: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	const selectSQL = `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal: %w", err)
	}
	return p, nil
}

// GrantActsFor lets id act for account. Granting twice is a no-op.
func (r *PGRepository) GrantActsFor(ctx context.Context, id, account string) error {
	const updateSQL = `
		UPDATE principals
		SET acts_for = array_append(acts_for, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(acts_for))
	`
	tag, err := r.pool.Exec(ctx, updateSQL, id, account)
	if err != nil {
		return fmt.Errorf("auth: grant %s to %s: %w", account, id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetPrincipal(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	if err := row.Scan(&p.ID, &p.PasswordHash, &p.Role, &p.ActsFor, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// MemoryRepository keeps principals in process memory.
type MemoryRepository struct {
	principals *xsync.Map[string, Principal]
	now        func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		principals: xsync.NewMap[string, Principal](),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) CreatePrincipal(_ context.Context, params CreatePrincipalParams) (Principal, error) {
	now := r.now()
	p := Principal{
		ID:           params.ID,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		ActsFor:      []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, loaded := r.principals.LoadOrStore(p.ID, p); loaded {
		return Principal{}, ErrDuplicatePrincipal
	}
	return p, nil
}

func (r *MemoryRepository) GetPrincipal(_ context.Context, id string) (Principal, error) {
	p, ok := r.principals.Load(id)
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	p.ActsFor = slices.Clone(p.ActsFor)
	return p, nil
}

func (r *MemoryRepository) GrantActsFor(_ context.Context, id, account string) error {
	found := false
	r.principals.Compute(id, func(p Principal, loaded bool) (Principal, xsync.ComputeOp) {
		if !loaded {
			return p, xsync.CancelOp
		}
		found = true
		if slices.Contains(p.ActsFor, account) {
			return p, xsync.CancelOp
		}
		p.ActsFor = append(slices.Clone(p.ActsFor), account)
		p.UpdatedAt = r.now()
		return p, xsync.UpdateOp
	})
	if !found {
		return ErrPrincipalNotFound
	}
	return nil
}
