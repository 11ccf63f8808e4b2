package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// PrincipalRepo provides RelationalStore access to users.
type PrincipalRepo struct {
	pool *pgxpool.Pool
}

// NewPrincipalRepo creates a PrincipalRepo.
func NewPrincipalRepo(pool *pgxpool.Pool) *PrincipalRepo {
	return &PrincipalRepo{pool: pool}
}

// EnsureUser upserts a principal record from a verified token claim,
// touching last_login_at, grounded on the teacher's UserRepo.EnsureUser.
func (r *PrincipalRepo) EnsureUser(ctx context.Context, id, email, username string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO principals (id, email, username, tier, status, verified, active, created_at, last_login_at)
		VALUES ($1, $2, $3, 'FREE', 'ACTIVE', true, true, now(), now())
		ON CONFLICT (id) DO UPDATE SET last_login_at = now()
	`, id, email, username)
	if err != nil {
		return fmt.Errorf("repository.PrincipalRepo.EnsureUser: %w", err)
	}
	return nil
}

// GetByID loads a principal by id.
func (r *PrincipalRepo) GetByID(ctx context.Context, id string) (*model.Principal, error) {
	p := &model.Principal{}
	var tier, status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, username, tier, status, verified, active, created_at
		FROM principals WHERE id = $1
	`, id).Scan(&p.ID, &p.Email, &p.Username, &tier, &status, &p.Verified, &p.Active, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.PrincipalRepo.GetByID: %w", err)
	}
	p.Tier = model.Tier(tier)
	p.Status = model.Status(status)
	return p, nil
}

// DeletePrincipal removes a principal; conversations/messages cascade via
// foreign keys, usage/subscription rows are retained (spec §3 ownership).
func (r *PrincipalRepo) DeletePrincipal(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM principals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository.PrincipalRepo.DeletePrincipal: %w", err)
	}
	return nil
}
