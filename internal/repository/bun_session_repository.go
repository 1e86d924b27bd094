package repository

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// BunSessionRepository implements SessionRepository using Bun ORM
type BunSessionRepository struct {
	db bun.IDB
}

// NewBunSessionRepository creates a new Bun-based session repository
func NewBunSessionRepository(db bun.IDB) *BunSessionRepository {
	return &BunSessionRepository{db: db}
}

// Create inserts a new session
func (r *BunSessionRepository) Create(ctx context.Context, session *models.Session) error {
	_, err := r.db.NewInsert().
		Model(session).
		Exec(ctx)
	return wrapWrite("create session", err)
}

// GetByID retrieves a session by its random ID
func (r *BunSessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	session := new(models.Session)
	err := r.db.NewSelect().
		Model(session).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get session by id", err)
	}
	return session, nil
}

// Update updates an existing session
func (r *BunSessionRepository) Update(ctx context.Context, session *models.Session) error {
	result, err := r.db.NewUpdate().
		Model(session).
		WherePK().
		Exec(ctx)
	if err != nil {
		return wrapWrite("update session", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "session not found")
	}
	return nil
}

// Touch stamps the idle-timeout clock
func (r *BunSessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*models.Session)(nil)).
		Set("last_seen_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return wrapWrite("touch session", err)
}

// Revoke marks a session revoked
func (r *BunSessionRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.NewUpdate().
		Model((*models.Session)(nil)).
		Set("revoked = ?", true).
		Where("id = ?", id).
		Exec(ctx)
	return wrapWrite("revoke session", err)
}

// RevokeAllForAccount revokes every session of an account, used when the
// account is disabled or its password changes.
func (r *BunSessionRepository) RevokeAllForAccount(ctx context.Context, accountID int64) error {
	_, err := r.db.NewUpdate().
		Model((*models.Session)(nil)).
		Set("revoked = ?", true).
		Where("account_id = ?", accountID).
		Exec(ctx)
	return wrapWrite("revoke account sessions", err)
}

// DeleteExpired removes sessions whose absolute lifetime has passed
func (r *BunSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("expires_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, wrapWrite("delete expired sessions", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}
