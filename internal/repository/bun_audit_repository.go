package repository

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/db/models"
)

// BunAuditRepository implements AuditRepository using Bun ORM
type BunAuditRepository struct {
	db bun.IDB
}

// NewBunAuditRepository creates a new Bun-based audit repository
func NewBunAuditRepository(db bun.IDB) *BunAuditRepository {
	return &BunAuditRepository{db: db}
}

// Create inserts an audit record. IDs are assigned by the store and
// reflect commit order.
func (r *BunAuditRepository) Create(ctx context.Context, record *models.AuditRecord) error {
	_, err := r.db.NewInsert().
		Model(record).
		Exec(ctx)
	return wrapWrite("create audit record", err)
}

// List retrieves audit records matching the filter, newest first.
func (r *BunAuditRepository) List(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	q := r.db.NewSelect().
		Model(&records).
		Order("id DESC")

	if filter.TokenPrefix != "" {
		q = q.Where("token_prefix = ?", filter.TokenPrefix)
	}
	if filter.AccountID != 0 {
		q = q.Where("account_id = ?", filter.AccountID)
	}
	if filter.Outcome != "" {
		q = q.Where("outcome = ?", filter.Outcome)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("timestamp < ?", filter.Until)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q = q.Limit(limit)

	if err := q.Scan(ctx); err != nil {
		return nil, wrapRead("list audit records", err)
	}
	return records, nil
}
