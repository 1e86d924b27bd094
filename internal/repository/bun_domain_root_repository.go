package repository

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// BunDomainRootRepository implements DomainRootRepository using Bun ORM
type BunDomainRootRepository struct {
	db bun.IDB
}

// NewBunDomainRootRepository creates a new Bun-based domain root repository
func NewBunDomainRootRepository(db bun.IDB) *BunDomainRootRepository {
	return &BunDomainRootRepository{db: db}
}

// Create inserts a new managed domain root
func (r *BunDomainRootRepository) Create(ctx context.Context, root *models.ManagedDomainRoot) error {
	_, err := r.db.NewInsert().
		Model(root).
		Exec(ctx)
	return wrapWrite("create domain root", err)
}

// GetByID retrieves a domain root with its backend service loaded
func (r *BunDomainRootRepository) GetByID(ctx context.Context, id int64) (*models.ManagedDomainRoot, error) {
	root := new(models.ManagedDomainRoot)
	err := r.db.NewSelect().
		Model(root).
		Relation("BackendService").
		Where("mdr.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get domain root by id", err)
	}
	return root, nil
}

// GetByRootDomain retrieves a domain root by its apex name
func (r *BunDomainRootRepository) GetByRootDomain(ctx context.Context, rootDomain string) (*models.ManagedDomainRoot, error) {
	root := new(models.ManagedDomainRoot)
	err := r.db.NewSelect().
		Model(root).
		Relation("BackendService").
		Where("root_domain = ?", rootDomain).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get domain root by domain", err)
	}
	return root, nil
}

// ListVisibleToAccount returns active public roots plus non-public roots
// the account holds an unrevoked, unexpired grant for.
func (r *BunDomainRootRepository) ListVisibleToAccount(ctx context.Context, accountID int64, now time.Time) ([]models.ManagedDomainRoot, error) {
	var roots []models.ManagedDomainRoot
	err := r.db.NewSelect().
		Model(&roots).
		Relation("BackendService").
		Where("mdr.is_active = ?", true).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("mdr.visibility = ?", models.VisibilityPublic).
				WhereOr("mdr.id IN (?)", r.db.NewSelect().
					Model((*models.DomainRootGrant)(nil)).
					Column("domain_root_id").
					Where("account_id = ?", accountID).
					Where("revoked_at IS NULL").
					Where("expires_at IS NULL OR expires_at > ?", now))
		}).
		Order("mdr.root_domain").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("list visible domain roots", err)
	}
	return roots, nil
}

// Update updates an existing domain root
func (r *BunDomainRootRepository) Update(ctx context.Context, root *models.ManagedDomainRoot) error {
	root.UpdatedAt = time.Now()
	result, err := r.db.NewUpdate().
		Model(root).
		WherePK().
		Exec(ctx)
	if err != nil {
		return wrapWrite("update domain root", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "domain root not found: %d", root.ID)
	}
	return nil
}

// CreateGrant inserts a new grant; the partial unique index rejects a
// second active grant for the same (root, account) pair.
func (r *BunDomainRootRepository) CreateGrant(ctx context.Context, grant *models.DomainRootGrant) error {
	_, err := r.db.NewInsert().
		Model(grant).
		Exec(ctx)
	return wrapWrite("create domain root grant", err)
}

// GetGrant retrieves the active grant for an account on a root
func (r *BunDomainRootRepository) GetGrant(ctx context.Context, rootID, accountID int64) (*models.DomainRootGrant, error) {
	grant := new(models.DomainRootGrant)
	err := r.db.NewSelect().
		Model(grant).
		Where("domain_root_id = ?", rootID).
		Where("account_id = ?", accountID).
		Where("revoked_at IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get domain root grant", err)
	}
	return grant, nil
}

// RevokeGrant marks a grant revoked
func (r *BunDomainRootRepository) RevokeGrant(ctx context.Context, grantID int64, at time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*models.DomainRootGrant)(nil)).
		Set("revoked_at = ?", at).
		Where("id = ?", grantID).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return wrapWrite("revoke grant", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "active grant not found: %d", grantID)
	}
	return nil
}
