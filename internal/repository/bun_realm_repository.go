package repository

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// BunRealmRepository implements RealmRepository using Bun ORM
type BunRealmRepository struct {
	db bun.IDB
}

// NewBunRealmRepository creates a new Bun-based realm repository
func NewBunRealmRepository(db bun.IDB) *BunRealmRepository {
	return &BunRealmRepository{db: db}
}

// Create inserts a new realm. Exactly one of DomainRootID or UserBackendID
// must be set; the unique claim indexes turn a double claim into conflict.
func (r *BunRealmRepository) Create(ctx context.Context, realm *models.Realm) error {
	rootSet := realm.DomainRootID != nil
	backendSet := realm.UserBackendID != nil
	if rootSet == backendSet {
		return apperr.Newf(apperr.KindMalformed,
			"realm must reference exactly one of domain_root_id or user_backend_id")
	}
	_, err := r.db.NewInsert().
		Model(realm).
		Exec(ctx)
	return wrapWrite("create realm", err)
}

// GetByID retrieves a realm with its domain root or user backend loaded,
// including the backing service for platform realms.
func (r *BunRealmRepository) GetByID(ctx context.Context, id int64) (*models.Realm, error) {
	realm := new(models.Realm)
	err := r.db.NewSelect().
		Model(realm).
		Relation("DomainRoot").
		Relation("DomainRoot.BackendService").
		Relation("UserBackend").
		Where("r.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get realm by id", err)
	}
	return realm, nil
}

// ListActiveByAccount retrieves all active realms owned by an account
func (r *BunRealmRepository) ListActiveByAccount(ctx context.Context, accountID int64) ([]models.Realm, error) {
	var realms []models.Realm
	err := r.db.NewSelect().
		Model(&realms).
		Relation("DomainRoot").
		Relation("UserBackend").
		Where("r.account_id = ?", accountID).
		Where("r.is_active = ?", true).
		Order("r.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("list realms by account", err)
	}
	return realms, nil
}

// Update updates an existing realm
func (r *BunRealmRepository) Update(ctx context.Context, realm *models.Realm) error {
	realm.UpdatedAt = time.Now()
	result, err := r.db.NewUpdate().
		Model(realm).
		WherePK().
		Exec(ctx)
	if err != nil {
		return wrapWrite("update realm", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "realm not found: %d", realm.ID)
	}
	return nil
}

// Delete removes a realm and cascades to its tokens.
func (r *BunRealmRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.NewDelete().
		Model((*models.Token)(nil)).
		Where("realm_id = ?", id).
		Exec(ctx); err != nil {
		return wrapWrite("delete realm tokens", err)
	}
	result, err := r.db.NewDelete().
		Model((*models.Realm)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return wrapWrite("delete realm", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "realm not found: %d", id)
	}
	return nil
}
