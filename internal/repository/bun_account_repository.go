package repository

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// BunAccountRepository implements AccountRepository using Bun ORM
type BunAccountRepository struct {
	db bun.IDB
}

// NewBunAccountRepository creates a new Bun-based account repository
func NewBunAccountRepository(db bun.IDB) *BunAccountRepository {
	return &BunAccountRepository{db: db}
}

// Create inserts a new account into the database
func (r *BunAccountRepository) Create(ctx context.Context, account *models.Account) error {
	_, err := r.db.NewInsert().
		Model(account).
		Exec(ctx)
	return wrapWrite("create account", err)
}

// GetByID retrieves an account by its ID
func (r *BunAccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	account := new(models.Account)
	err := r.db.NewSelect().
		Model(account).
		Where("a.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get account by id", err)
	}
	return account, nil
}

// GetByUsername retrieves an account by its unique username
func (r *BunAccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	account := new(models.Account)
	err := r.db.NewSelect().
		Model(account).
		Where("username = ?", username).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get account by username", err)
	}
	return account, nil
}

// Update updates an existing account
func (r *BunAccountRepository) Update(ctx context.Context, account *models.Account) error {
	account.UpdatedAt = time.Now()
	result, err := r.db.NewUpdate().
		Model(account).
		WherePK().
		Exec(ctx)
	if err != nil {
		return wrapWrite("update account", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapWrite("update account rows affected", err)
	}
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "account not found: %d", account.ID)
	}
	return nil
}

// List retrieves all accounts
func (r *BunAccountRepository) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.NewSelect().
		Model(&accounts).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("list accounts", err)
	}
	return accounts, nil
}

// Delete removes an account. Accounts still owning tokens, realms, or
// backend services cannot be deleted.
func (r *BunAccountRepository) Delete(ctx context.Context, id int64) error {
	realmCount, err := r.db.NewSelect().
		Model((*models.Realm)(nil)).
		Where("account_id = ?", id).
		Count(ctx)
	if err != nil {
		return wrapRead("count owned realms", err)
	}
	serviceCount, err := r.db.NewSelect().
		Model((*models.BackendService)(nil)).
		Where("owner_id = ?", id).
		Count(ctx)
	if err != nil {
		return wrapRead("count owned backend services", err)
	}
	if realmCount > 0 || serviceCount > 0 {
		return apperr.Newf(apperr.KindConflict,
			"account %d still owns %d realms and %d backend services", id, realmCount, serviceCount)
	}

	result, err := r.db.NewDelete().
		Model((*models.Account)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return wrapWrite("delete account", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "account not found: %d", id)
	}
	return nil
}

// CountActiveAdmins counts active admin accounts. The bootstrap invariant
// requires this to stay at least one.
func (r *BunAccountRepository) CountActiveAdmins(ctx context.Context) (int, error) {
	count, err := r.db.NewSelect().
		Model((*models.Account)(nil)).
		Where("is_admin = ?", true).
		Where("is_active = ?", true).
		Count(ctx)
	if err != nil {
		return 0, wrapRead("count active admins", err)
	}
	return count, nil
}
