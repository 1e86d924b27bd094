package repository

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// BunTokenRepository implements TokenRepository using Bun ORM
type BunTokenRepository struct {
	db bun.IDB
}

// NewBunTokenRepository creates a new Bun-based token repository
func NewBunTokenRepository(db bun.IDB) *BunTokenRepository {
	return &BunTokenRepository{db: db}
}

// Create inserts a new token into the database
func (r *BunTokenRepository) Create(ctx context.Context, token *models.Token) error {
	_, err := r.db.NewInsert().
		Model(token).
		Exec(ctx)
	return wrapWrite("create token", err)
}

// GetByPrefix retrieves a token by its indexed prefix, with the realm and
// its backend chain preloaded. This is the authentication hot path.
func (r *BunTokenRepository) GetByPrefix(ctx context.Context, prefix string) (*models.Token, error) {
	token := new(models.Token)
	err := r.db.NewSelect().
		Model(token).
		Relation("Realm").
		Relation("Realm.DomainRoot").
		Relation("Realm.DomainRoot.BackendService").
		Relation("Realm.DomainRoot.BackendService.Provider").
		Relation("Realm.UserBackend").
		Relation("Realm.UserBackend.Provider").
		Where("token_prefix = ?", prefix).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get token by prefix", err)
	}
	return token, nil
}

// GetByID retrieves a token by its ID
func (r *BunTokenRepository) GetByID(ctx context.Context, id int64) (*models.Token, error) {
	token := new(models.Token)
	err := r.db.NewSelect().
		Model(token).
		Relation("Realm").
		Where("t.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get token by id", err)
	}
	return token, nil
}

// ListByRealm retrieves all tokens bound to a realm
func (r *BunTokenRepository) ListByRealm(ctx context.Context, realmID int64) ([]models.Token, error) {
	var tokens []models.Token
	err := r.db.NewSelect().
		Model(&tokens).
		Where("realm_id = ?", realmID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("list tokens by realm", err)
	}
	return tokens, nil
}

// ListByAccount retrieves all tokens across an account's realms
func (r *BunTokenRepository) ListByAccount(ctx context.Context, accountID int64) ([]models.Token, error) {
	var tokens []models.Token
	err := r.db.NewSelect().
		Model(&tokens).
		Join("JOIN realms AS r ON r.id = t.realm_id").
		Where("r.account_id = ?", accountID).
		Order("t.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("list tokens by account", err)
	}
	return tokens, nil
}

// Update updates an existing token
func (r *BunTokenRepository) Update(ctx context.Context, token *models.Token) error {
	result, err := r.db.NewUpdate().
		Model(token).
		WherePK().
		Exec(ctx)
	if err != nil {
		return wrapWrite("update token", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "token not found: %d", token.ID)
	}
	return nil
}

// UpdateLastUsed stamps the last_used_at timestamp for a token
func (r *BunTokenRepository) UpdateLastUsed(ctx context.Context, id int64) error {
	_, err := r.db.NewUpdate().
		Model((*models.Token)(nil)).
		Set("last_used_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	return wrapWrite("update token last used", err)
}

// Delete removes a token
func (r *BunTokenRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.NewDelete().
		Model((*models.Token)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return wrapWrite("delete token", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "token not found: %d", id)
	}
	return nil
}
