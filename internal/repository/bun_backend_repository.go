package repository

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// BunBackendRepository implements BackendRepository using Bun ORM
type BunBackendRepository struct {
	db bun.IDB
}

// NewBunBackendRepository creates a new Bun-based backend repository
func NewBunBackendRepository(db bun.IDB) *BunBackendRepository {
	return &BunBackendRepository{db: db}
}

// UpsertProvider installs or refreshes a built-in provider registry row.
// Seeding calls this on every start; the schema and capability flags follow
// the code, not the database.
func (r *BunBackendRepository) UpsertProvider(ctx context.Context, provider *models.BackendProvider) error {
	_, err := r.db.NewInsert().
		Model(provider).
		On("CONFLICT (provider_code) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("config_schema = EXCLUDED.config_schema").
		Set("can_zone_list = EXCLUDED.can_zone_list").
		Set("can_zone_create = EXCLUDED.can_zone_create").
		Set("can_dnssec = EXCLUDED.can_dnssec").
		Set("record_types = EXCLUDED.record_types").
		Set("is_enabled = EXCLUDED.is_enabled").
		Exec(ctx)
	return wrapWrite("upsert provider", err)
}

// GetProviderByCode retrieves a provider registry row by its code
func (r *BunBackendRepository) GetProviderByCode(ctx context.Context, code string) (*models.BackendProvider, error) {
	provider := new(models.BackendProvider)
	err := r.db.NewSelect().
		Model(provider).
		Where("provider_code = ?", code).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get provider by code", err)
	}
	return provider, nil
}

// ListProviders retrieves all registered providers
func (r *BunBackendRepository) ListProviders(ctx context.Context) ([]models.BackendProvider, error) {
	var providers []models.BackendProvider
	err := r.db.NewSelect().
		Model(&providers).
		Order("provider_code").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("list providers", err)
	}
	return providers, nil
}

// CreateService inserts a new backend service
func (r *BunBackendRepository) CreateService(ctx context.Context, service *models.BackendService) error {
	_, err := r.db.NewInsert().
		Model(service).
		Exec(ctx)
	return wrapWrite("create backend service", err)
}

// GetServiceByID retrieves a backend service with its provider loaded
func (r *BunBackendRepository) GetServiceByID(ctx context.Context, id int64) (*models.BackendService, error) {
	service := new(models.BackendService)
	err := r.db.NewSelect().
		Model(service).
		Relation("Provider").
		Where("bs.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get backend service by id", err)
	}
	return service, nil
}

// GetServiceByName retrieves a backend service by its unique name
func (r *BunBackendRepository) GetServiceByName(ctx context.Context, name string) (*models.BackendService, error) {
	service := new(models.BackendService)
	err := r.db.NewSelect().
		Model(service).
		Relation("Provider").
		Where("service_name = ?", name).
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("get backend service by name", err)
	}
	return service, nil
}

// ListServices retrieves all backend services
func (r *BunBackendRepository) ListServices(ctx context.Context) ([]models.BackendService, error) {
	var services []models.BackendService
	err := r.db.NewSelect().
		Model(&services).
		Relation("Provider").
		Order("bs.service_name").
		Scan(ctx)
	if err != nil {
		return nil, wrapRead("list backend services", err)
	}
	return services, nil
}

// UpdateService updates an existing backend service
func (r *BunBackendRepository) UpdateService(ctx context.Context, service *models.BackendService) error {
	service.UpdatedAt = time.Now()
	result, err := r.db.NewUpdate().
		Model(service).
		WherePK().
		Exec(ctx)
	if err != nil {
		return wrapWrite("update backend service", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "backend service not found: %d", service.ID)
	}
	return nil
}

// SetServiceTestResult persists the outcome of a connection test.
func (r *BunBackendRepository) SetServiceTestResult(ctx context.Context, id int64, ok bool, message string, at time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*models.BackendService)(nil)).
		Set("last_test_ok = ?", ok).
		Set("last_test_message = ?", message).
		Set("last_test_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return wrapWrite("set service test result", err)
}
