package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/zonegate/zonegate/internal/db/bunx"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/migrations"
)

// setupTestDB opens a fresh in-memory store with the full schema applied.
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	return db
}

var fixtureSeq int

func nextFixture(prefix string) string {
	fixtureSeq++
	return fmt.Sprintf("%s-%d", prefix, fixtureSeq)
}

func seedAccount(t *testing.T, db *bun.DB, admin bool) *models.Account {
	t.Helper()
	account := &models.Account{
		Username:     nextFixture("user"),
		Email:        "user@example.org",
		PasswordHash: "$2a$12$fixture",
		IsAdmin:      admin,
		IsActive:     true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, NewBunAccountRepository(db).Create(context.Background(), account))
	return account
}

// seedBackendChain creates a provider, a platform-owned service, and a
// managed domain root under dyn.example.org.
func seedBackendChain(t *testing.T, db *bun.DB) (*models.BackendService, *models.ManagedDomainRoot) {
	t.Helper()
	ctx := context.Background()
	backends := NewBunBackendRepository(db)
	roots := NewBunDomainRootRepository(db)

	provider := &models.BackendProvider{
		ProviderCode: nextFixture("powerdns"),
		DisplayName:  "PowerDNS Authoritative",
		ConfigSchema: "{}",
		CanZoneList:  true,
		IsEnabled:    true,
	}
	require.NoError(t, backends.UpsertProvider(ctx, provider))

	service := &models.BackendService{
		ProviderID:  provider.ID,
		ServiceName: nextFixture("svc"),
		OwnerType:   models.OwnerPlatform,
		Config:      models.JSONMap{"api_url": "http://127.0.0.1:8081", "api_key": "secret"},
		IsActive:    true,
	}
	require.NoError(t, backends.CreateService(ctx, service))

	root := &models.ManagedDomainRoot{
		BackendServiceID:  service.ID,
		RootDomain:        nextFixture("dyn") + ".example.org",
		DNSZone:           "example.org",
		Visibility:        models.VisibilityPublic,
		MinSubdomainDepth: 1,
		MaxSubdomainDepth: 2,
		IsActive:          true,
	}
	require.NoError(t, roots.Create(ctx, root))

	return service, root
}

func seedRealm(t *testing.T, db *bun.DB, account *models.Account, root *models.ManagedDomainRoot, value string) *models.Realm {
	t.Helper()
	realm := &models.Realm{
		AccountID:    account.ID,
		RealmValue:   value,
		DomainRootID: &root.ID,
		IsActive:     true,
	}
	require.NoError(t, NewBunRealmRepository(db).Create(context.Background(), realm))
	return realm
}

func seedToken(t *testing.T, db *bun.DB, realm *models.Realm) *models.Token {
	t.Helper()
	token := &models.Token{
		TokenPrefix: nextFixture("aabbcc"),
		TokenHash:   "$2a$12$fixture",
		RealmID:     realm.ID,
		IsActive:    true,
	}
	require.NoError(t, NewBunTokenRepository(db).Create(context.Background(), token))
	return token
}
