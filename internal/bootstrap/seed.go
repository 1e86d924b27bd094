// Package bootstrap performs first-start seeding: built-in provider rows,
// the default admin account, and optional sample data. Seeding runs after
// migrations in a single transaction and is idempotent; the presence of
// the admin row makes later runs a no-op.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/backend"
	"github.com/zonegate/zonegate/internal/config"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/repository"
	"github.com/zonegate/zonegate/internal/secrets"
)

// Seeder wires the dependencies of the seeding pass.
type Seeder struct {
	DB       *bun.DB
	Registry *backend.Registry
	Config   *config.Config
	Hasher   *secrets.Hasher
	Logger   *zap.Logger
}

// Run executes the seeding pass.
func (s *Seeder) Run(ctx context.Context) error {
	return repository.RunInTx(ctx, s.DB, func(ctx context.Context, tx bun.Tx) error {
		accounts := repository.NewBunAccountRepository(tx)

		admins, err := accounts.CountActiveAdmins(ctx)
		if err != nil {
			return fmt.Errorf("count admins: %w", err)
		}
		if admins > 0 {
			s.Logger.Debug("seed skipped, admin present")
			return nil
		}

		if err := s.seedProviders(ctx, tx); err != nil {
			return err
		}
		admin, err := s.seedAdmin(ctx, accounts)
		if err != nil {
			return err
		}
		if s.Config.SeedSampleData {
			if err := s.seedSamples(ctx, tx, admin); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Seeder) seedProviders(ctx context.Context, tx bun.Tx) error {
	backends := repository.NewBunBackendRepository(tx)
	for _, code := range s.Registry.Codes() {
		p, _ := s.Registry.Get(code)
		if err := backends.UpsertProvider(ctx, backend.ProviderModel(p)); err != nil {
			return fmt.Errorf("seed provider %s: %w", code, err)
		}
		s.Logger.Info("provider installed", zap.String("provider", code))
	}
	return nil
}

func (s *Seeder) seedAdmin(ctx context.Context, accounts repository.AccountRepository) (*models.Account, error) {
	if s.Config.AdminPassword == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD is required for first start")
	}
	hash, err := s.Hasher.HashPassword(s.Config.AdminPassword)
	if err != nil {
		return nil, err
	}
	admin := &models.Account{
		Username:           s.Config.AdminUsername,
		Email:              "",
		PasswordHash:       hash,
		MustChangePassword: true,
		IsAdmin:            true,
		IsActive:           true,
	}
	if err := accounts.Create(ctx, admin); err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	s.Logger.Info("default admin created", zap.String("username", admin.Username))
	return admin, nil
}

// seedSamples creates one platform backend service on the powerdns
// provider, one public domain root under it, a sample client account with
// a realm, and a read-only test token. The token plaintext is printed once
// to stdout and never logged.
func (s *Seeder) seedSamples(ctx context.Context, tx bun.Tx, admin *models.Account) error {
	backends := repository.NewBunBackendRepository(tx)
	roots := repository.NewBunDomainRootRepository(tx)
	accounts := repository.NewBunAccountRepository(tx)
	realms := repository.NewBunRealmRepository(tx)
	tokens := repository.NewBunTokenRepository(tx)

	provider, err := backends.GetProviderByCode(ctx, "powerdns")
	if err != nil {
		return fmt.Errorf("sample provider lookup: %w", err)
	}
	service := &models.BackendService{
		ProviderID:  provider.ID,
		ServiceName: "sample-powerdns",
		OwnerType:   models.OwnerPlatform,
		Config: models.JSONMap{
			"api_url": "http://127.0.0.1:8081",
			"api_key": "sample-key",
		},
		IsActive:          true,
		IsDefaultForOwner: true,
	}
	if err := backends.CreateService(ctx, service); err != nil {
		return fmt.Errorf("sample service: %w", err)
	}

	root := &models.ManagedDomainRoot{
		BackendServiceID:  service.ID,
		RootDomain:        "dyn.example.org",
		DNSZone:           "example.org",
		Visibility:        models.VisibilityPublic,
		MinSubdomainDepth: 1,
		MaxSubdomainDepth: 2,
		IsActive:          true,
	}
	if err := roots.Create(ctx, root); err != nil {
		return fmt.Errorf("sample domain root: %w", err)
	}

	throwaway := make([]byte, 18)
	if _, err := rand.Read(throwaway); err != nil {
		return fmt.Errorf("sample client password: %w", err)
	}
	clientHash, err := s.Hasher.HashPassword(hex.EncodeToString(throwaway))
	if err != nil {
		return err
	}
	client := &models.Account{
		Username:           "sample-client",
		PasswordHash:       clientHash,
		MustChangePassword: true,
		IsActive:           true,
	}
	if err := accounts.Create(ctx, client); err != nil {
		return fmt.Errorf("sample client: %w", err)
	}

	realm := &models.Realm{
		AccountID:    client.ID,
		RealmValue:   "demo",
		DomainRootID: &root.ID,
		IsActive:     true,
	}
	if err := realms.Create(ctx, realm); err != nil {
		return fmt.Errorf("sample realm: %w", err)
	}

	generated, err := s.Hasher.GenerateToken()
	if err != nil {
		return err
	}
	token := &models.Token{
		TokenPrefix: generated.Prefix,
		TokenHash:   generated.Hash,
		RealmID:     realm.ID,
		Operations:  models.StringSet{models.OpRead},
		IsActive:    true,
	}
	if err := tokens.Create(ctx, token); err != nil {
		return fmt.Errorf("sample token: %w", err)
	}

	// Shown exactly once; deliberately stdout, not the log.
	fmt.Printf("sample read-only token (shown once): %s\n", generated.Plaintext)
	s.Logger.Info("sample data created",
		zap.String("root_domain", root.RootDomain),
		zap.String("token_prefix", generated.Prefix))
	return nil
}
