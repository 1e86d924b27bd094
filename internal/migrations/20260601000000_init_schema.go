package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260601000000, down_20260601000000)
}

// up_20260601000000 creates the full schema: identity, backends, domain
// roots, grants, sessions and the audit log.
func up_20260601000000(ctx context.Context, db *bun.DB) error {
	tables := []any{
		(*models.Account)(nil),
		(*models.BackendProvider)(nil),
		(*models.BackendService)(nil),
		(*models.ManagedDomainRoot)(nil),
		(*models.DomainRootGrant)(nil),
		(*models.Realm)(nil),
		(*models.Token)(nil),
		(*models.Session)(nil),
		(*models.AuditRecord)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	// Unique and lookup indexes. Partial unique indexes give the atomic
	// first-claimant-wins semantics for realm claims on both dialects.
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_prefix ON tokens(token_prefix)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_realm_id ON tokens(realm_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_backend_providers_code ON backend_providers(provider_code)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_backend_services_name ON backend_services(service_name)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_domain_roots_service_domain
			ON managed_domain_roots(backend_service_id, root_domain)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_realms_platform_claim
			ON realms(domain_root_id, realm_value)
			WHERE domain_root_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_realms_user_claim
			ON realms(user_backend_id, account_id, user_domain, realm_value)
			WHERE user_backend_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_realms_account_id ON realms(account_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_grants_root_account
			ON domain_root_grants(domain_root_id, account_id)
			WHERE revoked_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_audit_token_prefix ON audit_records(token_prefix)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_account_id ON sessions(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// down_20260601000000 drops all tables in reverse dependency order.
func down_20260601000000(ctx context.Context, db *bun.DB) error {
	tables := []string{
		"audit_records",
		"sessions",
		"tokens",
		"realms",
		"domain_root_grants",
		"managed_domain_roots",
		"backend_services",
		"backend_providers",
		"accounts",
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop %s table: %w", table, err)
		}
	}
	return nil
}
