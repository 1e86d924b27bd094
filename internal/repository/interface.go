// Package repository exposes persistence operations over the identity
// store. Implementations are Bun-backed; interfaces keep handlers and
// services testable.
package repository

import (
	"context"
	"time"

	"github.com/zonegate/zonegate/internal/db/models"
)

// AccountRepository exposes persistence operations for accounts.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
	List(ctx context.Context) ([]models.Account, error)
	// Delete removes an account; fails with conflict while the account
	// still owns tokens, realms, or backend services.
	Delete(ctx context.Context, id int64) error
	CountActiveAdmins(ctx context.Context) (int, error)
}

// RealmRepository exposes persistence operations for realms.
type RealmRepository interface {
	// Create inserts a realm; the partial unique indexes make a double
	// claim an atomic conflict (first committer wins).
	Create(ctx context.Context, realm *models.Realm) error
	GetByID(ctx context.Context, id int64) (*models.Realm, error)
	ListActiveByAccount(ctx context.Context, accountID int64) ([]models.Realm, error)
	Update(ctx context.Context, realm *models.Realm) error
	// Delete removes the realm and cascades to its tokens.
	Delete(ctx context.Context, id int64) error
}

// TokenRepository exposes persistence operations for API tokens.
type TokenRepository interface {
	Create(ctx context.Context, token *models.Token) error
	// GetByPrefix loads the token with its realm, the realm's domain root
	// or user backend, and the backing service, for the hot path.
	GetByPrefix(ctx context.Context, prefix string) (*models.Token, error)
	GetByID(ctx context.Context, id int64) (*models.Token, error)
	ListByRealm(ctx context.Context, realmID int64) ([]models.Token, error)
	ListByAccount(ctx context.Context, accountID int64) ([]models.Token, error)
	Update(ctx context.Context, token *models.Token) error
	UpdateLastUsed(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// BackendRepository exposes persistence operations for providers and
// backend services.
type BackendRepository interface {
	UpsertProvider(ctx context.Context, provider *models.BackendProvider) error
	GetProviderByCode(ctx context.Context, code string) (*models.BackendProvider, error)
	ListProviders(ctx context.Context) ([]models.BackendProvider, error)

	CreateService(ctx context.Context, service *models.BackendService) error
	GetServiceByID(ctx context.Context, id int64) (*models.BackendService, error)
	GetServiceByName(ctx context.Context, name string) (*models.BackendService, error)
	ListServices(ctx context.Context) ([]models.BackendService, error)
	UpdateService(ctx context.Context, service *models.BackendService) error
	SetServiceTestResult(ctx context.Context, id int64, ok bool, message string, at time.Time) error
}

// DomainRootRepository exposes persistence operations for managed domain
// roots and grants.
type DomainRootRepository interface {
	Create(ctx context.Context, root *models.ManagedDomainRoot) error
	GetByID(ctx context.Context, id int64) (*models.ManagedDomainRoot, error)
	GetByRootDomain(ctx context.Context, rootDomain string) (*models.ManagedDomainRoot, error)
	// ListVisibleToAccount returns public roots plus non-public roots the
	// account holds an active grant for.
	ListVisibleToAccount(ctx context.Context, accountID int64, now time.Time) ([]models.ManagedDomainRoot, error)
	Update(ctx context.Context, root *models.ManagedDomainRoot) error

	CreateGrant(ctx context.Context, grant *models.DomainRootGrant) error
	GetGrant(ctx context.Context, rootID, accountID int64) (*models.DomainRootGrant, error)
	RevokeGrant(ctx context.Context, grantID int64, at time.Time) error
}

// AuditFilter narrows an audit query. Zero values are ignored.
type AuditFilter struct {
	TokenPrefix string
	AccountID   int64
	Outcome     string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// AuditRepository exposes persistence operations for audit records.
type AuditRepository interface {
	Create(ctx context.Context, record *models.AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error)
}

// SessionRepository exposes persistence operations for interactive sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string) error
	RevokeAllForAccount(ctx context.Context, accountID int64) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
