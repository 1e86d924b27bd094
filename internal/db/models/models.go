// Package models defines the persisted entities of the proxy: accounts,
// realms, tokens, DNS backends, managed domain roots, grants, sessions,
// and audit records.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Operation names accepted by token and root policies.
const (
	OpRead   = "read"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// AllOperations is the full operation set in canonical order.
var AllOperations = []string{OpRead, OpCreate, OpUpdate, OpDelete}

// Domain root visibility.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
	VisibilityInvite  = "invite"
)

// Grant types on a domain root.
const (
	GrantStandard   = "standard"
	GrantAdmin      = "admin"
	GrantInviteOnly = "invite_only"
)

// Backend service owner types.
const (
	OwnerPlatform = "platform"
	OwnerUser     = "user"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// StringSet is a JSON-encoded set of strings stored in a single column.
// An empty set means "inherit" (tokens) or "no restriction" (origins).
type StringSet []string

// Scan implements sql.Scanner for reading from database
func (s *StringSet) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan StringSet: expected []byte, got %T", value)
	}
	if len(bytes) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value implements driver.Valuer for writing to database
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	bytes, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Contains reports set membership.
func (s StringSet) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// Intersect returns the intersection of two sets, preserving s's order.
// A nil receiver or argument means "unrestricted" and yields the other set.
func (s StringSet) Intersect(other StringSet) StringSet {
	if len(s) == 0 {
		return other
	}
	if len(other) == 0 {
		return s
	}
	var out StringSet
	for _, item := range s {
		if other.Contains(item) {
			out = append(out, item)
		}
	}
	return out
}

// JSONMap is a JSON object column (backend service configs, audit details).
type JSONMap map[string]any

// Scan implements sql.Scanner for reading from database
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan JSONMap: expected []byte, got %T", value)
	}
	if len(bytes) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// Value implements driver.Valuer for writing to database
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Account represents a human or service principal.
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:a"`

	ID                 int64      `bun:"id,pk,autoincrement"`
	Username           string     `bun:"username,notnull,unique"`
	Email              string     `bun:"email,notnull"`
	PasswordHash       string     `bun:"password_hash,notnull"`
	MustChangePassword bool       `bun:"must_change_password,notnull,default:false"`
	IsAdmin            bool       `bun:"is_admin,notnull,default:false"`
	IsActive           bool       `bun:"is_active,notnull,default:true"`
	TOTPSecret         *string    `bun:"totp_secret"` // base32, set during enrollment
	TOTPEnabled        bool       `bun:"totp_enabled,notnull,default:false"`
	RecoveryCodeHashes StringSet  `bun:"recovery_code_hashes,type:text"`
	FailedLoginCount   int        `bun:"failed_login_count,notnull,default:0"`
	FirstFailedLoginAt *time.Time `bun:"first_failed_login_at"`
	LockedUntil        *time.Time `bun:"locked_until"`
	CreatedAt          time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt          time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// Locked reports whether the account is locked out at the given instant.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// Realm is a scope of authority for tokens issued by one account. Exactly
// one of DomainRootID (platform-managed) or UserBackendID (user-owned
// backend) is set.
type Realm struct {
	bun.BaseModel `bun:"table:realms,alias:r"`

	ID            int64     `bun:"id,pk,autoincrement"`
	AccountID     int64     `bun:"account_id,notnull"`
	RealmValue    string    `bun:"realm_value,notnull"` // left label(s); empty for apex realms
	DomainRootID  *int64    `bun:"domain_root_id"`
	UserBackendID *int64    `bun:"user_backend_id"`
	UserDomain    string    `bun:"user_domain"` // zone on the user backend (BYOD realms only)
	IsActive      bool      `bun:"is_active,notnull,default:true"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`

	DomainRoot  *ManagedDomainRoot `bun:"rel:belongs-to,join:domain_root_id=id"`
	UserBackend *BackendService    `bun:"rel:belongs-to,join:user_backend_id=id"`
}

// Token is an API credential bound to one realm.
type Token struct {
	bun.BaseModel `bun:"table:tokens,alias:t"`

	ID             int64      `bun:"id,pk,autoincrement"`
	TokenPrefix    string     `bun:"token_prefix,notnull,unique"`
	TokenHash      string     `bun:"token_hash,notnull"` // bcrypt over the full plaintext
	RealmID        int64      `bun:"realm_id,notnull"`
	RecordTypes    StringSet  `bun:"record_types,type:text"`    // empty = inherit
	Operations     StringSet  `bun:"operations,type:text"`      // empty = inherit
	AllowedOrigins StringSet  `bun:"allowed_origins,type:text"` // empty = any
	ExpiresAt      *time.Time `bun:"expires_at"`
	IsActive       bool       `bun:"is_active,notnull,default:true"`
	EmailOnUse     bool       `bun:"email_on_use,notnull,default:false"`
	LastUsedAt     *time.Time `bun:"last_used_at"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`

	Realm *Realm `bun:"rel:belongs-to,join:realm_id=id"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// BackendProvider is a registry entry for a DNS provider implementation.
type BackendProvider struct {
	bun.BaseModel `bun:"table:backend_providers,alias:bp"`

	ID           int64     `bun:"id,pk,autoincrement"`
	ProviderCode string    `bun:"provider_code,notnull,unique"`
	DisplayName  string    `bun:"display_name,notnull"`
	ConfigSchema string    `bun:"config_schema,notnull,type:text"` // JSON Schema
	CanZoneList  bool      `bun:"can_zone_list,notnull,default:false"`
	CanZoneCreate bool     `bun:"can_zone_create,notnull,default:false"`
	CanDNSSEC    bool      `bun:"can_dnssec,notnull,default:false"`
	RecordTypes  StringSet `bun:"record_types,type:text"`
	IsEnabled    bool      `bun:"is_enabled,notnull,default:true"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// BackendService is a stored credential instance for a provider.
type BackendService struct {
	bun.BaseModel `bun:"table:backend_services,alias:bs"`

	ID              int64      `bun:"id,pk,autoincrement"`
	ProviderID      int64      `bun:"provider_id,notnull"`
	ServiceName     string     `bun:"service_name,notnull,unique"`
	OwnerType       string     `bun:"owner_type,notnull"` // platform | user
	OwnerID         *int64     `bun:"owner_id"`           // null for platform-owned
	Config          JSONMap    `bun:"config,type:text,notnull"`
	IsActive        bool       `bun:"is_active,notnull,default:true"`
	IsDefaultForOwner bool     `bun:"is_default_for_owner,notnull,default:false"`
	LastTestOK      *bool      `bun:"last_test_ok"`
	LastTestMessage string     `bun:"last_test_message"`
	LastTestAt      *time.Time `bun:"last_test_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp"`

	Provider *BackendProvider `bun:"rel:belongs-to,join:provider_id=id"`
}

// ManagedDomainRoot is a platform-administered zone under which users may
// claim subdomain realms.
type ManagedDomainRoot struct {
	bun.BaseModel `bun:"table:managed_domain_roots,alias:mdr"`

	ID                int64      `bun:"id,pk,autoincrement"`
	BackendServiceID  int64      `bun:"backend_service_id,notnull"`
	RootDomain        string     `bun:"root_domain,notnull"`
	DNSZone           string     `bun:"dns_zone,notnull"`
	Visibility        string     `bun:"visibility,notnull,default:'public'"`
	AllowApexAccess   bool       `bun:"allow_apex_access,notnull,default:false"`
	MinSubdomainDepth int        `bun:"min_subdomain_depth,notnull,default:1"`
	MaxSubdomainDepth int        `bun:"max_subdomain_depth,notnull,default:1"`
	AllowedRecordTypes StringSet `bun:"allowed_record_types,type:text"`
	AllowedOperations StringSet  `bun:"allowed_operations,type:text"`
	IsActive          bool       `bun:"is_active,notnull,default:true"`
	VerifiedAt        *time.Time `bun:"verified_at"`
	CreatedAt         time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull,default:current_timestamp"`

	BackendService *BackendService `bun:"rel:belongs-to,join:backend_service_id=id"`
}

// DomainRootGrant gives an account access to a non-public domain root.
type DomainRootGrant struct {
	bun.BaseModel `bun:"table:domain_root_grants,alias:drg"`

	ID           int64      `bun:"id,pk,autoincrement"`
	DomainRootID int64      `bun:"domain_root_id,notnull"`
	AccountID    int64      `bun:"account_id,notnull"`
	GrantType    string     `bun:"grant_type,notnull,default:'standard'"`
	// Per-grant overrides; empty inherits the root policy.
	RecordTypesOverride StringSet `bun:"record_types_override,type:text"`
	OperationsOverride  StringSet `bun:"operations_override,type:text"`
	GrantedBy    int64      `bun:"granted_by,notnull"`
	ExpiresAt    *time.Time `bun:"expires_at"`
	RevokedAt    *time.Time `bun:"revoked_at"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

// ActiveAt reports whether the grant is usable at the given instant.
func (g *DomainRootGrant) ActiveAt(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return false
	}
	return true
}

// AuditRecord is one persisted audit entry. IDs are monotonically assigned
// by the store and reflect commit order.
type AuditRecord struct {
	bun.BaseModel `bun:"table:audit_records,alias:ar"`

	ID            int64     `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"timestamp,notnull,default:current_timestamp"`
	TokenPrefix   *string   `bun:"token_prefix"`
	AccountID     *int64    `bun:"account_id"`
	SourceIP      string    `bun:"source_ip,notnull"`
	Operation     string    `bun:"operation,notnull"`
	Domain        string    `bun:"domain"`
	RecordDetails JSONMap   `bun:"record_details,type:text"`
	Outcome       string    `bun:"outcome,notnull"` // success | denied | error
	ErrorKind     *string   `bun:"error_kind"`
	LatencyMs     int64     `bun:"latency_ms,notnull,default:0"`
	CorrelationID string    `bun:"correlation_id"`
}

// Session tracks an interactive browser session. The cookie carries the
// random session ID; the row is the authoritative state.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID         string    `bun:"id,pk"` // hex of 24 random bytes
	AccountID  int64     `bun:"account_id,notnull"`
	State      string    `bun:"state,notnull"` // password_verified | password_change_required | totp_required | active
	CSRFToken  string    `bun:"csrf_token,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
	LastSeenAt time.Time `bun:"last_seen_at,notnull,default:current_timestamp"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"` // absolute lifetime bound
	IPAddress  string    `bun:"ip_address"`
	UserAgent  string    `bun:"user_agent"`
	Revoked    bool      `bun:"revoked,notnull,default:false"`
}

// Session states of the interactive login machine.
const (
	SessionStatePasswordVerified       = "password_verified"
	SessionStatePasswordChangeRequired = "password_change_required"
	SessionStateTOTPRequired           = "totp_required"
	SessionStateActive                 = "active"
)
