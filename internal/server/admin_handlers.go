package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/realm"
	"github.com/zonegate/zonegate/internal/repository"
)

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.KindMalformed, "invalid id parameter")
	}
	return id, nil
}

// requireAdmin gates the admin surface: active session plus the admin
// flag.
func (app *Application) requireAdmin(w http.ResponseWriter, r *http.Request) (*models.Account, error) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return nil, err
	}
	if !account.IsAdmin {
		err := apperr.Denied(apperr.ReasonOperationNotAllowed)
		app.writeError(w, err)
		return nil, err
	}
	return account, nil
}

// auditedWrite runs fn in one transaction together with its audit record,
// so the state change and its trail commit atomically.
func (app *Application) auditedWrite(ctx context.Context, r *http.Request, actor *models.Account, operation, domain string, details models.JSONMap, fn func(ctx context.Context, tx bun.Tx) error) error {
	return repository.RunInTx(ctx, app.DB, func(ctx context.Context, tx bun.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		app.Recorder.RecordWith(ctx, repository.NewBunAuditRepository(tx), &models.AuditRecord{
			AccountID:     &actor.ID,
			SourceIP:      clientIP(r),
			Operation:     operation,
			Domain:        domain,
			RecordDetails: details,
			Outcome:       models.OutcomeSuccess,
		})
		return nil
	})
}

// ---- accounts (admin) ----

type accountRequest struct {
	Username           string `json:"username"`
	Email              string `json:"email"`
	Password           string `json:"password,omitempty"`
	IsAdmin            bool   `json:"is_admin"`
	IsActive           bool   `json:"is_active"`
	MustChangePassword bool   `json:"must_change_password"`
}

type accountResponse struct {
	ID                 int64      `json:"id"`
	Username           string     `json:"username"`
	Email              string     `json:"email"`
	IsAdmin            bool       `json:"is_admin"`
	IsActive           bool       `json:"is_active"`
	MustChangePassword bool       `json:"must_change_password"`
	TOTPEnabled        bool       `json:"totp_enabled"`
	LockedUntil        *time.Time `json:"locked_until,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toAccountResponse(a *models.Account) accountResponse {
	return accountResponse{
		ID:                 a.ID,
		Username:           a.Username,
		Email:              a.Email,
		IsAdmin:            a.IsAdmin,
		IsActive:           a.IsActive,
		MustChangePassword: a.MustChangePassword,
		TOTPEnabled:        a.TOTPEnabled,
		LockedUntil:        a.LockedUntil,
		CreatedAt:          a.CreatedAt,
	}
}

var usernamePattern = `[a-z0-9._-]{3,64}`

func validUsername(name string) bool {
	if len(name) < 3 || len(name) > 64 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func (app *Application) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if _, err := app.requireAdmin(w, r); err != nil {
		return
	}
	accounts, err := app.Accounts.List(r.Context())
	if err != nil {
		app.writeError(w, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for i := range accounts {
		out = append(out, toAccountResponse(&accounts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *Application) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	var req accountRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if !validUsername(req.Username) {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "username must match %s", usernamePattern))
		return
	}
	if req.Password == "" {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "password is required"))
		return
	}
	hash, err := app.Hasher.HashPassword(req.Password)
	if err != nil {
		app.writeError(w, err)
		return
	}
	account := &models.Account{
		Username:           req.Username,
		Email:              req.Email,
		PasswordHash:       hash,
		MustChangePassword: req.MustChangePassword,
		IsAdmin:            req.IsAdmin,
		IsActive:           true,
	}
	err = app.auditedWrite(r.Context(), r, actor, "account_create", "", models.JSONMap{"username": account.Username}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunAccountRepository(tx).Create(ctx, account)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (app *Application) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if _, err := app.requireAdmin(w, r); err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	account, err := app.Accounts.GetByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (app *Application) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	account, err := app.Accounts.GetByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	var req accountRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}

	// Never drop the last active admin.
	if account.IsAdmin && account.IsActive && (!req.IsAdmin || !req.IsActive) {
		admins, err := app.Accounts.CountActiveAdmins(r.Context())
		if err != nil {
			app.writeError(w, err)
			return
		}
		if admins <= 1 {
			app.writeError(w, apperr.Newf(apperr.KindConflict, "cannot demote or disable the last active admin"))
			return
		}
	}

	account.Email = req.Email
	account.IsAdmin = req.IsAdmin
	account.IsActive = req.IsActive
	account.MustChangePassword = req.MustChangePassword
	if req.Password != "" {
		hash, err := app.Hasher.HashPassword(req.Password)
		if err != nil {
			app.writeError(w, err)
			return
		}
		account.PasswordHash = hash
	}
	err = app.auditedWrite(r.Context(), r, actor, "account_update", "", models.JSONMap{"account_id": account.ID}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunAccountRepository(tx).Update(ctx, account)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (app *Application) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	target, err := app.Accounts.GetByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if target.IsAdmin && target.IsActive {
		admins, err := app.Accounts.CountActiveAdmins(r.Context())
		if err != nil {
			app.writeError(w, err)
			return
		}
		if admins <= 1 {
			app.writeError(w, apperr.Newf(apperr.KindConflict, "cannot delete the last active admin"))
			return
		}
	}
	err = app.auditedWrite(r.Context(), r, actor, "account_delete", "", models.JSONMap{"account_id": id}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunAccountRepository(tx).Delete(ctx, id)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---- providers and backend services (admin) ----

func (app *Application) handleListProviders(w http.ResponseWriter, r *http.Request) {
	if _, err := app.requireAdmin(w, r); err != nil {
		return
	}
	providers, err := app.Backends.ListProviders(r.Context())
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

type serviceRequest struct {
	ProviderCode      string         `json:"provider_code"`
	ServiceName       string         `json:"service_name"`
	OwnerType         string         `json:"owner_type"`
	OwnerID           *int64         `json:"owner_id,omitempty"`
	Config            models.JSONMap `json:"config"`
	IsActive          bool           `json:"is_active"`
	IsDefaultForOwner bool           `json:"is_default_for_owner"`
}

// serviceResponse omits the stored config; credentials never leave the
// server once written.
type serviceResponse struct {
	ID                int64      `json:"id"`
	ProviderCode      string     `json:"provider_code"`
	ServiceName       string     `json:"service_name"`
	OwnerType         string     `json:"owner_type"`
	OwnerID           *int64     `json:"owner_id,omitempty"`
	IsActive          bool       `json:"is_active"`
	IsDefaultForOwner bool       `json:"is_default_for_owner"`
	LastTestOK        *bool      `json:"last_test_ok,omitempty"`
	LastTestMessage   string     `json:"last_test_message,omitempty"`
	LastTestAt        *time.Time `json:"last_test_at,omitempty"`
}

func toServiceResponse(s *models.BackendService) serviceResponse {
	out := serviceResponse{
		ID:                s.ID,
		ServiceName:       s.ServiceName,
		OwnerType:         s.OwnerType,
		OwnerID:           s.OwnerID,
		IsActive:          s.IsActive,
		IsDefaultForOwner: s.IsDefaultForOwner,
		LastTestOK:        s.LastTestOK,
		LastTestMessage:   s.LastTestMessage,
		LastTestAt:        s.LastTestAt,
	}
	if s.Provider != nil {
		out.ProviderCode = s.Provider.ProviderCode
	}
	return out
}

func (app *Application) handleListServices(w http.ResponseWriter, r *http.Request) {
	if _, err := app.requireAdmin(w, r); err != nil {
		return
	}
	services, err := app.Backends.ListServices(r.Context())
	if err != nil {
		app.writeError(w, err)
		return
	}
	out := make([]serviceResponse, 0, len(services))
	for i := range services {
		out = append(out, toServiceResponse(&services[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *Application) handleCreateService(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	var req serviceRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if req.ServiceName == "" {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "service_name is required"))
		return
	}
	if req.OwnerType != models.OwnerPlatform && req.OwnerType != models.OwnerUser {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "owner_type must be platform or user"))
		return
	}
	if req.OwnerType == models.OwnerUser && req.OwnerID == nil {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "owner_id is required for user services"))
		return
	}
	if err := app.Registry.ValidateConfig(req.ProviderCode, req.Config); err != nil {
		app.writeError(w, err)
		return
	}
	provider, err := app.Backends.GetProviderByCode(r.Context(), req.ProviderCode)
	if err != nil {
		app.writeError(w, err)
		return
	}
	service := &models.BackendService{
		ProviderID:        provider.ID,
		ServiceName:       req.ServiceName,
		OwnerType:         req.OwnerType,
		OwnerID:           req.OwnerID,
		Config:            req.Config,
		IsActive:          req.IsActive,
		IsDefaultForOwner: req.IsDefaultForOwner,
	}
	err = app.auditedWrite(r.Context(), r, actor, "service_create", "", models.JSONMap{"service_name": service.ServiceName, "provider": req.ProviderCode}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunBackendRepository(tx).CreateService(ctx, service)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	service.Provider = provider
	writeJSON(w, http.StatusCreated, toServiceResponse(service))
}

func (app *Application) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	service, err := app.Backends.GetServiceByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	var req serviceRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if req.Config != nil {
		code := req.ProviderCode
		if code == "" && service.Provider != nil {
			code = service.Provider.ProviderCode
		}
		if err := app.Registry.ValidateConfig(code, req.Config); err != nil {
			app.writeError(w, err)
			return
		}
		service.Config = req.Config
	}
	if req.ServiceName != "" {
		service.ServiceName = req.ServiceName
	}
	service.IsActive = req.IsActive
	service.IsDefaultForOwner = req.IsDefaultForOwner
	err = app.auditedWrite(r.Context(), r, actor, "service_update", "", models.JSONMap{"service_id": service.ID}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunBackendRepository(tx).UpdateService(ctx, service)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceResponse(service))
}

// handleTestService runs the provider's connectivity probe and persists
// the outcome on the service row.
func (app *Application) handleTestService(w http.ResponseWriter, r *http.Request) {
	if _, err := app.requireAdmin(w, r); err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	service, err := app.Backends.GetServiceByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if service.Provider == nil {
		app.writeError(w, apperr.Newf(apperr.KindBackendUnavailable, "service %d: provider not loaded", id))
		return
	}
	be, err := app.Registry.Build(service.Provider.ProviderCode, service.Config)
	if err != nil {
		app.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), app.Config.BackendDeadline)
	defer cancel()
	ok, message := be.TestConnection(ctx)
	at := time.Now()
	if err := app.Backends.SetServiceTestResult(r.Context(), id, ok, message, at); err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "message": message, "tested_at": at})
}

// ---- domain roots and grants (admin) ----

type rootRequest struct {
	BackendServiceID   int64            `json:"backend_service_id"`
	RootDomain         string           `json:"root_domain"`
	DNSZone            string           `json:"dns_zone"`
	Visibility         string           `json:"visibility"`
	AllowApexAccess    bool             `json:"allow_apex_access"`
	MinSubdomainDepth  int              `json:"min_subdomain_depth"`
	MaxSubdomainDepth  int              `json:"max_subdomain_depth"`
	AllowedRecordTypes models.StringSet `json:"allowed_record_types"`
	AllowedOperations  models.StringSet `json:"allowed_operations"`
	IsActive           bool             `json:"is_active"`
}

func (app *Application) handleListRoots(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	roots, err := app.Roots.ListVisibleToAccount(r.Context(), account.ID, time.Now())
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roots)
}

func (app *Application) handleCreateRoot(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	var req rootRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	req.RootDomain = realm.Normalize(req.RootDomain)
	req.DNSZone = realm.Normalize(req.DNSZone)
	if req.RootDomain == "" || req.DNSZone == "" {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "root_domain and dns_zone are required"))
		return
	}
	if !realm.ZoneContains(req.DNSZone, req.RootDomain) {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "root_domain must live inside dns_zone"))
		return
	}
	switch req.Visibility {
	case models.VisibilityPublic, models.VisibilityPrivate, models.VisibilityInvite:
	case "":
		req.Visibility = models.VisibilityPublic
	default:
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "unknown visibility %q", req.Visibility))
		return
	}
	if req.MinSubdomainDepth < 0 || req.MaxSubdomainDepth < req.MinSubdomainDepth {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "invalid subdomain depth bounds"))
		return
	}
	if _, err := app.Backends.GetServiceByID(r.Context(), req.BackendServiceID); err != nil {
		app.writeError(w, err)
		return
	}

	root := &models.ManagedDomainRoot{
		BackendServiceID:   req.BackendServiceID,
		RootDomain:         req.RootDomain,
		DNSZone:            req.DNSZone,
		Visibility:         req.Visibility,
		AllowApexAccess:    req.AllowApexAccess,
		MinSubdomainDepth:  req.MinSubdomainDepth,
		MaxSubdomainDepth:  req.MaxSubdomainDepth,
		AllowedRecordTypes: req.AllowedRecordTypes,
		AllowedOperations:  req.AllowedOperations,
		IsActive:           req.IsActive,
	}
	err = app.auditedWrite(r.Context(), r, actor, "root_create", root.RootDomain, nil, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunDomainRootRepository(tx).Create(ctx, root)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, root)
}

func (app *Application) handleUpdateRoot(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	root, err := app.Roots.GetByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	var req rootRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if req.Visibility != "" {
		root.Visibility = req.Visibility
	}
	root.AllowApexAccess = req.AllowApexAccess
	if req.MinSubdomainDepth > 0 {
		root.MinSubdomainDepth = req.MinSubdomainDepth
	}
	if req.MaxSubdomainDepth > 0 {
		root.MaxSubdomainDepth = req.MaxSubdomainDepth
	}
	root.AllowedRecordTypes = req.AllowedRecordTypes
	root.AllowedOperations = req.AllowedOperations
	root.IsActive = req.IsActive
	err = app.auditedWrite(r.Context(), r, actor, "root_update", root.RootDomain, nil, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunDomainRootRepository(tx).Update(ctx, root)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

type grantRequest struct {
	AccountID           int64            `json:"account_id"`
	GrantType           string           `json:"grant_type"`
	RecordTypesOverride models.StringSet `json:"record_types_override"`
	OperationsOverride  models.StringSet `json:"operations_override"`
	ExpiresAt           *time.Time       `json:"expires_at,omitempty"`
}

func (app *Application) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	rootID, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	switch req.GrantType {
	case models.GrantStandard, models.GrantAdmin, models.GrantInviteOnly:
	case "":
		req.GrantType = models.GrantStandard
	default:
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "unknown grant_type %q", req.GrantType))
		return
	}
	if _, err := app.Roots.GetByID(r.Context(), rootID); err != nil {
		app.writeError(w, err)
		return
	}
	if _, err := app.Accounts.GetByID(r.Context(), req.AccountID); err != nil {
		app.writeError(w, err)
		return
	}
	grant := &models.DomainRootGrant{
		DomainRootID:        rootID,
		AccountID:           req.AccountID,
		GrantType:           req.GrantType,
		RecordTypesOverride: req.RecordTypesOverride,
		OperationsOverride:  req.OperationsOverride,
		GrantedBy:           actor.ID,
		ExpiresAt:           req.ExpiresAt,
	}
	err = app.auditedWrite(r.Context(), r, actor, "grant_create", "", models.JSONMap{"root_id": rootID, "account_id": req.AccountID}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunDomainRootRepository(tx).CreateGrant(ctx, grant)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (app *Application) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	actor, err := app.requireAdmin(w, r)
	if err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	err = app.auditedWrite(r.Context(), r, actor, "grant_revoke", "", models.JSONMap{"grant_id": id}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunDomainRootRepository(tx).RevokeGrant(ctx, id, time.Now())
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ---- audit query (admin) ----

func (app *Application) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := app.requireAdmin(w, r); err != nil {
		return
	}
	q := r.URL.Query()
	filter := repository.AuditFilter{
		TokenPrefix: q.Get("token_prefix"),
		Outcome:     q.Get("outcome"),
	}
	if v := q.Get("account_id"); v != "" {
		filter.AccountID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	records, err := app.Audits.List(r.Context(), filter)
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
