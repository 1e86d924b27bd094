package server

import (
	"context"
	"net/http"
	"time"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/realm"
	"github.com/zonegate/zonegate/internal/repository"
)

// ---- self-service realms ----

type realmRequest struct {
	RealmValue    string `json:"realm_value"`
	DomainRootID  *int64 `json:"domain_root_id,omitempty"`
	UserBackendID *int64 `json:"user_backend_id,omitempty"`
	UserDomain    string `json:"user_domain,omitempty"`
}

func (app *Application) handleListRealms(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	realms, err := app.Realms.ListActiveByAccount(r.Context(), account.ID)
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, realms)
}

// handleCreateRealm claims a realm. Platform claims race through the
// unique index; the first committer wins and the loser gets a conflict.
func (app *Application) handleCreateRealm(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	var req realmRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if (req.DomainRootID == nil) == (req.UserBackendID == nil) {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "exactly one of domain_root_id or user_backend_id is required"))
		return
	}
	req.RealmValue = realm.Normalize(req.RealmValue)

	rm := &models.Realm{
		AccountID:  account.ID,
		RealmValue: req.RealmValue,
		IsActive:   true,
	}
	switch {
	case req.DomainRootID != nil:
		root, err := app.Roots.GetByID(r.Context(), *req.DomainRootID)
		if err != nil {
			app.writeError(w, err)
			return
		}
		if !root.IsActive {
			app.writeError(w, apperr.Newf(apperr.KindNotFound, "domain root %d not available", root.ID))
			return
		}
		if root.Visibility != models.VisibilityPublic {
			grant, err := app.Roots.GetGrant(r.Context(), root.ID, account.ID)
			if err != nil || !grant.ActiveAt(time.Now()) {
				app.writeError(w, apperr.Denied(apperr.ReasonRootPolicyRefused))
				return
			}
		}
		if err := realm.ValidateRealmValue(req.RealmValue, root); err != nil {
			app.writeError(w, err)
			return
		}
		rm.DomainRootID = &root.ID
	default:
		svc, err := app.Backends.GetServiceByID(r.Context(), *req.UserBackendID)
		if err != nil {
			app.writeError(w, err)
			return
		}
		if svc.OwnerType != models.OwnerUser || svc.OwnerID == nil || *svc.OwnerID != account.ID {
			app.writeError(w, apperr.Denied(apperr.ReasonOperationNotAllowed))
			return
		}
		req.UserDomain = realm.Normalize(req.UserDomain)
		if req.UserDomain == "" {
			app.writeError(w, apperr.Newf(apperr.KindMalformed, "user_domain is required for user-backend realms"))
			return
		}
		if err := realm.ValidateUserRealmValue(req.RealmValue, req.UserDomain); err != nil {
			app.writeError(w, err)
			return
		}
		rm.UserBackendID = &svc.ID
		rm.UserDomain = req.UserDomain
	}

	err = app.auditedWrite(r.Context(), r, account, "realm_create", rm.RealmValue, models.JSONMap{"realm_value": rm.RealmValue}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunRealmRepository(tx).Create(ctx, rm)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

func (app *Application) handleDeleteRealm(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	rm, err := app.Realms.GetByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if rm.AccountID != account.ID && !account.IsAdmin {
		app.writeError(w, apperr.Denied(apperr.ReasonOperationNotAllowed))
		return
	}
	err = app.auditedWrite(r.Context(), r, account, "realm_delete", rm.RealmValue, models.JSONMap{"realm_id": id}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunRealmRepository(tx).Delete(ctx, id)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---- self-service tokens ----

type tokenRequest struct {
	RealmID        int64            `json:"realm_id"`
	RecordTypes    models.StringSet `json:"record_types"`
	Operations     models.StringSet `json:"operations"`
	AllowedOrigins models.StringSet `json:"allowed_origins"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	EmailOnUse     bool             `json:"email_on_use"`
}

// tokenResponse never includes the hash. The plaintext appears only in
// the create response.
type tokenResponse struct {
	ID             int64            `json:"id"`
	TokenPrefix    string           `json:"token_prefix"`
	RealmID        int64            `json:"realm_id"`
	RecordTypes    models.StringSet `json:"record_types"`
	Operations     models.StringSet `json:"operations"`
	AllowedOrigins models.StringSet `json:"allowed_origins"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	IsActive       bool             `json:"is_active"`
	EmailOnUse     bool             `json:"email_on_use"`
	LastUsedAt     *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Plaintext      string           `json:"token,omitempty"`
}

func toTokenResponse(t *models.Token) tokenResponse {
	return tokenResponse{
		ID:             t.ID,
		TokenPrefix:    t.TokenPrefix,
		RealmID:        t.RealmID,
		RecordTypes:    t.RecordTypes,
		Operations:     t.Operations,
		AllowedOrigins: t.AllowedOrigins,
		ExpiresAt:      t.ExpiresAt,
		IsActive:       t.IsActive,
		EmailOnUse:     t.EmailOnUse,
		LastUsedAt:     t.LastUsedAt,
		CreatedAt:      t.CreatedAt,
	}
}

func (app *Application) handleListTokens(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	tokens, err := app.Tokens.ListByAccount(r.Context(), account.ID)
	if err != nil {
		app.writeError(w, err)
		return
	}
	out := make([]tokenResponse, 0, len(tokens))
	for i := range tokens {
		out = append(out, toTokenResponse(&tokens[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *Application) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	rm, err := app.Realms.GetByID(r.Context(), req.RealmID)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if rm.AccountID != account.ID && !account.IsAdmin {
		app.writeError(w, apperr.Denied(apperr.ReasonOperationNotAllowed))
		return
	}
	for _, op := range req.Operations {
		if !models.StringSet(models.AllOperations).Contains(op) {
			app.writeError(w, apperr.Newf(apperr.KindMalformed, "unknown operation %q", op))
			return
		}
	}

	generated, err := app.Hasher.GenerateToken()
	if err != nil {
		app.writeError(w, err)
		return
	}
	token := &models.Token{
		TokenPrefix:    generated.Prefix,
		TokenHash:      generated.Hash,
		RealmID:        rm.ID,
		RecordTypes:    req.RecordTypes,
		Operations:     req.Operations,
		AllowedOrigins: req.AllowedOrigins,
		ExpiresAt:      req.ExpiresAt,
		IsActive:       true,
		EmailOnUse:     req.EmailOnUse,
	}
	err = app.auditedWrite(r.Context(), r, account, "token_create", rm.RealmValue, models.JSONMap{"token_prefix": token.TokenPrefix, "realm_id": rm.ID}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunTokenRepository(tx).Create(ctx, token)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}

	resp := toTokenResponse(token)
	resp.Plaintext = generated.Plaintext // shown exactly once
	writeJSON(w, http.StatusCreated, resp)
}

func (app *Application) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	id, err := idParam(r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	token, err := app.Tokens.GetByID(r.Context(), id)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if token.Realm == nil || (token.Realm.AccountID != account.ID && !account.IsAdmin) {
		app.writeError(w, apperr.Denied(apperr.ReasonOperationNotAllowed))
		return
	}
	err = app.auditedWrite(r.Context(), r, account, "token_delete", "", models.JSONMap{"token_prefix": token.TokenPrefix}, func(ctx context.Context, tx bun.Tx) error {
		return repository.NewBunTokenRepository(tx).Delete(ctx, id)
	})
	if err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
