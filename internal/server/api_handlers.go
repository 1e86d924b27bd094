package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/backend"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/permission"
	"github.com/zonegate/zonegate/internal/realm"
	"github.com/zonegate/zonegate/internal/secrets"
)

// burnHash is a syntactically valid bcrypt hash compared against when no
// stored hash exists, so unknown and known prefixes cost the same.
const burnHash = "$2a$12$C6UzMDM.H6dfI/f/IKcEeO5oTRJpPLh7iXmSp1bCmpaOEgB7sb0y."

// apiRequest is the vendor-compatible request shape of POST /api.
type apiRequest struct {
	Action string   `json:"action"`
	Param  apiParam `json:"param"`
}

type apiParam struct {
	DomainName   string        `json:"domainname"`
	DNSRecordSet *dnsRecordSet `json:"dnsrecordset,omitempty"`
}

type dnsRecordSet struct {
	DNSRecords []vendorRecord `json:"dnsrecords"`
}

// vendorRecord mirrors the upstream wire shape; priority is a string
// there.
type vendorRecord struct {
	ID           string `json:"id,omitempty"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
	Priority     string `json:"priority,omitempty"`
	Destination  string `json:"destination"`
	State        string `json:"state,omitempty"`
	DeleteRecord bool   `json:"deleterecord,omitempty"`
}

// apiCall accumulates the state of one request through the pipeline; it
// feeds the single audit record written at the end.
type apiCall struct {
	start         time.Time
	correlationID string
	sourceIP      string
	action        string
	domain        string
	tokenPrefix   *string
	accountID     *int64
	details       models.JSONMap
}

// handleAPI is the DNS proxy pipeline: rate-limit, parse, authenticate,
// resolve, authorize, dispatch, filter, audit.
func (app *Application) handleAPI(w http.ResponseWriter, r *http.Request) {
	call := &apiCall{
		start:         time.Now(),
		correlationID: uuid.NewString(),
		sourceIP:      clientIP(r),
		details:       models.JSONMap{},
	}

	if ok, retryAfter := app.Limiter.Allow(call.sourceIP); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		err := apperr.Newf(apperr.KindRateLimited, "ip %s over limit", call.sourceIP)
		app.finishAPI(w, r, call, nil, err)
		return
	}

	var req apiRequest
	if err := decodeBody(r, &req); err != nil {
		if apperr.KindOf(err) == apperr.KindPayloadTooLarge {
			// Rejected before the pipeline proper; no audit row.
			writeAPIError(w, err, call.correlationID)
			return
		}
		app.finishAPI(w, r, call, nil, err)
		return
	}
	call.action = req.Action
	call.domain = realm.Normalize(req.Param.DomainName)

	// Content limits apply before authentication.
	if set := req.Param.DNSRecordSet; set != nil && len(set.DNSRecords) > app.Config.MaxRecordsPerRequest {
		err := apperr.Newf(apperr.KindMalformed,
			"%d records exceeds the per-request cap of %d", len(set.DNSRecords), app.Config.MaxRecordsPerRequest)
		app.finishAPI(w, r, call, nil, err)
		return
	}

	tok, account, err := app.authenticateToken(r, call)
	if err != nil {
		app.finishAPI(w, r, call, nil, err)
		return
	}

	res, err := realm.Resolve(tok)
	if err != nil {
		app.finishAPI(w, r, call, tok, err)
		return
	}

	data, err := app.dispatch(r, call, tok, res, &req)
	if err != nil {
		app.finishAPI(w, r, call, tok, err)
		return
	}

	if tok.EmailOnUse && account != nil && account.Email != "" {
		app.Notifier.NotifyClient(account.Email,
			"API token used: "+tok.TokenPrefix,
			"Your API token "+tok.TokenPrefix+" performed "+call.action+" on "+call.domain+" from "+call.sourceIP+".")
	}
	if err := app.Tokens.UpdateLastUsed(r.Context(), tok.ID); err != nil {
		app.Logger.Warn("update token last_used", zap.Error(err))
	}

	app.finishAPI(w, r, call, tok, nil)
	writeAPISuccess(w, data)
}

// authenticateToken extracts and verifies the API token. Extraction order
// is Authorization: Bearer, then X-API-Token, then the token query
// parameter; the latter two are flagged as insecure transport in the
// audit details. Authentication failures are a single opaque
// invalid_token.
func (app *Application) authenticateToken(r *http.Request, call *apiCall) (*models.Token, *models.Account, error) {
	plaintext := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		plaintext = strings.TrimPrefix(h, "Bearer ")
	} else if h := r.Header.Get("X-API-Token"); h != "" {
		plaintext = h
		call.details["insecure_transport"] = "header"
	} else if q := r.URL.Query().Get("token"); q != "" {
		plaintext = q
		call.details["insecure_transport"] = "query"
	}
	if call.details["insecure_transport"] != nil {
		app.Logger.Warn("token presented over insecure transport",
			zap.String("via", call.details["insecure_transport"].(string)),
			zap.String("source_ip", call.sourceIP))
	}
	if plaintext == "" {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "no token presented")
	}

	prefix, ok := secrets.SplitToken(plaintext)
	if !ok {
		app.Hasher.VerifyToken(plaintext, burnHash)
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "malformed token shape")
	}

	tok, err := app.Tokens.GetByPrefix(r.Context(), prefix)
	if err != nil {
		// Burn a comparison so unknown prefixes cost the same as wrong
		// secrets.
		app.Hasher.VerifyToken(plaintext, burnHash)
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "unknown prefix")
	}
	call.tokenPrefix = &tok.TokenPrefix

	if !app.Hasher.VerifyToken(plaintext, tok.TokenHash) {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "secret mismatch for prefix %s", prefix)
	}

	if err := app.Engine.CheckToken(r.Context(), tok, call.sourceIP); err != nil {
		return nil, nil, err
	}

	account, err := app.Accounts.GetByID(r.Context(), tok.Realm.AccountID)
	if err != nil {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "token account missing")
	}
	call.accountID = &account.ID
	if !account.IsActive {
		return nil, nil, apperr.Newf(apperr.KindAccountDisabled, "account %d disabled", account.ID)
	}
	if account.Locked(time.Now()) {
		return nil, nil, apperr.Newf(apperr.KindAccountLocked, "account %d locked", account.ID)
	}
	if account.MustChangePassword {
		return nil, nil, apperr.Newf(apperr.KindAccountDisabled, "account %d must change password", account.ID)
	}
	return tok, account, nil
}

// dispatch routes the action to the backend with the per-upstream
// deadline applied.
func (app *Application) dispatch(r *http.Request, call *apiCall, tok *models.Token, res *realm.Resolution, req *apiRequest) (any, error) {
	if call.domain == "" {
		return nil, apperr.Newf(apperr.KindMalformed, "param.domainname is required")
	}

	if res.Backend.Provider == nil {
		return nil, apperr.Newf(apperr.KindBackendUnavailable, "service %d: provider not loaded", res.Backend.ID)
	}
	be, err := app.Registry.Build(res.Backend.Provider.ProviderCode, res.Backend.Config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), app.Config.BackendDeadline)
	defer cancel()

	switch req.Action {
	case "infoDnsZone":
		return app.actionInfoZone(ctx, call, tok, res, be)
	case "infoDnsRecords":
		return app.actionInfoRecords(ctx, call, tok, res, be)
	case "updateDnsRecords":
		return app.actionUpdateRecords(ctx, call, tok, res, be, req.Param.DNSRecordSet)
	default:
		return nil, apperr.Newf(apperr.KindMalformed, "unknown action %q", req.Action)
	}
}

func (app *Application) actionInfoZone(ctx context.Context, call *apiCall, tok *models.Token, res *realm.Resolution, be backend.DNSBackend) (any, error) {
	if err := app.Engine.Check(tok, res, models.OpRead, call.domain, ""); err != nil {
		return nil, err
	}
	info, err := be.GetZoneInfo(ctx, res.DNSZone)
	if err != nil {
		return nil, err
	}
	// Vendor-specific fields ride through unchanged on success.
	if info.Raw != nil {
		return info.Raw, nil
	}
	return info, nil
}

func (app *Application) actionInfoRecords(ctx context.Context, call *apiCall, tok *models.Token, res *realm.Resolution, be backend.DNSBackend) (any, error) {
	if err := app.Engine.Check(tok, res, models.OpRead, call.domain, ""); err != nil {
		return nil, err
	}
	records, err := be.ListRecords(ctx, res.DNSZone)
	if err != nil {
		return nil, err
	}
	filtered := app.Engine.FilterRecords(tok, res, res.DNSZone, records)
	call.details["records_returned"] = len(filtered)
	return map[string]any{"dnsrecords": toVendorRecords(filtered)}, nil
}

// plannedChange is one permission-checked mutation of updateDnsRecords.
type plannedChange struct {
	op     string
	id     string
	record backend.Record
}

func (app *Application) actionUpdateRecords(ctx context.Context, call *apiCall, tok *models.Token, res *realm.Resolution, be backend.DNSBackend, set *dnsRecordSet) (any, error) {
	if set == nil || len(set.DNSRecords) == 0 {
		return nil, apperr.Newf(apperr.KindMalformed, "param.dnsrecordset.dnsrecords is required")
	}
	// Zone gate on the addressed zone; per-record operations and types
	// are checked in planChanges before anything executes.
	if call.domain != realm.Normalize(res.DNSZone) && !realm.ZoneContains(res.AuthoritativeZone, call.domain) {
		return nil, apperr.Denied(apperr.ReasonZoneNotInRealm)
	}

	existing, err := be.ListRecords(ctx, res.DNSZone)
	if err != nil {
		return nil, err
	}

	plan, err := app.planChanges(tok, res, existing, set.DNSRecords)
	if err != nil {
		// One denied record rejects the whole request.
		return nil, err
	}

	for _, change := range plan {
		switch change.op {
		case models.OpDelete:
			err = be.DeleteRecord(ctx, res.DNSZone, change.id)
		case models.OpUpdate:
			_, err = be.UpdateRecord(ctx, res.DNSZone, change.id, change.record)
		default:
			_, err = be.CreateRecord(ctx, res.DNSZone, change.record)
		}
		if err != nil {
			return nil, err
		}
	}
	call.details["records_changed"] = len(plan)

	after, err := be.ListRecords(ctx, res.DNSZone)
	if err != nil {
		return nil, err
	}
	filtered := app.Engine.FilterRecords(tok, res, res.DNSZone, after)
	return map[string]any{"dnsrecords": toVendorRecords(filtered)}, nil
}

// planChanges maps each submitted record onto a concrete operation and
// permission-checks every one before anything executes. Records with
// deleterecord are deletes; a present ID is an update; otherwise the
// record upserts by (hostname, type). Changes that address an existing
// record are checked against the record as currently stored, so an ID
// cannot reach a record outside the realm regardless of the submitted
// hostname.
func (app *Application) planChanges(tok *models.Token, res *realm.Resolution, existing []backend.Record, submitted []vendorRecord) ([]plannedChange, error) {
	byID := make(map[string]backend.Record, len(existing))
	byName := make(map[string]backend.Record, len(existing))
	for _, rec := range existing {
		byID[rec.ID] = rec
		byName[rec.Hostname+"/"+rec.Type] = rec
	}

	plan := make([]plannedChange, 0, len(submitted))
	for _, v := range submitted {
		rec := fromVendorRecord(v)
		change := plannedChange{record: rec}
		switch {
		case v.DeleteRecord:
			change.op = models.OpDelete
			change.id = v.ID
			if change.id == "" {
				match, ok := byName[rec.Hostname+"/"+rec.Type]
				if !ok {
					return nil, apperr.Newf(apperr.KindNotFound, "record %s/%s not found", rec.Hostname, rec.Type)
				}
				change.id = match.ID
			}
		case v.ID != "":
			change.op = models.OpUpdate
			change.id = v.ID
		default:
			if match, ok := byName[rec.Hostname+"/"+rec.Type]; ok {
				change.op = models.OpUpdate
				change.id = match.ID
			} else {
				change.op = models.OpCreate
			}
		}

		if change.id != "" {
			stored, ok := byID[change.id]
			if !ok {
				return nil, apperr.Newf(apperr.KindNotFound, "record %s not found", change.id)
			}
			storedFQDN := permission.RecordFQDN(res.DNSZone, stored.Hostname)
			if err := app.Engine.CheckRecord(tok, res, change.op, storedFQDN, stored.Type); err != nil {
				return nil, err
			}
		}
		if change.op != models.OpDelete {
			fqdn := permission.RecordFQDN(res.DNSZone, rec.Hostname)
			if err := app.Engine.CheckRecord(tok, res, change.op, fqdn, rec.Type); err != nil {
				return nil, err
			}
		}
		plan = append(plan, change)
	}
	return plan, nil
}

// finishAPI writes the single audit record of the request and, on error,
// the error envelope. Success responses are written by the caller.
func (app *Application) finishAPI(w http.ResponseWriter, r *http.Request, call *apiCall, tok *models.Token, reqErr error) {
	outcome := models.OutcomeSuccess
	var errorKind *string
	if reqErr != nil {
		kind := string(apperr.KindOf(reqErr))
		errorKind = &kind
		outcome = models.OutcomeError
		if apperr.KindOf(reqErr) == apperr.KindPermissionDenied {
			outcome = models.OutcomeDenied
		}
	}

	operation := call.action
	if operation == "" {
		operation = "api"
	}
	rec := &models.AuditRecord{
		TokenPrefix:   call.tokenPrefix,
		AccountID:     call.accountID,
		SourceIP:      call.sourceIP,
		Operation:     operation,
		Domain:        call.domain,
		RecordDetails: call.details,
		Outcome:       outcome,
		ErrorKind:     errorKind,
		LatencyMs:     time.Since(call.start).Milliseconds(),
		CorrelationID: call.correlationID,
	}
	app.Recorder.Record(r.Context(), rec)

	if reqErr != nil {
		app.Logger.Info("api request failed",
			zap.String("action", operation),
			zap.String("outcome", outcome),
			zap.String("source_ip", call.sourceIP),
			zap.Error(reqErr))
		writeAPIError(w, reqErr, call.correlationID)
	}
}

func toVendorRecords(records []backend.Record) []vendorRecord {
	out := make([]vendorRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, vendorRecord{
			ID:          rec.ID,
			Hostname:    rec.Hostname,
			Type:        rec.Type,
			Priority:    strconv.Itoa(rec.Priority),
			Destination: rec.Value,
			State:       "yes",
		})
	}
	return out
}

func fromVendorRecord(v vendorRecord) backend.Record {
	priority, _ := strconv.Atoi(v.Priority)
	return backend.Record{
		ID:       v.ID,
		Hostname: realm.Normalize(v.Hostname),
		Type:     strings.ToUpper(strings.TrimSpace(v.Type)),
		Value:    strings.TrimSpace(v.Destination),
		Priority: priority,
	}
}

// clientIP trusts the middleware-resolved remote address.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.HasSuffix(host, "]") {
		if parsed := host[:idx]; parsed != "" {
			host = strings.Trim(parsed, "[]")
		}
	}
	return host
}
