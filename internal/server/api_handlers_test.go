package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/backend"
	"github.com/zonegate/zonegate/internal/config"
	"github.com/zonegate/zonegate/internal/db/bunx"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/migrations"
	"github.com/zonegate/zonegate/internal/repository"
	"github.com/zonegate/zonegate/internal/secrets"
)

// fakeDNSBackend is an in-memory provider used to exercise the /api
// pipeline without HTTP upstreams.
type fakeDNSBackend struct {
	mu      sync.Mutex
	records map[string]backend.Record
	nextID  int
	created []backend.Record
	updated []string
	deleted []string
	zone    backend.ZoneInfo
	fail    error
}

func newFakeDNSBackend() *fakeDNSBackend {
	return &fakeDNSBackend{
		records: map[string]backend.Record{
			"1": {ID: "1", Hostname: "home.dyn", Type: "A", Value: "192.0.2.10", TTL: 300},
			"2": {ID: "2", Hostname: "other", Type: "A", Value: "192.0.2.99", TTL: 300},
			"3": {ID: "3", Hostname: "home.dyn", Type: "TXT", Value: "\"v=spf1 -all\"", TTL: 300},
		},
		nextID: 4,
		zone: backend.ZoneInfo{
			Name:    "example.org",
			TTL:     86400,
			Serial:  "2026082401",
			Refresh: 28800,
			Retry:   7200,
			Expire:  1209600,
		},
	}
}

func (f *fakeDNSBackend) TestConnection(context.Context) (bool, string) { return true, "ok" }

func (f *fakeDNSBackend) ListZones(context.Context) ([]string, error) {
	return []string{"example.org"}, nil
}

func (f *fakeDNSBackend) ValidateZoneAccess(context.Context, string) error { return nil }

func (f *fakeDNSBackend) ListRecords(context.Context, string) ([]backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]backend.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDNSBackend) GetRecord(_ context.Context, _ string, id string) (*backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "record %s not found", id)
	}
	return &rec, nil
}

func (f *fakeDNSBackend) CreateRecord(_ context.Context, _ string, rec backend.Record) (*backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = strconv.Itoa(f.nextID)
	f.nextID++
	f.records[rec.ID] = rec
	f.created = append(f.created, rec)
	return &rec, nil
}

func (f *fakeDNSBackend) UpdateRecord(_ context.Context, _ string, id string, rec backend.Record) (*backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "record %s not found", id)
	}
	rec.ID = id
	f.records[id] = rec
	f.updated = append(f.updated, id)
	return &rec, nil
}

func (f *fakeDNSBackend) DeleteRecord(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return apperr.Newf(apperr.KindNotFound, "record %s not found", id)
	}
	delete(f.records, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeDNSBackend) GetZoneInfo(context.Context, string) (*backend.ZoneInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	zone := f.zone
	return &zone, nil
}

func (f *fakeDNSBackend) mutations() (created []backend.Record, updated, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Record(nil), f.created...),
		append([]string(nil), f.updated...),
		append([]string(nil), f.deleted...)
}

type apiTestEnv struct {
	app       *Application
	router    http.Handler
	be        *fakeDNSBackend
	db        *bun.DB
	token     *models.Token
	plaintext string
	account   *models.Account
}

func setupAPI(t *testing.T, mutate func(*config.Config)) *apiTestEnv {
	t.Helper()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	cfg := &config.Config{
		SecretKey:            []byte("0123456789abcdef0123456789abcdef"),
		BcryptCost:           secrets.MinBcryptCost,
		APIDeadline:          5 * time.Second,
		BackendDeadline:      5 * time.Second,
		MaxBodyBytes:         2048,
		MaxRecordsPerRequest: 5,
		RateLimitPerMin:      1000,
		RateLimitPerHour:     100000,
		SessionIdle:          30 * time.Minute,
		SessionAbsolute:      12 * time.Hour,
		CookieSecure:         "auto",
		LockoutFails:         3,
		LockoutWindow:        15 * time.Minute,
		LockoutDuration:      15 * time.Minute,
	}
	if mutate != nil {
		mutate(cfg)
	}

	app, err := NewApplication(cfg, zap.NewNop(), db, nil)
	require.NoError(t, err)

	be := newFakeDNSBackend()
	require.NoError(t, app.Registry.Register(&backend.Provider{
		Code:        "static",
		DisplayName: "Static",
		SchemaJSON:  `{"type":"object"}`,
		Factory: func(models.JSONMap, *http.Client) (backend.DNSBackend, error) {
			return be, nil
		},
	}))

	now := time.Now()
	provider := &models.BackendProvider{
		ProviderCode: "static",
		DisplayName:  "Static",
		ConfigSchema: `{"type":"object"}`,
		IsEnabled:    true,
		CreatedAt:    now,
	}
	_, err = db.NewInsert().Model(provider).Exec(ctx)
	require.NoError(t, err)

	service := &models.BackendService{
		ProviderID:  provider.ID,
		ServiceName: "static-1",
		OwnerType:   models.OwnerPlatform,
		Config:      models.JSONMap{},
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = db.NewInsert().Model(service).Exec(ctx)
	require.NoError(t, err)

	root := &models.ManagedDomainRoot{
		BackendServiceID:  service.ID,
		RootDomain:        "dyn.example.org",
		DNSZone:           "example.org",
		Visibility:        models.VisibilityPublic,
		MinSubdomainDepth: 1,
		MaxSubdomainDepth: 2,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err = db.NewInsert().Model(root).Exec(ctx)
	require.NoError(t, err)

	account := &models.Account{
		Username:     "alice",
		Email:        "alice@example.org",
		PasswordHash: "$2a$12$fixture",
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = db.NewInsert().Model(account).Exec(ctx)
	require.NoError(t, err)

	realmRow := &models.Realm{
		AccountID:    account.ID,
		RealmValue:   "home",
		DomainRootID: &root.ID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = db.NewInsert().Model(realmRow).Exec(ctx)
	require.NoError(t, err)

	gen, err := app.Hasher.GenerateToken()
	require.NoError(t, err)
	token := &models.Token{
		TokenPrefix: gen.Prefix,
		TokenHash:   gen.Hash,
		RealmID:     realmRow.ID,
		IsActive:    true,
		CreatedAt:   now,
	}
	_, err = db.NewInsert().Model(token).Exec(ctx)
	require.NoError(t, err)

	return &apiTestEnv{
		app:       app,
		router:    app.NewRouter(),
		be:        be,
		db:        db,
		token:     token,
		plaintext: gen.Plaintext,
		account:   account,
	}
}

func (env *apiTestEnv) post(t *testing.T, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:4711"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *apiTestEnv) saveToken(t *testing.T) {
	t.Helper()
	_, err := env.db.NewUpdate().Model(env.token).WherePK().Exec(context.Background())
	require.NoError(t, err)
}

type apiTestResponse struct {
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	ResponseData json.RawMessage `json:"responsedata"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) apiTestResponse {
	t.Helper()
	var resp apiTestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeRecords(t *testing.T, data json.RawMessage) []vendorRecord {
	t.Helper()
	var body struct {
		DNSRecords []vendorRecord `json:"dnsrecords"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	return body.DNSRecords
}

func recordKeys(records []vendorRecord) []string {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Hostname+"/"+rec.Type)
	}
	sort.Strings(keys)
	return keys
}

func (env *apiTestEnv) audits(t *testing.T) []models.AuditRecord {
	t.Helper()
	records, err := env.app.Audits.List(context.Background(), repository.AuditFilter{})
	require.NoError(t, err)
	return records
}

func TestAPI_InfoRecords(t *testing.T) {
	env := setupAPI(t, nil)

	w := env.post(t, env.plaintext, `{"action":"infoDnsRecords","param":{"domainname":"home.dyn.example.org"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeEnvelope(t, w)
	assert.Equal(t, "success", resp.Status)

	records := decodeRecords(t, resp.ResponseData)
	assert.Equal(t, []string{"home.dyn/A", "home.dyn/TXT"}, recordKeys(records))

	audits := env.audits(t)
	require.Len(t, audits, 1)
	rec := audits[0]
	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "infoDnsRecords", rec.Operation)
	assert.Equal(t, "home.dyn.example.org", rec.Domain)
	assert.Equal(t, "203.0.113.7", rec.SourceIP)
	require.NotNil(t, rec.TokenPrefix)
	assert.Equal(t, env.token.TokenPrefix, *rec.TokenPrefix)
	assert.Equal(t, float64(2), rec.RecordDetails["records_returned"])
	assert.NotEmpty(t, rec.CorrelationID)
}

func TestAPI_InfoZone(t *testing.T) {
	env := setupAPI(t, nil)

	w := env.post(t, env.plaintext, `{"action":"infoDnsZone","param":{"domainname":"home.dyn.example.org"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeEnvelope(t, w)
	assert.Equal(t, "success", resp.Status)

	var zone map[string]any
	require.NoError(t, json.Unmarshal(resp.ResponseData, &zone))
	assert.Equal(t, "example.org", zone["name"])
	assert.Equal(t, "2026082401", zone["serial"])
	assert.Equal(t, float64(86400), zone["ttl"])
}

func TestAPI_Authentication(t *testing.T) {
	body := `{"action":"infoDnsRecords","param":{"domainname":"home.dyn.example.org"}}`

	t.Run("no token", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, "", body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid_token", decodeEnvelope(t, w).Message)

		audits := env.audits(t)
		require.Len(t, audits, 1)
		assert.Equal(t, models.OutcomeError, audits[0].Outcome)
		assert.Nil(t, audits[0].TokenPrefix)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, "deadbeefdead:bm90LWEtcmVhbC1zZWNyZXQ", body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid_token", decodeEnvelope(t, w).Message)
	})

	t.Run("wrong secret for a known prefix", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.token.TokenPrefix+":bm90LXRoZS1zZWNyZXQ", body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		// The prefix resolved, so the audit record names it.
		audits := env.audits(t)
		require.Len(t, audits, 1)
		require.NotNil(t, audits[0].TokenPrefix)
		assert.Equal(t, env.token.TokenPrefix, *audits[0].TokenPrefix)
	})

	t.Run("expired token", func(t *testing.T) {
		env := setupAPI(t, nil)
		past := time.Now().Add(-time.Hour)
		env.token.ExpiresAt = &past
		env.saveToken(t)

		w := env.post(t, env.plaintext, body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "token_expired", decodeEnvelope(t, w).Message)
	})

	t.Run("token over query parameter still authenticates", func(t *testing.T) {
		env := setupAPI(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api?token="+env.plaintext, strings.NewReader(body))
		req.RemoteAddr = "203.0.113.7:4711"
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		audits := env.audits(t)
		require.Len(t, audits, 1)
		assert.Equal(t, "query", audits[0].RecordDetails["insecure_transport"])
	})
}

func TestAPI_UpdateRecords(t *testing.T) {
	t.Run("create update and delete in one request", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"hostname": "www.home.dyn", "type": "A", "destination": "192.0.2.50"},
					{"hostname": "home.dyn", "type": "A", "destination": "192.0.2.77"},
					{"hostname": "home.dyn", "type": "TXT", "deleterecord": true}
				]}
			}
		}`)
		require.Equal(t, http.StatusOK, w.Code)

		created, updated, deleted := env.be.mutations()
		require.Len(t, created, 1)
		assert.Equal(t, "www.home.dyn", created[0].Hostname)
		assert.Equal(t, []string{"1"}, updated)
		assert.Equal(t, []string{"3"}, deleted)

		records := decodeRecords(t, decodeEnvelope(t, w).ResponseData)
		assert.Equal(t, []string{"home.dyn/A", "www.home.dyn/A"}, recordKeys(records))

		audits := env.audits(t)
		require.Len(t, audits, 1)
		assert.Equal(t, models.OutcomeSuccess, audits[0].Outcome)
		assert.Equal(t, float64(3), audits[0].RecordDetails["records_changed"])
	})

	t.Run("read only token is denied before any mutation", func(t *testing.T) {
		env := setupAPI(t, nil)
		env.token.Operations = models.StringSet{models.OpRead}
		env.saveToken(t)

		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"hostname": "www.home.dyn", "type": "A", "destination": "192.0.2.50"}
				]}
			}
		}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "operation_not_allowed", decodeEnvelope(t, w).Message)

		created, updated, deleted := env.be.mutations()
		assert.Empty(t, created)
		assert.Empty(t, updated)
		assert.Empty(t, deleted)

		audits := env.audits(t)
		require.Len(t, audits, 1)
		assert.Equal(t, models.OutcomeDenied, audits[0].Outcome)
	})

	t.Run("one denied record rejects the whole batch", func(t *testing.T) {
		env := setupAPI(t, nil)
		env.token.RecordTypes = models.StringSet{"A"}
		env.saveToken(t)

		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"hostname": "www.home.dyn", "type": "A", "destination": "192.0.2.50"},
					{"hostname": "home.dyn", "type": "CNAME", "destination": "target.example.net"}
				]}
			}
		}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "record_type_not_allowed", decodeEnvelope(t, w).Message)

		created, _, _ := env.be.mutations()
		assert.Empty(t, created)
	})

	t.Run("id addressing an out of realm record is refused", func(t *testing.T) {
		env := setupAPI(t, nil)
		// Record 2 lives at other.example.org, outside the realm; the
		// submitted hostname claims an in-realm name.
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"id": "2", "hostname": "myhost.home.dyn", "type": "A", "destination": "192.0.2.50"}
				]}
			}
		}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "zone_not_in_realm", decodeEnvelope(t, w).Message)

		created, updated, deleted := env.be.mutations()
		assert.Empty(t, created)
		assert.Empty(t, updated)
		assert.Empty(t, deleted)
	})

	t.Run("delete by id of an out of realm record is refused", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"id": "2", "deleterecord": true}
				]}
			}
		}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "zone_not_in_realm", decodeEnvelope(t, w).Message)

		_, _, deleted := env.be.mutations()
		assert.Empty(t, deleted)
	})

	t.Run("delete addressed only by id", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"id": "3", "deleterecord": true}
				]}
			}
		}`)
		require.Equal(t, http.StatusOK, w.Code)

		_, _, deleted := env.be.mutations()
		assert.Equal(t, []string{"3"}, deleted)
	})

	t.Run("update of an unknown id", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"id": "999", "hostname": "www.home.dyn", "type": "A", "destination": "192.0.2.50"}
				]}
			}
		}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", decodeEnvelope(t, w).Message)
	})

	t.Run("zone outside the realm", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "elsewhere.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"hostname": "elsewhere", "type": "A", "destination": "192.0.2.50"}
				]}
			}
		}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "zone_not_in_realm", decodeEnvelope(t, w).Message)
	})

	t.Run("per request record cap", func(t *testing.T) {
		env := setupAPI(t, func(cfg *config.Config) { cfg.MaxRecordsPerRequest = 2 })
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"hostname": "a.home.dyn", "type": "A", "destination": "192.0.2.1"},
					{"hostname": "b.home.dyn", "type": "A", "destination": "192.0.2.2"},
					{"hostname": "c.home.dyn", "type": "A", "destination": "192.0.2.3"}
				]}
			}
		}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "malformed_request", decodeEnvelope(t, w).Message)
	})

	t.Run("delete of an unknown record", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"hostname": "ghost.home.dyn", "type": "A", "deleterecord": true}
				]}
			}
		}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", decodeEnvelope(t, w).Message)
	})
}

func TestAPI_RequestShape(t *testing.T) {
	t.Run("unknown action", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{"action":"loginSession","param":{"domainname":"home.dyn.example.org"}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "malformed_request", decodeEnvelope(t, w).Message)
	})

	t.Run("missing domainname", func(t *testing.T) {
		env := setupAPI(t, nil)
		w := env.post(t, env.plaintext, `{"action":"infoDnsZone","param":{}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("record cap applies before authentication", func(t *testing.T) {
		env := setupAPI(t, func(cfg *config.Config) { cfg.MaxRecordsPerRequest = 2 })
		w := env.post(t, "", `{
			"action": "updateDnsRecords",
			"param": {
				"domainname": "home.dyn.example.org",
				"dnsrecordset": {"dnsrecords": [
					{"hostname": "a.home.dyn", "type": "A", "destination": "192.0.2.1"},
					{"hostname": "b.home.dyn", "type": "A", "destination": "192.0.2.2"},
					{"hostname": "c.home.dyn", "type": "A", "destination": "192.0.2.3"}
				]}
			}
		}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "malformed_request", decodeEnvelope(t, w).Message)
	})

	t.Run("oversized body is rejected without an audit row", func(t *testing.T) {
		env := setupAPI(t, func(cfg *config.Config) { cfg.MaxBodyBytes = 128 })
		w := env.post(t, env.plaintext, `{"action":"infoDnsRecords","param":{"domainname":"`+strings.Repeat("a", 512)+`"}}`)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, "payload_too_large", decodeEnvelope(t, w).Message)
		assert.Empty(t, env.audits(t))
	})
}

func TestAPI_RateLimited(t *testing.T) {
	env := setupAPI(t, func(cfg *config.Config) { cfg.RateLimitPerMin = 2 })
	body := `{"action":"infoDnsRecords","param":{"domainname":"home.dyn.example.org"}}`

	for i := 0; i < 2; i++ {
		w := env.post(t, env.plaintext, body)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.post(t, env.plaintext, body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeEnvelope(t, w).Message)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	audits := env.audits(t)
	require.Len(t, audits, 3)
	assert.Equal(t, models.OutcomeError, audits[0].Outcome)
	require.NotNil(t, audits[0].ErrorKind)
	assert.Equal(t, "rate_limited", *audits[0].ErrorKind)
}

func TestAPI_BackendFailure(t *testing.T) {
	env := setupAPI(t, nil)
	env.be.fail = apperr.Newf(apperr.KindBackendUnavailable, "upstream 502")

	w := env.post(t, env.plaintext, `{"action":"infoDnsRecords","param":{"domainname":"home.dyn.example.org"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "backend_unavailable", decodeEnvelope(t, w).Message)

	audits := env.audits(t)
	require.Len(t, audits, 1)
	assert.Equal(t, models.OutcomeError, audits[0].Outcome)
	require.NotNil(t, audits[0].ErrorKind)
	assert.Equal(t, "backend_unavailable", *audits[0].ErrorKind)
}
