package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

const defaultNetcupEndpoint = "https://ccp.netcup.net/run/webservice/servers/endpoint.php?JSON"

const netcupSchemaJSON = `{
	"type": "object",
	"properties": {
		"customer_number": {"type": "string", "minLength": 1},
		"api_key": {"type": "string", "minLength": 1},
		"api_password": {"type": "string", "minLength": 1},
		"endpoint": {"type": "string", "format": "uri"}
	},
	"required": ["customer_number", "api_key", "api_password"],
	"additionalProperties": false
}`

// NetcupProvider returns the registry entry for the netcup CCP DNS API.
// The upstream only exposes whole-record-set updates, so all mutations
// serialize through the shared per-zone lock table.
func NetcupProvider(locks *ZoneLocks) *Provider {
	return &Provider{
		Code:        "netcup",
		DisplayName: "netcup CCP DNS",
		SchemaJSON:  netcupSchemaJSON,
		Caps: Capabilities{
			ZoneList:    false,
			ZoneCreate:  false,
			DNSSEC:      true,
			RecordTypes: []string{"A", "AAAA", "CNAME", "MX", "NS", "TXT", "SRV", "CAA"},
		},
		Factory: func(config models.JSONMap, client *http.Client) (DNSBackend, error) {
			b := &netcupBackend{
				endpoint:       defaultNetcupEndpoint,
				customerNumber: stringField(config, "customer_number"),
				apiKey:         stringField(config, "api_key"),
				apiPassword:    stringField(config, "api_password"),
				client:         client,
				locks:          locks,
			}
			if ep := stringField(config, "endpoint"); ep != "" {
				b.endpoint = ep
			}
			return b, nil
		},
	}
}

func stringField(m models.JSONMap, key string) string {
	v, _ := m[key].(string)
	return v
}

type netcupBackend struct {
	endpoint       string
	customerNumber string
	apiKey         string
	apiPassword    string
	client         httpClient
	locks          *ZoneLocks

	mu        sync.Mutex
	sessionID string
}

// netcupEnvelope is the upstream response wrapper.
type netcupEnvelope struct {
	Status       string          `json:"status"`
	StatusCode   int             `json:"statuscode"`
	ShortMessage string          `json:"shortmessage"`
	LongMessage  string          `json:"longmessage"`
	ResponseData json.RawMessage `json:"responsedata"`
}

type netcupRecord struct {
	ID           string `json:"id"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
	Priority     string `json:"priority"`
	Destination  string `json:"destination"`
	DeleteRecord bool   `json:"deleterecord"`
	State        string `json:"state"`
}

func (b *netcupBackend) call(ctx context.Context, action string, param map[string]any) (json.RawMessage, error) {
	body := map[string]any{
		"action": action,
		"param":  param,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Newf(apperr.KindInternal, "encode %s request: %v", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Newf(apperr.KindInternal, "build %s request: %v", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, mapTransportError("netcup "+action, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, mapTransportError("netcup "+action+" read body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatusError("netcup "+action, resp.StatusCode, string(payload))
	}

	var envelope netcupEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, apperr.Newf(apperr.KindBackendProtocolError, "netcup %s: malformed envelope: %v", action, err)
	}
	if envelope.Status != "success" {
		if netcupSessionExpired(&envelope) {
			return nil, errNetcupSessionExpired
		}
		// The upstream wraps application errors in HTTP 200.
		return nil, apperr.Newf(apperr.KindBackendRefused, "netcup %s: %d %s: %s",
			action, envelope.StatusCode, envelope.ShortMessage, envelope.LongMessage)
	}
	return envelope.ResponseData, nil
}

var errNetcupSessionExpired = apperr.Newf(apperr.KindBackendRefused, "netcup session expired")

func netcupSessionExpired(e *netcupEnvelope) bool {
	if e.StatusCode == 4001 {
		return true
	}
	msg := strings.ToLower(e.ShortMessage + " " + e.LongMessage)
	return strings.Contains(msg, "session")
}

func (b *netcupBackend) login(ctx context.Context) error {
	data, err := b.call(ctx, "login", map[string]any{
		"customernumber": b.customerNumber,
		"apikey":         b.apiKey,
		"apipassword":    b.apiPassword,
	})
	if err != nil {
		return err
	}
	var result struct {
		APISessionID string `json:"apisessionid"`
	}
	if err := json.Unmarshal(data, &result); err != nil || result.APISessionID == "" {
		return apperr.Newf(apperr.KindBackendProtocolError, "netcup login: missing apisessionid")
	}
	b.mu.Lock()
	b.sessionID = result.APISessionID
	b.mu.Unlock()
	return nil
}

// session returns the current session ID, logging in when none is held.
func (b *netcupBackend) session(ctx context.Context) (string, error) {
	b.mu.Lock()
	id := b.sessionID
	b.mu.Unlock()
	if id != "" {
		return id, nil
	}
	if err := b.login(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	id = b.sessionID
	b.mu.Unlock()
	return id, nil
}

// authed runs an action with session credentials, refreshing the session
// and retrying at most once when the upstream reports session expiry.
func (b *netcupBackend) authed(ctx context.Context, action string, param map[string]any) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		id, err := b.session(ctx)
		if err != nil {
			return nil, err
		}
		param["customernumber"] = b.customerNumber
		param["apikey"] = b.apiKey
		param["apisessionid"] = id

		data, err := b.call(ctx, action, param)
		if err == errNetcupSessionExpired {
			b.mu.Lock()
			b.sessionID = ""
			b.mu.Unlock()
			continue
		}
		return data, err
	}
	return nil, apperr.Newf(apperr.KindBackendUnavailable, "netcup %s: session refresh exhausted", action)
}

func (b *netcupBackend) TestConnection(ctx context.Context) (bool, string) {
	if err := b.login(ctx); err != nil {
		return false, err.Error()
	}
	return true, "login ok"
}

func (b *netcupBackend) ListZones(ctx context.Context) ([]string, error) {
	return nil, apperr.Newf(apperr.KindBackendRefused, "netcup: zone listing not supported")
}

func (b *netcupBackend) ValidateZoneAccess(ctx context.Context, zone string) error {
	_, err := b.GetZoneInfo(ctx, zone)
	return err
}

func (b *netcupBackend) GetZoneInfo(ctx context.Context, zone string) (*ZoneInfo, error) {
	data, err := b.authed(ctx, "infoDnsZone", map[string]any{"domainname": zone})
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Newf(apperr.KindBackendProtocolError, "netcup infoDnsZone: %v", err)
	}
	info := &ZoneInfo{
		Name:          stringOf(raw["name"]),
		TTL:           intOf(raw["ttl"]),
		Serial:        stringOf(raw["serial"]),
		Refresh:       intOf(raw["refresh"]),
		Retry:         intOf(raw["retry"]),
		Expire:        intOf(raw["expire"]),
		DNSSECEnabled: boolOf(raw["dnssecstatus"]),
		Raw:           raw,
	}
	if info.Name == "" {
		return nil, apperr.Newf(apperr.KindBackendProtocolError, "netcup infoDnsZone: missing zone name")
	}
	return info, nil
}

func (b *netcupBackend) listNetcupRecords(ctx context.Context, zone string) ([]netcupRecord, error) {
	data, err := b.authed(ctx, "infoDnsRecords", map[string]any{"domainname": zone})
	if err != nil {
		return nil, err
	}
	var result struct {
		DNSRecords []netcupRecord `json:"dnsrecords"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperr.Newf(apperr.KindBackendProtocolError, "netcup infoDnsRecords: %v", err)
	}
	return result.DNSRecords, nil
}

func (b *netcupBackend) writeRecords(ctx context.Context, zone string, records []netcupRecord) error {
	_, err := b.authed(ctx, "updateDnsRecords", map[string]any{
		"domainname": zone,
		"dnsrecordset": map[string]any{
			"dnsrecords": records,
		},
	})
	return err
}

func (b *netcupBackend) ListRecords(ctx context.Context, zone string) ([]Record, error) {
	recs, err := b.listNetcupRecords(ctx, zone)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, normalizeNetcup(rec))
	}
	return out, nil
}

func (b *netcupBackend) GetRecord(ctx context.Context, zone, id string) (*Record, error) {
	recs, err := b.listNetcupRecords(ctx, zone)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.ID == id {
			normalized := normalizeNetcup(rec)
			return &normalized, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "record %s not found in zone %s", id, zone)
}

// CreateRecord performs a read-modify-write on the whole record set under
// the zone lock, then re-reads to learn the upstream-assigned ID.
func (b *netcupBackend) CreateRecord(ctx context.Context, zone string, rec Record) (*Record, error) {
	unlock := b.locks.Lock(zone)
	defer unlock()

	if err := b.writeRecords(ctx, zone, []netcupRecord{denormalizeNetcup(rec)}); err != nil {
		return nil, err
	}

	recs, err := b.listNetcupRecords(ctx, zone)
	if err != nil {
		return nil, err
	}
	for _, got := range recs {
		if got.Hostname == rec.Hostname && got.Type == rec.Type && got.Destination == rec.Value {
			normalized := normalizeNetcup(got)
			return &normalized, nil
		}
	}
	return nil, apperr.Newf(apperr.KindBackendProtocolError,
		"netcup create: record %s/%s missing after write", rec.Hostname, rec.Type)
}

func (b *netcupBackend) UpdateRecord(ctx context.Context, zone, id string, rec Record) (*Record, error) {
	unlock := b.locks.Lock(zone)
	defer unlock()

	existing, err := b.listNetcupRecords(ctx, zone)
	if err != nil {
		return nil, err
	}
	found := false
	for _, got := range existing {
		if got.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil, apperr.Newf(apperr.KindNotFound, "record %s not found in zone %s", id, zone)
	}

	updated := denormalizeNetcup(rec)
	updated.ID = id
	if err := b.writeRecords(ctx, zone, []netcupRecord{updated}); err != nil {
		return nil, err
	}
	normalized := normalizeNetcup(updated)
	return &normalized, nil
}

func (b *netcupBackend) DeleteRecord(ctx context.Context, zone, id string) error {
	unlock := b.locks.Lock(zone)
	defer unlock()

	existing, err := b.listNetcupRecords(ctx, zone)
	if err != nil {
		return err
	}
	for _, got := range existing {
		if got.ID == id {
			got.DeleteRecord = true
			return b.writeRecords(ctx, zone, []netcupRecord{got})
		}
	}
	return apperr.Newf(apperr.KindNotFound, "record %s not found in zone %s", id, zone)
}

func normalizeNetcup(rec netcupRecord) Record {
	priority, _ := strconv.Atoi(rec.Priority)
	return Record{
		ID:       rec.ID,
		Hostname: rec.Hostname,
		Type:     rec.Type,
		Value:    rec.Destination,
		Priority: priority,
	}
}

func denormalizeNetcup(rec Record) netcupRecord {
	return netcupRecord{
		ID:          rec.ID,
		Hostname:    rec.Hostname,
		Type:        rec.Type,
		Priority:    strconv.Itoa(rec.Priority),
		Destination: rec.Value,
	}
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}

func intOf(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func boolOf(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	default:
		return false
	}
}
