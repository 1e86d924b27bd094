package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

const powerdnsSchemaJSON = `{
	"type": "object",
	"properties": {
		"api_url": {"type": "string", "format": "uri"},
		"api_key": {"type": "string", "minLength": 1},
		"server_id": {"type": "string", "minLength": 1}
	},
	"required": ["api_url", "api_key"],
	"additionalProperties": false
}`

// PowerDNSProvider returns the registry entry for the PowerDNS
// Authoritative Server HTTP API. RRsets are addressed natively, so no
// zone-level write lock is needed; record IDs are synthesized as
// "name:type" since the upstream has no per-record identifiers.
func PowerDNSProvider() *Provider {
	return &Provider{
		Code:        "powerdns",
		DisplayName: "PowerDNS Authoritative",
		SchemaJSON:  powerdnsSchemaJSON,
		Caps: Capabilities{
			ZoneList:    true,
			ZoneCreate:  false,
			DNSSEC:      true,
			RecordTypes: []string{"A", "AAAA", "CNAME", "MX", "NS", "TXT", "SRV", "CAA", "PTR", "SOA"},
		},
		Factory: func(config models.JSONMap, client *http.Client) (DNSBackend, error) {
			b := &powerdnsBackend{
				apiURL:   strings.TrimRight(stringField(config, "api_url"), "/"),
				apiKey:   stringField(config, "api_key"),
				serverID: "localhost",
				client:   client,
			}
			if id := stringField(config, "server_id"); id != "" {
				b.serverID = id
			}
			return b, nil
		},
	}
}

type powerdnsBackend struct {
	apiURL   string
	apiKey   string
	serverID string
	client   httpClient
}

// pdnsZone is the subset of the upstream zone document we consume.
type pdnsZone struct {
	Name   string      `json:"name"`
	Serial int64       `json:"serial"`
	DNSSEC bool        `json:"dnssec"`
	RRSets []pdnsRRSet `json:"rrsets"`
}

type pdnsRRSet struct {
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	TTL        int          `json:"ttl"`
	ChangeType string       `json:"changetype,omitempty"`
	Records    []pdnsRecord `json:"records"`
}

type pdnsRecord struct {
	Content  string `json:"content"`
	Disabled bool   `json:"disabled"`
}

func (b *powerdnsBackend) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Newf(apperr.KindInternal, "encode powerdns request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.apiURL+path, reader)
	if err != nil {
		return nil, apperr.Newf(apperr.KindInternal, "build powerdns request: %v", err)
	}
	req.Header.Set("X-API-Key", b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, mapTransportError("powerdns "+method+" "+path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, mapTransportError("powerdns read body", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.Newf(apperr.KindNotFound, "powerdns %s: not found", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapStatusError("powerdns "+method+" "+path, resp.StatusCode, string(payload))
	}
	return payload, nil
}

func (b *powerdnsBackend) zonePath(zone string) string {
	return fmt.Sprintf("/api/v1/servers/%s/zones/%s", b.serverID, url.PathEscape(canonical(zone)))
}

// canonical appends the trailing dot the upstream requires on zone and
// record names.
func canonical(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func uncanonical(name string) string {
	return strings.TrimSuffix(name, ".")
}

func (b *powerdnsBackend) TestConnection(ctx context.Context) (bool, string) {
	_, err := b.do(ctx, http.MethodGet, "/api/v1/servers/"+b.serverID, nil)
	if err != nil {
		return false, err.Error()
	}
	return true, "server reachable"
}

func (b *powerdnsBackend) ListZones(ctx context.Context) ([]string, error) {
	payload, err := b.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/servers/%s/zones", b.serverID), nil)
	if err != nil {
		return nil, err
	}
	var zones []pdnsZone
	if err := json.Unmarshal(payload, &zones); err != nil {
		return nil, apperr.Newf(apperr.KindBackendProtocolError, "powerdns list zones: %v", err)
	}
	out := make([]string, 0, len(zones))
	for _, z := range zones {
		out = append(out, uncanonical(z.Name))
	}
	return out, nil
}

func (b *powerdnsBackend) ValidateZoneAccess(ctx context.Context, zone string) error {
	_, err := b.getZone(ctx, zone)
	return err
}

func (b *powerdnsBackend) getZone(ctx context.Context, zone string) (*pdnsZone, error) {
	payload, err := b.do(ctx, http.MethodGet, b.zonePath(zone), nil)
	if err != nil {
		return nil, err
	}
	var z pdnsZone
	if err := json.Unmarshal(payload, &z); err != nil {
		return nil, apperr.Newf(apperr.KindBackendProtocolError, "powerdns zone %s: %v", zone, err)
	}
	return &z, nil
}

func (b *powerdnsBackend) GetZoneInfo(ctx context.Context, zone string) (*ZoneInfo, error) {
	z, err := b.getZone(ctx, zone)
	if err != nil {
		return nil, err
	}
	info := &ZoneInfo{
		Name:          uncanonical(z.Name),
		Serial:        fmt.Sprintf("%d", z.Serial),
		DNSSECEnabled: z.DNSSEC,
	}
	// SOA timers live inside the SOA rrset content.
	for _, rrset := range z.RRSets {
		if rrset.Type != "SOA" || len(rrset.Records) == 0 {
			continue
		}
		info.TTL = rrset.TTL
		fields := strings.Fields(rrset.Records[0].Content)
		if len(fields) >= 7 {
			info.Refresh = intOf(fields[3])
			info.Retry = intOf(fields[4])
			info.Expire = intOf(fields[5])
		}
		break
	}
	return info, nil
}

func (b *powerdnsBackend) ListRecords(ctx context.Context, zone string) ([]Record, error) {
	z, err := b.getZone(ctx, zone)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rrset := range z.RRSets {
		for _, rec := range rrset.Records {
			out = append(out, normalizePowerDNS(zone, rrset, rec))
		}
	}
	return out, nil
}

func (b *powerdnsBackend) GetRecord(ctx context.Context, zone, id string) (*Record, error) {
	name, rtype, err := splitRecordID(id)
	if err != nil {
		return nil, err
	}
	z, err := b.getZone(ctx, zone)
	if err != nil {
		return nil, err
	}
	fqdn := recordFQDN(zone, name)
	for _, rrset := range z.RRSets {
		if rrset.Name != fqdn || rrset.Type != rtype || len(rrset.Records) == 0 {
			continue
		}
		rec := normalizePowerDNS(zone, rrset, rrset.Records[0])
		return &rec, nil
	}
	return nil, apperr.Newf(apperr.KindNotFound, "record %s not found in zone %s", id, zone)
}

// patchRRSet sends an rrset change. REPLACE overwrites the whole
// name/type rrset, DELETE removes it.
func (b *powerdnsBackend) patchRRSet(ctx context.Context, zone string, rrset pdnsRRSet) error {
	body := map[string]any{"rrsets": []pdnsRRSet{rrset}}
	_, err := b.do(ctx, http.MethodPatch, b.zonePath(zone), body)
	return err
}

func (b *powerdnsBackend) CreateRecord(ctx context.Context, zone string, rec Record) (*Record, error) {
	return b.replaceRecord(ctx, zone, rec)
}

func (b *powerdnsBackend) UpdateRecord(ctx context.Context, zone, id string, rec Record) (*Record, error) {
	name, rtype, err := splitRecordID(id)
	if err != nil {
		return nil, err
	}
	// A changed name or type moves the record to a new rrset; drop the
	// old one first.
	if name != rec.Hostname || rtype != rec.Type {
		if err := b.patchRRSet(ctx, zone, pdnsRRSet{
			Name:       recordFQDN(zone, name),
			Type:       rtype,
			ChangeType: "DELETE",
		}); err != nil {
			return nil, err
		}
	}
	return b.replaceRecord(ctx, zone, rec)
}

func (b *powerdnsBackend) replaceRecord(ctx context.Context, zone string, rec Record) (*Record, error) {
	ttl := rec.TTL
	if ttl <= 0 {
		ttl = 3600
	}
	content := rec.Value
	if rec.Type == "MX" || rec.Type == "SRV" {
		content = fmt.Sprintf("%d %s", rec.Priority, rec.Value)
	}
	rrset := pdnsRRSet{
		Name:       recordFQDN(zone, rec.Hostname),
		Type:       rec.Type,
		TTL:        ttl,
		ChangeType: "REPLACE",
		Records:    []pdnsRecord{{Content: content}},
	}
	if err := b.patchRRSet(ctx, zone, rrset); err != nil {
		return nil, err
	}
	out := rec
	out.ID = recordID(rec.Hostname, rec.Type)
	out.TTL = ttl
	return &out, nil
}

func (b *powerdnsBackend) DeleteRecord(ctx context.Context, zone, id string) error {
	name, rtype, err := splitRecordID(id)
	if err != nil {
		return err
	}
	return b.patchRRSet(ctx, zone, pdnsRRSet{
		Name:       recordFQDN(zone, name),
		Type:       rtype,
		ChangeType: "DELETE",
	})
}

func recordID(hostname, rtype string) string {
	return hostname + ":" + rtype
}

func splitRecordID(id string) (name, rtype string, err error) {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", apperr.Newf(apperr.KindMalformed, "malformed record id: %s", id)
	}
	return id[:idx], id[idx+1:], nil
}

// recordFQDN builds the canonical rrset name from a relative hostname.
// "@" and the zone itself address the apex.
func recordFQDN(zone, hostname string) string {
	zone = uncanonical(zone)
	switch hostname {
	case "", "@", zone:
		return canonical(zone)
	}
	if strings.HasSuffix(hostname, "."+zone) {
		return canonical(hostname)
	}
	return canonical(hostname + "." + zone)
}

func normalizePowerDNS(zone string, rrset pdnsRRSet, rec pdnsRecord) Record {
	hostname := uncanonical(rrset.Name)
	zone = uncanonical(zone)
	if hostname == zone {
		hostname = "@"
	} else {
		hostname = strings.TrimSuffix(hostname, "."+zone)
	}
	value := rec.Content
	priority := 0
	if rrset.Type == "MX" || rrset.Type == "SRV" {
		fields := strings.SplitN(value, " ", 2)
		if len(fields) == 2 {
			priority = intOf(fields[0])
			value = fields[1]
		}
	}
	return Record{
		ID:       recordID(hostname, rrset.Type),
		Hostname: hostname,
		Type:     rrset.Type,
		Value:    value,
		TTL:      rrset.TTL,
		Priority: priority,
	}
}
