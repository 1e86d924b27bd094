// Package backend defines the provider-agnostic DNS backend interface, the
// provider registry with schema-validated configuration, and the built-in
// netcup and powerdns implementations.
package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/zonegate/zonegate/internal/apperr"
)

// Record is the normalized DNS record shape shared by all providers.
type Record struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	TTL      int    `json:"ttl"`
	Priority int    `json:"priority"`
}

// ZoneInfo is normalized zone metadata. Raw carries vendor-specific fields
// forwarded unchanged on success responses.
type ZoneInfo struct {
	Name          string         `json:"name"`
	TTL           int            `json:"ttl"`
	Serial        string         `json:"serial"`
	Refresh       int            `json:"refresh"`
	Retry         int            `json:"retry"`
	Expire        int            `json:"expire"`
	DNSSECEnabled bool           `json:"dnssec_enabled"`
	Raw           map[string]any `json:"-"`
}

// DNSBackend is the operation surface every provider implements. All calls
// honor ctx cancellation; deadline expiry maps to backend_timeout.
type DNSBackend interface {
	TestConnection(ctx context.Context) (ok bool, message string)
	ListZones(ctx context.Context) ([]string, error)
	ValidateZoneAccess(ctx context.Context, zone string) error
	ListRecords(ctx context.Context, zone string) ([]Record, error)
	GetRecord(ctx context.Context, zone, id string) (*Record, error)
	CreateRecord(ctx context.Context, zone string, rec Record) (*Record, error)
	UpdateRecord(ctx context.Context, zone, id string, rec Record) (*Record, error)
	DeleteRecord(ctx context.Context, zone, id string) error
	GetZoneInfo(ctx context.Context, zone string) (*ZoneInfo, error)
}

// mapTransportError classifies a client-side HTTP failure.
func mapTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Newf(apperr.KindBackendTimeout, "%s: %v", op, err)
	}
	return apperr.Newf(apperr.KindBackendUnavailable, "%s: %v", op, err)
}

// mapStatusError classifies an upstream HTTP status. The upstream message
// stays in the wrapped error for the audit record; it is never forwarded
// to the API caller.
func mapStatusError(op string, status int, body string) error {
	switch {
	case status >= 500:
		return apperr.Newf(apperr.KindBackendUnavailable, "%s: upstream %d: %s", op, status, body)
	case status >= 400:
		return apperr.Newf(apperr.KindBackendRefused, "%s: upstream %d: %s", op, status, body)
	default:
		return apperr.Newf(apperr.KindBackendProtocolError, "%s: unexpected status %d: %s", op, status, body)
	}
}

// httpClient is the shared client shape providers accept so tests can
// inject a stub transport.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}
