package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonegate/zonegate/internal/apperr"
)

// stubClient answers requests from a handler func.
type stubClient struct {
	handler func(req *http.Request) (*http.Response, error)
}

func (s *stubClient) Do(req *http.Request) (*http.Response, error) {
	return s.handler(req)
}

func jsonResponse(status int, body any) *http.Response {
	raw, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func netcupSuccess(data any) map[string]any {
	return map[string]any{
		"status":       "success",
		"statuscode":   2000,
		"shortmessage": "Ok",
		"responsedata": data,
	}
}

func netcupFailure(code int, short string) map[string]any {
	return map[string]any{
		"status":       "error",
		"statuscode":   code,
		"shortmessage": short,
		"longmessage":  short,
	}
}

// decodeNetcupCall extracts the action and param of one outgoing request.
func decodeNetcupCall(t *testing.T, req *http.Request) (action string, param map[string]any) {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var body struct {
		Action string         `json:"action"`
		Param  map[string]any `json:"param"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Action, body.Param
}

// netcupStub is a minimal fake of the upstream: a login counter and a
// per-action response table.
type netcupStub struct {
	t         *testing.T
	logins    int
	calls     []string
	sessionID string
	respond   func(action string, param map[string]any) map[string]any
}

func (s *netcupStub) client() *stubClient {
	return &stubClient{handler: func(req *http.Request) (*http.Response, error) {
		action, param := decodeNetcupCall(s.t, req)
		s.calls = append(s.calls, action)
		if action == "login" {
			s.logins++
			s.sessionID = fmt.Sprintf("sess-%d", s.logins)
			return jsonResponse(200, netcupSuccess(map[string]any{"apisessionid": s.sessionID})), nil
		}
		return jsonResponse(200, s.respond(action, param)), nil
	}}
}

func newNetcupBackend(stub *netcupStub) *netcupBackend {
	return &netcupBackend{
		endpoint:       "https://ccp.example.test/endpoint",
		customerNumber: "123456",
		apiKey:         "key",
		apiPassword:    "pass",
		client:         stub.client(),
		locks:          NewZoneLocks(),
	}
}

func TestNetcup_SessionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("logs in once and reuses the session", func(t *testing.T) {
		stub := &netcupStub{t: t}
		stub.respond = func(action string, param map[string]any) map[string]any {
			assert.Equal(t, stub.sessionID, param["apisessionid"])
			assert.Equal(t, "123456", param["customernumber"])
			return netcupSuccess(map[string]any{"name": "example.org", "ttl": "86400"})
		}
		b := newNetcupBackend(stub)

		_, err := b.GetZoneInfo(ctx, "example.org")
		require.NoError(t, err)
		_, err = b.GetZoneInfo(ctx, "example.org")
		require.NoError(t, err)
		assert.Equal(t, 1, stub.logins)
	})

	t.Run("expired session triggers exactly one relogin", func(t *testing.T) {
		stub := &netcupStub{t: t}
		rejected := false
		stub.respond = func(action string, param map[string]any) map[string]any {
			if !rejected {
				rejected = true
				return netcupFailure(4001, "The session id is not in a valid format")
			}
			return netcupSuccess(map[string]any{"name": "example.org"})
		}
		b := newNetcupBackend(stub)

		info, err := b.GetZoneInfo(ctx, "example.org")
		require.NoError(t, err)
		assert.Equal(t, "example.org", info.Name)
		assert.Equal(t, 2, stub.logins)
	})

	t.Run("persistent session expiry gives up after one retry", func(t *testing.T) {
		stub := &netcupStub{t: t}
		stub.respond = func(action string, param map[string]any) map[string]any {
			return netcupFailure(4001, "session expired")
		}
		b := newNetcupBackend(stub)

		_, err := b.GetZoneInfo(ctx, "example.org")
		require.Error(t, err)
		assert.Equal(t, apperr.KindBackendUnavailable, apperr.KindOf(err))
		assert.Equal(t, 2, stub.logins)
	})

	t.Run("test connection reports login failure", func(t *testing.T) {
		b := newNetcupBackend(&netcupStub{t: t})
		b.client = &stubClient{handler: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(200, netcupFailure(4013, "validation error")), nil
		}}
		ok, msg := b.TestConnection(ctx)
		assert.False(t, ok)
		assert.NotEmpty(t, msg)
	})
}

func TestNetcup_ErrorMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("application error inside http 200", func(t *testing.T) {
		stub := &netcupStub{t: t}
		stub.respond = func(action string, param map[string]any) map[string]any {
			return netcupFailure(5029, "domain not found")
		}
		b := newNetcupBackend(stub)
		_, err := b.GetZoneInfo(ctx, "nope.example")
		require.Error(t, err)
		assert.Equal(t, apperr.KindBackendRefused, apperr.KindOf(err))
	})

	t.Run("upstream 5xx", func(t *testing.T) {
		b := newNetcupBackend(&netcupStub{t: t})
		b.client = &stubClient{handler: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(502, "bad gateway"), nil
		}}
		_, err := b.GetZoneInfo(ctx, "example.org")
		require.Error(t, err)
		assert.Equal(t, apperr.KindBackendUnavailable, apperr.KindOf(err))
	})

	t.Run("deadline expiry maps to backend_timeout", func(t *testing.T) {
		b := newNetcupBackend(&netcupStub{t: t})
		b.client = &stubClient{handler: func(req *http.Request) (*http.Response, error) {
			return nil, fmt.Errorf("request: %w", context.DeadlineExceeded)
		}}
		_, err := b.GetZoneInfo(ctx, "example.org")
		require.Error(t, err)
		assert.Equal(t, apperr.KindBackendTimeout, apperr.KindOf(err))
	})

	t.Run("zone listing is refused", func(t *testing.T) {
		b := newNetcupBackend(&netcupStub{t: t})
		_, err := b.ListZones(ctx)
		require.Error(t, err)
		assert.Equal(t, apperr.KindBackendRefused, apperr.KindOf(err))
	})
}

func TestNetcup_Records(t *testing.T) {
	ctx := context.Background()

	existing := []map[string]any{
		{"id": "101", "hostname": "home", "type": "A", "priority": "0", "destination": "203.0.113.10"},
		{"id": "102", "hostname": "mail", "type": "MX", "priority": "10", "destination": "mx.example.org"},
	}

	t.Run("list normalizes priority", func(t *testing.T) {
		stub := &netcupStub{t: t}
		stub.respond = func(action string, param map[string]any) map[string]any {
			require.Equal(t, "infoDnsRecords", action)
			return netcupSuccess(map[string]any{"dnsrecords": existing})
		}
		b := newNetcupBackend(stub)

		recs, err := b.ListRecords(ctx, "example.org")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "101", recs[0].ID)
		assert.Equal(t, 10, recs[1].Priority)
		assert.Equal(t, "mx.example.org", recs[1].Value)
	})

	t.Run("create writes then re-reads the assigned id", func(t *testing.T) {
		stub := &netcupStub{t: t}
		var wrote []map[string]any
		stub.respond = func(action string, param map[string]any) map[string]any {
			switch action {
			case "updateDnsRecords":
				set := param["dnsrecordset"].(map[string]any)
				for _, r := range set["dnsrecords"].([]any) {
					wrote = append(wrote, r.(map[string]any))
				}
				return netcupSuccess(map[string]any{})
			case "infoDnsRecords":
				all := append([]map[string]any{}, existing...)
				all = append(all, map[string]any{
					"id": "103", "hostname": "www.home", "type": "A", "priority": "0", "destination": "203.0.113.20",
				})
				return netcupSuccess(map[string]any{"dnsrecords": all})
			}
			t.Fatalf("unexpected action %s", action)
			return nil
		}
		b := newNetcupBackend(stub)

		created, err := b.CreateRecord(ctx, "example.org", Record{
			Hostname: "www.home", Type: "A", Value: "203.0.113.20",
		})
		require.NoError(t, err)
		assert.Equal(t, "103", created.ID)
		require.Len(t, wrote, 1)
		assert.Equal(t, "www.home", wrote[0]["hostname"])
	})

	t.Run("update requires an existing id", func(t *testing.T) {
		stub := &netcupStub{t: t}
		stub.respond = func(action string, param map[string]any) map[string]any {
			require.Equal(t, "infoDnsRecords", action)
			return netcupSuccess(map[string]any{"dnsrecords": existing})
		}
		b := newNetcupBackend(stub)

		_, err := b.UpdateRecord(ctx, "example.org", "999", Record{Hostname: "home", Type: "A", Value: "203.0.113.11"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("delete flags the record", func(t *testing.T) {
		stub := &netcupStub{t: t}
		var deleted map[string]any
		stub.respond = func(action string, param map[string]any) map[string]any {
			switch action {
			case "infoDnsRecords":
				return netcupSuccess(map[string]any{"dnsrecords": existing})
			case "updateDnsRecords":
				set := param["dnsrecordset"].(map[string]any)
				deleted = set["dnsrecords"].([]any)[0].(map[string]any)
				return netcupSuccess(map[string]any{})
			}
			return nil
		}
		b := newNetcupBackend(stub)

		require.NoError(t, b.DeleteRecord(ctx, "example.org", "101"))
		require.NotNil(t, deleted)
		assert.Equal(t, "101", deleted["id"])
		assert.Equal(t, true, deleted["deleterecord"])
	})

	t.Run("get record falls back to not found", func(t *testing.T) {
		stub := &netcupStub{t: t}
		stub.respond = func(action string, param map[string]any) map[string]any {
			return netcupSuccess(map[string]any{"dnsrecords": existing})
		}
		b := newNetcupBackend(stub)

		rec, err := b.GetRecord(ctx, "example.org", "102")
		require.NoError(t, err)
		assert.Equal(t, "MX", rec.Type)

		_, err = b.GetRecord(ctx, "example.org", "404")
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestNetcup_GetZoneInfo(t *testing.T) {
	stub := &netcupStub{t: t}
	stub.respond = func(action string, param map[string]any) map[string]any {
		require.Equal(t, "infoDnsZone", action)
		assert.Equal(t, "example.org", param["domainname"])
		return netcupSuccess(map[string]any{
			"name":         "example.org",
			"ttl":          "86400",
			"serial":       "2026082401",
			"refresh":      "28800",
			"retry":        "7200",
			"expire":       "1209600",
			"dnssecstatus": true,
		})
	}
	b := newNetcupBackend(stub)

	info, err := b.GetZoneInfo(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "example.org", info.Name)
	assert.Equal(t, 86400, info.TTL)
	assert.Equal(t, "2026082401", info.Serial)
	assert.Equal(t, 28800, info.Refresh)
	assert.True(t, info.DNSSECEnabled)
	assert.Equal(t, "example.org", info.Raw["name"])
}
