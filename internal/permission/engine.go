// Package permission implements the allow/deny decision for every
// (token, operation, target) tuple, the origin allowlist check, and the
// read-response record filter.
package permission

import (
	"context"
	"time"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/backend"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/realm"
)

// Engine evaluates permissions. Decisions are total: every deny returns a
// permission_denied error carrying a stable sub-reason.
type Engine struct {
	origins *OriginChecker
	now     func() time.Time
}

// NewEngine creates an engine using the given origin checker.
func NewEngine(origins *OriginChecker) *Engine {
	return &Engine{origins: origins, now: time.Now}
}

// CheckToken applies the token gate: active, not expired, origin allowed.
func (e *Engine) CheckToken(ctx context.Context, tok *models.Token, sourceIP string) error {
	if !tok.IsActive {
		return apperr.Newf(apperr.KindInvalidToken, "token %s is revoked", tok.TokenPrefix)
	}
	if tok.Expired(e.now()) {
		return apperr.Newf(apperr.KindTokenExpired, "token %s expired", tok.TokenPrefix)
	}
	if !e.origins.Allowed(ctx, sourceIP, tok.AllowedOrigins) {
		return apperr.Denied(apperr.ReasonOriginNotAllowed)
	}
	return nil
}

// Check decides whether a request against a target domain is allowed. The
// target may address the backend zone itself (reads are then filtered down
// to the authoritative zone) or any name inside the authoritative zone.
// recordType is empty when the request does not imply one.
func (e *Engine) Check(tok *models.Token, res *realm.Resolution, op, targetDomain, recordType string) error {
	if err := e.checkPolicy(tok, res, op, recordType); err != nil {
		return err
	}
	target := realm.Normalize(targetDomain)
	if target != realm.Normalize(res.DNSZone) && !realm.ZoneContains(res.AuthoritativeZone, target) {
		return apperr.Denied(apperr.ReasonZoneNotInRealm)
	}
	return nil
}

// CheckRecord decides whether a single record, addressed by its FQDN, is
// allowed. Unlike Check, the record must fall inside the authoritative
// zone; addressing the backend zone is not enough.
func (e *Engine) CheckRecord(tok *models.Token, res *realm.Resolution, op, fqdn, recordType string) error {
	if err := e.checkPolicy(tok, res, op, recordType); err != nil {
		return err
	}
	if !realm.ZoneContains(res.AuthoritativeZone, fqdn) {
		return apperr.Denied(apperr.ReasonZoneNotInRealm)
	}
	return nil
}

// checkPolicy applies the operation and record-type gates. The effective
// policy is the intersection of the token's sets with the domain root's;
// an empty set on either side inherits the other.
func (e *Engine) checkPolicy(tok *models.Token, res *realm.Resolution, op, recordType string) error {
	if len(tok.Operations) > 0 && !tok.Operations.Contains(op) {
		return apperr.Denied(apperr.ReasonOperationNotAllowed)
	}
	if recordType != "" && len(tok.RecordTypes) > 0 && !tok.RecordTypes.Contains(recordType) {
		return apperr.Denied(apperr.ReasonRecordTypeNotAllowed)
	}
	if res.Root != nil {
		if len(res.Root.AllowedOperations) > 0 && !res.Root.AllowedOperations.Contains(op) {
			return apperr.Denied(apperr.ReasonRootPolicyRefused)
		}
		if recordType != "" && len(res.Root.AllowedRecordTypes) > 0 && !res.Root.AllowedRecordTypes.Contains(recordType) {
			return apperr.Denied(apperr.ReasonRootPolicyRefused)
		}
	}
	return nil
}

// RecordFQDN builds the absolute name of a record from its zone-relative
// hostname. "@" and the zone name itself address the apex.
func RecordFQDN(zone, hostname string) string {
	zone = realm.Normalize(zone)
	hostname = realm.Normalize(hostname)
	switch hostname {
	case "", "@", zone:
		return zone
	}
	if hostname == zone || realm.ZoneContains(zone, hostname) {
		return hostname
	}
	return hostname + "." + zone
}

// FilterRecords removes records the token could not individually read.
// Applied to every read response before it leaves the pipeline.
func (e *Engine) FilterRecords(tok *models.Token, res *realm.Resolution, zone string, recs []backend.Record) []backend.Record {
	out := make([]backend.Record, 0, len(recs))
	for _, rec := range recs {
		fqdn := RecordFQDN(zone, rec.Hostname)
		if err := e.CheckRecord(tok, res, models.OpRead, fqdn, rec.Type); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}
