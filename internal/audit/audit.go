// Package audit persists structured audit records and mirrors them to an
// append-only structured log. Admin and UI state changes write their audit
// record inside the same transaction as the change; API reads are written
// best-effort after the response.
package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/repository"
)

// Recorder writes audit records.
type Recorder struct {
	repo   repository.AuditRepository
	mirror *zap.Logger
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder builds a recorder. mirror may be nil to disable the text
// mirror (tests).
func NewRecorder(repo repository.AuditRepository, mirror, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, mirror: mirror, logger: logger, now: time.Now}
}

// Record persists an audit record best-effort: a failed write is logged
// but never fails the request being audited.
func (r *Recorder) Record(ctx context.Context, rec *models.AuditRecord) {
	r.RecordWith(ctx, r.repo, rec)
}

// RecordWith persists through the given repository. Callers that must
// commit the audit row together with a state change pass a repository
// bound to their transaction.
func (r *Recorder) RecordWith(ctx context.Context, repo repository.AuditRepository, rec *models.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	rec.RecordDetails = MaskDetails(rec.RecordDetails)
	if err := repo.Create(ctx, rec); err != nil {
		r.logger.Error("persist audit record",
			zap.String("operation", rec.Operation),
			zap.String("outcome", rec.Outcome),
			zap.Error(err))
	}
	r.echo(rec)
}

// echo writes the structured mirror line.
func (r *Recorder) echo(rec *models.AuditRecord) {
	if r.mirror == nil {
		return
	}
	fields := []zap.Field{
		zap.Time("ts", rec.Timestamp),
		zap.String("source_ip", rec.SourceIP),
		zap.String("operation", rec.Operation),
		zap.String("outcome", rec.Outcome),
		zap.Int64("latency_ms", rec.LatencyMs),
	}
	if rec.TokenPrefix != nil {
		fields = append(fields, zap.String("token_prefix", *rec.TokenPrefix))
	}
	if rec.AccountID != nil {
		fields = append(fields, zap.Int64("account_id", *rec.AccountID))
	}
	if rec.Domain != "" {
		fields = append(fields, zap.String("domain", rec.Domain))
	}
	if rec.ErrorKind != nil {
		fields = append(fields, zap.String("error_kind", *rec.ErrorKind))
	}
	if rec.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rec.CorrelationID))
	}
	if len(rec.RecordDetails) > 0 {
		fields = append(fields, zap.Any("details", rec.RecordDetails))
	}
	r.mirror.Info("audit", fields...)
}

// maskedKeys are detail keys whose values never reach storage or logs.
var maskedKeys = []string{
	"password", "token", "secret", "api_key", "apikey", "apipassword",
	"recovery_code", "csrf",
}

// MaskDetails returns a copy of the detail map with secret-bearing values
// replaced. Nested objects are masked recursively.
func MaskDetails(details models.JSONMap) models.JSONMap {
	if details == nil {
		return nil
	}
	out := make(models.JSONMap, len(details))
	for key, value := range details {
		if sensitiveKey(key) {
			out[key] = "***"
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = map[string]any(MaskDetails(models.JSONMap(nested)))
			continue
		}
		out[key] = value
	}
	return out
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, masked := range maskedKeys {
		if strings.Contains(key, masked) {
			return true
		}
	}
	return false
}

// NewMirrorLogger opens the append-only audit mirror at path. The mirror
// writes one JSON line per record.
func NewMirrorLogger(path string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
