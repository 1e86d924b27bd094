package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/repository"
)

// captureAuditRepo records created audit rows.
type captureAuditRepo struct {
	created []*models.AuditRecord
	fail    bool
}

func (r *captureAuditRepo) Create(_ context.Context, rec *models.AuditRecord) error {
	if r.fail {
		return fmt.Errorf("disk full")
	}
	r.created = append(r.created, rec)
	return nil
}

func (r *captureAuditRepo) List(_ context.Context, _ repository.AuditFilter) ([]models.AuditRecord, error) {
	return nil, nil
}

func TestRecorder_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps the timestamp", func(t *testing.T) {
		repo := &captureAuditRepo{}
		r := NewRecorder(repo, nil, zap.NewNop())
		fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		r.now = func() time.Time { return fixed }

		r.Record(ctx, &models.AuditRecord{Operation: "infozone", Outcome: models.OutcomeSuccess, SourceIP: "203.0.113.7"})

		require.Len(t, repo.created, 1)
		assert.Equal(t, fixed, repo.created[0].Timestamp)
	})

	t.Run("preserves an explicit timestamp", func(t *testing.T) {
		repo := &captureAuditRepo{}
		r := NewRecorder(repo, nil, zap.NewNop())
		explicit := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		r.Record(ctx, &models.AuditRecord{Timestamp: explicit, Operation: "login", Outcome: models.OutcomeSuccess})

		require.Len(t, repo.created, 1)
		assert.Equal(t, explicit, repo.created[0].Timestamp)
	})

	t.Run("masks details before persisting", func(t *testing.T) {
		repo := &captureAuditRepo{}
		r := NewRecorder(repo, nil, zap.NewNop())

		r.Record(ctx, &models.AuditRecord{
			Operation: "service_create",
			Outcome:   models.OutcomeSuccess,
			RecordDetails: models.JSONMap{
				"service_name": "prod-netcup",
				"api_password": "hunter2",
			},
		})

		require.Len(t, repo.created, 1)
		assert.Equal(t, "***", repo.created[0].RecordDetails["api_password"])
		assert.Equal(t, "prod-netcup", repo.created[0].RecordDetails["service_name"])
	})

	t.Run("a failed write does not panic or propagate", func(t *testing.T) {
		r := NewRecorder(&captureAuditRepo{fail: true}, nil, zap.NewNop())
		r.Record(ctx, &models.AuditRecord{Operation: "infozone", Outcome: models.OutcomeError})
	})

	t.Run("record with uses the passed repository", func(t *testing.T) {
		standing := &captureAuditRepo{}
		txBound := &captureAuditRepo{}
		r := NewRecorder(standing, nil, zap.NewNop())

		r.RecordWith(ctx, txBound, &models.AuditRecord{Operation: "realm_create", Outcome: models.OutcomeSuccess})

		assert.Empty(t, standing.created)
		assert.Len(t, txBound.created, 1)
	})
}

func TestMaskDetails(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, MaskDetails(nil))
	})

	t.Run("sensitive keys are masked case insensitively", func(t *testing.T) {
		masked := MaskDetails(models.JSONMap{
			"Password":      "x",
			"API_KEY":       "x",
			"token_preview": "x",
			"csrf_token":    "x",
			"recovery_code": "x",
			"hostname":      "www",
		})
		assert.Equal(t, "***", masked["Password"])
		assert.Equal(t, "***", masked["API_KEY"])
		assert.Equal(t, "***", masked["token_preview"])
		assert.Equal(t, "***", masked["csrf_token"])
		assert.Equal(t, "***", masked["recovery_code"])
		assert.Equal(t, "www", masked["hostname"])
	})

	t.Run("nested objects are masked recursively", func(t *testing.T) {
		masked := MaskDetails(models.JSONMap{
			"config": map[string]any{
				"customer_number": "123456",
				"apipassword":     "hunter2",
			},
		})
		nested := masked["config"].(map[string]any)
		assert.Equal(t, "123456", nested["customer_number"])
		assert.Equal(t, "***", nested["apipassword"])
	})

	t.Run("input map is not mutated", func(t *testing.T) {
		in := models.JSONMap{"password": "x"}
		_ = MaskDetails(in)
		assert.Equal(t, "x", in["password"])
	})
}
