package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonegate/zonegate/internal/db/models"
)

func strPtr(s string) *string { return &s }

func TestBunAuditRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunAuditRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	rows := []*models.AuditRecord{
		{Timestamp: base, TokenPrefix: strPtr("aaaa11112222"), SourceIP: "203.0.113.7", Operation: "infozone", Outcome: models.OutcomeSuccess},
		{Timestamp: base.Add(time.Minute), TokenPrefix: strPtr("aaaa11112222"), SourceIP: "203.0.113.7", Operation: "updaterecords", Outcome: models.OutcomeDenied},
		{Timestamp: base.Add(2 * time.Minute), TokenPrefix: strPtr("bbbb33334444"), SourceIP: "198.51.100.9", Operation: "inforecords", Outcome: models.OutcomeSuccess},
		{Timestamp: base.Add(3 * time.Minute), SourceIP: "198.51.100.9", Operation: "login", Outcome: models.OutcomeError},
	}
	for _, rec := range rows {
		require.NoError(t, repo.Create(ctx, rec))
	}

	t.Run("ids reflect commit order", func(t *testing.T) {
		assert.Greater(t, rows[1].ID, rows[0].ID)
		assert.Greater(t, rows[2].ID, rows[1].ID)
	})

	t.Run("list newest first", func(t *testing.T) {
		got, err := repo.List(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "login", got[0].Operation)
		assert.Equal(t, "infozone", got[3].Operation)
	})

	t.Run("filter by token prefix", func(t *testing.T) {
		got, err := repo.List(ctx, AuditFilter{TokenPrefix: "aaaa11112222"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("filter by outcome", func(t *testing.T) {
		got, err := repo.List(ctx, AuditFilter{Outcome: models.OutcomeDenied})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "updaterecords", got[0].Operation)
	})

	t.Run("time window is half open", func(t *testing.T) {
		got, err := repo.List(ctx, AuditFilter{
			Since: base.Add(time.Minute),
			Until: base.Add(3 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := repo.List(ctx, AuditFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("details round trip masked or not", func(t *testing.T) {
		rec := &models.AuditRecord{
			Timestamp: base.Add(4 * time.Minute),
			SourceIP:  "203.0.113.7",
			Operation: "realm_create",
			Outcome:   models.OutcomeSuccess,
			RecordDetails: models.JSONMap{
				"realm_value": "home",
				"records":     float64(3),
			},
		}
		require.NoError(t, repo.Create(ctx, rec))

		got, err := repo.List(ctx, AuditFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "home", got[0].RecordDetails["realm_value"])
		assert.Equal(t, float64(3), got[0].RecordDetails["records"])
	})
}
