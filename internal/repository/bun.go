package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/uptrace/bun"

	"github.com/zonegate/zonegate/internal/apperr"
)

// isConflict classifies driver-level unique violations. SQLite reports
// "UNIQUE constraint failed", pgdriver reports "duplicate key value".
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

// wrapWrite maps a write error into the taxonomy: unique violations become
// conflict, everything else storage_error.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConflict(err) {
		return apperr.Newf(apperr.KindConflict, "%s: %v", op, err)
	}
	return apperr.Newf(apperr.KindStorageError, "%s: %v", op, err)
}

// wrapRead maps a read error: missing rows become not_found.
func wrapRead(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.KindNotFound, "%s: no rows", op)
	}
	return apperr.Newf(apperr.KindStorageError, "%s: %v", op, err)
}

// RunInTx executes fn inside a single database transaction. Writes that
// mutate authorization state use this to commit together with their audit
// record.
func RunInTx(ctx context.Context, db *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, tx)
	})
}
