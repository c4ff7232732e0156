package pgstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spounge-ai/keypool/pkg/execution"
	"github.com/spounge-ai/keypool/pkg/postgres"
)

// TransactionManager runs functions inside serializable transactions and
// reruns them from scratch when Postgres reports a serialization failure or
// a deadlock. Conflicts never reach the caller.
type TransactionManager struct {
	db     *pgxpool.Pool
	jitter execution.Jitter
	logger *slog.Logger
}

func NewTransactionManager(db *pgxpool.Pool, jitter execution.Jitter, logger *slog.Logger) *TransactionManager {
	return &TransactionManager{db: db, jitter: jitter, logger: logger}
}

// Run executes fn in a serializable transaction, committing when fn
// returns nil. Errors from fn that are not conflicts are returned unchanged.
func (tm *TransactionManager) Run(ctx context.Context, op string, fn func(context.Context, pgx.Tx) error) error {
	_, err := execution.Do(ctx, tm.jitter,
		func(ctx context.Context) (struct{}, execution.Outcome, error) {
			err := tm.attempt(ctx, fn)
			switch {
			case err == nil:
				return struct{}{}, execution.Ok, nil
			case postgres.IsRetryable(err):
				return struct{}{}, execution.Retry, err
			default:
				return struct{}{}, execution.Fatal, err
			}
		},
		func(attempt int, err error) {
			tm.logger.WarnContext(ctx, "serialization conflict, retrying", "op", op, "attempt", attempt, "error", err)
		},
	)
	return err
}

func (tm *TransactionManager) attempt(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	tx, err := tm.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
