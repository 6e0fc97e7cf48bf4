package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openclaw/gateway/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresArchive mirrors committed spend records into a spend_records table
// so spend survives process restarts and can be audited after rollover.
type PostgresArchive struct {
	db DB
}

func NewPostgresArchive(db DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

func (s *PostgresArchive) Append(ctx context.Context, rec *SpendRecord) error {
	query := `
		INSERT INTO spend_records (provider, model, request_id, input_tokens, output_tokens, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		string(rec.Provider), rec.Model, rec.RequestID,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append spend record: %w", err)
	}
	return nil
}

func (s *PostgresArchive) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// PeriodSpend sums archived cost per provider between from and to.
func (s *PostgresArchive) PeriodSpend(ctx context.Context, from, to time.Time) (map[provider.Identity]float64, error) {
	query := `
		SELECT provider, COALESCE(SUM(cost_usd), 0)
		FROM spend_records
		WHERE recorded_at >= $1 AND recorded_at < $2
		GROUP BY provider
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend records: %w", err)
	}
	defer rows.Close()

	totals := make(map[provider.Identity]float64)
	for rows.Next() {
		var p string
		var cost float64
		if err := rows.Scan(&p, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan spend record: %w", err)
		}
		totals[provider.Identity(p)] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend records: %w", err)
	}
	return totals, nil
}
