// Package postgres is the direct PostgreSQL backlog store. Pending rows
// are claimed atomically so several verifier processes can share one table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/email-verifier/internal/domain"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// VerificationRepoConfig controls which rows are claimable.
type VerificationRepoConfig struct {
	Table string
	// WorkerID is stamped on claimed rows.
	WorkerID string
	// ClaimTTL makes rows stuck in processing claimable again. Zero disables reclaim.
	ClaimTTL time.Duration
	// RetryFailed re-selects rows previously committed as failed.
	RetryFailed bool
	// QueryTimeout bounds the claim query. Zero leaves it to ctx.
	QueryTimeout time.Duration
}

// VerificationRepo implements the backlog store against PostgreSQL.
type VerificationRepo struct {
	db  *sql.DB
	cfg VerificationRepoConfig

	claimSQL  string
	commitSQL string
}

// NewVerificationRepo creates a Postgres-backed backlog store for cfg.Table.
func NewVerificationRepo(db *sql.DB, cfg VerificationRepoConfig) (*VerificationRepo, error) {
	table, err := quoteTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	return &VerificationRepo{
		db:  db,
		cfg: cfg,
		claimSQL: `
		UPDATE ` + table + ` AS t
		SET status = 'processing', worker_id = $1, claimed_at = NOW()
		WHERE t.id IN (
			SELECT id FROM ` + table + `
			WHERE email IS NOT NULL AND email <> ''
			  AND (
				status IS NULL OR status = 'pending'
				OR ($2::float8 > 0 AND status = 'processing' AND claimed_at < NOW() - make_interval(secs => $2::float8))
				OR ($3::boolean AND status = 'failed')
			  )
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING t.id::text, t.email`,
		commitSQL: `UPDATE ` + table + ` SET status = $1, valid = COALESCE($2, valid) WHERE id = $3`,
	}, nil
}

func quoteTable(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, "."), nil
}

// Ping verifies the database is reachable.
func (r *VerificationRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// FetchPending claims up to limit rows and returns them as tasks.
func (r *VerificationRepo) FetchPending(ctx context.Context, limit int) ([]domain.Task, error) {
	if r.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
	}
	rows, err := r.db.QueryContext(ctx, r.claimSQL,
		r.cfg.WorkerID, r.cfg.ClaimTTL.Seconds(), r.cfg.RetryFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var (
			id    string
			email string
		)
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, domain.Task{ID: domain.RecordID(id), Email: email})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return out, nil
}

// Commit writes the result for one row. A failed result carries no
// validity, so the valid column keeps whatever it held before.
func (r *VerificationRepo) Commit(ctx context.Context, id domain.RecordID, result domain.Result) error {
	var valid sql.NullBool
	if result.Valid != nil {
		valid = sql.NullBool{Bool: *result.Valid, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, r.commitSQL, string(result.Status), valid, id.String())
	if err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("commit %s: %w", id, ErrRecordNotFound)
	}
	return nil
}
