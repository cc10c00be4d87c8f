package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-verifier/internal/domain"
)

func newMockRepo(t *testing.T, cfg VerificationRepoConfig) (*VerificationRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewVerificationRepo(db, cfg)
	require.NoError(t, err)
	return repo, mock
}

func TestNewVerificationRepo_TableNames(t *testing.T) {
	tests := []struct {
		table   string
		wantErr bool
		quoted  string
	}{
		{"gmail", false, `"gmail"`},
		{"public.gmail", false, `"public"."gmail"`},
		{"Leads_2024", false, `"Leads_2024"`},
		{"", true, ""},
		{"gmail; DROP TABLE x", true, ""},
		{"a.b.c", true, ""},
		{"1gmail", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			got, err := quoteTable(tt.table)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTable)
				_, err = NewVerificationRepo(nil, VerificationRepoConfig{Table: tt.table})
				assert.ErrorIs(t, err, ErrInvalidTable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.quoted, got)
		})
	}
}

func TestFetchPending_ClaimsRows(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{
		Table:    "gmail",
		WorkerID: "verifier-1a2b3c4d",
		ClaimTTL: 30 * time.Minute,
	})

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "gmail" AS t`)+`(?s).*FOR UPDATE SKIP LOCKED.*RETURNING t.id::text, t.email`).
		WithArgs("verifier-1a2b3c4d", float64(1800), false, 500).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow("1", "a@x.com").
			AddRow("2", "b@y.com"))

	tasks, err := repo.FetchPending(context.Background(), 500)

	require.NoError(t, err)
	assert.Equal(t, []domain.Task{{ID: "1", Email: "a@x.com"}, {ID: "2", Email: "b@y.com"}}, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_RetryFailed(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{Table: "gmail", WorkerID: "w", RetryFailed: true})

	mock.ExpectQuery(`UPDATE "gmail"`).
		WithArgs("w", float64(0), true, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))

	tasks, err := repo.FetchPending(context.Background(), 10)

	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_QueryError(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{Table: "gmail"})
	mock.ExpectQuery(`UPDATE "gmail"`).WillReturnError(errors.New("connection reset"))

	_, err := repo.FetchPending(context.Background(), 10)

	assert.ErrorContains(t, err, "claim pending")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{Table: "gmail"})
	commitRe := regexp.QuoteMeta(`UPDATE "gmail" SET status = $1, valid = COALESCE($2, valid) WHERE id = $3`)

	mock.ExpectExec(commitRe).
		WithArgs("done", sql.NullBool{Bool: true, Valid: true}, "42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(commitRe).
		WithArgs("done", sql.NullBool{Bool: false, Valid: true}, "43").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// NULL leaves the stored validity in place.
	mock.ExpectExec(commitRe).
		WithArgs("failed", nil, "44").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Commit(context.Background(), "42", domain.ResultFor(domain.VerdictValid)))
	require.NoError(t, repo.Commit(context.Background(), "43", domain.ResultFor(domain.VerdictInvalid)))
	require.NoError(t, repo.Commit(context.Background(), "44", domain.ResultFor(domain.VerdictFailed)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_NoRow(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{Table: "gmail"})
	mock.ExpectExec(`UPDATE "gmail" SET status`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Commit(context.Background(), "404", domain.ResultFor(domain.VerdictValid))

	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestCommit_ExecError(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{Table: "gmail"})
	mock.ExpectExec(`UPDATE "gmail" SET status`).WillReturnError(sql.ErrConnDone)

	err := repo.Commit(context.Background(), "1", domain.ResultFor(domain.VerdictValid))

	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPing(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{Table: "gmail"})
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	assert.NoError(t, repo.Ping(context.Background()))
	assert.ErrorContains(t, repo.Ping(context.Background()), "down")
}

func TestFetchPending_QueryTimeout(t *testing.T) {
	repo, mock := newMockRepo(t, VerificationRepoConfig{Table: "gmail", QueryTimeout: 20 * time.Millisecond})
	mock.ExpectQuery(`UPDATE "gmail"`).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("1", "a@x.com"))

	start := time.Now()
	_, err := repo.FetchPending(context.Background(), 10)

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
