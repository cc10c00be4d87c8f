package worker

import (
	"context"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/pkg/logger"
)

// DefaultCommitTimeout bounds a single result write.
const DefaultCommitTimeout = 30 * time.Second

// Committer writes one verdict back to the store.
type Committer struct {
	store   Store
	timeout time.Duration
	log     *logger.Logger
}

// NewCommitter creates a committer. A non-positive timeout uses DefaultCommitTimeout.
func NewCommitter(store Store, timeout time.Duration) *Committer {
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	return &Committer{
		store:   store,
		timeout: timeout,
		log:     logger.With("component", "committer"),
	}
}

// Commit records the verdict as done(valid) or failed. The error is logged
// here and returned only for accounting; the record keeps its prior state.
func (c *Committer) Commit(ctx context.Context, id domain.RecordID, verdict domain.Verdict) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.store.Commit(ctx, id, domain.ResultFor(verdict)); err != nil {
		c.log.Error("update error", "id", id, "verdict", verdict, "error", err)
		return err
	}
	return nil
}
