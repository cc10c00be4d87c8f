package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-verifier/internal/pkg/httputil"
	"github.com/ignite/email-verifier/internal/worker"
)

// StatsSource exposes the run summary of the verifier.
type StatsSource interface {
	Stats() worker.Summary
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status    string                    `json:"status"` // "running", "finished", "idle"
	RunID     string                    `json:"run_id,omitempty"`
	Uptime    string                    `json:"uptime"`
	Remaining string                    `json:"remaining,omitempty"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports run state and dependency reachability.
// db and redisClient may be nil.
type HealthChecker struct {
	stats       StatsSource
	db          *sql.DB
	redisClient *redis.Client
	startTime   time.Time
	now         func() time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(stats StatsSource, db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{
		stats:       stats,
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
		now:         time.Now,
	}
}

// HandleHealth returns run state, uptime, remaining budget and dependency checks.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	summary := hc.stats.Stats()
	now := hc.now()

	status := HealthStatus{
		Status: runState(summary),
		RunID:  summary.RunID,
		Uptime: formatUptime(now.Sub(hc.startTime)),
		Checks: map[string]ComponentCheck{
			"database": hc.checkDatabase(r.Context()),
			"redis":    hc.checkRedis(r.Context()),
		},
	}
	if summary.Running {
		remaining := summary.Deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		status.Remaining = remaining.Truncate(time.Second).String()
	}

	httputil.OK(w, status)
}

// HandleStats returns the run summary counters.
//
//	GET /stats
func (hc *HealthChecker) HandleStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, hc.stats.Stats())
}

func runState(s worker.Summary) string {
	switch {
	case s.Running:
		return "running"
	case !s.StartedAt.IsZero():
		return "finished"
	default:
		return "idle"
	}
}

// checkDatabase pings PostgreSQL with a 3-second timeout.
func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(pingCtx)
	return pingResult(time.Since(start), err, time.Second)
}

// checkRedis pings Redis with a 2-second timeout.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redisClient.Ping(pingCtx).Err()
	return pingResult(time.Since(start), err, 500*time.Millisecond)
}

func pingResult(latency time.Duration, err error, slow time.Duration) ComponentCheck {
	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	if latency > slow {
		return ComponentCheck{
			Status:  "degraded",
			Latency: latency.String(),
			Message: fmt.Sprintf("slow response (%s)", latency),
		}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
