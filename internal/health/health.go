// Package health reports readiness of the stores and the policy engine, over HTTP and the gRPC health protocol.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/server/respond"
)

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"

	defaultCheckTimeout = 2 * time.Second
)

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CachePinger is implemented by the session cache store.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker is implemented by the OPA evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Report is the readiness result. Components maps a component name to UP or DOWN.
type Report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Ready reports whether every component is up.
func (r Report) Ready() bool { return r.Status == StatusUp }

// Checker runs the readiness checks. Nil dependencies are skipped.
type Checker struct {
	db      Pinger
	cache   CachePinger
	policy  PolicyChecker
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker returns a Checker. Any dependency may be nil.
func NewChecker(db Pinger, cache CachePinger, policy PolicyChecker, logger *slog.Logger) *Checker {
	return &Checker{db: db, cache: cache, policy: policy, timeout: defaultCheckTimeout, logger: logging.OrDiscard(logger)}
}

// Check runs every configured check concurrently.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	checks := map[string]func(context.Context) error{}
	if c.db != nil {
		checks["postgres"] = c.db.PingContext
	}
	if c.cache != nil {
		checks["redis"] = c.cache.Ping
	}
	if c.policy != nil {
		checks["policy"] = c.policy.HealthCheck
	}

	rep := Report{Status: StatusUp, Components: make(map[string]string, len(checks))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			err := fn(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("readiness check failed", "component", name, "error", err)
				rep.Components[name] = StatusDown
				rep.Status = StatusDown
				return
			}
			rep.Components[name] = StatusUp
		}(name, fn)
	}
	wg.Wait()
	return rep
}

// ServeHTTP writes the report with 200 when ready and 503 otherwise.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := c.Check(r.Context())
	status := http.StatusOK
	if !rep.Ready() {
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, rep)
}

// Mirror runs the checks every interval and publishes the result on hs for the empty service name,
// until ctx is done. The first check runs immediately.
func (c *Checker) Mirror(ctx context.Context, hs *grpchealth.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	publish := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if !c.Check(ctx).Ready() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
	}
	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			publish()
		}
	}
}
