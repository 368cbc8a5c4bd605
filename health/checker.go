package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check reports the current health of one part
type Check func(ctx context.Context) Status

// Checker runs named checks on demand
type Checker struct {
	system  string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

// NewChecker creates a checker whose aggregate is reported as system
func NewChecker(system string) *Checker {
	return &Checker{
		system:  system,
		timeout: 2 * time.Second,
		checks:  make(map[string]Check),
	}
}

// Register adds or replaces the check for name
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Report runs every check, sorted by name, and aggregates the results
func (c *Checker) Report(ctx context.Context) Status {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		s := checks[name](ctx)
		s.Component = name
		if s.Timestamp.IsZero() {
			s.Timestamp = time.Now()
		}
		subs = append(subs, s)
	}
	return Aggregate(c.system, subs)
}

// Handler serves the aggregate as JSON. Unhealthy answers 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := c.Report(r.Context())

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
