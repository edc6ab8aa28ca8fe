// Package health reports whether the process and its dependencies can serve
// traffic.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Pinger is anything that answers a liveness check, like store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry creates a registry whose checks each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout}
}

// Register adds a checker.
func (r *Registry) Register(check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// CheckAll runs all checkers concurrently and returns the aggregate health
// plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, check := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			statuses[i] = check(cctx)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

// Handler serves the registry: 200 when every check passes, 503 otherwise.
func (r *Registry) Handler(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	code, status := http.StatusOK, "healthy"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

// Ping checks a dependency by pinging it.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Running checks a background loop, like the sweep timer.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
