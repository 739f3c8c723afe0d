// Package health provides a registry of named health checks and HTTP
// handlers exposing them. The liveness endpoint always answers 200; the
// readiness endpoint runs the registered checks and answers 503 while any of
// them fails.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Checker is the interface for a health checker.
type Checker interface {
	// Check returns nil if the service is okay.
	Check() error
}

// CheckFunc is a convenience type to create functions that implement the
// Checker interface.
type CheckFunc func() error

// Check implements the Checker interface to allow for any func() error
// method to be passed as a Checker.
func (cf CheckFunc) Check() error {
	return cf()
}

// Updater implements a health check whose status is explicitly set.
type Updater interface {
	Checker

	// Update updates the current status of the health check.
	Update(status error)
}

// updater provides an asynchronous Update method so Check never blocks on a
// potentially expensive probe.
type updater struct {
	mu     sync.Mutex
	status error
}

func (u *updater) Check() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *updater) Update(status error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
}

// NewStatusUpdater returns a new updater.
func NewStatusUpdater() Updater {
	return &updater{}
}

// thresholdUpdater only reports failure after a configured number of
// consecutive bad updates, smoothing over transient probe errors.
type thresholdUpdater struct {
	mu        sync.Mutex
	status    error
	threshold int
	count     int
}

func (tu *thresholdUpdater) Check() error {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	if tu.count >= tu.threshold {
		return tu.status
	}
	return nil
}

func (tu *thresholdUpdater) Update(status error) {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	if status == nil {
		tu.count = 0
	} else if tu.count < tu.threshold {
		tu.count++
	}
	tu.status = status
}

// NewThresholdStatusUpdater returns a new thresholdUpdater.
func NewThresholdStatusUpdater(t int) Updater {
	return &thresholdUpdater{threshold: t}
}

// PeriodicChecker wraps an updater to provide a periodic checker.
func PeriodicChecker(check Checker, period time.Duration) Checker {
	u := NewStatusUpdater()
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for range t.C {
			u.Update(check.Check())
		}
	}()
	return u
}

// Registry holds named health checks for one server instance.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

// NewRegistry constructs an empty check registry.
func NewRegistry() *Registry {
	return &Registry{checks: map[string]Checker{}}
}

// Register associates the checker with the provided name. It panics on
// duplicate names, which indicates a programming error.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; ok {
		panic("health: check already exists: " + name)
	}
	r.checks[name] = check
}

// RegisterFunc registers a checker directly from a func() error.
func (r *Registry) RegisterFunc(name string, check func() error) {
	r.Register(name, CheckFunc(check))
}

// CheckStatus runs all checks and returns the failing ones by name.
func (r *Registry) CheckStatus() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	failures := map[string]string{}
	for name, check := range r.checks {
		if err := check.Check(); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

// LivenessHandler answers 200 unconditionally; a response at all means the
// process is alive.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write([]byte("{}"))
}

// ReadinessHandler returns a handler that runs the registry's checks and
// answers 503 with the failure map while any check fails.
func ReadinessHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		failures := registry.CheckStatus()
		if len(failures) != 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(failures)
	}
}
