// Package health checks the dependencies of the device farm server: the
// record store and the status feed.
package health

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Checker returns an error indicating if a service is in an unhealthy state.
type Checker interface {
	HealthCheck() error
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc func() error

// HealthCheck calls fn.
func (fn CheckerFunc) HealthCheck() error {
	return fn()
}

// Result is the outcome of a single named check.
type Result struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// Handler returns an http.Handler running the requested checks (all of them
// when no check query parameter is set). It responds 200 when every check
// passes and 500 otherwise, with the per-check results as JSON.
func Handler(logger log.Logger, allCheckers map[string]Checker) http.HandlerFunc {
	logger = log.With(logger, "component", "healthz")
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := allCheckers
		if checks, ok := r.URL.Query()["check"]; ok {
			checkers = make(map[string]Checker, len(checks))
			for _, name := range checks {
				if name == "" {
					http.Error(w, "checks must not be empty", http.StatusBadRequest)
					return
				}
				check, ok := allCheckers[name]
				if !ok {
					http.Error(w, "the provided check is not valid", http.StatusBadRequest)
					return
				}
				checkers[name] = check
			}
		}

		results, healthy := Run(logger, checkers)
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
		}
		if err := json.NewEncoder(w).Encode(results); err != nil {
			level.Debug(logger).Log("msg", "encode health results", "err", err)
		}
	}
}

// Run executes the checkers in name order and returns their results, along
// with false if any of them failed. Failures are logged.
func Run(logger log.Logger, checkers map[string]Checker) ([]Result, bool) {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	results := make([]Result, 0, len(names))
	for _, name := range names {
		res := Result{Name: name}
		if err := checkers[name].HealthCheck(); err != nil {
			level.Info(logger).Log("err", err, "health-checker", name)
			res.Error = err.Error()
			healthy = false
		}
		results = append(results, res)
	}
	return results, healthy
}

// CheckHealth checks multiple checkers returning false if any of them fail.
func CheckHealth(logger log.Logger, checkers map[string]Checker) bool {
	_, healthy := Run(logger, checkers)
	return healthy
}

// Nop creates a noop checker. Useful in tests.
func Nop() Checker {
	return CheckerFunc(func() error { return nil })
}
