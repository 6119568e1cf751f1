package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var failCheck = CheckerFunc(func() error {
	return errors.New("health check failed")
})

func TestCheckHealth(t *testing.T) {
	checkers := map[string]Checker{
		"fail": failCheck,
		"pass": Nop(),
	}
	require.False(t, CheckHealth(log.NewNopLogger(), checkers))

	checkers = map[string]Checker{
		"pass": Nop(),
	}
	require.True(t, CheckHealth(log.NewNopLogger(), checkers))
}

func TestRunResultsSorted(t *testing.T) {
	results, healthy := Run(log.NewNopLogger(), map[string]Checker{
		"redis": failCheck,
		"mysql": Nop(),
	})
	require.False(t, healthy)
	require.Equal(t, []Result{
		{Name: "mysql"},
		{Name: "redis", Error: "health check failed"},
	}, results)
}

func TestHealthzHandler(t *testing.T) {
	logger := log.NewNopLogger()

	fail := Handler(logger, map[string]Checker{
		"mock": failCheck,
	})
	pass := Handler(logger, map[string]Checker{
		"mock": Nop(),
	})
	both := Handler(logger, map[string]Checker{
		"pass": Nop(),
		"fail": failCheck,
	})

	httpTests := []struct {
		handler    http.Handler
		path       string
		wantHeader int
	}{
		{pass, "/healthz", http.StatusOK},
		{fail, "/healthz", http.StatusInternalServerError},

		// Empty check name
		{pass, "/healthz?check=mock&check=", http.StatusBadRequest},
		// Bad check name
		{pass, "/healthz?check=mock&check=bad", http.StatusBadRequest},
		// Passing and failing checks
		{both, "/healthz", http.StatusInternalServerError},
		{both, "/healthz?check=pass&check=fail", http.StatusInternalServerError},
		// Only run passing
		{both, "/healthz?check=pass", http.StatusOK},
		// Only run failing
		{both, "/healthz?check=fail", http.StatusInternalServerError},
	}
	for _, tt := range httpTests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest("GET", tt.path, nil)
			tt.handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.wantHeader, rr.Code)
		})
	}
}

func TestHealthzHandlerBody(t *testing.T) {
	h := Handler(log.NewNopLogger(), map[string]Checker{"mysql": failCheck})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))

	var results []Result
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "mysql", results[0].Name)
	assert.Equal(t, "health check failed", results[0].Error)
}
