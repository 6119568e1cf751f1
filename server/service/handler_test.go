package service

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/fleetdm/devicefarm/server/tasks"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

func TestHandlerTasks(t *testing.T) {
	env := newTestEnv(t)
	h := MakeHandler(env.svc, log.NewNopLogger())

	rr := doRequest(t, h, "POST", "/api/v1/tests/login/run")
	require.Equal(t, http.StatusOK, rr.Code)
	var submitted submitTestResponse
	decodeJSON(t, rr, &submitted)
	require.NotNil(t, submitted.Task)
	assert.Equal(t, "login", submitted.Task.TestName)
	assert.Equal(t, fleet.TaskStatePending, submitted.Task.State)

	rr = doRequest(t, h, "GET", "/api/v1/tasks/"+submitted.Task.ID)
	require.Equal(t, http.StatusOK, rr.Code)
	var got getTaskResponse
	decodeJSON(t, rr, &got)
	assert.Equal(t, submitted.Task.ID, got.Task.ID)

	rr = doRequest(t, h, "GET", "/api/v1/tasks")
	require.Equal(t, http.StatusOK, rr.Code)
	var listed listTasksResponse
	decodeJSON(t, rr, &listed)
	require.Len(t, listed.Tasks, 1)

	rr = doRequest(t, h, "GET", "/api/v1/tasks?state=fail")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"tasks": []}`, rr.Body.String())

	rr = doRequest(t, h, "POST", "/api/v1/tasks/"+submitted.Task.ID+"/stop")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{submitted.Task.ID}, env.scheduler.stopped)
}

func TestHandlerErrors(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ds.UpsertTask(context.Background(), &fleet.Task{ID: "done", TestName: "login", State: fleet.TaskStateSucceeded}))
	h := MakeHandler(env.svc, log.NewNopLogger())

	cases := []struct {
		method, path string
		code         int
		reason       string
	}{
		{"POST", "/api/v1/tests/nope/run", http.StatusBadRequest, "test not found"},
		{"POST", "/api/v1/tasks/missing/stop", http.StatusNotFound, "task missing was not found"},
		{"POST", "/api/v1/tasks/done/stop", http.StatusBadRequest, "task is not pending or running"},
		{"GET", "/api/v1/tasks/missing", http.StatusNotFound, "task missing was not found"},
		{"GET", "/api/v1/tasks?state=bogus", http.StatusBadRequest, "unknown state: bogus"},
		{"GET", "/api/v1/tasks?page=-1", http.StatusBadRequest, "negative page value"},
		{"GET", "/api/v1/tasks/missing/log", http.StatusNotFound, "task missing was not found"},
	}
	for _, c := range cases {
		t.Run(c.method+" "+c.path, func(t *testing.T) {
			rr := doRequest(t, h, c.method, c.path)
			require.Equal(t, c.code, rr.Code)
			var je jsonError
			decodeJSON(t, rr, &je)
			require.Len(t, je.Errors, 1)
			assert.Equal(t, c.reason, je.Errors[0]["reason"])
		})
	}

	rr := doRequest(t, h, "GET", "/api/v1/tests/login/run")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandlerTaskLog(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ds.UpsertTask(context.Background(), &fleet.Task{ID: "t1", TestName: "login", State: fleet.TaskStateFailed}))
	path := tasks.LogPath(env.logsDir, "t1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("tap login\nassertion failed\n"), 0o644))

	rr := doRequest(t, MakeHandler(env.svc, log.NewNopLogger()), "GET", "/api/v1/tasks/t1/log")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, "tap login\nassertion failed\n", rr.Body.String())
}

func TestHandlerDevicesAndTests(t *testing.T) {
	env := newTestEnv(t,
		fleet.Device{ID: "00008101", Name: "iPhone", Port: 8100, State: fleet.DeviceStateIdle},
	)
	h := MakeHandler(env.svc, log.NewNopLogger())

	rr := doRequest(t, h, "GET", "/api/v1/devices")
	require.Equal(t, http.StatusOK, rr.Code)
	var devices listDevicesResponse
	decodeJSON(t, rr, &devices)
	require.Len(t, devices.Devices, 1)
	assert.Equal(t, fleet.DeviceStateIdle, devices.Devices[0].State)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	rr = doRequest(t, h, "GET", "/api/v1/tests")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"tests": ["checkout", "login"]}`, rr.Body.String())
}

func TestHandlerStatusFeed(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(MakeHandler(env.svc, log.NewNopLogger()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the subscription is registered before the headers are sent
	require.NoError(t, env.feed.Publish(ctx, fleet.TaskStatusEvent(fleet.Task{ID: "t1", State: fleet.TaskStateRunning})))

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		if sc.Scan() {
			lines <- sc.Text()
		}
	}()

	select {
	case line := <-lines:
		var event fleet.StatusEvent
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		assert.Equal(t, fleet.StatusKindTask, event.Kind)
		assert.Equal(t, "t1", event.Task.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event streamed")
	}
}
