//go:build !windows

package process

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer written by the process copy goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartExitCode(t *testing.T) {
	var out syncBuffer
	cmd, err := Start("/bin/sh", []string{"-c", "echo out; echo err >&2; exit 3"}, WithOutput(&out))
	require.NoError(t, err)

	code, err := cmd.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out.String(), "out")
	assert.Contains(t, out.String(), "err")

	// waiting again returns the same result
	code, err = cmd.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestStartEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	var out syncBuffer
	cmd, err := Start("/bin/sh", []string{"-c", `echo "$FOO"; pwd`}, WithOutput(&out), WithEnv("FOO=bar"), WithDir(dir))
	require.NoError(t, err)

	code, err := cmd.Wait()
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Contains(t, out.String(), "bar")
	assert.Contains(t, out.String(), dir)
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start("/nonexistent/binary", nil)
	require.Error(t, err)
}

func TestTerminateGroup(t *testing.T) {
	cmd, err := Start("/bin/sh", []string{"-c", "sleep 30 & sleep 30; wait"})
	require.NoError(t, err)

	require.NoError(t, cmd.Terminate())
	// idempotent
	require.NoError(t, cmd.Terminate())

	select {
	case <-cmd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after terminate")
	}
	code, err := cmd.Wait()
	require.NoError(t, err)
	assert.Equal(t, -1, code)
}

func TestStopKillsAfterGrace(t *testing.T) {
	cmd, err := Start("/bin/sh", []string{"-c", "trap '' TERM; sleep 30"})
	require.NoError(t, err)
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, cmd.Stop(100*time.Millisecond))
	code, _ := cmd.Wait()
	assert.Equal(t, -1, code)
}
