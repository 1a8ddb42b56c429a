package plugins

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerPipesStdin(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(logger.NewNop())

	out, err := r.Run(context.Background(), "sh", []string{"-c", "tr a-z A-Z"}, strings.NewReader("a.example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, "A.EXAMPLE.COM\n", string(out))
}

func TestExecRunnerNonZeroExitKeepsStdout(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(logger.NewNop())

	out, err := r.Run(context.Background(), "sh", []string{"-c", "echo partial; echo oops >&2; exit 3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial\n", string(out))
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(logger.NewNop())

	_, err := r.Run(context.Background(), "definitely-not-a-real-tool-vigil", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestExecRunnerContextTimeout(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "sh", []string{"-c", "exec sleep 5"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLines(t *testing.T) {
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, Lines([]byte("a.example.com\r\n\n  b.example.com  \n")))
	assert.Empty(t, Lines(nil))
	assert.Empty(t, Lines([]byte("\n \n")))
}

func TestStdinLines(t *testing.T) {
	b, err := io.ReadAll(StdinLines([]string{"x", "y"}))
	require.NoError(t, err)
	assert.Equal(t, "x\ny\n", string(b))
}
