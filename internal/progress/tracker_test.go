package progress

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerStages(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer

	tr := New(&buf, true)
	tr.AddPhase("subfinder", "Enumerating subdomains")
	tr.AddPhase("httpx", "Probing live hosts")
	tr.AddPhase("nuclei", "Scanning for vulnerabilities")

	tr.StageStarted("subfinder")
	tr.StageFinished("subfinder", nil)
	tr.StageStarted("httpx")
	tr.StageFinished("httpx", errors.New("Httpx found no live hosts."))
	tr.Complete()

	phases := tr.Phases()
	require.Len(t, phases, 3)
	assert.Equal(t, StatusCompleted, phases[0].Status)
	assert.Equal(t, StatusFailed, phases[1].Status)
	assert.Equal(t, StatusPending, phases[2].Status)
	assert.Equal(t, "failed", phases[1].Status.String())
	assert.Zero(t, phases[2].Duration())
	assert.GreaterOrEqual(t, phases[0].Duration(), time.Duration(0))

	out := buf.String()
	assert.Contains(t, out, "▶ Enumerating subdomains...")
	assert.Contains(t, out, "✓ Enumerating subdomains")
	assert.Contains(t, out, "✗ Probing live hosts failed after < 1s: Httpx found no live hosts.")
	assert.Contains(t, out, "- nuclei     skipped")
}

func TestTrackerUnknownStage(t *testing.T) {
	tr := New(&bytes.Buffer{}, true)
	tr.StageStarted("persist")
	tr.StageFinished("persist", nil)

	phases := tr.Phases()
	require.Len(t, phases, 1)
	assert.Equal(t, "persist", phases[0].Name)
}

func TestTrackerDisabledIsSilent(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, false)
	tr.StageStarted("subfinder")
	tr.StageFinished("subfinder", nil)
	tr.Complete()
	assert.Empty(t, buf.String())
	assert.Equal(t, StatusCompleted, tr.Phases()[0].Status)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "< 1s", formatDuration(300*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m 5s", formatDuration(185*time.Second))
	assert.Equal(t, "2h 10m", formatDuration(130*time.Minute))
}
