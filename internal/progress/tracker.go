package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Tracker prints one line per pipeline stage transition. It satisfies
// pipeline.Observer.
type Tracker struct {
	mu        sync.Mutex
	out       io.Writer
	phases    []Phase
	index     map[string]int
	startTime time.Time
	enabled   bool
}

type Phase struct {
	Name        string
	Description string
	Status      PhaseStatus
	StartTime   time.Time
	EndTime     time.Time
	Err         error
}

type PhaseStatus int

const (
	StatusPending PhaseStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s PhaseStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Duration is zero for a phase that never ran.
func (p Phase) Duration() time.Duration {
	if p.StartTime.IsZero() || p.EndTime.IsZero() {
		return 0
	}
	return p.EndTime.Sub(p.StartTime)
}

var (
	runningColor = color.New(color.FgCyan)
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed, color.Bold)
	mutedColor   = color.New(color.Faint)
)

func New(out io.Writer, enabled bool) *Tracker {
	return &Tracker{
		out:       out,
		index:     make(map[string]int),
		startTime: time.Now(),
		enabled:   enabled,
	}
}

func (t *Tracker) AddPhase(name, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(name, description)
}

func (t *Tracker) addLocked(name, description string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.phases = append(t.phases, Phase{Name: name, Description: description})
	t.index[name] = len(t.phases) - 1
	return len(t.phases) - 1
}

// StageStarted marks a phase running. Unknown stages are added on the fly.
func (t *Tracker) StageStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.addLocked(name, name)
	t.phases[i].Status = StatusRunning
	t.phases[i].StartTime = time.Now()

	if t.enabled {
		runningColor.Fprintf(t.out, "▶ %s...\n", t.phases[i].Description)
	}
}

func (t *Tracker) StageFinished(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.addLocked(name, name)
	p := &t.phases[i]
	p.EndTime = time.Now()
	p.Err = err
	if err != nil {
		p.Status = StatusFailed
	} else {
		p.Status = StatusCompleted
	}

	if !t.enabled {
		return
	}
	took := formatDuration(p.EndTime.Sub(p.StartTime))
	if err != nil {
		failColor.Fprintf(t.out, "✗ %s failed after %s: %v\n", p.Description, took, err)
		return
	}
	okColor.Fprintf(t.out, "✓ %s ", p.Description)
	mutedColor.Fprintf(t.out, "(%s)\n", took)
}

// Complete prints the phase summary.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return
	}

	fmt.Fprintf(t.out, "\nFinished in %s\n", formatDuration(time.Since(t.startTime)))
	for _, p := range t.phases {
		switch p.Status {
		case StatusCompleted:
			okColor.Fprintf(t.out, "  ✓ %-10s %s\n", p.Name, formatDuration(p.Duration()))
		case StatusFailed:
			failColor.Fprintf(t.out, "  ✗ %-10s %s\n", p.Name, formatDuration(p.Duration()))
		default:
			mutedColor.Fprintf(t.out, "  - %-10s skipped\n", p.Name)
		}
	}
}

func (t *Tracker) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
