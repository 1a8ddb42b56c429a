package plugins

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

// CommandRunner runs an external tool and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error)
}

// ExecRunner runs tools with os/exec. A non-zero exit status is logged and
// the captured stdout is still returned, since recon tools commonly exit
// non-zero after printing usable results. Failing to start the binary, or
// the context ending, is an error.
type ExecRunner struct {
	logger *logger.Logger
}

func NewExecRunner(log *logger.Logger) *ExecRunner {
	return &ExecRunner{logger: log.WithComponent("exec")}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	log := r.logger.WithTool(name)
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.WaitDelay = 5 * time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr := &stderrLog{log: log}
	cmd.Stderr = stderr

	log.Debugw("Running command", "args", args)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	err := cmd.Wait()
	stderr.flush()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Warnw("Command exited with non-zero status",
			"exit_code", exitErr.ExitCode(),
			"stderr", strings.Join(stderr.tail, "\n"),
		)
	} else if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}

	log.Debugw("Command finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"stdout_bytes", stdout.Len(),
	)
	return stdout.Bytes(), nil
}

// stderrLog forwards tool stderr to the debug log line by line and keeps the
// last few lines for the non-zero exit warning.
type stderrLog struct {
	log     *logger.Logger
	partial []byte
	tail    []string
}

func (s *stderrLog) Write(p []byte) (int, error) {
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.line(string(s.partial[:i]))
		s.partial = s.partial[i+1:]
	}
	return len(p), nil
}

func (s *stderrLog) flush() {
	if len(s.partial) > 0 {
		s.line(string(s.partial))
		s.partial = nil
	}
}

func (s *stderrLog) line(line string) {
	line = strings.TrimRight(line, "\r")
	s.log.Debugw("stderr", "line", line)
	s.tail = append(s.tail, line)
	if len(s.tail) > 20 {
		s.tail = s.tail[1:]
	}
}

// Lines splits tool output into trimmed, non-empty lines.
func Lines(out []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// StdinLines joins values into newline-terminated tool input.
func StdinLines(values []string) io.Reader {
	return strings.NewReader(strings.Join(values, "\n") + "\n")
}

// WithTimeout bounds a tool run when a timeout is configured.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
