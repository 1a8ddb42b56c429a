// Package plugintest provides a scripted CommandRunner for tests that must not
// shell out to real recon tools.
package plugintest

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type Call struct {
	Name  string
	Args  []string
	Stdin string
}

type Response struct {
	Stdout string
	Err    error
}

// Runner answers each binary name with a canned response and records calls.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []Call
}

func NewRunner() *Runner {
	return &Runner{responses: make(map[string]Response)}
}

func (r *Runner) On(name, stdout string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[name] = Response{Stdout: stdout}
	return r
}

func (r *Runner) OnError(name string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[name] = Response{Err: err}
	return r
}

func (r *Runner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	var in string
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		in = string(b)
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: name, Args: append([]string(nil), args...), Stdin: in})
	resp, ok := r.responses[name]
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("failed to start %s: executable file not found", name)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return []byte(resp.Stdout), nil
}

func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Called reports whether name was invoked at least once.
func (r *Runner) Called(name string) bool {
	for _, c := range r.Calls() {
		if c.Name == name {
			return true
		}
	}
	return false
}
