// Package shutdown runs registered cleanup hooks when the process is asked
// to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Handler runs hooks in reverse registration order, so resources opened
// first are closed last.
type Handler struct {
	mu      sync.Mutex
	hooks   []hook
	once    sync.Once
	done    chan struct{}
	timeout time.Duration
	logger  *logger.Logger
}

func NewHandler(timeout time.Duration, log *logger.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  log.WithComponent("shutdown"),
	}
}

func (h *Handler) Register(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// Wait blocks until SIGINT/SIGTERM arrives, ctx is cancelled or errc
// yields, then shuts down. The error from errc, if any, is returned
// alongside hook failures.
func (h *Handler) Wait(ctx context.Context, errc <-chan error) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	var cause error
	select {
	case s := <-sig:
		h.logger.Infow("Received shutdown signal", "signal", s.String())
	case <-ctx.Done():
		h.logger.Infow("Context cancelled, shutting down")
	case err := <-errc:
		if err != nil {
			cause = err
			h.logger.Errorw("Component failed, shutting down", "error", err)
		}
	}

	return errors.Join(cause, h.Shutdown())
}

// Shutdown runs every hook once, bounded by the handler timeout. Later
// calls return nil.
func (h *Handler) Shutdown() error {
	var err error
	h.once.Do(func() {
		defer close(h.done)

		h.mu.Lock()
		hooks := append([]hook(nil), h.hooks...)
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			hk := hooks[i]
			start := time.Now()
			if hookErr := hk.fn(ctx); hookErr != nil {
				h.logger.Errorw("Shutdown hook failed", "hook", hk.name, "error", hookErr)
				errs = append(errs, fmt.Errorf("%s: %w", hk.name, hookErr))
				continue
			}
			h.logger.Debugw("Shutdown hook finished", "hook", hk.name, "duration_ms", time.Since(start).Milliseconds())
		}
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown timeout after %v", h.timeout))
		}
		err = errors.Join(errs...)
	})
	return err
}

// Done is closed once Shutdown has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
