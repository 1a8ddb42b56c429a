package subfinder

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins"
)

type Enumerator struct {
	cfg    config.SubfinderConfig
	runner plugins.CommandRunner
	logger *logger.Logger
}

func New(cfg config.SubfinderConfig, runner plugins.CommandRunner, log *logger.Logger) *Enumerator {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "subfinder"
	}
	return &Enumerator{
		cfg:    cfg,
		runner: runner,
		logger: log.WithTool("subfinder"),
	}
}

func (e *Enumerator) Name() string {
	return "subfinder"
}

func (e *Enumerator) BinaryPath() string {
	return e.cfg.BinaryPath
}

func (e *Enumerator) buildArgs(domain string) []string {
	args := []string{"-d", domain, "-silent"}
	return append(args, e.cfg.ExtraArgs...)
}

// Enumerate returns the subdomains subfinder reports for domain, one per
// output line. An empty result is not an error here; callers decide.
func (e *Enumerator) Enumerate(ctx context.Context, domain string) ([]string, error) {
	ctx, cancel := plugins.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := e.runner.Run(ctx, e.cfg.BinaryPath, e.buildArgs(domain), nil)
	if err != nil {
		return nil, fmt.Errorf("subfinder: %w", err)
	}

	subdomains := dedupe(plugins.Lines(out))
	e.logger.Infow("Subdomain enumeration finished",
		"target", domain,
		"subdomains", len(subdomains),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return subdomains, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
