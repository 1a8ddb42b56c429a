package nuclei

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

type Scanner struct {
	cfg    config.NucleiConfig
	runner plugins.CommandRunner
	logger *logger.Logger
}

type Output struct {
	TemplateID string `json:"template-id"`
	Info       Info   `json:"info"`
	Type       string `json:"type"`
	Host       string `json:"host"`
	MatchedAt  string `json:"matched-at"`
	Timestamp  string `json:"timestamp"`
}

type Info struct {
	Name        string   `json:"name"`
	Severity    string   `json:"severity"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Reference   []string `json:"reference,omitempty"`
}

// Result is one nuclei match, normalised for the pipeline.
type Result struct {
	TemplateID string
	Name       string
	Severity   types.Severity
	Host       string
	MatchedAt  string
}

func New(cfg config.NucleiConfig, runner plugins.CommandRunner, log *logger.Logger) *Scanner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nuclei"
	}
	if cfg.JSONFlag == "" {
		cfg.JSONFlag = "-jsonl"
	}
	if len(cfg.Severities) == 0 {
		cfg.Severities = []string{"medium", "high", "critical"}
	}
	return &Scanner{
		cfg:    cfg,
		runner: runner,
		logger: log.WithTool("nuclei"),
	}
}

func (s *Scanner) Name() string {
	return "nuclei"
}

func (s *Scanner) BinaryPath() string {
	return s.cfg.BinaryPath
}

func (s *Scanner) buildArgs() []string {
	args := []string{
		s.cfg.JSONFlag,
		"-severity", strings.Join(s.cfg.Severities, ","),
		"-silent",
	}
	return append(args, s.cfg.ExtraArgs...)
}

// Scan runs nuclei against urls, fed on stdin, and returns matches in output order.
func (s *Scanner) Scan(ctx context.Context, urls []string) ([]Result, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	ctx, cancel := plugins.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := s.runner.Run(ctx, s.cfg.BinaryPath, s.buildArgs(), plugins.StdinLines(urls))
	if err != nil {
		return nil, fmt.Errorf("nuclei: %w", err)
	}

	results, err := Parse(out)
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Vulnerability scan finished",
		"urls", len(urls),
		"matches", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

func Parse(out []byte) ([]Result, error) {
	var results []Result
	for i, line := range plugins.Lines(out) {
		var o Output
		if err := json.Unmarshal([]byte(line), &o); err != nil {
			return nil, fmt.Errorf("nuclei: failed to parse output line %d: %w", i+1, err)
		}
		results = append(results, Result{
			TemplateID: o.TemplateID,
			Name:       o.Info.Name,
			Severity:   types.ParseSeverity(o.Info.Severity),
			Host:       o.Host,
			MatchedAt:  o.MatchedAt,
		})
	}
	return results, nil
}
