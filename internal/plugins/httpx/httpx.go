package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins"
)

type Prober struct {
	cfg    config.HTTPXConfig
	runner plugins.CommandRunner
	logger *logger.Logger
}

// Result is the subset of an httpx JSON line the pipeline cares about.
type Result struct {
	URL          string   `json:"url"`
	Input        string   `json:"input"`
	Host         string   `json:"host"`
	Port         string   `json:"port"`
	Scheme       string   `json:"scheme"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title"`
	WebServer    string   `json:"webserver"`
	Technologies []string `json:"tech,omitempty"`
	Failed       bool     `json:"failed"`
}

func New(cfg config.HTTPXConfig, runner plugins.CommandRunner, log *logger.Logger) *Prober {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "httpx"
	}
	return &Prober{
		cfg:    cfg,
		runner: runner,
		logger: log.WithTool("httpx"),
	}
}

func (p *Prober) Name() string {
	return "httpx"
}

func (p *Prober) BinaryPath() string {
	return p.cfg.BinaryPath
}

func (p *Prober) buildArgs() []string {
	args := []string{"-silent", "-json"}
	return append(args, p.cfg.ExtraArgs...)
}

// Probe feeds hosts to httpx on stdin and returns one Result per live URL.
// A line that is not valid JSON is an error: it means the tool and the
// parser disagree about the output format.
func (p *Prober) Probe(ctx context.Context, hosts []string) ([]Result, error) {
	if len(hosts) == 0 {
		return nil, nil
	}

	ctx, cancel := plugins.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := p.runner.Run(ctx, p.cfg.BinaryPath, p.buildArgs(), plugins.StdinLines(hosts))
	if err != nil {
		return nil, fmt.Errorf("httpx: %w", err)
	}

	results, err := Parse(out)
	if err != nil {
		return nil, err
	}

	p.logger.Infow("HTTP probing finished",
		"hosts", len(hosts),
		"live", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

// Parse decodes httpx JSON-lines output. Entries without a URL, or marked
// failed, are dropped.
func Parse(out []byte) ([]Result, error) {
	var results []Result
	for i, line := range plugins.Lines(out) {
		var r Result
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("httpx: failed to parse output line %d: %w", i+1, err)
		}
		if r.URL == "" || r.Failed {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func URLs(results []Result) []string {
	urls := make([]string, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		urls = append(urls, r.URL)
	}
	return urls
}
