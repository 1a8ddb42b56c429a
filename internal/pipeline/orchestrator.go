// Package pipeline runs the recon chain for one scan: subdomain enumeration,
// live-host probing, vulnerability scanning, AI enrichment and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/ai"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/database"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/dnscheck"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/httpx"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/nuclei"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/subfinder"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

const (
	StagePreflight  = "dns"
	StageSubdomains = "subfinder"
	StageProbe      = "httpx"
	StageVulnScan   = "nuclei"
	StageEnrich     = "ai"
	StagePersist    = "persist"
)

// The messages are stored verbatim on the failed scan.
var (
	ErrNoSubdomains = errors.New("Subfinder found no subdomains.")
	ErrNoLiveHosts  = errors.New("Httpx found no live hosts.")
)

type SubdomainEnumerator interface {
	Enumerate(ctx context.Context, domain string) ([]string, error)
}

type HostProber interface {
	Probe(ctx context.Context, hosts []string) ([]httpx.Result, error)
}

type VulnScanner interface {
	Scan(ctx context.Context, urls []string) ([]nuclei.Result, error)
}

type Preflight interface {
	Check(ctx context.Context, domain string) error
}

// Observer is told when each stage starts and finishes. The CLI uses it to
// draw progress.
type Observer interface {
	StageStarted(stage string)
	StageFinished(stage string, err error)
}

type Options struct {
	// Preflight is optional; nil skips the DNS check.
	Preflight   Preflight
	Telemetry   core.Telemetry
	Observer    Observer
	ScanTimeout time.Duration
}

type Orchestrator struct {
	store     core.ScanStore
	subfinder SubdomainEnumerator
	prober    HostProber
	scanner   VulnScanner
	enricher  core.Enricher
	preflight Preflight
	telemetry core.Telemetry
	observer  Observer
	timeout   time.Duration
	logger    *logger.Logger

	// tools is set by NewFromConfig; nil when the stages are injected.
	tools *plugins.Registry
}

func NewOrchestrator(store core.ScanStore, sub SubdomainEnumerator, prober HostProber, scanner VulnScanner, enricher core.Enricher, log *logger.Logger, opts Options) *Orchestrator {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNoop()
	}
	return &Orchestrator{
		store:     store,
		subfinder: sub,
		prober:    prober,
		scanner:   scanner,
		enricher:  enricher,
		preflight: opts.Preflight,
		telemetry: opts.Telemetry,
		observer:  opts.Observer,
		timeout:   opts.ScanTimeout,
		logger:    log.WithComponent("pipeline"),
	}
}

// NewFromConfig wires the external tools, DNS pre-flight and AI backend
// described by cfg.
func NewFromConfig(cfg *config.Config, store core.ScanStore, tel core.Telemetry, observer Observer, log *logger.Logger) *Orchestrator {
	runner := plugins.NewExecRunner(log)

	opts := Options{
		Telemetry:   tel,
		Observer:    observer,
		ScanTimeout: cfg.Worker.ScanTimeout,
	}
	if cfg.Tools.DNS.Preflight {
		opts.Preflight = dnscheck.New(cfg.Tools.DNS, log)
	}

	sub := subfinder.New(cfg.Tools.Subfinder, runner, log)
	prober := httpx.New(cfg.Tools.HTTPX, runner, log)
	scanner := nuclei.New(cfg.Tools.Nuclei, runner, log)

	enricher := ai.New(cfg.AI, log)
	if !enricher.Available() {
		log.Infow("AI enrichment off, findings will carry placeholder text",
			"enabled", cfg.AI.Enabled,
			"provider", cfg.AI.Provider,
		)
	}

	o := NewOrchestrator(store, sub, prober, scanner, enricher, log, opts)
	// Names are distinct constants, so registration cannot fail.
	o.tools, _ = plugins.NewRegistry(sub, prober, scanner)
	return o
}

// CheckTools reports which external binaries are not installed.
func (o *Orchestrator) CheckTools() error {
	if o.tools == nil {
		return nil
	}
	o.logger.Debugw("Checking external tools", "tools", o.tools.List())
	return o.tools.Check(exec.LookPath)
}

// RunFullScan drives scanID from PENDING to COMPLETED or FAILED. An unknown
// scan id is not an error; a scan that already finished is left alone.
func (o *Orchestrator) RunFullScan(ctx context.Context, domain string, scanID int64) error {
	log := o.logger.WithScanID(scanID).WithTarget(domain)

	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Warnw("Scan not found, skipping")
			return nil
		}
		return fmt.Errorf("failed to load scan %d: %w", scanID, err)
	}
	if scan.Status.IsTerminal() {
		log.Infow("Scan already finished, skipping", "status", scan.Status)
		return nil
	}

	if err := o.store.UpdateScanStatus(ctx, scanID, types.ScanStatusRunning, ""); err != nil {
		return fmt.Errorf("failed to start scan %d: %w", scanID, err)
	}

	start := time.Now()
	ctx, span := log.StartOperation(ctx, "pipeline.RunFullScan")

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	vulns, err := o.execute(ctx, log, domain)
	if err == nil {
		err = o.stage(ctx, StagePersist, func(ctx context.Context) error {
			return o.store.RecordResult(ctx, scanID, vulns)
		})
	}

	if err != nil {
		o.markFailed(ctx, log, scanID, err)
		o.telemetry.RecordScan(types.ScanStatusFailed, time.Since(start))
		log.FinishOperation(ctx, span, "pipeline.RunFullScan", start, err)
		return err
	}

	for _, v := range vulns {
		o.telemetry.RecordFinding(v.Severity)
	}
	o.telemetry.RecordScan(types.ScanStatusCompleted, time.Since(start))
	log.FinishOperation(ctx, span, "pipeline.RunFullScan", start, nil,
		"vulnerabilities", len(vulns),
	)
	return nil
}

// markFailed records the failure even when ctx is already cancelled.
func (o *Orchestrator) markFailed(ctx context.Context, log *logger.Logger, scanID int64, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.store.UpdateScanStatus(ctx, scanID, types.ScanStatusFailed, cause.Error()); err != nil {
		log.LogError(ctx, err, "pipeline.markFailed", "cause", cause.Error())
		return
	}
	log.Warnw("Scan failed", "error", cause.Error())
}

func (o *Orchestrator) execute(ctx context.Context, log *logger.Logger, domain string) ([]types.Vulnerability, error) {
	if o.preflight != nil {
		err := o.stage(ctx, StagePreflight, func(ctx context.Context) error {
			return o.preflight.Check(ctx, domain)
		})
		if err != nil {
			return nil, err
		}
	}

	var subdomains []string
	err := o.stage(ctx, StageSubdomains, func(ctx context.Context) error {
		var err error
		subdomains, err = o.subfinder.Enumerate(ctx, domain)
		if err == nil && len(subdomains) == 0 {
			return ErrNoSubdomains
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infow("Subdomains enumerated", "count", len(subdomains))

	var live []string
	err = o.stage(ctx, StageProbe, func(ctx context.Context) error {
		results, err := o.prober.Probe(ctx, subdomains)
		if err != nil {
			return err
		}
		live = httpx.URLs(results)
		if len(live) == 0 {
			return ErrNoLiveHosts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infow("Live hosts found", "count", len(live))

	var matches []nuclei.Result
	err = o.stage(ctx, StageVulnScan, func(ctx context.Context) error {
		var err error
		matches, err = o.scanner.Scan(ctx, live)
		return err
	})
	if err != nil {
		return nil, err
	}

	var vulns []types.Vulnerability
	err = o.stage(ctx, StageEnrich, func(ctx context.Context) error {
		vulns = o.enrich(ctx, log, matches)
		// Enrichment itself never fails; only cancellation stops the scan here.
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return vulns, nil
}

func (o *Orchestrator) enrich(ctx context.Context, log *logger.Logger, matches []nuclei.Result) []types.Vulnerability {
	vulns := make([]types.Vulnerability, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))

	for _, m := range matches {
		if ctx.Err() != nil {
			return vulns
		}

		fp := Fingerprint(m.TemplateID, m.Name, m.MatchedAt)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		summary, mitigation := o.enricher.Analyze(ctx, m.Name, m.MatchedAt)
		log.LogVulnerability(ctx, m.Name, string(m.Severity), m.MatchedAt,
			"template_id", m.TemplateID,
		)

		vulns = append(vulns, types.Vulnerability{
			Name:         m.Name,
			Severity:     m.Severity,
			URL:          m.MatchedAt,
			AISummary:    types.StringPtr(summary),
			AIMitigation: types.StringPtr(mitigation),
			TemplateID:   m.TemplateID,
			Fingerprint:  fp,
		})
	}
	return vulns
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if o.observer != nil {
		o.observer.StageStarted(name)
	}

	start := time.Now()
	ctx, span := o.logger.StartSpan(ctx, "pipeline."+name)
	err := fn(ctx)
	span.End()

	if err == nil {
		// Surface a cancellation that the stage itself swallowed.
		err = ctx.Err()
	}

	o.telemetry.RecordStage(name, time.Since(start), err)
	o.logger.LogDuration(ctx, "pipeline."+name, start, "success", err == nil)
	if o.observer != nil {
		o.observer.StageFinished(name, err)
	}
	return err
}

// Fingerprint identifies a finding within a scan. Nuclei can report the same
// template at the same location more than once.
func Fingerprint(templateID, name, url string) string {
	h1, h2 := murmur3.Sum128([]byte(templateID + "\x00" + name + "\x00" + url))
	return fmt.Sprintf("%016x%016x", h1, h2)
}
