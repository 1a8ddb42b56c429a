package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/ai"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/database"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/dnscheck"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/httpx"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/nuclei"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/plugintest"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/subfinder"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

type fakeEnumerator struct {
	subs   []string
	err    error
	called bool
}

func (f *fakeEnumerator) Enumerate(context.Context, string) ([]string, error) {
	f.called = true
	return f.subs, f.err
}

type fakeProber struct {
	results []httpx.Result
	err     error
	called  bool
}

func (f *fakeProber) Probe(context.Context, []string) ([]httpx.Result, error) {
	f.called = true
	return f.results, f.err
}

type fakeScanner struct {
	results []nuclei.Result
	err     error
	hook    func()
	got     []string
}

func (f *fakeScanner) Scan(_ context.Context, urls []string) ([]nuclei.Result, error) {
	f.got = urls
	if f.hook != nil {
		f.hook()
	}
	return f.results, f.err
}

type fakeEnricher struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeEnricher) Analyze(_ context.Context, name, url string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return "summary of " + name, "fix " + url
}

type fakePreflight struct{ err error }

func (f fakePreflight) Check(context.Context, string) error { return f.err }

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) StageStarted(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start:"+stage)
}

func (r *recordingObserver) StageFinished(stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "ok"
	if err != nil {
		status = "err"
	}
	r.events = append(r.events, stage+":"+status)
}

func newStore(t *testing.T) *database.SQLStore {
	t.Helper()
	store, err := database.NewStore(context.Background(), config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    ":memory:",
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedScan(t *testing.T, store *database.SQLStore, domain string) *types.Scan {
	t.Helper()
	ctx := context.Background()
	user, err := store.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	_, scan, err := store.SubmitAsset(ctx, user.ID, domain)
	require.NoError(t, err)
	return scan
}

var (
	liveResults = []httpx.Result{
		{URL: "https://www.example.com", StatusCode: 200},
		{URL: "https://api.example.com", StatusCode: 200},
	}
	matches = []nuclei.Result{
		{TemplateID: "git-config", Name: "Git Config Disclosure", Severity: types.SeverityMedium, MatchedAt: "https://www.example.com/.git/config"},
		{TemplateID: "git-config", Name: "Git Config Disclosure", Severity: types.SeverityMedium, MatchedAt: "https://www.example.com/.git/config"},
		{TemplateID: "CVE-2021-44228", Name: "Apache Log4j RCE", Severity: types.SeverityCritical, MatchedAt: "https://api.example.com/login"},
	}
)

func TestRunFullScanCompletes(t *testing.T) {
	store := newStore(t)
	scan := seedScan(t, store, "example.com")

	scanner := &fakeScanner{results: matches}
	enricher := &fakeEnricher{}
	observer := &recordingObserver{}
	o := NewOrchestrator(store,
		&fakeEnumerator{subs: []string{"www.example.com", "api.example.com"}},
		&fakeProber{results: liveResults},
		scanner, enricher, logger.NewNop(),
		Options{Observer: observer},
	)

	require.NoError(t, o.RunFullScan(context.Background(), "example.com", scan.ID))

	report, err := store.GetScanReport(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, report.Scan.Status)
	assert.NotNil(t, report.Scan.StartedAt)
	assert.NotNil(t, report.Scan.CompletedAt)

	require.Len(t, report.Vulnerabilities, 2)
	first := report.Vulnerabilities[0]
	assert.Equal(t, "Git Config Disclosure", first.Name)
	assert.Equal(t, types.SeverityMedium, first.Severity)
	assert.Equal(t, "https://www.example.com/.git/config", first.URL)
	require.NotNil(t, first.AISummary)
	assert.Equal(t, "summary of Git Config Disclosure", *first.AISummary)
	assert.Equal(t, "fix https://www.example.com/.git/config", *first.AIMitigation)
	assert.Equal(t, types.SeverityCritical, report.Vulnerabilities[1].Severity)

	assert.Equal(t, []string{"https://www.example.com", "https://api.example.com"}, scanner.got)
	assert.Equal(t, []string{"Git Config Disclosure", "Apache Log4j RCE"}, enricher.names)
	assert.Equal(t, []string{
		"start:subfinder", "subfinder:ok",
		"start:httpx", "httpx:ok",
		"start:nuclei", "nuclei:ok",
		"start:ai", "ai:ok",
		"start:persist", "persist:ok",
	}, observer.events)
}

func TestRunFullScanNoFindingsCompletes(t *testing.T) {
	store := newStore(t)
	scan := seedScan(t, store, "example.com")

	o := NewOrchestrator(store,
		&fakeEnumerator{subs: []string{"www.example.com"}},
		&fakeProber{results: liveResults[:1]},
		&fakeScanner{}, &fakeEnricher{}, logger.NewNop(), Options{},
	)
	require.NoError(t, o.RunFullScan(context.Background(), "example.com", scan.ID))

	report, err := store.GetScanReport(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, report.Scan.Status)
	assert.Empty(t, report.Vulnerabilities)
}

func TestRunFullScanFailures(t *testing.T) {
	toolErr := errors.New("nuclei: failed to start nuclei: exec: \"nuclei\": executable file not found in $PATH")

	tests := []struct {
		name        string
		enumerator  *fakeEnumerator
		prober      *fakeProber
		scanner     *fakeScanner
		preflight   Preflight
		wantErr     error
		wantMessage string
		wantProbed  bool
	}{
		{
			name:        "no subdomains",
			enumerator:  &fakeEnumerator{},
			prober:      &fakeProber{},
			scanner:     &fakeScanner{},
			wantErr:     ErrNoSubdomains,
			wantMessage: "Subfinder found no subdomains.",
		},
		{
			name:        "no live hosts",
			enumerator:  &fakeEnumerator{subs: []string{"www.example.com"}},
			prober:      &fakeProber{results: nil},
			scanner:     &fakeScanner{},
			wantErr:     ErrNoLiveHosts,
			wantMessage: "Httpx found no live hosts.",
			wantProbed:  true,
		},
		{
			name:        "scanner error",
			enumerator:  &fakeEnumerator{subs: []string{"www.example.com"}},
			prober:      &fakeProber{results: liveResults},
			scanner:     &fakeScanner{err: toolErr, results: matches},
			wantErr:     toolErr,
			wantMessage: toolErr.Error(),
			wantProbed:  true,
		},
		{
			name:        "dns preflight",
			enumerator:  &fakeEnumerator{subs: []string{"www.example.com"}},
			prober:      &fakeProber{},
			scanner:     &fakeScanner{},
			preflight:   fakePreflight{err: dnscheck.ErrNXDomain},
			wantErr:     dnscheck.ErrNXDomain,
			wantMessage: "domain does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			scan := seedScan(t, store, "example.com")

			o := NewOrchestrator(store, tt.enumerator, tt.prober, tt.scanner, &fakeEnricher{}, logger.NewNop(),
				Options{Preflight: tt.preflight},
			)
			err := o.RunFullScan(context.Background(), "example.com", scan.ID)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantProbed, tt.prober.called)

			report, err := store.GetScanReport(context.Background(), scan.ID)
			require.NoError(t, err)
			assert.Equal(t, types.ScanStatusFailed, report.Scan.Status)
			assert.Equal(t, tt.wantMessage, report.Scan.ErrorMessage)
			assert.Empty(t, report.Vulnerabilities)
		})
	}
}

func TestRunFullScanCancelledMidway(t *testing.T) {
	store := newStore(t)
	scan := seedScan(t, store, "example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := NewOrchestrator(store,
		&fakeEnumerator{subs: []string{"www.example.com"}},
		&fakeProber{results: liveResults},
		&fakeScanner{results: matches, hook: cancel},
		&fakeEnricher{}, logger.NewNop(), Options{},
	)

	err := o.RunFullScan(ctx, "example.com", scan.ID)
	assert.ErrorIs(t, err, context.Canceled)

	report, err := store.GetScanReport(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusFailed, report.Scan.Status)
	assert.Empty(t, report.Vulnerabilities)
}

func TestRunFullScanUnknownScanIsNoop(t *testing.T) {
	store := newStore(t)
	enumerator := &fakeEnumerator{subs: []string{"www.example.com"}}

	o := NewOrchestrator(store, enumerator, &fakeProber{}, &fakeScanner{}, &fakeEnricher{}, logger.NewNop(), Options{})
	assert.NoError(t, o.RunFullScan(context.Background(), "example.com", 9999))
	assert.False(t, enumerator.called)
}

func TestRunFullScanSkipsFinishedScan(t *testing.T) {
	store := newStore(t)
	scan := seedScan(t, store, "example.com")
	ctx := context.Background()
	require.NoError(t, store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusFailed, "earlier failure"))

	enumerator := &fakeEnumerator{subs: []string{"www.example.com"}}
	o := NewOrchestrator(store, enumerator, &fakeProber{}, &fakeScanner{}, &fakeEnricher{}, logger.NewNop(), Options{})
	assert.NoError(t, o.RunFullScan(ctx, "example.com", scan.ID))
	assert.False(t, enumerator.called)

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "earlier failure", got.ErrorMessage)
}

func TestRunFullScanWithToolRunner(t *testing.T) {
	store := newStore(t)
	scan := seedScan(t, store, "example.com")

	runner := plugintest.NewRunner().
		On("subfinder", "www.example.com\n").
		On("httpx", `{"url":"https://www.example.com","input":"www.example.com","status_code":200}`+"\n").
		On("nuclei", `{"template-id":"tech-detect","info":{"name":"Wappalyzer Technology Detection","severity":"info"},"host":"https://www.example.com","matched-at":"https://www.example.com"}`+"\n")

	log := logger.NewNop()
	o := NewOrchestrator(store,
		subfinder.New(config.SubfinderConfig{}, runner, log),
		httpx.New(config.HTTPXConfig{}, runner, log),
		nuclei.New(config.NucleiConfig{}, runner, log),
		ai.NewEnricher(nil, log),
		log, Options{},
	)

	require.NoError(t, o.RunFullScan(context.Background(), "example.com", scan.ID))

	vulns, err := store.GetVulnerabilities(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, "Wappalyzer Technology Detection", vulns[0].Name)
	assert.Equal(t, types.SeverityInfo, vulns[0].Severity)
	assert.Equal(t, ai.MsgUnavailable, *vulns[0].AISummary)
	assert.Equal(t, ai.MsgUnavailable, *vulns[0].AIMitigation)
	assert.Equal(t, "www.example.com\n", runner.Calls()[1].Stdin)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("git-config", "Git Config", "https://a.example.com/.git/config")
	assert.Len(t, a, 32)
	assert.Equal(t, a, Fingerprint("git-config", "Git Config", "https://a.example.com/.git/config"))
	assert.NotEqual(t, a, Fingerprint("git-config", "Git Config", "https://b.example.com/.git/config"))
	assert.NotEqual(t, Fingerprint("ab", "c", "d"), Fingerprint("a", "bc", "d"))
}

func TestCheckToolsReportsMissingBinaries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AI.Enabled = false
	cfg.Tools.Subfinder.BinaryPath = "/nonexistent/vigil-test/subfinder"
	cfg.Tools.Nuclei.BinaryPath = "/nonexistent/vigil-test/nuclei"

	o := NewFromConfig(cfg, newStore(t), nil, nil, logger.NewNop())
	err := o.CheckTools()
	require.Error(t, err)
	assert.ErrorIs(t, err, plugins.ErrToolMissing)
	assert.Contains(t, err.Error(), "/nonexistent/vigil-test/subfinder")
	assert.Contains(t, err.Error(), "/nonexistent/vigil-test/nuclei")

	injected := NewOrchestrator(newStore(t), nil, nil, nil, nil, logger.NewNop(), Options{})
	assert.NoError(t, injected.CheckTools())
}
