package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/auth"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/database"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/progress"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/validation"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

// cliUsername owns assets submitted from the command line.
const cliUsername = "vigil-cli"

var scanCmd = &cobra.Command{
	Use:   "scan <domain>",
	Short: "Run the full recon pipeline against one domain in the foreground",
	Long: `Run subfinder, httpx, nuclei and AI enrichment against a domain and print
the findings. The scan is stored like any other, owned by the local
'vigil-cli' account, so 'vigil serve' can show it later.

Example:
  vigil scan example.com
  vigil scan example.com --db-driver sqlite3 --db-dsn vigil.db`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().Bool("quiet", false, "only print the findings")
}

func runScan(cmd *cobra.Command, args []string) error {
	domain, err := validation.NormalizeDomain(args[0])
	if err != nil {
		return err
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	ctx := cmd.Context()
	tel := openTelemetry(ctx)
	defer tel.Close()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := progress.New(os.Stdout, !quiet)
	orchestrator := pipeline.NewFromConfig(cfg, store, tel, tracker, log)
	if err := orchestrator.CheckTools(); err != nil {
		return err
	}

	user, err := cliUser(ctx, store)
	if err != nil {
		return err
	}
	_, scan, err := store.SubmitAsset(ctx, user.ID, domain)
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}

	if cfg.Tools.DNS.Preflight {
		tracker.AddPhase(pipeline.StagePreflight, "Resolve target")
	}
	tracker.AddPhase(pipeline.StageSubdomains, "Enumerate subdomains")
	tracker.AddPhase(pipeline.StageProbe, "Probe live hosts")
	tracker.AddPhase(pipeline.StageVulnScan, "Scan for vulnerabilities")
	tracker.AddPhase(pipeline.StageEnrich, "AI analysis")
	tracker.AddPhase(pipeline.StagePersist, "Store results")

	if !quiet {
		color.Cyan("Scanning %s (scan %d)\n", domain, scan.ID)
	}

	runErr := orchestrator.RunFullScan(ctx, domain, scan.ID)
	tracker.Complete()
	for _, p := range tracker.Phases() {
		log.Debugw("Scan stage",
			"scan_id", scan.ID,
			"stage", p.Name,
			"status", p.Status.String(),
			"duration_ms", p.Duration().Milliseconds(),
		)
	}

	report, err := store.GetScanReport(context.WithoutCancel(ctx), scan.ID)
	if err != nil {
		return errors.Join(runErr, err)
	}
	printReport(report)
	return runErr
}

// cliUser returns the local account, creating it with an unusable random
// password on first use.
func cliUser(ctx context.Context, store *database.SQLStore) (*types.User, error) {
	user, err := store.GetUserByUsername(ctx, cliUsername)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	hash, err := auth.HashPassword(uuid.NewString(), cfg.Security.BcryptCost)
	if err != nil {
		return nil, err
	}
	user, err = store.CreateUser(ctx, cliUsername, hash)
	if errors.Is(err, database.ErrDuplicate) {
		return store.GetUserByUsername(ctx, cliUsername)
	}
	return user, err
}

func severityColor(s types.Severity) *color.Color {
	switch s {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case types.SeverityHigh:
		return color.New(color.FgRed)
	case types.SeverityMedium:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func printReport(r *types.ScanReport) {
	fmt.Println()
	switch r.Scan.Status {
	case types.ScanStatusCompleted:
		color.Green("Scan %d of %s completed: %d finding(s)", r.Scan.ID, r.Domain, len(r.Vulnerabilities))
	case types.ScanStatusFailed:
		color.Red("Scan %d of %s failed: %s", r.Scan.ID, r.Domain, r.Scan.ErrorMessage)
		return
	default:
		color.Yellow("Scan %d of %s is %s", r.Scan.ID, r.Domain, r.Scan.Status)
	}

	for _, v := range r.Vulnerabilities {
		fmt.Println()
		severityColor(v.Severity).Printf("[%s] ", strings.ToUpper(string(v.Severity)))
		fmt.Printf("%s\n", v.Name)
		fmt.Printf("  URL:        %s\n", v.URL)
		if v.AISummary != nil {
			fmt.Printf("  Summary:    %s\n", *v.AISummary)
		}
		if v.AIMitigation != nil {
			fmt.Printf("  Mitigation: %s\n", *v.AIMitigation)
		}
	}
}
