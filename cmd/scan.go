package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/internal/ingest"
	"github.com/CosmoTheDev/ctrlprune/internal/pipeline"
	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/spf13/cobra"
)

var (
	scanPath        string
	scanGitURL      string
	scanArchive     string
	scanOutputFmt   string
	scanShowPatches bool
	scanAPIKey      string
	scanAPIProvider string
)

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Scan a codebase for replaceable AI calls",
	Long: `Runs one scan in-process and prints the scored candidates.

Examples:
  ctrlprune scan ./services/triage
  ctrlprune scan --git https://github.com/example/support-bot
  ctrlprune scan --archive ./export.zip --output json
  ctrlprune scan . --patches`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanPath, "path", "", "Local directory to scan (default: positional argument)")
	scanCmd.Flags().StringVar(&scanGitURL, "git", "", "Git remote to clone and scan")
	scanCmd.Flags().StringVar(&scanArchive, "archive", "", "Zip archive to extract and scan")
	scanCmd.Flags().StringVar(&scanOutputFmt, "output", "table", "Output format: table|json")
	scanCmd.Flags().BoolVar(&scanShowPatches, "patches", false, "Print the synthesized diff for each solvable candidate")
	scanCmd.Flags().StringVar(&scanAPIKey, "api-key", "", "Provider key for ai-assisted synthesis (not persisted)")
	scanCmd.Flags().StringVar(&scanAPIProvider, "api-provider", "", "Provider for --api-key: openai|anthropic|gemini|ollama")
	scanCmd.MarkFlagsMutuallyExclusive("path", "git", "archive")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if scanPath == "" && len(args) == 1 {
		scanPath = args[0]
	}
	if scanPath == "" && scanGitURL == "" && scanArchive == "" {
		return fmt.Errorf("nothing to scan: pass a path, --git or --archive")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	orch, err := pipeline.New(cfg, db, pipeline.Options{})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	defer orch.Stop()

	src, err := resolveSource(orch.Ingestor())
	if err != nil {
		return err
	}
	scan, err := orch.Submit(ctx, src, ai.Credentials{APIKey: scanAPIKey, Provider: scanAPIProvider})
	if err != nil {
		return err
	}
	if scanOutputFmt != "json" {
		fmt.Printf("Scanning %s (scan %d)\n\n", src.Target, scan.ID)
	}

	done, err := orch.Wait(ctx, scan.ID)
	if err != nil {
		return fmt.Errorf("waiting for scan %d: %w", scan.ID, err)
	}
	if done.Status != models.ScanCompleted {
		return fmt.Errorf("scan %d %s: %s", done.ID, done.Status, done.ErrorMsg)
	}

	results, err := orch.Results(ctx, scan.ID)
	if err != nil {
		return err
	}
	patches := map[int64]*models.Patch{}
	if scanShowPatches {
		for _, cands := range results {
			for _, c := range cands {
				if c.RiskLevel == models.RiskHigh {
					continue
				}
				p, err := orch.Patch(ctx, scan.ID, c.ID)
				if err != nil {
					return fmt.Errorf("synthesizing patch for candidate %d: %w", c.ID, err)
				}
				patches[c.ID] = p
			}
		}
	}

	if scanOutputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"scan": done, "results": results, "patches": patches})
	}
	printScanSummary(done, results, patches)
	return nil
}

func resolveSource(in *ingest.Ingestor) (ingest.Source, error) {
	switch {
	case scanGitURL != "":
		return in.GitURL(scanGitURL)
	case scanArchive != "":
		f, err := os.Open(scanArchive)
		if err != nil {
			return ingest.Source{}, fmt.Errorf("opening archive: %w", err)
		}
		defer f.Close()
		return in.Upload(f, filepath.Base(scanArchive))
	default:
		return in.LocalPath(scanPath)
	}
}

func printScanSummary(scan *models.Scan, results map[string][]models.Candidate, patches map[int64]*models.Patch) {
	fmt.Println(headerStyle.Render("=== Scan Results ==="))

	files := make([]string, 0, len(results))
	for f := range results {
		files = append(files, f)
	}
	slices.Sort(files)

	saved := 0
	byRisk := map[models.RiskLevel]int{}
	for _, f := range files {
		fmt.Println(f)
		for _, c := range results[f] {
			byRisk[c.RiskLevel]++
			if c.RiskLevel != models.RiskHigh {
				saved += c.EstimatedAPICallsSaved
			}
			fmt.Printf("  #%-3d line %-5d %-8s %-28s score %.2f  conf %.2f  %s\n",
				c.ID, c.LineStart, c.Provider, c.InferredIntent,
				c.RuleSolvabilityScore, c.Confidence, riskLabel(c.RiskLevel))
			fmt.Println(dimStyle.Render("       " + c.Explanation))
			if p := patches[c.ID]; p != nil && p.Diff != "" {
				fmt.Println()
				fmt.Println(p.Diff)
			}
		}
	}

	fmt.Println()
	fmt.Printf("Candidates: %d  Low: %d  Medium: %d  High: %d\n",
		scan.CandidateCount, byRisk[models.RiskLow], byRisk[models.RiskMedium], byRisk[models.RiskHigh])
	fmt.Printf("Estimated API calls saved: %d\n", saved)
	fmt.Println()
	fmt.Printf("Results saved to database. Run 'ctrlprune serve' to review patches over the API.\n")
}

func riskLabel(r models.RiskLevel) string {
	switch r {
	case models.RiskLow:
		return successStyle.Render("low")
	case models.RiskMedium:
		return warnStyle.Render("medium")
	default:
		return failStyle.Render(string(r))
	}
}
