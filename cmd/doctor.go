package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/internal/detect"
	"github.com/CosmoTheDev/ctrlprune/internal/rules"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify configuration, storage and parsers",
	Long: `Checks that the database can be reached, the parsers load, the rule
registry compiles, the workspace directory is writable and the configured
AI provider (if any) answers.`,
	RunE: runDoctor,
}

const doctorProbe = `from openai import OpenAI

client = OpenAI()
answer = client.chat.completions.create(model="m", messages=[{"role": "user", "content": "Answer YES or NO: " + text}])
`

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true
	fail := func(err error) {
		fmt.Println(failStyle.Render(fmt.Sprintf("FAIL (%s)", err)))
		allOK = false
	}

	fmt.Println(headerStyle.Render("=== ctrlprune doctor ==="))

	// Check database
	fmt.Print("Database ................. ")
	db, err := database.New(cfg.Database)
	if err != nil {
		fail(err)
	} else {
		if err := db.Ping(ctx); err != nil {
			fail(err)
		} else {
			fmt.Printf("OK (%s: %s)\n", db.Driver(), firstSet(cfg.Database.Path, "dsn"))
		}
		db.Close()
	}

	// Parsers: run the detector over a one-line probe.
	fmt.Print("Parsers .................. ")
	if n, err := probeDetector(ctx, cfg.Detector); err != nil {
		fail(err)
	} else if n != 1 {
		fail(fmt.Errorf("probe found %d calls, want 1", n))
	} else {
		fmt.Println("OK (python, javascript, typescript, go)")
	}

	fmt.Print("Rule registry ............ ")
	if reg, err := rules.NewRegistry(cfg.Synth.RulesDir); err != nil {
		fail(err)
	} else {
		fmt.Printf("OK (version %s, %s)\n", reg.Version(), firstSet(cfg.Synth.RulesDir, "built-in only"))
	}

	fmt.Print("Workspace directory ...... ")
	if err := checkWritable(cfg.Ingest.WorkspaceDir); err != nil {
		fail(err)
	} else {
		fmt.Printf("OK (%s)\n", cfg.Ingest.WorkspaceDir)
	}

	// Check AI config
	fmt.Print("AI provider .............. ")
	switch {
	case cfg.AI.Provider == "" || cfg.AI.Provider == "none":
		fmt.Println(dimStyle.Render("disabled (rule-derived synthesis only)"))
	default:
		p, err := ai.New(cfg.AI)
		if err != nil {
			fail(err)
			break
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ok := p.IsAvailable(probeCtx)
		cancel()
		if ok {
			fmt.Printf("OK (%s / %s)\n", p.Name(), firstSet(cfg.AI.Model, "default model"))
		} else {
			fmt.Println(warnStyle.Render(fmt.Sprintf("WARN (%s not reachable; scans fall back to rule-derived synthesis)", p.Name())))
		}
	}

	fmt.Print("Auth token ............... ")
	if cfg.Server.AuthToken == "" || cfg.Server.AuthToken == config.DefaultAuthToken {
		fmt.Println(warnStyle.Render("WARN (default token; fine for loopback only)"))
	} else {
		fmt.Println("OK (custom)")
	}

	fmt.Println()
	if allOK {
		fmt.Println(successStyle.Render("All checks passed; ctrlprune is ready!"))
	} else {
		fmt.Println(warnStyle.Render("Some checks failed; fix them with 'ctrlprune config edit'."))
	}
	return nil
}

func probeDetector(ctx context.Context, cfg config.DetectorConfig) (int, error) {
	d, err := detect.New(cfg)
	if err != nil {
		return 0, err
	}
	dir, err := os.MkdirTemp("", "ctrlprune-doctor-")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "probe.py"), []byte(doctorProbe), 0o644); err != nil {
		return 0, err
	}
	sites, err := d.DetectFile(ctx, dir, "probe.py")
	return len(sites), err
}

func checkWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("ingest.workspace_dir is not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
