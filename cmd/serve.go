package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/internal/gateway"
	"github.com/spf13/cobra"
)

var (
	servePort   int
	serveHost   string
	serveLogDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local REST + SSE API",
	Long: `Starts the ctrlprune daemon: a scan worker pool plus a local HTTP API
(default: http://127.0.0.1:8000). Every /api call must send the shared
secret in the X-Local-Auth header (default "local-dev").

Quick API reference:
  GET    /health                                    liveness check
  POST   /api/scan                                  scan a local path ({"path":"..."})
  POST   /api/scan/git                              scan a git remote ({"url":"..."})
  POST   /api/scan/upload                           scan a zip archive (multipart "file")
  GET    /api/status/{scan_id}                      progress and logs
  GET    /api/results/{scan_id}                     candidates grouped by file
  GET    /api/patch/{scan_id}/{candidate_id}        synthesized patch
  POST   /api/shadow-run/{scan_id}/{candidate_id}   replay recordings through the rule
  POST   /api/apply/{scan_id}/{candidate_id}        commit the patch (?safety_flag=true)
  POST   /api/revert/{scan_id}/{candidate_id}       undo an applied patch
  GET    /api/metrics                               aggregate savings
  GET    /events                                    SSE stream of live events

Scans still queued or running at shutdown are marked failed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"HTTP port to listen on (default 8000, overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"interface to bind (default 127.0.0.1, overrides config)")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "",
		"directory to write daemon logs for later inspection (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logDir := firstSet(serveLogDir, cfg.Server.LogDir, "logs")
	logFilePath, closeLog, err := setupServeFileLogger(logDir)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer closeLog()

	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	base := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Println(headerStyle.Render("ctrlprune daemon starting"))
	fmt.Printf("  Workers    : %d\n", cfg.Pipeline.Workers)
	fmt.Printf("  Synthesis  : %s\n", cfg.Synth.Mode)
	fmt.Printf("  AI         : %s\n", cfg.AI.Provider)
	fmt.Printf("  API        : %s\n", base)
	fmt.Printf("  Events     : %s/events\n", base)
	fmt.Printf("  Logs       : %s\n\n", logFilePath)
	if cfg.Server.AuthToken == config.DefaultAuthToken {
		fmt.Println(warnStyle.Render("Using the default auth token; set server.auth_token before exposing the port."))
	}
	fmt.Println(dimStyle.Render("Press Ctrl+C to stop gracefully."))
	fmt.Println()

	slog.Info("logger initialised", "file", logFilePath)
	gw, err := gateway.New(cfg, db)
	if err != nil {
		return err
	}
	return gw.Start(ctx)
}

func setupServeFileLogger(logDir string) (string, func(), error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	runLogPath := filepath.Join(logDir, fmt.Sprintf("ctrlprune-%s.log", ts))
	runFile, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log file: %w", err)
	}

	latestPath := filepath.Join(logDir, "ctrlprune.log")
	latestFile, err := os.OpenFile(latestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runFile.Close()
		return "", nil, fmt.Errorf("opening latest log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, runFile, latestFile), &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)

	cleanup := func() {
		_ = latestFile.Close()
		_ = runFile.Close()
	}
	return runLogPath, cleanup, nil
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
