// Package gateway serves the local REST + SSE API consumed by the dashboard.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/internal/pipeline"
	"github.com/CosmoTheDev/ctrlprune/models"
)

// Gateway is the long-running daemon that combines:
//   - the scan pipeline (worker pool, retention janitor)
//   - a REST + SSE HTTP server guarded by the local auth token
type Gateway struct {
	cfg         *config.Config
	db          database.DB
	orch        *pipeline.Orchestrator
	broadcaster *Broadcaster

	mu        sync.RWMutex
	status    ServerStatus
	startedAt time.Time
}

// New creates a Gateway. Call Start() to begin serving.
func New(cfg *config.Config, db database.DB) (*Gateway, error) {
	return newGateway(cfg, db, pipeline.Options{})
}

func newGateway(cfg *config.Config, db database.DB, opts pipeline.Options) (*Gateway, error) {
	b := newBroadcaster()
	opts.OnEvent = func(e pipeline.Event) {
		b.send(SSEEvent{Type: e.Type, Payload: e.Payload})
	}
	orch, err := pipeline.New(cfg, db, opts)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:         cfg,
		db:          db,
		orch:        orch,
		broadcaster: b,
		startedAt:   time.Now(),
	}, nil
}

func (gw *Gateway) addr() string {
	port := gw.cfg.Server.Port
	if port == 0 {
		port = 8000
	}
	return net.JoinHostPort(firstNonEmpty(gw.cfg.Server.Host, "127.0.0.1"), strconv.Itoa(port))
}

func (gw *Gateway) authToken() string {
	return firstNonEmpty(gw.cfg.Server.AuthToken, config.DefaultAuthToken)
}

// Start runs the gateway until ctx is cancelled. It:
//  1. Starts the pipeline (restart recovery, workers, janitor)
//  2. Starts a stats ticker that broadcasts queue status every 5s via SSE
//  3. Binds the HTTP server (blocks until shutdown)
//
// On shutdown active scans are cancelled and marked failed.
func (gw *Gateway) Start(ctx context.Context) error {
	if err := gw.orch.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	gw.mu.Lock()
	gw.status.Running = true
	gw.mu.Unlock()

	go gw.runStatsTicker(ctx)

	addr := gw.addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           buildHandler(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	defer func() {
		gw.orch.Stop()
		gw.mu.Lock()
		gw.status.Running = false
		gw.mu.Unlock()
		slog.Info("gateway: stopped")
	}()

	slog.Info("gateway: listening", "addr", "http://"+addr)
	gw.broadcaster.send(SSEEvent{
		Type:    "gateway.started",
		Payload: map[string]string{"addr": "http://" + addr},
	})

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// requireAuth rejects /api/* and /events requests without the shared secret.
// EventSource clients cannot set headers, so /events also accepts ?token=.
func (gw *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if strings.HasPrefix(path, "/api/") || path == "/events" {
			token := r.Header.Get("X-Local-Auth")
			if token == "" && path == "/events" {
				token = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(gw.authToken())) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid local auth token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// runStatsTicker refreshes ServerStatus from the DB every 5 seconds and
// broadcasts a "status.update" SSE event to all connected clients.
func (gw *Gateway) runStatsTicker(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if gw.broadcaster.subscribers() == 0 {
				continue
			}
			gw.broadcaster.send(SSEEvent{Type: "status.update", Payload: gw.refreshStatus(ctx)})
		}
	}
}

func (gw *Gateway) refreshStatus(ctx context.Context) ServerStatus {
	var queued, running countRow
	_ = gw.db.Get(ctx, &queued, "SELECT COUNT(*) AS n FROM scans WHERE status = ?", models.ScanQueued)
	_ = gw.db.Get(ctx, &running, "SELECT COUNT(*) AS n FROM scans WHERE status = ?", models.ScanRunning)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.status.QueuedScans = queued.N
	gw.status.RunningScans = running.N
	gw.status.Workers = gw.cfg.Pipeline.Workers
	gw.status.RulesVersion = gw.orch.RulesVersion()
	gw.status.UptimeSeconds = int64(time.Since(gw.startedAt).Seconds())
	return gw.status
}
