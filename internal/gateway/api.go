package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/ingest"
	"github.com/CosmoTheDev/ctrlprune/models"
)

// buildHandler wires all REST and SSE routes onto a new ServeMux.
// Uses Go 1.22+ method-prefixed patterns ("GET /path", "POST /path").
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	// Root/help
	mux.HandleFunc("GET /{$}", gw.handleRoot)
	mux.HandleFunc("GET /health", gw.handleHealth)

	// Scans
	mux.HandleFunc("POST /api/scan", gw.handleScanPath)
	mux.HandleFunc("POST /api/scan/git", gw.handleScanGit)
	mux.HandleFunc("POST /api/scan/upload", gw.handleScanUpload)
	mux.HandleFunc("GET /api/status/{scan_id}", gw.handleStatus)
	mux.HandleFunc("GET /api/results/{scan_id}", gw.handleResults)
	mux.HandleFunc("GET /api/scans", gw.handleListScans)
	mux.HandleFunc("DELETE /api/scans/{scan_id}", gw.handleDeleteScan)

	// Candidates
	mux.HandleFunc("GET /api/patch/{scan_id}/{candidate_id}", gw.handlePatch)
	mux.HandleFunc("POST /api/shadow-run/{scan_id}/{candidate_id}", gw.handleShadowRun)
	mux.HandleFunc("POST /api/recordings/{scan_id}/{candidate_id}", gw.handleRecordings)
	mux.HandleFunc("POST /api/apply/{scan_id}/{candidate_id}", gw.handleApply)
	mux.HandleFunc("POST /api/revert/{scan_id}/{candidate_id}", gw.handleRevert)

	// Aggregates and config
	mux.HandleFunc("GET /api/metrics", gw.handleMetrics)
	mux.HandleFunc("GET /api/config", gw.handleGetConfig)

	// Server-Sent Events stream
	mux.HandleFunc("GET /events", gw.handleEvents)

	return gw.requireAuth(mux)
}

// --- handlers ---

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (gw *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "ctrlprune",
		"status":  "running",
		"message": "REST/SSE API is available here. Send X-Local-Auth on every /api call.",
		"endpoints": []string{
			"GET /health",
			"POST /api/scan",
			"POST /api/scan/git",
			"POST /api/scan/upload",
			"GET /api/status/{scan_id}",
			"GET /api/results/{scan_id}",
			"GET /api/scans",
			"DELETE /api/scans/{scan_id}",
			"GET /api/patch/{scan_id}/{candidate_id}",
			"POST /api/shadow-run/{scan_id}/{candidate_id}",
			"POST /api/recordings/{scan_id}/{candidate_id}",
			"POST /api/apply/{scan_id}/{candidate_id}?safety_flag=true",
			"POST /api/revert/{scan_id}/{candidate_id}",
			"GET /api/metrics",
			"GET /api/config",
			"GET /events",
		},
	})
}

func (gw *Gateway) submit(w http.ResponseWriter, r *http.Request, src ingest.Source, creds ai.Credentials) {
	scan, err := gw.orch.Submit(r.Context(), src, creds)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{ScanID: scan.ID, Status: scan.Status})
}

func (gw *Gateway) handleScanPath(w http.ResponseWriter, r *http.Request) {
	var req scanPathRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	src, err := gw.orch.Ingestor().LocalPath(req.Path)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	gw.submit(w, r, src, ai.Credentials{APIKey: req.APIKey, Provider: req.APIProvider})
}

func (gw *Gateway) handleScanGit(w http.ResponseWriter, r *http.Request) {
	var req scanGitRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	src, err := gw.orch.Ingestor().GitURL(req.URL)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	gw.submit(w, r, src, ai.Credentials{APIKey: req.APIKey, Provider: req.APIProvider})
}

// handleScanUpload streams the multipart body: the archive part is staged and
// validated before any scan record exists.
func (gw *Gateway) handleScanUpload(w http.ResponseWriter, r *http.Request) {
	in := gw.orch.Ingestor()
	r.Body = http.MaxBytesReader(w, r.Body, in.MaxArchiveBytes()+(1<<20))
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data with a file field")
		return
	}

	var (
		src   ingest.Source
		creds ai.Credentials
		got   bool
	)
	discard := func() {
		if got {
			in.Discard(src)
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discard()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("reading multipart body: %v", err))
			return
		}
		switch part.FormName() {
		case "file":
			if got {
				_ = part.Close()
				continue
			}
			src, err = in.Upload(part, part.FileName())
			_ = part.Close()
			if err != nil {
				writeErr(w, r, err)
				return
			}
			got = true
		case "api_key", "api_provider":
			v, err := formValue(part, 4096)
			_ = part.Close()
			if err != nil {
				discard()
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if part.FormName() == "api_key" {
				creds.APIKey = v
			} else {
				creds.Provider = v
			}
		default:
			_ = part.Close()
		}
	}
	if !got {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	gw.submit(w, r, src, creds)
}

func (gw *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "scan_id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	st, err := gw.orch.Status(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (gw *Gateway) handleResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "scan_id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := gw.orch.Results(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := gw.orch.Scans(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if scans == nil {
		scans = []models.Scan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": scans, "count": len(scans)})
}

func (gw *Gateway) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "scan_id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := gw.orch.Delete(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "scan_id": id})
}

func (gw *Gateway) handlePatch(w http.ResponseWriter, r *http.Request) {
	scanID, candID, err := scanAndCandidate(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := gw.orch.Patch(r.Context(), scanID, candID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (gw *Gateway) handleShadowRun(w http.ResponseWriter, r *http.Request) {
	scanID, candID, err := scanAndCandidate(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := gw.orch.ShadowRun(r.Context(), scanID, candID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRecordings accepts either {"recordings": [...]} or a bare array.
func (gw *Gateway) handleRecordings(w http.ResponseWriter, r *http.Request) {
	scanID, candID, err := scanAndCandidate(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		writeErr(w, r, err)
		return
	}
	var recs []models.Recording
	switch trimmed := strings.TrimSpace(string(raw)); {
	case trimmed == "":
		writeError(w, http.StatusBadRequest, "no recordings in request body")
		return
	case strings.HasPrefix(trimmed, "["):
		err = json.Unmarshal(raw, &recs)
	default:
		var req recordingsRequest
		err = json.Unmarshal(raw, &req)
		recs = req.Recordings
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recordings: "+err.Error())
		return
	}
	n, err := gw.orch.Record(r.Context(), scanID, candID, recs)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordingsResponse{Stored: n})
}

func (gw *Gateway) handleApply(w http.ResponseWriter, r *http.Request) {
	scanID, candID, err := scanAndCandidate(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := gw.orch.Apply(r.Context(), scanID, candID, queryBool(r, "safety_flag"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleRevert(w http.ResponseWriter, r *http.Request) {
	scanID, candID, err := scanAndCandidate(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := gw.orch.Revert(r.Context(), scanID, candID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := gw.orch.Metrics(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (gw *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.Redacted(gw.cfg))
}

func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if behind a proxy

	ch := gw.broadcaster.subscribe()
	defer gw.broadcaster.unsubscribe(ch)

	// Send initial connected event with current status.
	connected, err := frame(SSEEvent{Type: "connected", Payload: gw.refreshStatus(r.Context())})
	if err == nil {
		_, _ = w.Write(connected)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(f)
			flusher.Flush()
		}
	}
}
