package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	models "github.com/fundscope/fundscope/pkg/db/models/funds"
	"github.com/fundscope/fundscope/pkg/utils"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// triggerRequest is the optional body of POST /api/sync.
type triggerRequest struct {
	Mode         string   `json:"mode,omitempty"`
	BatchSize    int      `json:"batch_size,omitempty"`
	Workers      int      `json:"workers,omitempty"`
	BatchDelayMs int      `json:"batch_delay_ms,omitempty"`
	AsOf         string   `json:"as_of,omitempty"`
	Schemes      []string `json:"schemes,omitempty"`
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3001")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")

	r.HandleFunc("/api/sync", a.HandleTriggerSync).Methods("POST")
	r.HandleFunc("/api/sync/status", a.HandleSyncStatus).Methods("GET")
	r.HandleFunc("/api/funds/{schemeCode}", a.HandleGetFund).Methods("GET")
	r.HandleFunc("/api/funds/{schemeCode}/returns", a.HandleGetReturns).Methods("GET")
	r.HandleFunc("/api/funds/{schemeCode}/nav", a.HandleNavAt).Methods("GET")
	r.HandleFunc("/api/funds/{schemeCode}/history", a.HandleNavHistory).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

// HandleTriggerSync starts a run unless one is already active.
// POST /api/sync with an optional JSON body overriding mode, batch shape and
// target schemes. Responds 202 with the initial status, or 409 with the
// in-flight run's status.
func (a *App) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	opts := a.optionsFromEnv()

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Mode != "" {
		if m := Mode(req.Mode); m != ModeBulk && m != ModePerScheme {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
			return
		}
		opts.Mode = Mode(req.Mode)
	}
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	if req.Workers > 0 {
		opts.Workers = req.Workers
	}
	if req.BatchDelayMs > 0 {
		opts.BatchDelay = time.Duration(req.BatchDelayMs) * time.Millisecond
	}
	if req.AsOf != "" {
		asOf, err := time.Parse(models.DateOnly, req.AsOf)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid as_of date %q", req.AsOf))
			return
		}
		opts.AsOf = asOf
	}
	if len(req.Schemes) > 0 {
		opts.Schemes = req.Schemes
		// A hand-picked scheme list implies per-scheme fetching.
		if req.Mode == "" {
			opts.Mode = ModePerScheme
		}
	}

	// The run must outlive this request; it is bounded by app shutdown,
	// not by the trigger call.
	run, started := a.StartRun(a.baseCtx, opts)
	if !started {
		a.writeJSON(w, http.StatusConflict, run.Status())
		return
	}
	a.Logger.Info("Sync run triggered via API", zap.String("mode", string(opts.Mode)))
	a.writeJSON(w, http.StatusAccepted, run.Status())
}

// HandleSyncStatus reports the most recent run's progress.
// GET /api/sync/status
func (a *App) HandleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	run := a.CurrentRun()
	if run == nil {
		a.writeError(w, http.StatusNotFound, "no sync run yet")
		return
	}
	a.writeJSON(w, http.StatusOK, run.Status())
}

// HandleGetFund returns the latest-NAV projection for one scheme.
// GET /api/funds/{schemeCode}
func (a *App) HandleGetFund(w http.ResponseWriter, r *http.Request) {
	schemeCode := mux.Vars(r)["schemeCode"]

	fund, err := a.FundsDB.GetFund(r.Context(), schemeCode)
	if err != nil {
		a.Logger.Error("Failed to load fund", zap.String("scheme", schemeCode), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load fund")
		return
	}
	if fund == nil {
		a.writeError(w, http.StatusNotFound, "unknown scheme")
		return
	}
	a.writeJSON(w, http.StatusOK, fund)
}

// HandleGetReturns returns the current returns snapshot for one scheme.
// GET /api/funds/{schemeCode}/returns
func (a *App) HandleGetReturns(w http.ResponseWriter, r *http.Request) {
	schemeCode := mux.Vars(r)["schemeCode"]

	snap, err := a.FundsDB.GetReturns(r.Context(), schemeCode)
	if err != nil {
		a.Logger.Error("Failed to load returns", zap.String("scheme", schemeCode), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load returns")
		return
	}
	if snap == nil {
		a.writeError(w, http.StatusNotFound, "no returns computed for scheme")
		return
	}
	a.writeJSON(w, http.StatusOK, snap)
}

// HandleNavAt returns the effective NAV on a date: the most recent quote on
// or before it, covering weekends and holidays.
// GET /api/funds/{schemeCode}/nav?on=YYYY-MM-DD (default today)
func (a *App) HandleNavAt(w http.ResponseWriter, r *http.Request) {
	schemeCode := mux.Vars(r)["schemeCode"]

	on := time.Now()
	if raw := r.URL.Query().Get("on"); raw != "" {
		parsed, err := time.Parse(models.DateOnly, raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q", raw))
			return
		}
		on = parsed
	}

	point, err := a.FundsDB.LatestBefore(r.Context(), schemeCode, on)
	if err != nil {
		a.Logger.Error("Failed to load NAV", zap.String("scheme", schemeCode), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load nav")
		return
	}
	if point == nil {
		a.writeError(w, http.StatusNotFound, "no quote on or before date")
		return
	}
	a.writeJSON(w, http.StatusOK, point)
}

// HandleNavHistory returns recent NAV points, newest first.
// GET /api/funds/{schemeCode}/history?limit=N (default 100, max 10000)
func (a *App) HandleNavHistory(w http.ResponseWriter, r *http.Request) {
	schemeCode := mux.Vars(r)["schemeCode"]

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = min(parsed, 10000)
	}

	points, err := a.FundsDB.RangeDescending(r.Context(), schemeCode, limit)
	if err != nil {
		a.Logger.Error("Failed to load history", zap.String("scheme", schemeCode), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheme_code": schemeCode,
		"points":      points,
		"count":       len(points),
	})
}

func (a *App) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (a *App) writeError(w http.ResponseWriter, statusCode int, message string) {
	a.writeJSON(w, statusCode, map[string]string{"error": message})
}
