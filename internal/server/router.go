package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/notify"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/scheduler"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/storage"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// Scheduler is the slice of the task scheduler the admin API reads.
type Scheduler interface {
	Status() scheduler.Snapshot
	ListTasks() []scheduler.TaskInfo
	GetTaskInfo(id int64) (scheduler.TaskInfo, bool)
	RemoveTask(id int64) bool
}

// Notifier reports alert delivery counters.
type Notifier interface {
	Stats() notify.Stats
}

// Deps wires the subsystems the handlers read. Store and Notifier are nil
// when the matching subsystem is disabled; handlers degrade instead of
// failing.
type Deps struct {
	Scheduler Scheduler
	Notifier  Notifier
	Store     storage.Store
}

const (
	maxResultsLimit = 500
	pingTimeout     = 2 * time.Second
)

type handlers struct {
	deps Deps
	log  logx.Logger
}

func newRouter(deps Deps, reg *prometheus.Registry, log logx.Logger, pprofOn bool, token string) *chi.Mux {
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(requestLogger(log))
	if token != "" {
		r.Use(bearerAuth(token))
	}

	r.Get("/healthz", h.healthz)
	r.Get("/api/v1/status", h.status)
	r.Get("/api/v1/tasks", h.listTasks)
	r.Get("/api/v1/tasks/{id}", h.getTask)
	r.Delete("/api/v1/tasks/{id}", h.deleteTask)
	r.Get("/api/v1/results", h.results)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if pprofOn {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Scheduler string `json:"scheduler"`
	Storage   string `json:"storage,omitempty"`
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Scheduler: h.deps.Scheduler.Status().State}
	code := http.StatusOK
	if resp.Scheduler != "running" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.deps.Store.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Storage = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.Storage = "ok"
		}
	}
	writeJSON(w, code, resp)
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Alerts    *notify.Stats      `json:"alerts,omitempty"`
	Storage   storageStatus      `json:"storage"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Scheduler: h.deps.Scheduler.Status()}
	if h.deps.Notifier != nil {
		st := h.deps.Notifier.Stats()
		resp.Alerts = &st
	}
	if h.deps.Store != nil {
		resp.Storage.Enabled = true
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.deps.Store.Ping(ctx); err != nil {
			resp.Storage.Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.deps.Scheduler.ListTasks()
	if tasks == nil {
		tasks = []scheduler.TaskInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad task id")
		return
	}
	info, ok := h.deps.Scheduler.GetTaskInfo(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad task id")
		return
	}
	if !h.deps.Scheduler.RemoveTask(id) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.log.Info("task removed via api", logx.Int64("task_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (h *handlers) results(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		if n > maxResultsLimit {
			n = maxResultsLimit
		}
		limit = n
	}
	rows, err := h.deps.Store.RecentResults(r.Context(), r.URL.Query().Get("url"), limit)
	if err != nil {
		h.log.Warn("results query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []storage.CheckRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": rows, "count": len(rows)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
