package app

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Scheduler     schedulerHealth `json:"scheduler"`
	Feeds         feedsHealth     `json:"feeds"`
}

type schedulerHealth struct {
	Running       bool `json:"running"`
	JobsScheduled int  `json:"jobs_scheduled"`
}

type feedsHealth struct {
	Total int `json:"total"`
}

type readyResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (a *App) httpHandler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/health", gzhttp.GzipHandler(http.HandlerFunc(a.healthHandler))).Methods(http.MethodGet)
	router.Handle("/health/feeds", gzhttp.GzipHandler(http.HandlerFunc(a.feedsHandler))).Methods(http.MethodGet)
	router.Handle("/ready", gzhttp.GzipHandler(http.HandlerFunc(a.readyHandler))).Methods(http.MethodGet)
	// promhttp negotiates its own compression
	router.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

// healthHandler is the liveness probe: the process is up and serving.
func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	running, jobs := a.archiver.SchedulerStatus()
	uptime := time.Since(a.started).Seconds()

	a.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		UptimeSeconds: math.Round(uptime*100) / 100,
		Scheduler: schedulerHealth{
			Running:       running,
			JobsScheduled: jobs,
		},
		Feeds: feedsHealth{Total: len(a.feeds)},
	})
}

// readyHandler is the readiness probe: 200 only while the scheduler ticks.
func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if running, _ := a.archiver.SchedulerStatus(); !running {
		a.writeJSON(w, http.StatusServiceUnavailable, readyResponse{
			Status: "not_ready",
			Reason: "scheduler_not_running",
		})
		return
	}
	a.writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
}

// feedsHandler reports per-feed freshness for operators and alerts.
func (a *App) feedsHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.archiver.FeedStatuses())
}

func (a *App) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		level.Error(a.logger).Log("msg", "error writing response", "err", err)
	}
}
