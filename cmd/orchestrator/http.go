package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/config"
	"github.com/dante-gpu/experiment-orchestrator/internal/taskmanager"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// pinger is the store's liveness check.
type pinger interface {
	Ping(ctx context.Context) error
}

type hostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedPct    float64 `json:"mem_used_percent"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

type statusResponse struct {
	Queues []taskmanager.QueueSnapshot `json:"queues"`
	Host   hostStats                   `json:"host"`
}

func newRouter(cfg *config.Config, nc *nats.Conn, db pinger, manager *taskmanager.Manager, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get(cfg.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"nats": "ok", "database": "ok"}
		status := http.StatusOK

		if nc == nil || nc.Status() != nats.CONNECTED {
			checks["nats"] = "disconnected"
			status = http.StatusServiceUnavailable
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if status != http.StatusOK {
			logger.Warn("Health check failed", zap.Any("checks", checks))
		}
		writeJSON(w, status, checks, logger)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Queues: manager.Snapshot(), Host: collectHostStats(logger)}
		writeJSON(w, http.StatusOK, resp, logger)
	})

	return r
}

func collectHostStats(logger *zap.Logger) hostStats {
	var s hostStats
	if pct, err := cpu.Percent(0, false); err != nil {
		logger.Debug("Failed to read CPU usage", zap.Error(err))
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		logger.Debug("Failed to read memory usage", zap.Error(err))
	} else {
		s.MemUsedPct = vm.UsedPercent
		s.MemTotalBytes = vm.Total
	}
	if up, err := host.Uptime(); err == nil {
		s.UptimeSeconds = up
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
