// Package monitor serves the diagnostics HTTP endpoints: the statistics
// tree, aggregate health, and Prometheus metrics. It resolves the
// statistics storage module and, when present, the health monitor wired in
// through the run's dependencies.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	rerrors "github.com/c360/runway/errors"
	"github.com/c360/runway/health"
	"github.com/c360/runway/module"
	"github.com/c360/runway/modules/statstorage"
	"github.com/c360/runway/statistics"
)

// DefaultName is the conventional module name for the monitor
const DefaultName = "monitor"

// Config is the monitor module's static configuration
type Config struct {
	Addr            string `json:"addr"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

// Module runs the diagnostics HTTP server
type Module struct {
	server          *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// HealthSource lets the process entry point inject the health monitor the
// manager reports into.
type HealthSource interface {
	AggregateHealth(systemName string) health.Status
}

// NewFactory returns the monitor factory. The health source may be nil;
// /healthz then reports healthy unconditionally.
func NewFactory(healthSrc HealthSource) module.Factory {
	return func(cfg json.RawMessage, rctx module.Context) (module.Module, error) {
		var c Config
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &c); err != nil {
				return nil, rerrors.WrapInvalid(err, "monitor", "NewFactory", "config parse")
			}
		}
		if c.Addr == "" {
			c.Addr = ":8085"
		}
		shutdownTimeout := 5 * time.Second
		if c.ShutdownTimeout != "" {
			d, err := time.ParseDuration(c.ShutdownTimeout)
			if err != nil {
				return nil, rerrors.WrapInvalid(err, "monitor", "NewFactory", "shutdown timeout parse")
			}
			shutdownTimeout = d
		}

		deps := rctx.Deps()
		logger := deps.GetLoggerWithModule(rctx.ModuleName())

		stats, err := module.ResolveAs[*statstorage.Module](rctx, statstorage.DefaultName)
		if err != nil {
			return nil, err
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/service/monitor", statsHandler(stats.Storage()))
		mux.HandleFunc("/healthz", healthHandler(healthSrc, deps.Meta.Service))
		if deps.Metrics != nil {
			mux.Handle("/metrics", deps.Metrics.Handler())
		}

		m := &Module{
			server: &http.Server{
				Addr:              c.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			},
			logger:          logger,
			shutdownTimeout: shutdownTimeout,
		}

		go func() {
			if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitor server stopped", "error", err)
			}
		}()

		logger.Info("monitor listening", "addr", c.Addr)
		return m, nil
	}
}

// statsHandler serves the statistics tree. The "prefix" query parameter
// scopes the collection; "format=prometheus" switches from JSON to the
// text exposition format.
func statsHandler(storage *statistics.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req := statistics.Request{Prefix: r.URL.Query().Get("prefix")}
		tree := storage.Collect(req)

		switch r.URL.Query().Get("format") {
		case "", "internal", "json":
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(tree); err != nil {
				http.Error(w, fmt.Sprintf("encode failed: %v", err), http.StatusInternalServerError)
			}
		case "prometheus":
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			fmt.Fprint(w, statistics.ToPrometheusFormat(tree))
		default:
			http.Error(w, "unknown format", http.StatusBadRequest)
		}
	}
}

func healthHandler(src HealthSource, service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var status health.Status
		if src != nil {
			status = src.AggregateHealth(service)
		} else {
			status = health.NewHealthy(service, "no health monitor configured")
		}

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}

// Destroy gracefully shuts the server down
func (m *Module) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.server.Close()
		return rerrors.Wrap(err, "monitor", "Destroy", "server shutdown")
	}
	return nil
}
