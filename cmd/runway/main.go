// Command runway boots a configured module set, serves diagnostics while
// it runs, and tears the set down on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c360/runway/config"
	"github.com/c360/runway/health"
	"github.com/c360/runway/manager"
	"github.com/c360/runway/metric"
	"github.com/c360/runway/module"
	dynconfmod "github.com/c360/runway/modules/dynconf"
	"github.com/c360/runway/modules/monitor"
	"github.com/c360/runway/modules/pubsub"
	"github.com/c360/runway/modules/statstorage"
	"github.com/c360/runway/statistics"
)

const appName = "runway"

// Build information, set via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s (built %s)\n", appName, Version, BuildTime)
		return 0
	}
	if err := validateFlags(cliCfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// CLI flags win over config file values.
	if cliCfg.LogLevel != "" {
		cfg.Service.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Service.LogFormat = cliCfg.LogFormat
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.Service.ShutdownTimeout.Duration = cliCfg.ShutdownTimeout
	}

	if cliCfg.Validate {
		fmt.Println("configuration is valid")
		return 0
	}

	logger := setupLogger(cfg.Service.Name, cfg.Service.LogLevel, cfg.Service.LogFormat)
	slog.SetDefault(logger)

	storage := statistics.NewStorage()
	metrics := metric.NewRegistry()
	healthMon := health.NewMonitor()

	mgr := manager.New(
		manager.WithLogger(logger),
		manager.WithMetrics(metrics),
		manager.WithHealth(healthMon),
		manager.WithServiceName(cfg.Service.Name),
	)

	// The manager's own extender goes in before any module boots so the
	// statistics tree covers the boot itself.
	managerStats, err := storage.RegisterExtender("manager", mgr.StatisticsExtender())
	if err != nil {
		logger.Error("manager statistics registration failed", "error", err)
		return 1
	}
	defer managerStats.Unregister()

	registry := builtinRegistry(storage, healthMon)

	specs, err := buildSpecs(cfg, registry)
	if err != nil {
		logger.Error("module spec construction failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx, specs); err != nil {
		logger.Error("startup failed", "error", err)
		_ = mgr.Stop(cfg.Service.ShutdownTimeout.Duration)
		return 1
	}

	logger.Info("service running", "run_id", mgr.RunID())
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := mgr.Stop(cfg.Service.ShutdownTimeout.Duration); err != nil {
		logger.Error("shutdown completed with errors", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// builtinRegistry registers the factories shipped with the runtime
func builtinRegistry(storage *statistics.Storage, healthMon *health.Monitor) *module.Registry {
	reg := module.NewRegistry()

	mustRegister(reg, &module.Registration{
		Name:        statstorage.DefaultName,
		Description: "pull-model statistics storage",
		Version:     Version,
		Factory:     statstorage.NewFactory(storage),
	})
	mustRegister(reg, &module.Registration{
		Name:        pubsub.DefaultName,
		Description: "shared NATS connection",
		Version:     Version,
		Factory:     pubsub.Factory,
	})
	mustRegister(reg, &module.Registration{
		Name:        dynconfmod.DefaultName,
		Description: "dynamic config snapshots from JetStream KV",
		Version:     Version,
		Factory:     dynconfmod.Factory,
	})
	mustRegister(reg, &module.Registration{
		Name:        monitor.DefaultName,
		Description: "diagnostics HTTP endpoints",
		Version:     Version,
		Factory:     monitor.NewFactory(healthMon),
	})

	return reg
}

func mustRegister(reg *module.Registry, r *module.Registration) {
	if err := reg.Register(r); err != nil {
		panic(err)
	}
}

// buildSpecs turns the enabled module config entries into manager specs.
// Connection details from the top-level config sections are folded into
// module payloads that leave them unset.
func buildSpecs(cfg *config.Config, registry *module.Registry) ([]manager.ModuleSpec, error) {
	var specs []manager.ModuleSpec
	for _, name := range cfg.EnabledModules() {
		mc := cfg.Modules[name]

		reg, ok := registry.Lookup(mc.Factory)
		if !ok {
			return nil, fmt.Errorf("module %q references unknown factory %q", name, mc.Factory)
		}

		payload := mc.Config
		if len(payload) == 0 {
			var err error
			payload, err = defaultPayload(cfg, mc.Factory)
			if err != nil {
				return nil, err
			}
		}

		specs = append(specs, manager.ModuleSpec{
			Name:    name,
			Factory: reg.Factory,
			Config:  payload,
		})
	}
	return specs, nil
}

func defaultPayload(cfg *config.Config, factoryName string) (json.RawMessage, error) {
	switch factoryName {
	case pubsub.DefaultName:
		return json.Marshal(pubsub.Config{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			Token:         cfg.NATS.Token,
		})
	case monitor.DefaultName:
		return json.Marshal(monitor.Config{Addr: cfg.Monitor.Addr})
	default:
		return nil, nil
	}
}
