package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/cache"
	"github.com/relaycode/agentrun/pkg/checkpoint"
	"github.com/relaycode/agentrun/pkg/config"
	"github.com/relaycode/agentrun/pkg/dispatcher"
	"github.com/relaycode/agentrun/pkg/kvstore"
	"github.com/relaycode/agentrun/pkg/memory"
	"github.com/relaycode/agentrun/pkg/middleware"
	"github.com/relaycode/agentrun/pkg/model"
	"github.com/relaycode/agentrun/pkg/observability"
	"github.com/relaycode/agentrun/pkg/plugin"
	"github.com/relaycode/agentrun/pkg/server"
	"github.com/relaycode/agentrun/pkg/workflow"
)

// runtime bundles everything bootstrap assembles, so ServeCmd can start it
// and shut it down cleanly.
type runtime struct {
	log          *slog.Logger
	dispatcher   *dispatcher.Dispatcher
	pluginLoader *plugin.Loader
	tracer       *observability.Tracer
	httpServer   http.Handler
}

func (r *runtime) shutdown(ctx context.Context) {
	if r.tracer != nil {
		_ = r.tracer.Shutdown(ctx)
	}
}

// bootstrap wires the kv store, agent registry, middleware pipeline,
// response cache, memory store, checkpoint store, workflow engine, and
// plugin loader into a Dispatcher, then wraps it in an HTTP server. This
// is the same collaborator graph the teacher's cmd/hector ServeCmd.Run
// assembles (storage, executors, server), condensed to this core's scope.
func bootstrap(cli *CLI, c *ServeCmd) (*runtime, error) {
	log := slog.Default()

	settings, err := config.LoadSettings(filepath.Join(cli.Workspace, c.SettingsFile))
	if err != nil {
		return nil, err
	}

	kvPath := filepath.Join(cli.Workspace, ".agentrun-state.json")
	kv, err := kvstore.NewFileStore(kvPath)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry()

	respCache, err := cache.New(kv, settings.Cache.MaxEntries, msDuration(settings.Cache.TTLMs))
	if err != nil {
		return nil, err
	}

	memStore, err := memory.New(kv, uuid.NewString)
	if err != nil {
		return nil, err
	}

	checkpoints := checkpoint.New(20)

	provider := model.NewEchoProvider(c.DefaultModel)
	selector := model.NewSelector(c.DefaultModel)

	pipeline := middleware.New()
	pipeline.Register(middleware.NewRateLimiter(settings.RateLimitPerMinute).Middleware())
	pipeline.Register(middleware.NewTiming().Middleware())
	pipeline.Register(middleware.NewUsageTracker().Middleware())

	tracer, err := observability.NewTracer(context.Background(), observability.Config{
		Enabled:     c.Tracing,
		ServiceName: "agentrun",
		Writer:      os.Stdout,
	})
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics("agentrun")
	pipeline.Register(middleware.NewTracing(tracer).Middleware())
	pipeline.Register(middleware.NewMetrics(metrics).Middleware())

	d := dispatcher.New(registry, pipeline, respCache, memStore, checkpoints, kv, provider, selector)
	d.ApplySettings(settings)

	engine := workflow.New(d)
	d.SetWorkflows(engine)

	projectPath := filepath.Join(cli.Workspace, c.ProjectFile)
	if fileExists(projectPath) {
		pc, err := config.LoadProjectConfig(projectPath)
		if err != nil {
			return nil, err
		}
		d.ApplyProjectConfig(pc)
	}

	pluginsDir := filepath.Join(cli.Workspace, c.PluginsDir)
	loader := plugin.NewLoader(pluginsDir, registry, provider, selector, cli.Workspace, c.Language)
	if fileExists(pluginsDir) {
		if err := loader.LoadAll(); err != nil {
			log.Warn("plugin: initial scan failed", "error", err)
		}
	}

	httpSrv := server.New(d, tracer, metrics)

	return &runtime{
		log:          log,
		dispatcher:   d,
		pluginLoader: loader,
		tracer:       tracer,
		httpServer:   httpSrv,
	}, nil
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
