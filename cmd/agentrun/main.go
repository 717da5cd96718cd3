// Command agentrun is the CLI entrypoint for the dispatch runtime: it
// loads the project-local agentrc.json and host-level settings.yaml,
// discovers plugin agents, and serves /dispatch, /healthz, /metrics.
//
// The command surface is grounded on the teacher's cmd/hector/main.go
// kong.CLI{Version, Serve, Info, Validate, Schema} shape, trimmed to this
// core's actual scope: no zero-config LLM provider flags, no RAG/studio
// flags, no config-builder UI — those belong to the teacher's broader
// product, not this dispatch core.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/relaycode/agentrun/pkg/config"
	"github.com/relaycode/agentrun/pkg/logger"
	"github.com/relaycode/agentrun/pkg/plugin"
)

const version = "0.1.0"

// CLI is the kong command tree.
type CLI struct {
	Workspace string `help:"Workspace root directory." default:"." type:"path"`
	LogLevel  string `help:"Log level: debug, info, warn, error." default:"info"`
	LogFormat string `help:"Log output format: simple or verbose." default:"simple" enum:"simple,verbose"`

	Serve    ServeCmd    `cmd:"" help:"Start the dispatch HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate agentrc.json, settings.yaml, and plugin definitions."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
	Doctor   DoctorCmd   `cmd:"" help:"Report on the runtime's configuration and environment."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println("agentrun " + version)
	return nil
}

// ServeCmd boots the full runtime and serves HTTP until interrupted.
type ServeCmd struct {
	Addr          string `help:"Listen address." default:":8080"`
	PluginsDir    string `help:"Directory scanned for plugin agent definitions." default:"plugins"`
	SettingsFile  string `help:"Path to settings.yaml." default:"settings.yaml"`
	ProjectFile   string `help:"Path to agentrc.json." default:"agentrc.json"`
	Tracing       bool   `help:"Enable stdout span export."`
	DefaultModel  string `help:"Model name used by the echo provider." default:"default-model"`
	Language      string `help:"Language hint substituted into plugin prompts." default:"en"`
	Watch         bool   `help:"Hot-reload plugin definitions on change." default:"true"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	rt, err := bootstrap(cli, c)
	if err != nil {
		return err
	}
	defer rt.shutdown(context.Background())

	if c.Watch {
		go func() {
			if err := rt.pluginLoader.Watch(); err != nil {
				rt.log.Error("plugin watcher exited", "error", err)
			}
		}()
	}

	httpServer := &http.Server{Addr: c.Addr, Handler: rt.httpServer}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info("listening", "addr", c.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		rt.log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.pluginLoader.Stop()
	return httpServer.Shutdown(shutdownCtx)
}

// ValidateCmd checks agentrc.json, settings.yaml, and every plugin
// definition under PluginsDir without starting a server.
type ValidateCmd struct {
	PluginsDir  string `help:"Directory scanned for plugin agent definitions." default:"plugins"`
	ProjectFile string `help:"Path to agentrc.json." default:"agentrc.json"`
	SettingsFile string `help:"Path to settings.yaml." default:"settings.yaml"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	failed := false

	if fileExists(filepath.Join(cli.Workspace, c.ProjectFile)) {
		if _, err := config.LoadProjectConfig(filepath.Join(cli.Workspace, c.ProjectFile)); err != nil {
			fmt.Printf("agentrc.json: %v\n", err)
			failed = true
		} else {
			fmt.Println("agentrc.json: ok")
		}
	} else {
		fmt.Println("agentrc.json: not present, skipping")
	}

	if _, err := config.LoadSettings(filepath.Join(cli.Workspace, c.SettingsFile)); err != nil {
		fmt.Printf("settings.yaml: %v\n", err)
		failed = true
	} else {
		fmt.Println("settings.yaml: ok")
	}

	pluginsDir := filepath.Join(cli.Workspace, c.PluginsDir)
	entries, _ := filepath.Glob(filepath.Join(pluginsDir, "*.json"))
	for _, path := range entries {
		if _, err := plugin.LoadFile(path); err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}

	if failed {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// DoctorCmd reports on the resolved configuration without validating
// plugin bodies, useful for confirming what a serve run will pick up.
type DoctorCmd struct {
	PluginsDir  string `help:"Directory scanned for plugin agent definitions." default:"plugins"`
	SettingsFile string `help:"Path to settings.yaml." default:"settings.yaml"`
}

func (c *DoctorCmd) Run(cli *CLI) error {
	fmt.Printf("workspace: %s\n", cli.Workspace)

	settings, err := config.LoadSettings(filepath.Join(cli.Workspace, c.SettingsFile))
	if err != nil {
		return err
	}
	fmt.Printf("settings: rateLimitPerMinute=%d cache.enabled=%v cache.maxEntries=%d autonomous.maxSteps=%d\n",
		settings.RateLimitPerMinute, settings.Cache.Enabled, settings.Cache.MaxEntries, settings.Autonomous.MaxSteps)

	pluginsDir := filepath.Join(cli.Workspace, c.PluginsDir)
	entries, _ := filepath.Glob(filepath.Join(pluginsDir, "*.json"))
	fmt.Printf("plugins directory: %s (%d definitions found)\n", pluginsDir, len(entries))
	for _, path := range entries {
		def, err := plugin.LoadFile(path)
		if err != nil {
			fmt.Printf("  %s: INVALID: %v\n", path, err)
			continue
		}
		fmt.Printf("  %s: %s (autonomous=%v)\n", def.ID, def.Description, def.Autonomous)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func main() {
	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("agentrun"),
		kong.Description("Multi-agent request-dispatch runtime."),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	parser.FatalIfErrorf(err)
	logger.Init(level, os.Stdout, cli.LogFormat)

	err = parser.Run(&cli)
	parser.FatalIfErrorf(err)
}
