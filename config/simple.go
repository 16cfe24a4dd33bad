package simple

import (
	"log/slog"
	"os"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/adk"
	"github.com/cochaviz/peforge/internal/artifacts"
	"github.com/cochaviz/peforge/internal/build"
	"github.com/cochaviz/peforge/internal/config"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/metrics"
	"github.com/cochaviz/peforge/internal/process"
	"github.com/cochaviz/peforge/internal/setup"
	"github.com/cochaviz/peforge/internal/tools"
)

// Options selects the tool environment for one invocation.
type Options struct {
	Arch arch.Architecture
	// EnvFile defaults to setup.DefaultEnvFile.
	EnvFile string
	// ADKRoot takes precedence over PEFORGE_ADK_ROOT.
	ADKRoot string
	Logger  *slog.Logger
	// Registry receives the build metrics; nil creates one.
	Registry *prom.Registry
}

// Environment is the wired set of services behind the CLI.
type Environment struct {
	Locator  *tools.Locator
	Service  *build.Service
	Registry *prom.Registry
	// Paths holds the tools that were found; missing ones are reported by preflight.
	Paths map[tools.Tool]string

	target    arch.Architecture
	runner    process.Runner
	logger    *slog.Logger
	dism      *adk.DISM
	copype    *adk.CopyPE
	authoring *adk.MakeWinPEMedia
	mastering *adk.Oscdimg
}

// NewEnvironment locates the deployment kit and wires a build service for opts.Arch.
func NewEnvironment(opts Options) (*Environment, error) {
	logger := logging.Ensure(opts.Logger).With("component", "config.simple")

	a := opts.Arch
	if a == "" {
		a = arch.AMD64
	}
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = setup.DefaultEnvFile()
	}

	locator := tools.NewLocator(envFile, opts.Logger)
	if opts.ADKRoot != "" {
		root := opts.ADKRoot
		locator.Getenv = func(key string) string {
			if key == "PEFORGE_ADK_ROOT" {
				return root
			}
			return os.Getenv(key)
		}
	}
	if err := locator.Reload(); err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		registry = prom.NewRegistry()
	}
	recorder := metrics.NewPrometheusRecorder(registry)

	runner := process.NewExecRunner(opts.Logger)
	runner.Observer = recorder

	env := &Environment{
		Locator:   locator,
		Registry:  registry,
		target:    a,
		runner:    runner,
		logger:    logger,
		dism:      &adk.DISM{Runner: runner},
		copype:    &adk.CopyPE{Runner: runner},
		authoring: &adk.MakeWinPEMedia{Runner: runner},
		mastering: &adk.Oscdimg{Runner: runner},
	}
	env.Service = &build.Service{
		Logger:        opts.Logger,
		Preflight:     &setup.Preflight{Finder: locator},
		Kit:           locator,
		Servicer:      env.dism,
		Provisioner:   env.copype,
		Authoring:     env.authoring,
		Mastering:     env.mastering,
		ArtifactStore: &artifacts.SidecarStore{},
		Metrics:       recorder,
	}
	env.resolve()

	logger.Debug("environment ready", "arch", a.String(), "env_file", envFile, "tools", len(env.Paths))
	return env, nil
}

// Reload re-reads the tool environment and re-resolves every tool path, so a
// kit installed or saved after the environment was built is picked up. It must
// not run while a build started from this environment is in progress.
func (e *Environment) Reload() error {
	if err := e.Locator.Reload(); err != nil {
		return err
	}
	e.resolve()
	return nil
}

func (e *Environment) resolve() {
	paths := make(map[tools.Tool]string)
	pathOf := func(tool tools.Tool) string {
		path, err := e.Locator.Find(tool, e.target)
		if err != nil {
			e.logger.Debug("tool not located", "tool", tool.String(), "error", err)
			return tool.String()
		}
		paths[tool] = path
		return path
	}

	toolEnv := e.Locator.ToolEnv(e.target)
	e.dism.Path = pathOf(tools.DISM)
	e.copype.Path, e.copype.Env = pathOf(tools.CopyPE), toolEnv
	e.authoring.Path, e.authoring.Env = pathOf(tools.MakeWinPEMedia), toolEnv
	e.mastering.Path = pathOf(tools.Oscdimg)

	// Without bcdedit the resolver writes a placeholder store.
	e.Service.BCD = nil
	if path, err := e.Locator.Find(tools.BCDEdit, e.target); err == nil {
		paths[tools.BCDEdit] = path
		e.Service.BCD = &adk.BCDEdit{Path: path, Runner: e.runner}
	}
	e.Paths = paths
}

// NewBuildEnvironment wires an environment for the architecture and tool
// overrides of cfg.
func NewBuildEnvironment(cfg config.Build, logger *slog.Logger) (*Environment, error) {
	return NewEnvironment(Options{
		Arch:    cfg.Architecture,
		EnvFile: cfg.Tools.EnvFile,
		ADKRoot: cfg.Tools.ADKRoot,
		Logger:  logger,
	})
}

// WriteMetrics dumps the environment's registry to path when path is set.
func (e *Environment) WriteMetrics(path string) error {
	if path == "" {
		return nil
	}
	return metrics.WriteTextfile(e.Registry, path)
}

// ProfileInfo summarizes a component profile for listing.
type ProfileInfo struct {
	ID          string
	Description string
	Packages    int
	Supported   bool
}

// Profiles lists the embedded component profiles and whether each supports a.
func Profiles(a arch.Architecture) []ProfileInfo {
	all := config.NewEmbeddedProfileRepository().ListAll()
	infos := make([]ProfileInfo, len(all))
	for i, p := range all {
		infos[i] = ProfileInfo{
			ID:          p.ID,
			Description: p.Description,
			Packages:    len(p.Packages),
			Supported:   a == "" || p.Supports(a),
		}
	}
	return infos
}
