// Package build runs the image build pipeline on a dedicated worker and
// exposes the single-step operations used outside a full build.
package build

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/acquire"
	"github.com/cochaviz/peforge/internal/artifacts"
	"github.com/cochaviz/peforge/internal/bootassets"
	"github.com/cochaviz/peforge/internal/components"
	"github.com/cochaviz/peforge/internal/config"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/media"
	"github.com/cochaviz/peforge/internal/metrics"
	"github.com/cochaviz/peforge/internal/mount"
	"github.com/cochaviz/peforge/internal/privilege"
	"github.com/cochaviz/peforge/internal/workspace"
)

// TracerName identifies the spans emitted by builds.
const TracerName = "peforge/build"

// Service wires the pipeline components. Optional fields fall back to
// defaults; Servicer is required.
type Service struct {
	Logger      *slog.Logger
	Preflight   Preflight
	Kit         Kit
	Servicer    Servicer
	Provisioner acquire.Provisioner
	Authoring   media.Authoring
	Mastering   media.Mastering
	BCD         bootassets.BCDWriter
	// Manifest defaults to the built-in boot asset manifest.
	Manifest      bootassets.Manifest
	ArtifactStore artifacts.ArtifactStore
	Privilege     privilege.Checker
	// Ladder replaces the default unmount recovery ladder.
	Ladder   *mount.Ladder
	Registry *mount.Registry
	Metrics  metrics.Recorder
	Tracer   trace.Tracer
	// MinMediaSize overrides the smallest accepted ISO.
	MinMediaSize int64
}

// Start validates cfg and runs the build on its own goroutine. Cancelling ctx
// has the same effect as Handle.Stop: tool calls already running are not killed.
func (s *Service) Start(ctx context.Context, cfg config.Build) (*Handle, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.Servicer == nil {
		return nil, fault.New(fault.Configuration, "build.start", "no image servicer configured")
	}

	h := newHandle(uuid.NewString(), cfg.Workspace, cfg.EventBuffer)
	go func() {
		select {
		case <-ctx.Done():
			h.Stop()
		case <-h.done:
		}
	}()
	go s.run(context.WithoutCancel(ctx), h, cfg)
	return h, nil
}

// Mount mounts the workspace's working image.
func (s *Service) Mount(ctx context.Context, root string, index int) (*mount.Handle, error) {
	session, err := workspace.Open(root, s.Logger)
	if err != nil {
		return nil, err
	}
	return s.controller(s.logger(), nil).Mount(ctx, session.WorkingImage(), index, session.MountDir())
}

// Unmount detaches the workspace's mount, committing or discarding edits. A
// mount left by an earlier process is recognized from its directory.
func (s *Service) Unmount(ctx context.Context, root string, commit bool) (mount.Outcome, error) {
	session, err := workspace.Open(root, s.Logger)
	if err != nil {
		return mount.Outcome{}, err
	}
	registry := s.registry()
	h := registry.Lookup(session.WorkingImage())
	c := s.controller(s.logger(), nil)
	if h == nil {
		h = c.Attach(session.WorkingImage(), 1, session.MountDir())
	}
	outcome, err := c.Unmount(ctx, h, commit)
	s.recordRemediation(outcome)
	return outcome, err
}

// MediaRequest describes a standalone media creation.
type MediaRequest struct {
	Workspace string
	Output    string
	Mode      media.Mode
	Strategy  media.Strategy
	Label     string
}

// CreateMedia authors media from an existing workspace. The working image must
// not be mounted.
func (s *Service) CreateMedia(ctx context.Context, req MediaRequest) (media.Result, error) {
	session, err := workspace.Open(req.Workspace, s.Logger)
	if err != nil {
		return media.Result{}, err
	}
	logger := s.logger()
	handle := s.registry().Lookup(session.WorkingImage())
	return s.assembler(session.Arch, logger).Create(ctx, media.Request{
		ImageDir: session.ImageDir(),
		Output:   req.Output,
		Mode:     req.Mode,
		Strategy: req.Strategy,
		Label:    mediaLabel(req.Label, session.Arch),
		Handle:   handle,
		MountDir: session.MountDir(),
		Metadata: map[string]any{"session": session.ID},
	})
}

// VerifyAssets checks a workspace's media tree without modifying it.
func (s *Service) VerifyAssets(root string) (bootassets.Report, error) {
	session, err := workspace.Open(root, s.Logger)
	if err != nil {
		return bootassets.Report{}, err
	}
	return s.resolver(session.Arch, s.logger()).Verify(session.ImageDir()), nil
}

func (s *Service) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "build")
}

func (s *Service) metrics() metrics.Recorder {
	return metrics.Ensure(s.Metrics)
}

func (s *Service) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer(TracerName)
}

func (s *Service) registry() *mount.Registry {
	if s.Registry != nil {
		return s.Registry
	}
	return mount.DefaultRegistry
}

func (s *Service) manifest() bootassets.Manifest {
	if len(s.Manifest.Entries) > 0 {
		return s.Manifest
	}
	return bootassets.DefaultManifest()
}

func (s *Service) environment(a arch.Architecture) bootassets.Environment {
	env := bootassets.Environment{Arch: a}
	if s.Kit == nil {
		return env
	}
	env.WinPERoot = s.Kit.WinPERoot()
	env.DeploymentRoot = s.Kit.DeploymentToolsRoot()
	env.SystemRoot = s.Kit.SystemRoot()
	if env.SystemRoot != "" {
		env.SystemDrive = filepath.VolumeName(env.SystemRoot)
	}
	return env
}

func (s *Service) resolver(a arch.Architecture, logger *slog.Logger) *bootassets.Resolver {
	return &bootassets.Resolver{
		Manifest: s.manifest(),
		Env:      s.environment(a),
		BCD:      s.BCD,
		Logger:   logger,
	}
}

func (s *Service) controller(logger *slog.Logger, stop func() bool) *mount.Controller {
	c := &mount.Controller{
		Servicer:  s.Servicer,
		Privilege: s.Privilege,
		Ladder:    s.Ladder,
		Registry:  s.registry(),
		Stop:      stop,
		Logger:    logger,
	}
	if c.Ladder == nil {
		c.Ladder = mount.DefaultLadder(s.Servicer, mount.NewProcessTerminator(logger))
	}
	return c
}

func (s *Service) acquirer(strategy acquire.Strategy, a arch.Architecture, logger *slog.Logger) *acquire.Acquirer {
	acq := &acquire.Acquirer{
		Preferred:   strategy,
		Provisioner: s.Provisioner,
		Resolver:    s.resolver(a, logger),
		Logger:      logger,
	}
	if s.Kit != nil {
		acq.WinPERoot = s.Kit.WinPERoot()
	}
	return acq
}

func (s *Service) installer(a arch.Architecture, logger *slog.Logger) *components.Installer {
	inst := &components.Installer{Servicer: s.Servicer, Logger: logger}
	if s.Kit != nil {
		for _, kit := range s.Kit.KitRoots() {
			inst.PackageRoots = append(inst.PackageRoots, components.PackageRoots(filepath.Dir(kit), "", a.String())...)
		}
		inst.PackageRoots = append(inst.PackageRoots, components.PackageRoots("", s.Kit.WinPERoot(), a.String())...)
	}
	return inst
}

func (s *Service) assembler(a arch.Architecture, logger *slog.Logger) *media.Assembler {
	return &media.Assembler{
		Authoring: s.Authoring,
		Mastering: s.Mastering,
		Assets:    s.resolver(a, logger),
		Store:     s.ArtifactStore,
		MinSize:   s.MinMediaSize,
		Logger:    logger,
	}
}

func (s *Service) recordRemediation(outcome mount.Outcome) {
	if outcome.Remediation != "" && outcome.Remediation != mount.RemediationNone {
		s.metrics().IncRemediation(outcome.Remediation.String())
	}
}

func mediaLabel(label string, a arch.Architecture) string {
	if label != "" {
		return label
	}
	return fsutil.VolumeLabel("peforge", a.String())
}
