package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cochaviz/peforge/internal/acquire"
	"github.com/cochaviz/peforge/internal/components"
	"github.com/cochaviz/peforge/internal/config"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/media"
	"github.com/cochaviz/peforge/internal/metrics"
	"github.com/cochaviz/peforge/internal/mount"
	"github.com/cochaviz/peforge/internal/setup"
	"github.com/cochaviz/peforge/internal/workspace"
)

// pipeline is the state of one build run. It is only touched by the worker.
type pipeline struct {
	s       *Service
	h       *Handle
	cfg     config.Build
	logger  *slog.Logger
	metrics metrics.Recorder
	tracer  trace.Tracer

	session    *workspace.Session
	controller *mount.Controller
	mounted    *mount.Handle
	warned     bool
}

type step struct {
	phase Phase
	run   func(ctx context.Context) error
}

func (s *Service) run(ctx context.Context, h *Handle, cfg config.Build) {
	started := time.Now()
	h.update(func(r *Report) {
		r.Status = StatusRunning
		r.StartedAt = started
	})

	base := logging.Ensure(s.Logger)
	logger := slog.New(logging.Tee(base.Handler(), logging.NewEventHandler(slog.LevelInfo, h.publishLog))).
		With("component", "build", "build", h.ID)

	p := &pipeline{
		s:       s,
		h:       h,
		cfg:     cfg,
		logger:  logger,
		metrics: s.metrics(),
		tracer:  s.tracer(),
	}
	p.controller = s.controller(logger, h.Stopped)

	ctx, span := p.tracer.Start(ctx, "build", trace.WithAttributes(
		attribute.String("build.id", h.ID),
		attribute.String("build.arch", cfg.Architecture.String()),
		attribute.String("build.workspace", cfg.Workspace),
	))
	logger.Info("starting build", "workspace", cfg.Workspace, "arch", cfg.Architecture, "strategy", string(cfg.Strategy))

	err := p.execute(ctx)

	status, outcome := StatusSucceeded, metrics.ResultSuccess
	switch {
	case err != nil && fault.Is(err, fault.Cancelled):
		status, outcome = StatusCancelled, metrics.ResultCanceled
	case err != nil:
		status, outcome = StatusFailed, metrics.ResultFatal
	case p.warned:
		outcome = metrics.ResultWarning
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("build failed", "status", string(status), "kind", string(fault.KindOf(err)), "error", err)
	} else {
		logger.Info("build finished", "duration", time.Since(started).Round(time.Millisecond).String())
	}
	span.End()

	p.metrics.ObserveBuildDuration(time.Since(started))
	p.metrics.IncBuildOutcome(outcome)
	h.progress(h.Snapshot().Phase, 100, string(status))
	h.finish(status, err)
}

func (p *pipeline) steps() []step {
	return []step{
		{PhasePreflight, p.preflight},
		{PhaseWorkspace, p.workspace},
		{PhaseAcquire, p.acquire},
		{PhaseBootAssets, p.bootAssets},
		{PhaseMount, p.mount},
		{PhaseComponents, p.components},
		{PhaseSettings, p.settings},
		{PhaseFiles, p.files},
		{PhaseUnmount, p.unmount},
		{PhaseMedia, p.media},
	}
}

// execute runs every phase in order. A failure while the image is mounted
// discards the mount, except after a timeout, where the mount is left for
// manual cleanup.
func (p *pipeline) execute(ctx context.Context) (err error) {
	defer func() {
		if err == nil || p.mounted == nil || p.mounted.State() != mount.Mounted {
			return
		}
		if fault.Is(err, fault.ProcessTimeout) {
			p.warn("image left mounted at %s after a timeout; unmount it with discard before rebuilding", p.mounted.MountDir)
			return
		}
		p.logger.Warn("discarding mounted image after failure", "mount_dir", p.mounted.MountDir)
		outcome, unmountErr := p.controller.Unmount(ctx, p.mounted, false)
		p.s.recordRemediation(outcome)
		if unmountErr != nil && !fault.Is(unmountErr, fault.Cancelled) {
			err = errors.Join(err, fmt.Errorf("discard mount: %w", unmountErr))
		}
	}()

	steps := p.steps()
	for i, st := range steps {
		if err := p.phase(ctx, i, len(steps), st); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) phase(ctx context.Context, index, total int, st step) error {
	if p.h.Stopped() {
		return fault.New(fault.Cancelled, string(st.phase), "stop requested before %s", st.phase)
	}
	p.h.update(func(r *Report) { r.Phase = st.phase })
	p.h.progress(st.phase, index*100/total, fmt.Sprintf("%s started", st.phase))

	ctx, span := p.tracer.Start(ctx, "build."+string(st.phase), trace.WithAttributes(attribute.String("build.phase", string(st.phase))))
	defer span.End()

	started := time.Now()
	err := st.run(ctx)
	p.metrics.ObservePhaseDuration(string(st.phase), time.Since(started))

	result := metrics.ResultSuccess
	switch {
	case err != nil && fault.Is(err, fault.Cancelled):
		result = metrics.ResultCanceled
	case err != nil:
		result = metrics.ResultFatal
	}
	p.metrics.IncPhaseResult(string(st.phase), result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.h.progress(st.phase, (index+1)*100/total, fmt.Sprintf("%s finished", st.phase))
	return nil
}

func (p *pipeline) log(phase Phase) *slog.Logger {
	return p.logger.With(logging.PhaseKey, string(phase))
}

func (p *pipeline) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.warned = true
	p.logger.Warn(msg)
	p.h.update(func(r *Report) { r.Warnings = append(r.Warnings, msg) })
}

func (p *pipeline) preflight(context.Context) error {
	if p.s.Preflight == nil {
		p.log(PhasePreflight).Debug("no preflight configured")
		return nil
	}
	_, err := p.s.Preflight.Verify(p.cfg.Architecture, setup.Requirements{
		Acquire:   p.cfg.Strategy,
		Media:     p.cfg.Media.Strategy,
		SkipMedia: p.cfg.Media.Output == "",
	})
	return err
}

func (p *pipeline) workspace(context.Context) error {
	session, err := workspace.Create(p.cfg.Workspace, p.cfg.Architecture, p.log(PhaseWorkspace))
	if err != nil {
		return err
	}
	p.session = session

	settings := p.cfg.WorkspaceSettings()
	settings.SessionID = session.ID
	if err := session.SaveSettings(settings); err != nil {
		return err
	}
	if free, low := session.CheckSpace(); low {
		p.warn("low disk space in workspace: %d MiB free", free>>20)
	}
	return nil
}

func (p *pipeline) acquire(ctx context.Context) error {
	logger := p.log(PhaseAcquire)
	result, err := p.s.acquirer(p.cfg.Strategy, p.cfg.Architecture, logger).Acquire(ctx, p.session)
	p.h.update(func(r *Report) { r.Acquisition = result })
	if err != nil {
		if result.Diagnosis != acquire.DiagnosisNone {
			logger.Error("acquisition diagnosis", "diagnosis", result.Diagnosis.String(), "advice", result.Diagnosis.Advice())
		}
		return err
	}
	if result.FellBack {
		p.warn("provisioning script failed (%s); used %s acquisition", result.Diagnosis, result.Strategy)
	}
	if result.Undersized {
		p.warn("working image is only %d bytes", result.ImageSize)
	}
	return nil
}

func (p *pipeline) bootAssets(ctx context.Context) error {
	report, err := p.s.resolver(p.cfg.Architecture, p.log(PhaseBootAssets)).Resolve(ctx, p.session.ImageDir())
	if err != nil {
		return err
	}
	p.h.update(func(r *Report) { r.Assets = report })
	for _, target := range report.Warnings() {
		p.warn("boot asset %s resolved with reduced functionality", target)
	}
	for _, target := range report.OptionalMissing() {
		p.log(PhaseBootAssets).Warn("optional boot asset missing", "target", target)
	}
	// Critical gaps are fatal only when media is created.
	for _, target := range report.CriticalMissing() {
		p.warn("critical boot asset %s is missing", target)
	}
	return nil
}

func (p *pipeline) mount(ctx context.Context) error {
	h, err := p.controller.Mount(ctx, p.session.WorkingImage(), p.cfg.ImageIndex, p.session.MountDir())
	if h != nil {
		p.mounted = h
	}
	return err
}

func (p *pipeline) components(ctx context.Context) error {
	inst := p.s.installer(p.cfg.Architecture, p.log(PhaseComponents))
	mountDir := p.session.MountDir()

	packages, err := inst.InstallPackages(ctx, mountDir, p.cfg.Packages, p.cfg.Language)
	p.record(packages)
	if err != nil {
		return err
	}

	drivers := append(append([]string(nil), p.cfg.Drivers...), components.DriverPaths(p.session.DriversDir())...)
	driverOutcome, err := inst.InstallDrivers(ctx, mountDir, drivers, p.cfg.ForceUnsigned)
	p.record(driverOutcome)
	return err
}

func (p *pipeline) settings(ctx context.Context) error {
	inst := p.s.installer(p.cfg.Architecture, p.log(PhaseSettings))
	mountDir := p.session.MountDir()

	if _, err := inst.ApplyLanguage(ctx, mountDir, p.cfg.Language); err != nil {
		if fault.Is(err, fault.Configuration) || fault.Is(err, fault.ProcessTimeout) {
			return err
		}
		p.warn("language %s not applied: %v", p.cfg.Language, err)
	}
	if err := inst.ApplySettings(ctx, mountDir, p.cfg.WorkspaceSettings()); err != nil {
		if fault.Is(err, fault.ProcessTimeout) {
			return err
		}
		p.warn("image settings not applied: %v", err)
	}
	return nil
}

func (p *pipeline) files(context.Context) error {
	inst := p.s.installer(p.cfg.Architecture, p.log(PhaseFiles))
	mountDir := p.session.MountDir()

	files := append(append([]string(nil), p.cfg.Files...), components.DirEntries(p.session.FilesDir())...)
	outcome, err := inst.CopyFiles(mountDir, files)
	p.record(outcome)
	if err != nil {
		return err
	}

	scripts := append(append([]string(nil), p.cfg.Scripts...), components.DirEntries(p.session.ScriptsDir())...)
	outcome, err = inst.CopyScripts(mountDir, scripts)
	p.record(outcome)
	if err != nil {
		return err
	}

	outcome, err = inst.ConfigureStartup(mountDir, components.Startup{
		Shell:    p.cfg.Startup.Shell,
		Dir:      p.cfg.Startup.ShellDir,
		Language: p.cfg.Language,
	})
	p.record(outcome)
	return err
}

// record stores an install outcome and downgrades its failures to warnings.
func (p *pipeline) record(outcome components.Outcome) {
	if len(outcome.Items) == 0 {
		return
	}
	for _, item := range outcome.Items {
		p.metrics.IncComponentResult(outcome.Kind, item.Err == nil)
	}
	p.h.update(func(r *Report) { r.Components = append(r.Components, outcome) })
	if failures := outcome.Failures(); failures != nil {
		p.warn("%s; failed: %v", outcome.Summary(), failures)
	}
}

func (p *pipeline) unmount(ctx context.Context) error {
	outcome, err := p.controller.Unmount(ctx, p.mounted, true)
	p.s.recordRemediation(outcome)
	p.h.update(func(r *Report) { r.Unmount = outcome })
	if err != nil {
		return err
	}
	switch {
	case !outcome.Committed:
		p.warn("unmount succeeded with %s but discarded this build's image changes", outcome.Remediation.Annotation())
	case outcome.Remediation != mount.RemediationNone && outcome.Remediation != "":
		p.warn("unmount recovered with %s", outcome.Remediation.Annotation())
	}
	return nil
}

func (p *pipeline) media(ctx context.Context) error {
	if p.cfg.Media.Output == "" {
		p.log(PhaseMedia).Info("no media output configured; skipping")
		return nil
	}
	result, err := p.s.assembler(p.cfg.Architecture, p.log(PhaseMedia)).Create(ctx, media.Request{
		ImageDir: p.session.ImageDir(),
		Output:   p.cfg.Media.Output,
		Mode:     p.cfg.Media.Mode,
		Strategy: p.cfg.Media.Strategy,
		Label:    mediaLabel(p.cfg.Media.Label, p.cfg.Architecture),
		Handle:   p.mounted,
		MountDir: p.session.MountDir(),
		Metadata: map[string]any{"build": p.h.ID, "session": p.session.ID},
	})
	if err != nil {
		return err
	}
	p.h.update(func(r *Report) { r.Media = &result })
	if result.FellBack {
		p.warn("media authoring tool failed; mastered with %s", result.Encoding)
	}
	return nil
}
