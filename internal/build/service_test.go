package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/adk"
	"github.com/cochaviz/peforge/internal/artifacts"
	"github.com/cochaviz/peforge/internal/components"
	"github.com/cochaviz/peforge/internal/config"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/metrics"
	"github.com/cochaviz/peforge/internal/mount"
	"github.com/cochaviz/peforge/internal/privilege"
	"github.com/cochaviz/peforge/internal/process"
	"github.com/cochaviz/peforge/internal/process/processtest"
	"github.com/cochaviz/peforge/internal/workspace"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type fakeKit struct{ winpe string }

func (k fakeKit) KitRoots() []string { return nil }
func (k fakeKit) WinPERoot() string { return k.winpe }
func (k fakeKit) DeploymentToolsRoot() string { return "" }
func (k fakeKit) SystemRoot() string { return "" }

// host simulates the deployment tools on top of the file system.
type host struct {
	mu sync.Mutex

	// failPackages makes the add-package primitive fail for cabs containing the name.
	failPackages []string
	// onAddPackage runs before each package is added.
	onAddPackage func()
	// onUnmount sees the mount directory before the image is detached.
	onUnmount    func(mountDir string)
	mountTimeout bool
	unmounts     []string
}

func (h *host) handle(cmd process.Command) (process.Result, error) {
	switch cmd.Name() {
	case "copype":
		return h.provision(cmd.Args[1])
	case "dism":
		return h.dism(cmd)
	case "makewinpemedia":
		n := len(cmd.Args)
		if err := fsutil.WriteISO(filepath.Join(cmd.Args[n-2], "media"), cmd.Args[n-1], "WINPE"); err != nil {
			return processtest.Fail(1, err.Error()), nil
		}
	}
	return process.Result{}, nil
}

func (h *host) provision(target string) (process.Result, error) {
	files := map[string]string{
		"media/sources/boot.wim":                "wim",
		"media/Boot/etfsboot.com":               strings.Repeat("b", 2048),
		"media/Boot/boot.sdi":                   "sdi",
		"media/Boot/BCD":                        "regf",
		"media/bootmgr":                         "bootmgr",
		"media/bootmgr.efi":                     "bootmgr",
		"media/Boot/bootfix.bin":                "fix",
		"media/EFI/Microsoft/Boot/bootmgfw.efi": "efi",
		"media/EFI/Microsoft/Boot/BCD":          "regf",
		"media/EFI/Boot/bootx64.efi":            "efi",
		"fwfiles/etfsboot.com":                  strings.Repeat("b", 2048),
		"fwfiles/efisys.bin":                    "efisys",
	}
	for rel, content := range files {
		path := filepath.Join(target, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return process.Result{}, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return process.Result{}, err
		}
	}
	return process.Result{}, nil
}

func (h *host) dism(cmd process.Command) (process.Result, error) {
	mountDir, _ := processtest.ArgValue(cmd, "/MountDir:")
	switch {
	case processtest.HasArg(cmd, "/Mount-Wim"):
		if h.mountTimeout {
			_ = os.WriteFile(filepath.Join(mountDir, "Windows"), []byte("x"), 0o644)
			return process.Result{TimedOut: true}, fault.New(fault.ProcessTimeout, "dism.mount", "timed out")
		}
		return process.Result{}, os.MkdirAll(filepath.Join(mountDir, "Windows", "System32"), 0o755)
	case processtest.HasArg(cmd, "/Unmount-Wim"):
		if h.onUnmount != nil {
			h.onUnmount(mountDir)
		}
		h.mu.Lock()
		h.unmounts = append(h.unmounts, cmd.Args[len(cmd.Args)-1])
		h.mu.Unlock()
		if err := os.RemoveAll(mountDir); err != nil {
			return process.Result{}, err
		}
		return process.Result{}, os.MkdirAll(mountDir, 0o755)
	case processtest.HasArg(cmd, "/Add-Package"):
		if h.onAddPackage != nil {
			h.onAddPackage()
		}
		path, _ := processtest.ArgValue(cmd, "/PackagePath:")
		for _, name := range h.failPackages {
			if strings.Contains(path, name) {
				return processtest.Fail(0x800f081e, "The specified package is not applicable to this image."), nil
			}
		}
	}
	return process.Result{}, nil
}

func (h *host) unmountModes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.unmounts...)
}

type countingRecorder struct {
	metrics.NoopRecorder
	mu       sync.Mutex
	outcomes []metrics.ResultLabel
	phases   map[string]metrics.ResultLabel
}

func (r *countingRecorder) IncBuildOutcome(o metrics.ResultLabel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *countingRecorder) IncPhaseResult(phase string, result metrics.ResultLabel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phases == nil {
		r.phases = map[string]metrics.ResultLabel{}
	}
	r.phases[phase] = result
}

type fixture struct {
	service  *Service
	host     *host
	runner   *processtest.Runner
	recorder *countingRecorder
	cfg      config.Build
}

func newFixture(t *testing.T, h *host) fixture {
	t.Helper()
	if h == nil {
		h = &host{}
	}
	kit := t.TempDir()
	for _, name := range []string{"WinPE-WMI", "WinPE-Scripting"} {
		write(t, filepath.Join(kit, "amd64", "WinPE_OCs", name+".cab"), "cab")
	}

	runner := &processtest.Runner{Handler: h.handle}
	dism := &adk.DISM{Path: "dism.exe", Runner: runner}
	noSleep := func(time.Duration) {}
	recorder := &countingRecorder{}
	service := &Service{
		Kit:           fakeKit{winpe: kit},
		Servicer:      dism,
		Provisioner:   &adk.CopyPE{Path: "copype.cmd", Runner: runner},
		Authoring:     &adk.MakeWinPEMedia{Path: "MakeWinPEMedia.cmd", Runner: runner},
		Mastering:     &adk.Oscdimg{Path: "oscdimg.exe", Runner: runner},
		ArtifactStore: &artifacts.SidecarStore{},
		Privilege:     privilege.CheckerFunc(func() (bool, error) { return true, nil }),
		Ladder: &mount.Ladder{Steps: []mount.Step{
			&mount.WaitRetry{Servicer: dism, Delay: time.Second, Sleep: noSleep},
			&mount.ForceDelete{Servicer: dism},
		}},
		Registry:     mount.NewRegistry(),
		Metrics:      recorder,
		MinMediaSize: 1,
	}

	root := t.TempDir()
	cfg := config.Default()
	cfg.Workspace = filepath.Join(root, "ws")
	cfg.Packages = []string{"WinPE-WMI", "WinPE-Missing", "WinPE-Scripting"}
	cfg.Media.Output = filepath.Join(root, "out", "winpe.iso")
	cfg.EventBuffer = 4096

	return fixture{service: service, host: h, runner: runner, recorder: recorder, cfg: cfg}
}

func drain(h *Handle) []Event {
	var events []Event
	for e := range h.Subscribe() {
		events = append(events, e)
	}
	return events
}

func TestBuildRunsEveryPhaseAndProducesMedia(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	handle, err := f.service.Start(context.Background(), f.cfg)
	require.NoError(t, err)

	events := drain(handle)
	report, err := handle.Wait()
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, report.Status)
	assert.Equal(t, StatusSucceeded, handle.Status())
	require.NotNil(t, report.Media)
	assert.FileExists(t, f.cfg.Media.Output)
	assert.FileExists(t, artifacts.ChecksumPath(f.cfg.Media.Output))
	assert.True(t, report.Unmount.Committed)

	// The missing package is itemized but does not fail the build.
	require.NotEmpty(t, report.Components)
	packages := report.Components[0]
	assert.Equal(t, "packages: 2/3 installed", packages.Summary())
	assert.Contains(t, strings.Join(report.Warnings, "\n"), "WinPE-Missing")
	assert.Equal(t, []metrics.ResultLabel{metrics.ResultWarning}, f.recorder.outcomes)

	var seen []Phase
	var last int
	var logs int
	for _, e := range events {
		switch e.Kind {
		case ProgressEvent:
			assert.GreaterOrEqual(t, e.Percent, last, "progress never goes backwards")
			last = e.Percent
			if len(seen) == 0 || seen[len(seen)-1] != e.Phase {
				seen = append(seen, e.Phase)
			}
		case LogEvent:
			logs++
		}
	}
	assert.Equal(t, 100, last)
	assert.Equal(t, Phases, seen)
	assert.Positive(t, logs)

	assert.Len(t, f.runner.CallsTo("copype"), 1)
	assert.Equal(t, []string{"/Commit"}, f.host.unmountModes())
}

func TestBuildDiscardsMountOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.cfg.Files = []string{filepath.Join(t.TempDir(), "does-not-exist")}
	f.cfg.Media.Strategy = "oscdimg"
	// Every mastering attempt fails.
	f.runner.Handler = func(cmd process.Command) (process.Result, error) {
		if cmd.Name() == "oscdimg" {
			return processtest.Fail(1, "boot sector file not found"), nil
		}
		return f.host.handle(cmd)
	}

	handle, err := f.service.Start(context.Background(), f.cfg)
	require.NoError(t, err)
	report, err := handle.Wait()

	require.Error(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, PhaseMedia, report.Phase)
	assert.NoFileExists(t, f.cfg.Media.Output)
	// The image was already committed; nothing is left mounted.
	assert.Equal(t, []string{"/Commit"}, f.host.unmountModes())
	assert.Equal(t, metrics.ResultFatal, f.recorder.phases[string(PhaseMedia)])
}

func TestBuildStopDiscardsInsteadOfCommitting(t *testing.T) {
	t.Parallel()

	h := &host{}
	f := newFixture(t, h)
	var handle *Handle
	var once sync.Once
	started := make(chan struct{})
	h.onAddPackage = func() {
		once.Do(func() {
			<-started
			handle.Stop()
		})
	}

	var err error
	handle, err = f.service.Start(context.Background(), f.cfg)
	require.NoError(t, err)
	close(started)

	report, err := handle.Wait()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Cancelled))
	assert.Equal(t, StatusCancelled, report.Status)
	assert.Equal(t, []string{"/Discard"}, h.unmountModes())
	assert.NoFileExists(t, f.cfg.Media.Output)
	assert.Equal(t, []metrics.ResultLabel{metrics.ResultCanceled}, f.recorder.outcomes)
}

func TestBuildLeavesMountAfterTimeout(t *testing.T) {
	t.Parallel()

	h := &host{mountTimeout: true}
	f := newFixture(t, h)

	handle, err := f.service.Start(context.Background(), f.cfg)
	require.NoError(t, err)
	report, err := handle.Wait()

	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ProcessTimeout))
	assert.Empty(t, h.unmountModes(), "a timed out mount is left for manual cleanup")
	assert.False(t, workspace.DirEmpty(filepath.Join(f.cfg.Workspace, "mount")))
	assert.Contains(t, strings.Join(report.Warnings, "\n"), "left mounted")
}

func TestStartRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.cfg.Architecture = arch.Architecture("mips")

	_, err := f.service.Start(context.Background(), f.cfg)
	assert.True(t, fault.Is(err, fault.Configuration))
	assert.Empty(t, f.runner.Calls(), "nothing runs before validation passes")
}

func TestCancelledContextStopsBuild(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle, err := f.service.Start(ctx, f.cfg)
	require.NoError(t, err)
	report, err := handle.Wait()

	// The stop may land before any phase or between later phases.
	if err != nil {
		assert.True(t, fault.Is(err, fault.Cancelled))
		assert.Equal(t, StatusCancelled, report.Status)
	}
}

func TestEventQueueDropsOldest(t *testing.T) {
	t.Parallel()

	q := newEventQueue(2)
	for i := 0; i < 5; i++ {
		q.publish(Event{Percent: i})
	}
	dropped := q.close()
	q.publish(Event{Percent: 99})

	var got []int
	for e := range q.ch {
		got = append(got, e.Percent)
	}
	assert.Equal(t, []int{3, 4}, got)
	assert.Equal(t, 3, dropped)
}

func TestStandaloneMountAndUnmount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	session, err := workspace.Create(f.cfg.Workspace, arch.AMD64, nil)
	require.NoError(t, err)
	write(t, session.WorkingImage(), "wim")

	h, err := f.service.Mount(context.Background(), session.Root, 1)
	require.NoError(t, err)
	assert.Equal(t, mount.Mounted, h.State())

	_, err = f.service.CreateMedia(context.Background(), MediaRequest{Workspace: session.Root, Output: f.cfg.Media.Output})
	assert.True(t, fault.Is(err, fault.Configuration), "media requires an unmounted image")

	outcome, err := f.service.Unmount(context.Background(), session.Root, false)
	require.NoError(t, err)
	assert.False(t, outcome.Committed)
	assert.Equal(t, mount.Unmounted, h.State())

	outcome, err = f.service.Unmount(context.Background(), session.Root, true)
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyUnmounted)
}

func TestComponentFailuresNeverAbortBuild(t *testing.T) {
	t.Parallel()

	h := &host{failPackages: []string{"WinPE-WMI", "WinPE-Scripting"}}
	f := newFixture(t, h)
	f.cfg.Media.Output = ""

	handle, err := f.service.Start(context.Background(), f.cfg)
	require.NoError(t, err)
	report, err := handle.Wait()

	require.NoError(t, err)
	require.NotEmpty(t, report.Components)
	assert.Empty(t, report.Components[0].Succeeded())
	assert.Error(t, report.Components[0].Err())
	assert.Nil(t, report.Media, "media is skipped without an output")
	assert.Equal(t, []string{"/Commit"}, h.unmountModes())
}

func TestBuildConfiguresStartupShell(t *testing.T) {
	t.Parallel()

	var winpeshl, launcher []byte
	h := &host{onUnmount: func(mountDir string) {
		winpeshl, _ = os.ReadFile(filepath.Join(mountDir, components.WinPEShlPath))
		launcher, _ = os.ReadFile(filepath.Join(mountDir, "Windows", "System32", "WinXShell.cmd"))
	}}
	f := newFixture(t, h)
	shellDir := t.TempDir()
	write(t, filepath.Join(shellDir, "WinXShell_x64.exe"), "exe")
	f.cfg.Startup = config.Startup{Shell: "WinXShell", ShellDir: shellDir}
	f.cfg.Media.Output = ""

	handle, err := f.service.Start(context.Background(), f.cfg)
	require.NoError(t, err)
	drain(handle)
	report, err := handle.Wait()
	require.NoError(t, err)

	assert.Contains(t, string(winpeshl), `System32\WinXShell.cmd`)
	assert.Contains(t, string(launcher), "WinXShell_x64.exe")

	var startup *components.Outcome
	for i := range report.Components {
		if report.Components[i].Kind == "startup" {
			startup = &report.Components[i]
		}
	}
	require.NotNil(t, startup)
	assert.Equal(t, []string{"WinXShell", "WinXShell.cmd", "winpeshl.ini"}, startup.Succeeded())
}
