package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/peforge/arch"
	simple "github.com/cochaviz/peforge/config"
	"github.com/cochaviz/peforge/internal/acquire"
	"github.com/cochaviz/peforge/internal/bootcheck"
	"github.com/cochaviz/peforge/internal/build"
	"github.com/cochaviz/peforge/internal/components"
	"github.com/cochaviz/peforge/internal/config"
	"github.com/cochaviz/peforge/internal/media"
	"github.com/cochaviz/peforge/internal/workspace"
)

func newBuildCommand(a *app) *cobra.Command {
	var (
		configPath    string
		workspaceDir  string
		architecture  string
		strategy      string
		profile       string
		packages      []string
		drivers       []string
		files         []string
		scripts       []string
		language      string
		output        string
		mediaMode     string
		mediaStrategy string
		label         string
		adkRoot       string
		shell         string
		shellDir      string
		forceUnsigned bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Provision, customize and optionally package a preinstallation image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			flags := cmd.Flags()
			if flags.Changed("workspace") {
				cfg.Workspace = workspaceDir
			}
			if flags.Changed("arch") {
				cfg.Architecture = arch.Normalize(architecture)
			}
			if flags.Changed("strategy") {
				cfg.Strategy = acquire.Strategy(strategy)
			}
			if flags.Changed("language") {
				cfg.Language = language
			}
			if flags.Changed("output") {
				cfg.Media.Output = output
			}
			if flags.Changed("media-mode") {
				cfg.Media.Mode = media.Mode(mediaMode)
			}
			if flags.Changed("media-strategy") {
				cfg.Media.Strategy = media.Strategy(mediaStrategy)
			}
			if flags.Changed("label") {
				cfg.Media.Label = label
			}
			if flags.Changed("adk-root") {
				cfg.Tools.ADKRoot = adkRoot
			}
			if flags.Changed("shell") {
				cfg.Startup.Shell = components.Shell(shell)
			}
			if flags.Changed("shell-dir") {
				cfg.Startup.ShellDir = shellDir
			}
			if flags.Changed("force-unsigned") {
				cfg.ForceUnsigned = forceUnsigned
			}
			cfg.Packages = append(cfg.Packages, packages...)
			cfg.Drivers = append(cfg.Drivers, drivers...)
			cfg.Files = append(cfg.Files, files...)
			cfg.Scripts = append(cfg.Scripts, scripts...)
			cfg.Normalize()
			if flags.Changed("profile") {
				cfg.Profile = profile
				if err := cfg.ApplyProfile(config.NewEmbeddedProfileRepository()); err != nil {
					return err
				}
			}

			cmdLogger := a.logger.With("command", "build", "workspace", cfg.Workspace, "arch", cfg.Architecture)
			env, err := simple.NewBuildEnvironment(cfg, a.logger)
			if err != nil {
				return err
			}

			handle, err := env.Service.Start(cmd.Context(), cfg)
			if err != nil {
				return a.finish(env, err)
			}
			cmdLogger.Info("build started", "build_id", handle.ID)

			for event := range handle.Subscribe() {
				if event.Kind == build.ProgressEvent {
					printf(cmd, "[%3d%%] %-10s %s\n", event.Percent, event.Phase, event.Message)
				}
			}

			report, err := handle.Wait()
			printReport(cmd, report)
			return a.finish(env, err)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Build configuration file (YAML)")
	flags.StringVarP(&workspaceDir, "workspace", "w", "", "Workspace directory")
	flags.StringVar(&architecture, "arch", string(arch.AMD64), "Target architecture (amd64, x86, arm64)")
	flags.StringVar(&strategy, "strategy", string(acquire.StrategyCopyPE), "Acquisition strategy (copype, legacy)")
	flags.StringVar(&profile, "profile", "", "Component profile to install")
	flags.StringArrayVar(&packages, "package", nil, "Optional component to install; repeat to add more")
	flags.StringArrayVar(&drivers, "driver", nil, "Driver file or directory to inject; repeat to add more")
	flags.StringArrayVar(&files, "file", nil, "File to copy into the image root; repeat to add more")
	flags.StringArrayVar(&scripts, "script", nil, "Script to copy into the image; repeat to add more")
	flags.StringVar(&language, "language", "en-US", "Image language")
	flags.StringVarP(&output, "output", "o", "", "Media output (ISO path or drive letter); empty skips media")
	flags.StringVar(&mediaMode, "media-mode", string(media.ModeISO), "Media type (iso, usb)")
	flags.StringVar(&mediaStrategy, "media-strategy", string(media.StrategyMakeWinPEMedia), "Media strategy (makewinpemedia, oscdimg)")
	flags.StringVar(&label, "label", "", "Volume label for the media")
	flags.StringVar(&adkRoot, "adk-root", "", "Deployment kit root overriding discovery")
	flags.StringVar(&shell, "shell", "", "Shell started after boot (none, winxshell, cairo); empty keeps the image default")
	flags.StringVar(&shellDir, "shell-dir", "", "Directory holding the shell's files to copy into the image")
	flags.BoolVar(&forceUnsigned, "force-unsigned", false, "Allow unsigned drivers")

	return cmd
}

func printReport(cmd *cobra.Command, report build.Report) {
	printf(cmd, "\nbuild %s: %s (%s)\n", report.ID, report.Status, report.Duration().Round(time.Second))
	if report.Acquisition.Strategy != "" {
		printf(cmd, "  acquisition: %s", report.Acquisition.Strategy)
		if report.Acquisition.FellBack {
			printf(cmd, " (fallback, %s)", report.Acquisition.Diagnosis)
		}
		printf(cmd, "\n")
	}
	for _, outcome := range report.Components {
		printf(cmd, "  %s: %d/%d installed\n", outcome.Kind, len(outcome.Succeeded()), len(outcome.Items))
	}
	if report.Media != nil {
		printf(cmd, "  media: %s via %s (%d bytes)\n", report.Media.Output, report.Media.Strategy, report.Media.Size)
	}
	for _, warning := range report.Warnings {
		printf(cmd, "  warning: %s\n", warning)
	}
	if report.DroppedEvents > 0 {
		printf(cmd, "  %d events were dropped\n", report.DroppedEvents)
	}
}

func newMountCommand(a *app) *cobra.Command {
	var (
		index   int
		adkRoot string
	)

	cmd := &cobra.Command{
		Use:   "mount <workspace>",
		Args:  cobra.ExactArgs(1),
		Short: "Mount the working image of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := workspaceEnvironment(a, args[0], adkRoot)
			if err != nil {
				return err
			}
			handle, err := env.Service.Mount(cmd.Context(), args[0], index)
			if err != nil {
				return a.finish(env, err)
			}
			printf(cmd, "%s mounted at %s\n", handle.Image, handle.MountDir)
			return a.finish(env, nil)
		},
	}

	cmd.Flags().IntVar(&index, "index", 1, "Image index to mount")
	cmd.Flags().StringVar(&adkRoot, "adk-root", "", "Deployment kit root overriding discovery")
	return cmd
}

func newUnmountCommand(a *app) *cobra.Command {
	var (
		commit  bool
		discard bool
		adkRoot string
	)

	cmd := &cobra.Command{
		Use:   "unmount <workspace>",
		Args:  cobra.ExactArgs(1),
		Short: "Unmount the working image, committing or discarding changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commit == discard {
				return errors.New("exactly one of --commit or --discard is required")
			}
			env, err := workspaceEnvironment(a, args[0], adkRoot)
			if err != nil {
				return err
			}
			outcome, err := env.Service.Unmount(cmd.Context(), args[0], commit)
			if err != nil {
				return a.finish(env, err)
			}
			switch {
			case outcome.AlreadyUnmounted:
				printf(cmd, "nothing was mounted\n")
			case outcome.Committed:
				printf(cmd, "changes committed (%s)\n", outcome.Remediation.Annotation())
			default:
				printf(cmd, "changes discarded (%s)\n", outcome.Remediation.Annotation())
			}
			return a.finish(env, nil)
		},
	}

	cmd.Flags().BoolVar(&commit, "commit", false, "Save changes to the image")
	cmd.Flags().BoolVar(&discard, "discard", false, "Drop changes made to the image")
	cmd.Flags().StringVar(&adkRoot, "adk-root", "", "Deployment kit root overriding discovery")
	return cmd
}

func newMediaCommand(a *app) *cobra.Command {
	var (
		mode     string
		strategy string
		label    string
		adkRoot  string
	)

	cmd := &cobra.Command{
		Use:   "media <workspace> <output>",
		Args:  cobra.ExactArgs(2),
		Short: "Create an ISO or USB drive from a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := media.ParseMode(mode)
			if err != nil {
				return err
			}
			s, err := media.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			env, err := workspaceEnvironment(a, args[0], adkRoot)
			if err != nil {
				return err
			}
			result, err := env.Service.CreateMedia(cmd.Context(), build.MediaRequest{
				Workspace: args[0],
				Output:    args[1],
				Mode:      m,
				Strategy:  s,
				Label:     label,
			})
			if err != nil {
				return a.finish(env, err)
			}
			printf(cmd, "%s created via %s", result.Output, result.Strategy)
			if result.FellBack {
				printf(cmd, " (fallback)")
			}
			if result.Encoding != "" {
				printf(cmd, ", boot encoding %s", result.Encoding)
			}
			printf(cmd, "\n")
			return a.finish(env, nil)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(media.ModeISO), "Media type (iso, usb)")
	cmd.Flags().StringVar(&strategy, "strategy", string(media.StrategyMakeWinPEMedia), "Media strategy (makewinpemedia, oscdimg)")
	cmd.Flags().StringVar(&label, "label", "", "Volume label")
	cmd.Flags().StringVar(&adkRoot, "adk-root", "", "Deployment kit root overriding discovery")
	return cmd
}

func newVerifyCommand(a *app) *cobra.Command {
	var adkRoot string

	cmd := &cobra.Command{
		Use:   "verify <workspace>",
		Args:  cobra.ExactArgs(1),
		Short: "Check the boot files of a workspace without changing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := workspaceEnvironment(a, args[0], adkRoot)
			if err != nil {
				return err
			}
			report, err := env.Service.VerifyAssets(args[0])
			if err != nil {
				return err
			}
			for _, item := range report.Items {
				line := fmt.Sprintf("%-40s %s", item.Target, item.Status)
				if item.Note != "" {
					line += "  " + item.Note
				}
				printf(cmd, "%s\n", line)
			}
			return report.Err()
		},
	}

	cmd.Flags().StringVar(&adkRoot, "adk-root", "", "Deployment kit root overriding discovery")
	return cmd
}

func newBootcheckCommand(a *app) *cobra.Command {
	var (
		connectionURI string
		architecture  string
		firmware      string
		loader        string
		settle        time.Duration
		serialLog     string
	)

	cmd := &cobra.Command{
		Use:   "bootcheck <iso>",
		Args:  cobra.ExactArgs(1),
		Short: "Boot an ISO in a transient virtual machine and check that it stays up",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := arch.Parse(architecture)
			if err != nil {
				return err
			}
			result, err := bootcheck.Check(cmd.Context(), args[0], bootcheck.Options{
				ConnectURI: connectionURI,
				Arch:       target,
				Firmware:   bootcheck.Firmware(strings.ToLower(firmware)),
				Loader:     loader,
				Settle:     settle,
				SerialLog:  serialLog,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			printf(cmd, "%s booted, state %s after %s\n", result.Domain, result.State, result.Duration.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringVar(&connectionURI, "connect-uri", "qemu:///system", "Libvirt connection URI")
	cmd.Flags().StringVar(&architecture, "arch", string(arch.AMD64), "Architecture of the image")
	cmd.Flags().StringVar(&firmware, "firmware", "", "Firmware to boot with (bios, uefi)")
	cmd.Flags().StringVar(&loader, "loader", "", "UEFI firmware image")
	cmd.Flags().DurationVar(&settle, "settle", 45*time.Second, "How long the machine must stay up")
	cmd.Flags().StringVar(&serialLog, "serial-log", "", "File receiving the serial console")
	return cmd
}

// workspaceEnvironment wires services for the architecture recorded in root.
func workspaceEnvironment(a *app, root, adkRoot string) (*simple.Environment, error) {
	session, err := workspace.Open(root, a.logger)
	if err != nil {
		return nil, err
	}
	return simple.NewEnvironment(simple.Options{Arch: session.Arch, ADKRoot: adkRoot, Logger: a.logger})
}
