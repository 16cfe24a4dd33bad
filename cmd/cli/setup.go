package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cochaviz/peforge/arch"
	simple "github.com/cochaviz/peforge/config"
	"github.com/cochaviz/peforge/internal/setup"
	"github.com/cochaviz/peforge/internal/tools"
	"github.com/cochaviz/peforge/internal/workspace"
)

var allTools = []tools.Tool{tools.DISM, tools.CopyPE, tools.MakeWinPEMedia, tools.Oscdimg, tools.BCDEdit}

func newToolsCommand(a *app) *cobra.Command {
	var (
		architecture string
		envFile      string
		adkRoot      string
		save         bool
		clearEnv     bool
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Args:  cobra.NoArgs,
		Short: "Show where the deployment tools were found",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "tools")
			target, err := arch.Parse(architecture)
			if err != nil {
				return err
			}
			if envFile == "" {
				envFile = setup.DefaultEnvFile()
			}

			if clearEnv {
				if err := setup.ClearEnv(envFile); err != nil {
					return err
				}
				cmdLogger.Info("tool environment cleared", "path", envFile)
			}

			env, err := simple.NewEnvironment(simple.Options{Arch: target, EnvFile: envFile, ADKRoot: adkRoot, Logger: a.logger})
			if err != nil {
				return err
			}

			for _, tool := range allTools {
				path, err := env.Locator.Find(tool, target)
				printf(cmd, "%s\n", tools.Describe(tool, path, err))
			}
			printf(cmd, "WinPERoot            %s\n", orNone(env.Locator.WinPERoot()))
			printf(cmd, "DandIRoot            %s\n", orNone(env.Locator.DeploymentToolsRoot()))

			if !save {
				return nil
			}
			values := map[string]string{
				"WinPERoot": env.Locator.WinPERoot(),
				"DandIRoot": env.Locator.DeploymentToolsRoot(),
			}
			if kits := env.Locator.KitRoots(); len(kits) > 0 {
				values["PEFORGE_ADK_ROOT"] = kits[0]
			}
			return setup.SaveEnv(envFile, values)
		},
	}

	cmd.Flags().StringVar(&architecture, "arch", string(arch.AMD64), "Architecture to locate tools for")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Tool environment file (default: user config directory)")
	cmd.Flags().StringVar(&adkRoot, "adk-root", "", "Deployment kit root overriding discovery")
	cmd.Flags().BoolVar(&save, "save", false, "Persist the discovered kit roots to the environment file")
	cmd.Flags().BoolVarP(&clearEnv, "clear", "C", false, "Remove the environment file before probing")
	return cmd
}

func newWorkspaceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage build workspaces",
	}

	cmd.AddCommand(
		newWorkspaceInitCommand(a),
		newWorkspaceSettingsCommand(a),
		newWorkspaceCleanupCommand(a),
	)
	return cmd
}

func newWorkspaceInitCommand(a *app) *cobra.Command {
	var architecture string

	cmd := &cobra.Command{
		Use:   "init <dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Create an empty workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := arch.Parse(architecture)
			if err != nil {
				return err
			}
			session, err := workspace.Create(args[0], target, a.logger)
			if err != nil {
				return err
			}
			printf(cmd, "workspace %s created at %s\n", session.ID, session.Root)
			return nil
		},
	}

	cmd.Flags().StringVar(&architecture, "arch", string(arch.AMD64), "Target architecture")
	return cmd
}

func newWorkspaceSettingsCommand(a *app) *cobra.Command {
	var (
		scratch int
		drive   string
	)

	cmd := &cobra.Command{
		Use:   "settings <dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Show or change the persisted image settings of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := workspace.Open(args[0], a.logger)
			if err != nil {
				return err
			}
			settings, err := session.Settings()
			if err != nil {
				return err
			}

			changed := false
			if cmd.Flags().Changed("scratch-space") {
				settings.ScratchSpaceMB = scratch
				changed = true
			}
			if cmd.Flags().Changed("target-drive") {
				settings.TargetDrive = drive
				changed = true
			}
			if changed {
				if err := settings.Validate(); err != nil {
					return err
				}
				if err := session.SaveSettings(settings); err != nil {
					return err
				}
			}

			printf(cmd, "session       %s\n", orNone(settings.SessionID))
			printf(cmd, "architecture  %s\n", settings.Architecture)
			printf(cmd, "scratch space %d MB\n", settings.ScratchSpaceMB)
			printf(cmd, "target drive  %s\n", settings.TargetDrive)
			return nil
		},
	}

	cmd.Flags().IntVar(&scratch, "scratch-space", workspace.DefaultScratchSpaceMB, "Scratch space in MB (32, 64, 128, 256, 512)")
	cmd.Flags().StringVar(&drive, "target-drive", workspace.DefaultTargetDrive, "Drive letter the booted image uses")
	return cmd
}

func newWorkspaceCleanupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete a workspace; refuses while an image is mounted",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := workspace.Open(args[0], a.logger)
			if err != nil {
				return err
			}
			return session.Cleanup()
		},
	}
}

func newProfilesCommand(a *app) *cobra.Command {
	var architecture string

	cmd := &cobra.Command{
		Use:   "profiles",
		Args:  cobra.NoArgs,
		Short: "List the available component profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			var target arch.Architecture
			if architecture != "" {
				parsed, err := arch.Parse(architecture)
				if err != nil {
					return err
				}
				target = parsed
			}

			infos := simple.Profiles(target)
			sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-12s %-9s %-8s %s\n", "PROFILE", "PACKAGES", "USABLE", "DESCRIPTION")
			for _, info := range infos {
				usable := "yes"
				if !info.Supported {
					usable = "no"
				}
				fmt.Fprintf(w, "%-12s %-9d %-8s %s\n", info.ID, info.Packages, usable, info.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&architecture, "arch", "", "Only mark profiles usable on this architecture")
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
