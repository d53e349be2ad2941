package main

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/runner"
	"github.com/supporttools/pingu/pkg/types"
	"github.com/supporttools/pingu/pkg/util"
)

const defaultConfigPath = "pingu.yaml"

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pingu",
		Short:         "Monitor network devices and notify on state changes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML or JSON)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Force debug logging")

	cmd.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newPluginsCommand(),
		newVersionCommand(),
	)
	return cmd
}

// loadConfiguration loads the file and checks every plugin type against the
// built-in registry.
func loadConfiguration(opts *rootOptions) (*types.PinguConfig, error) {
	config, err := util.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		config.Settings.LogLevel = "debug"
	}

	registry, err := runner.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateWithRegistry(registry); err != nil {
		return nil, err
	}
	return config, nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start monitoring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfiguration(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r, err := runner.New(ctx, config, runner.Options{
				ConfigPath: opts.configPath,
				ForceDebug: opts.debug,
			})
			if err != nil {
				return err
			}
			defer logger.Close()

			log := logger.Component("main")
			log.WithFields(logger.Fields{
				"version": Version,
				"config":  opts.configPath,
				"devices": len(config.Devices),
			}).Info("Pingu started")

			err = r.Run(ctx)
			log.Info("Pingu stopped")
			return err
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var (
		printConfig bool
		outputPath  string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and plugin options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfiguration(opts)
			if err != nil {
				return err
			}

			// Instantiate every plugin so option errors surface here, then
			// release them without starting the loop.
			registry, err := runner.NewRegistry()
			if err != nil {
				return err
			}
			engine, err := runner.Build(cmd.Context(), registry, config)
			if err != nil {
				return err
			}
			if err := engine.Shutdown(context.Background()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputPath != "" {
				if err := util.SaveConfig(config, outputPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "Effective configuration written to %s\n", outputPath)
				return nil
			}
			if printConfig {
				data, err := util.MarshalConfig(config)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			fmt.Fprintf(out, "Configuration %s is valid: %d device(s), %d notifier(s), %d logger(s)\n",
				opts.configPath, len(config.Devices), len(config.Notifiers), len(config.Loggers))
			return nil
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "Print the effective configuration with defaults applied")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the effective configuration to a .yaml file")
	return cmd
}

func newPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the available checker, notifier and logger types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := runner.NewRegistry()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CAPABILITY\tTYPE\tDESCRIPTION")
			for _, s := range registry.Summaries() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Capability, s.Type, s.Description)
			}
			return w.Flush()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Pingu %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

