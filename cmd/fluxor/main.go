// Command fluxor runs and inspects Fluxor runtimes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fluxorio/verticle/pkg/config"
	"github.com/fluxorio/verticle/pkg/events"
	"github.com/fluxorio/verticle/pkg/fluxor"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "fluxor",
		Short:         "Run and inspect verticle runtimes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newRunCmd(), newVersionCmd(), newConfigCmd(), newWatchCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath, envPrefix string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime with the configured verticles",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := fluxor.New(cmd.Context(), fluxor.Options{ConfigPath: configPath, EnvPrefix: envPrefix})
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (yaml or json)")
	cmd.Flags().StringVar(&envPrefix, "env-prefix", config.EnvPrefix, "prefix of environment overrides")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fluxor %s\n", version)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "fluxor.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	var envPrefix string
	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadRuntimeConfig(args[0], envPrefix); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
			return nil
		},
	}
	validateCmd.Flags().StringVar(&envPrefix, "env-prefix", config.EnvPrefix, "prefix of environment overrides")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func newWatchCmd() *cobra.Command {
	var url, prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow deployment transitions published on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := nats.Connect(url, nats.Name("fluxor-watch"))
			if err != nil {
				return fmt.Errorf("connect to NATS at %s: %w", url, err)
			}
			defer nc.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			lines := make(chan string, 64)
			sub, err := events.Subscribe(nc, prefix, func(ev events.Event) {
				select {
				case lines <- formatEvent(ev):
				case <-ctx.Done():
				}
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			if err := nc.Flush(); err != nil {
				return err
			}

			for {
				select {
				case line := <-lines:
					fmt.Fprintln(out, line)
				case <-ctx.Done():
					if err := ctx.Err(); !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "nats", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&prefix, "prefix", events.DefaultPrefix, "subject prefix")
	return cmd
}

func formatEvent(ev events.Event) string {
	line := fmt.Sprintf("%s %-10s -> %-10s %s (%s) after %dms",
		ev.At.Format("15:04:05.000"), ev.From, ev.To, ev.Verticle, ev.DeploymentID, ev.ElapsedMs)
	if ev.Cause != "" {
		line += ": " + ev.Cause
	}
	return line
}
