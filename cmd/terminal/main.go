package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-terminal/terminal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "terminal",
		Short:             "Payment terminal authorization orchestrator",
		DisableAutoGenTag: true,
	}
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the terminal service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stdout))

			cfg := terminal.DefaultConfig()
			if configPath != "" {
				var err error
				cfg, err = terminal.LoadConfig(configPath)
				if err != nil {
					return err
				}
			}

			app := terminal.NewApp(logger, cfg)
			if err := app.Start(); err != nil {
				return fmt.Errorf("starting app: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			app.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}
