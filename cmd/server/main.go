package main

import (
	"fmt"
	"os"

	"github.com/npezzotti/go-voicechat/internal/config"
	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "voicechat.yaml"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voicechat",
		Short:         "Voice chat relay: record, transcribe, reply and speak",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the YAML config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	serve := newServeCmd()
	root.AddCommand(serve, newMigrateCmd(), newConfigCmd())

	// running without a subcommand serves
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(database.MigrateUp), string(database.MigrateDown)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("database DSN cannot be empty")
			}

			direction := database.MigrateDirection(args[0])
			if err := database.Migrate(cfg.Database.DSN, direction); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", direction)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config to --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteDefault(configPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
			return nil
		},
	})

	return cmd
}
