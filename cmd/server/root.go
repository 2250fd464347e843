package main

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// envFile is loaded before every subcommand. A missing file is not an error;
// the process environment is used as is.
var envFile string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "marketplace-auth",
		Short:        "Authentication service for the freelance marketplace",
		SilenceUsage: true,
	}
	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return loadEnv(envFile)
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading configuration")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewConsumeMailCmd())

	return cmd
}

func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
