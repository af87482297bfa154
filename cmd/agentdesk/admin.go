package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/agentdesk/internal/adapter/postgres"
	"github.com/Strob0t/agentdesk/internal/config"
	"github.com/Strob0t/agentdesk/internal/middleware"
)

func migrateCmd() *cobra.Command {
	var (
		configPath string
		rollback   int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back) PostgreSQL session store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs the postgres store driver, configured %q", cfg.Store.Driver)
			}
			return runMigrate(cmd.Context(), cfg.Store.DSN, rollback)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigFile, "path to the YAML config file")
	cmd.Flags().IntVar(&rollback, "rollback", 0, "number of migrations to roll back instead of applying")
	return cmd
}

func runMigrate(ctx context.Context, dsn string, rollback int) error {
	if rollback > 0 {
		if err := postgres.RollbackMigrations(ctx, dsn, rollback); err != nil {
			return err
		}
	} else if err := postgres.RunMigrations(ctx, dsn); err != nil {
		return err
	}

	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Printf("schema at version %d\n", v)
	return nil
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an API key for server.api_key_hash",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := promptPassword("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return errors.New("API key must not be empty")
			}
			hash, err := middleware.HashKey(key)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

// promptPassword reads a secret from the terminal without echoing.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after password input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
