package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"

	"reelqueue/api/internal/config"
	"reelqueue/api/internal/rbac"
	"reelqueue/api/internal/store"
)

func newMigrateCommand(cfg config.Config, logger *log.Logger) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
				return err
			}
			logger.Info("migrations applied", "dir", cfg.MigrationsDir)
			return nil
		},
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := store.RollbackLast(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			if version == "" {
				logger.Info("no migrations to roll back")
				return nil
			}
			logger.Info("migration rolled back", "version", version)
			return nil
		},
	})
	return migrateCmd
}

const emailFlag = "email"

var promoteFlags = map[string]cobraflags.Flag{
	emailFlag: &cobraflags.StringFlag{
		Name:  emailFlag,
		Value: "",
		Usage: "Email of the registered user to grant the admin role (exact match)",
	},
}

// newPromoteCommand is the only way to grant the admin role; registration
// always creates plain users.
func newPromoteCommand(cfg config.Config, logger *log.Logger) *cobra.Command {
	promoteCmd := &cobra.Command{
		Use:   "promote",
		Short: "Grant the admin role to a registered user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			email := strings.TrimSpace(promoteFlags[emailFlag].GetString())
			if email == "" {
				return errors.New("--email is required")
			}

			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			err = store.NewPostgresStore(db).SetUserRole(cmd.Context(), email, string(rbac.RoleAdmin))
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("no user registered with email %q", email)
			}
			if err != nil {
				return err
			}
			logger.Info("user promoted", "email", email, "role", rbac.RoleAdmin)
			return nil
		},
	}
	cobraflags.RegisterMap(promoteCmd, promoteFlags)
	return promoteCmd
}
