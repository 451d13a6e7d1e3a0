package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/THEMKM/seraaj-eventsourced-sub001/migrations"
)

var migrateVersion int64

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|version|redo|reset|up-to|down-to]",
	Short:     "Run database migrations",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "status", "version", "redo", "reset", "up-to", "down-to"},
	RunE:      runMigrate,
}

func init() {
	migrateCmd.Flags().Int64Var(&migrateVersion, "version", 0, "target version for up-to and down-to")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}

	pgxCfg, err := pgx.ParseConfig(cfg.Database.Source)
	if err != nil {
		return fmt.Errorf("invalid database source: %w", err)
	}

	db := stdlib.OpenDB(*pgxCfg)
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("command", command).Msg("Running migrations")
	return migrate(db, command, migrateVersion)
}

func migrate(db *sql.DB, command string, version int64) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	const dir = "."
	actions := map[string]func() error{
		"up":      func() error { return goose.Up(db, dir) },
		"down":    func() error { return goose.Down(db, dir) },
		"status":  func() error { return goose.Status(db, dir) },
		"version": func() error { return goose.Version(db, dir) },
		"redo":    func() error { return goose.Redo(db, dir) },
		"reset":   func() error { return goose.Reset(db, dir) },
		"up-to":   func() error { return goose.UpTo(db, dir, version) },
		"down-to": func() error { return goose.DownTo(db, dir, version) },
	}
	action, ok := actions[command]
	if !ok {
		return fmt.Errorf("unknown migrate command %q", command)
	}
	return action()
}
