// Command migrate applies the embedded schema migrations.
//
//	migrate [up|down|status|redo|reset|version] [args...]
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/agrifutures/futures-engine/internal/config"
	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Stderr.WriteString("loading .env: " + err.Error() + "\n")
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		ServiceName: "futures-engine-migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})

	command, args := "up", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}
	ctx := log.WithField(context.Background(), "command", command)
	if cfg.DB.DSN == "" {
		log.Error(ctx, "AGRI_DB_DSN is required", errors.New("missing dsn"))
		os.Exit(1)
	}
	if err := run(ctx, cfg.DB.DSN, command, args); err != nil {
		log.Error(ctx, "migration failed", err)
		os.Exit(1)
	}
	log.Info(ctx, "migration finished")
}

func run(ctx context.Context, dsn, command string, args []string) (err error) {
	db, err := store.OpenSQL(dsn)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()
	return store.Migrate(ctx, db, command, args...)
}
