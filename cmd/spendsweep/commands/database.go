package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/spendsweep/spendsweep/config"
	"github.com/spendsweep/spendsweep/db"
	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/logger"
)

// loadConfig resolves configuration from the --config flag or the default
// search path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens the configured database and applies pending migrations.
// Callers own the returned handle.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to apply migrations")
	}
	return database, nil
}
