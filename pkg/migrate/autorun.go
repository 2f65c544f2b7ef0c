package migrate

import (
	"context"
	"fmt"

	"github.com/prestige-merchandise/storefront/pkg/config"
	"github.com/prestige-merchandise/storefront/pkg/db"
	"github.com/prestige-merchandise/storefront/pkg/db/models"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

// MaybeRunDev brings the schema up to date at boot when running in dev with
// the auto-migrate flag. Postgres goes through goose; SQLite through gorm.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	if client.Dialect() == db.DialectSQLite {
		logg.Info(ctx, "running gorm auto-migrate (sqlite dev mode)")
		return AutoMigrateSQLite(client)
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dir": DefaultDir})
	logg.Info(ctx, "running goose migrations (dev auto-run)")

	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "goose migrations completed")
	return nil
}

// AutoMigrateSQLite creates the collection tables on a SQLite database.
func AutoMigrateSQLite(client *db.Client) error {
	if err := client.DB().AutoMigrate(&models.CollectionItem{}, &models.LocalEntry{}); err != nil {
		return fmt.Errorf("auto-migrate sqlite: %w", err)
	}
	return nil
}
