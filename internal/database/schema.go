package database

import (
	"context"
	"fmt"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"github.com/uptrace/bun"
)

var tables = []any{
	(*models.Region)(nil),
	(*models.User)(nil),
	(*models.LaunchRecord)(nil),
	(*models.SupplyDepot)(nil),
	(*models.SupplyRoute)(nil),
}

// Migrate creates missing tables and indexes. Existing tables are left as
// they are.
func Migrate(ctx context.Context, db bun.IDB) error {
	for _, m := range tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", m, err)
		}
	}
	_, err := db.NewCreateIndex().
		Model((*models.LaunchRecord)(nil)).
		Index("launch_records_region_idx").
		Column("region_id", "version").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create launch index: %w", err)
	}
	return nil
}
