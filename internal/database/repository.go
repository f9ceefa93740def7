package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"github.com/uptrace/bun"
)

// Repository persists store batches in Postgres. Every batch is one
// transaction; rows are upserted by id.
type Repository struct {
	db *bun.DB
}

func NewRepository(db *bun.DB) *Repository {
	return &Repository{db: db}
}

// upsert inserts rows, replacing every column of an existing row with the
// same id.
func upsert(db bun.IDB, rows any) *bun.InsertQuery {
	return db.NewInsert().Model(rows).On("CONFLICT (id) DO UPDATE")
}

func (r *Repository) SaveBatch(ctx context.Context, b services.Batch) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if len(b.DeletedUserIDs) > 0 {
			if _, err := tx.NewDelete().Model((*models.User)(nil)).
				Where("id IN (?)", bun.In(b.DeletedUserIDs)).Exec(ctx); err != nil {
				return fmt.Errorf("delete users: %w", err)
			}
		}
		if len(b.DeletedRegionIDs) > 0 {
			if _, err := tx.NewDelete().Model((*models.Region)(nil)).
				Where("id IN (?)", bun.In(b.DeletedRegionIDs)).Exec(ctx); err != nil {
				return fmt.Errorf("delete regions: %w", err)
			}
		}
		if len(b.Regions) > 0 {
			if _, err := upsert(tx, &b.Regions).Exec(ctx); err != nil {
				return fmt.Errorf("upsert regions: %w", err)
			}
		}
		if len(b.Users) > 0 {
			if _, err := upsert(tx, &b.Users).Exec(ctx); err != nil {
				return fmt.Errorf("upsert users: %w", err)
			}
		}
		if len(b.Launches) > 0 {
			if _, err := upsert(tx, &b.Launches).Exec(ctx); err != nil {
				return fmt.Errorf("upsert launch records: %w", err)
			}
		}
		if len(b.Depots) > 0 {
			if _, err := upsert(tx, &b.Depots).Exec(ctx); err != nil {
				return fmt.Errorf("upsert depots: %w", err)
			}
		}
		if len(b.Routes) > 0 {
			if _, err := upsert(tx, &b.Routes).Exec(ctx); err != nil {
				return fmt.Errorf("upsert routes: %w", err)
			}
		}
		return nil
	})
}

// LoadAll reads every persisted row. Launch records come oldest first per
// region.
func (r *Repository) LoadAll(ctx context.Context) (*services.Batch, error) {
	b := &services.Batch{}
	if err := r.db.NewSelect().Model(&b.Regions).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load regions: %w", err)
	}
	if err := r.db.NewSelect().Model(&b.Users).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	if err := r.db.NewSelect().Model(&b.Launches).Order("region_id", "version").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load launch records: %w", err)
	}
	if err := r.db.NewSelect().Model(&b.Depots).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load depots: %w", err)
	}
	if err := r.db.NewSelect().Model(&b.Routes).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	return b, nil
}
