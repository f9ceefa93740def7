package services

import (
	"context"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
)

// Batch is a set of row changes that must be stored atomically.
type Batch struct {
	Regions  []models.Region
	Users    []models.User
	Launches []models.LaunchRecord
	Depots   []models.SupplyDepot
	Routes   []models.SupplyRoute

	DeletedRegionIDs []string
	DeletedUserIDs   []string
}

// Empty reports whether the batch carries no changes.
func (b *Batch) Empty() bool {
	return len(b.Regions) == 0 && len(b.Users) == 0 && len(b.Launches) == 0 &&
		len(b.Depots) == 0 && len(b.Routes) == 0 &&
		len(b.DeletedRegionIDs) == 0 && len(b.DeletedUserIDs) == 0
}

// Repository is the durable store behind the in-memory state. SaveBatch must
// apply all of the batch or none of it.
type Repository interface {
	SaveBatch(ctx context.Context, b Batch) error
	LoadAll(ctx context.Context) (*Batch, error)
}

// NopRepository keeps nothing. It backs the stores when no database is
// configured.
type NopRepository struct{}

func (NopRepository) SaveBatch(context.Context, Batch) error { return nil }

func (NopRepository) LoadAll(context.Context) (*Batch, error) { return &Batch{}, nil }

// Publisher receives deltas after a mutation is committed. Publish must not
// block on subscribers.
type Publisher interface {
	Publish(d models.Delta)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.Delta) {}

// saveAttempts bounds the internal retry of a failed commit.
const saveAttempts = 3

func saveWithRetry(ctx context.Context, repo Repository, b Batch) error {
	if b.Empty() {
		return nil
	}
	var err error
	for i := 0; i < saveAttempts; i++ {
		if err = repo.SaveBatch(ctx, b); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
