package realtime

import (
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
)

// Source supplies current entity state for snapshots and resyncs.
type Source interface {
	// Snapshot returns every entity, optionally restricted to one type.
	Snapshot(only models.EntityType) []Entity
	// Entity returns one entity, or a deleted marker when it no longer exists.
	Entity(t models.EntityType, id string) Entity
}

// StoreSource reads snapshots from the in-memory stores. Every subscriber is
// entitled to every entity.
type StoreSource struct {
	Regions  *services.RegionStore
	Launches *services.LaunchCoordinator
	Supply   *services.SupplyGraph
}

func (s StoreSource) Snapshot(only models.EntityType) []Entity {
	var out []Entity
	want := func(t models.EntityType) bool { return only == "" || only == t }

	if want(models.EntityRegion) && s.Regions != nil {
		for _, r := range s.Regions.List() {
			out = append(out, regionEntity(r))
		}
	}
	if want(models.EntityUser) && s.Regions != nil {
		for _, u := range s.Regions.ListUsers(nil) {
			out = append(out, userEntity(u))
		}
	}
	if want(models.EntityLaunch) && s.Launches != nil {
		for _, l := range s.Launches.Latest() {
			out = append(out, launchEntity(l))
		}
	}
	if s.Supply != nil && (want(models.EntityDepot) || want(models.EntityRoute)) {
		view := s.Supply.Visualization()
		if want(models.EntityDepot) {
			for _, d := range view.Depots {
				out = append(out, Entity{EntityType: models.EntityDepot, EntityID: d.ID, Version: d.Version, Payload: d})
			}
		}
		if want(models.EntityRoute) {
			for _, r := range view.Routes {
				out = append(out, Entity{EntityType: models.EntityRoute, EntityID: r.ID, Version: r.Version, Payload: r})
			}
		}
	}
	if out == nil {
		out = []Entity{}
	}
	return out
}

func (s StoreSource) Entity(t models.EntityType, id string) Entity {
	gone := Entity{EntityType: t, EntityID: id, Deleted: true}
	switch t {
	case models.EntityRegion:
		if s.Regions == nil {
			return gone
		}
		if r, err := s.Regions.GetByID(id); err == nil {
			return regionEntity(r)
		}
	case models.EntityUser:
		if s.Regions == nil {
			return gone
		}
		if u, err := s.Regions.GetUser(id); err == nil {
			return userEntity(u)
		}
	case models.EntityLaunch:
		if s.Launches == nil {
			return gone
		}
		if l, err := s.Launches.Get(id); err == nil {
			return launchEntity(l)
		}
	case models.EntityDepot:
		if s.Supply == nil {
			return gone
		}
		if d, err := s.Supply.GetDepot(id); err == nil {
			return Entity{EntityType: t, EntityID: d.ID, Version: d.Version, Payload: d}
		}
	case models.EntityRoute:
		if s.Supply == nil {
			return gone
		}
		if r, err := s.Supply.GetRoute(id); err == nil {
			return Entity{EntityType: t, EntityID: r.ID, Version: r.Version, Payload: r}
		}
	}
	return gone
}

func regionEntity(r models.Region) Entity {
	return Entity{EntityType: models.EntityRegion, EntityID: r.ID, Version: r.Version, Payload: r}
}

func userEntity(u models.User) Entity {
	return Entity{EntityType: models.EntityUser, EntityID: u.ID, Version: u.Version, Payload: u}
}

// Launch streams are keyed by region.
func launchEntity(l models.LaunchRecord) Entity {
	return Entity{EntityType: models.EntityLaunch, EntityID: l.RegionID, Version: l.Version, Payload: l}
}
