package models

// EntityType names a synchronised entity stream.
type EntityType string

const (
	EntityRegion EntityType = "region"
	EntityUser   EntityType = "user"
	EntityLaunch EntityType = "launch"
	EntityDepot  EntityType = "depot"
	EntityRoute  EntityType = "route"
)

// Event names carried on deltas, as seen by realtime clients.
const (
	EventUserLocationUpdate = "user-location-update"
	EventRegionStatusUpdate = "region-status-update"
	EventMissileLaunch      = "missile-launch"
	EventSupplyChainUpdate  = "supply-chain-update"
)

// Delta is an incremental, versioned change notification. Version is
// contiguous per (EntityType, EntityID).
type Delta struct {
	Event      string     `json:"event"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Version    int64      `json:"version"`
	Payload    any        `json:"payload"`
}

// StreamKey identifies the entity stream of the delta.
func (d Delta) StreamKey() string {
	return StreamKey(d.EntityType, d.EntityID)
}

func StreamKey(t EntityType, id string) string {
	return string(t) + "/" + id
}
