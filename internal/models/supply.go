package models

import "github.com/uptrace/bun"

type SupplyDepot struct {
	bun.BaseModel `bun:"table:supply_depots,alias:sd"`

	ID            string   `bun:"id,pk" json:"depotId"`
	Name          string   `bun:"name,notnull" json:"name"`
	Location      GeoPoint `bun:"location,type:jsonb" json:"location"`
	Capacity      int64    `bun:"capacity" json:"capacity"`
	CurrentStock  int64    `bun:"current_stock" json:"currentStock"`
	SecurityLevel int      `bun:"security_level" json:"securityLevel"`
	DepotType     string   `bun:"depot_type,nullzero" json:"type,omitempty"`
	Version       int64    `bun:"version,notnull" json:"version"`
}

// SupplyRoute is an undirected edge between two depots.
type SupplyRoute struct {
	bun.BaseModel `bun:"table:supply_routes,alias:sr"`

	ID            string  `bun:"id,pk" json:"routeId"`
	SourceDepotID string  `bun:"source_depot_id,notnull" json:"sourceDepotId"`
	TargetDepotID string  `bun:"target_depot_id,notnull" json:"targetDepotId"`
	Distance      float64 `bun:"distance" json:"distance"`
	RiskFactor    float64 `bun:"risk_factor" json:"riskFactor"`
	IsActive      bool    `bun:"is_active" json:"isActive"`
	TransportType string  `bun:"transport_type,nullzero" json:"transportType,omitempty"`
	Version       int64   `bun:"version,notnull" json:"version"`
}

// Weight is the cost Dijkstra minimises: risk strictly penalises distance.
func (r SupplyRoute) Weight() float64 {
	return r.Distance * (1 + r.RiskFactor)
}

// Other returns the endpoint opposite to depotID.
func (r SupplyRoute) Other(depotID string) string {
	if r.SourceDepotID == depotID {
		return r.TargetDepotID
	}
	return r.SourceDepotID
}

// Connects reports whether the route joins a and b in either direction.
func (r SupplyRoute) Connects(a, b string) bool {
	return (r.SourceDepotID == a && r.TargetDepotID == b) || (r.SourceDepotID == b && r.TargetDepotID == a)
}

type RouteHop struct {
	RouteID    string  `json:"routeId"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Distance   float64 `json:"distance"`
	RiskFactor float64 `json:"riskFactor"`
}

// OptimalRoute is the answer to an optimal-route query.
type OptimalRoute struct {
	DepotIDs      []string   `json:"depotIds"`
	Hops          []RouteHop `json:"hops"`
	TotalDistance float64    `json:"totalDistance"`
	TotalRisk     float64    `json:"totalRisk"`
	Cost          float64    `json:"cost"`
	GraphVersion  int64      `json:"graphVersion"`
}

// SupplyChainView is the visualization payload.
type SupplyChainView struct {
	Depots []SupplyDepot `json:"depots"`
	Routes []SupplyRoute `json:"routes"`
}
