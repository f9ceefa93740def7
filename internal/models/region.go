package models

import (
	"time"

	"github.com/uptrace/bun"
)

// RegionType is a level of the administrative hierarchy.
type RegionType string

const (
	RegionTypeCountry  RegionType = "COUNTRY"
	RegionTypeRegion   RegionType = "REGION"
	RegionTypeDistrict RegionType = "DISTRICT"
)

// Level returns the depth of the type in the hierarchy (COUNTRY = 0).
// Unknown types return -1.
func (t RegionType) Level() int {
	switch t {
	case RegionTypeCountry:
		return 0
	case RegionTypeRegion:
		return 1
	case RegionTypeDistrict:
		return 2
	}
	return -1
}

// Valid reports whether t is one of the known region types.
func (t RegionType) Valid() bool { return t.Level() >= 0 }

// ParentType is the type a parent of t must have. COUNTRY has none.
func (t RegionType) ParentType() (RegionType, bool) {
	switch t {
	case RegionTypeRegion:
		return RegionTypeCountry, true
	case RegionTypeDistrict:
		return RegionTypeRegion, true
	}
	return "", false
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DistrictBaseline carries the provisioned (unregistered) residents of a
// district. Registered users located in the district are counted on top.
type DistrictBaseline struct {
	Population          int64   `json:"population"`
	AverageSocialRating float64 `json:"averageSocialRating"`
	ImportantPersons    int64   `json:"importantPersons"`
}

// Region is a node of the region tree. REGION and COUNTRY nodes only hold
// aggregates of their children.
type Region struct {
	bun.BaseModel `bun:"table:regions,alias:rg"`

	ID                    string            `bun:"id,pk" json:"id"`
	Name                  string            `bun:"name" json:"name"`
	Type                  RegionType        `bun:"type,notnull" json:"type"`
	ParentID              string            `bun:"parent_id,nullzero" json:"parentId,omitempty"`
	ChildIDs              []string          `bun:"child_ids,array" json:"childIds"`
	Boundary              []GeoPoint        `bun:"boundary,type:jsonb" json:"boundary"`
	PopulationCount       int64             `bun:"population_count" json:"populationCount"`
	ImportantPersonsCount int64             `bun:"important_persons_count" json:"importantPersonsCount"`
	AverageSocialRating   float64           `bun:"average_social_rating" json:"averageSocialRating"`
	UnderThreat           bool              `bun:"under_threat" json:"underThreat"`
	Destroyed             bool              `bun:"destroyed" json:"destroyed"`
	Baseline              *DistrictBaseline `bun:"baseline,type:jsonb" json:"baseline,omitempty"`
	Version               int64             `bun:"version,notnull" json:"version"`
	UpdatedAt             time.Time         `bun:"updated_at,nullzero" json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out of the store.
func (r Region) Clone() Region {
	out := r
	out.ChildIDs = append([]string(nil), r.ChildIDs...)
	out.Boundary = append([]GeoPoint(nil), r.Boundary...)
	if r.Baseline != nil {
		b := *r.Baseline
		out.Baseline = &b
	}
	return out
}

// SameStats reports whether the aggregate fields of r and o match.
func (r Region) SameStats(o Region) bool {
	return r.PopulationCount == o.PopulationCount &&
		r.ImportantPersonsCount == o.ImportantPersonsCount &&
		r.AverageSocialRating == o.AverageSocialRating &&
		r.UnderThreat == o.UnderThreat &&
		r.Destroyed == o.Destroyed
}

// RegionPatch is a partial update of a region's provisioned fields.
type RegionPatch struct {
	Name     *string           `json:"name,omitempty"`
	Boundary []GeoPoint        `json:"boundary,omitempty"`
	Baseline *DistrictBaseline `json:"baseline,omitempty"`
}

// LocationResolution is the result of resolving a point against the region tree.
// Empty ids mean the point is unresolved at that level.
type LocationResolution struct {
	CountryID  string `json:"countryId,omitempty"`
	RegionID   string `json:"regionId,omitempty"`
	DistrictID string `json:"districtId,omitempty"`
}

// Resolved reports whether the point fell inside any region.
func (l LocationResolution) Resolved() bool {
	return l.CountryID != "" || l.RegionID != "" || l.DistrictID != ""
}
