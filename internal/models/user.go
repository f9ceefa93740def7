package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UserStatus is the social status of a user.
type UserStatus string

const (
	UserStatusRegular   UserStatus = "REGULAR"
	UserStatusImportant UserStatus = "IMPORTANT"
	UserStatusVIP       UserStatus = "VIP"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusRegular, UserStatusImportant, UserStatusVIP:
		return true
	}
	return false
}

// Important reports whether the status counts towards importantPersonsCount
// and carries launch privileges.
func (s UserStatus) Important() bool {
	return s == UserStatusImportant || s == UserStatusVIP
}

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID                 string     `bun:"id,pk" json:"id"`
	FullName           string     `bun:"full_name" json:"fullName"`
	Username           string     `bun:"username,unique,notnull" json:"username"`
	PasswordHash       string     `bun:"password_hash" json:"-"`
	SocialRating       float64    `bun:"social_rating" json:"socialRating"`
	Status             UserStatus `bun:"status,notnull" json:"status"`
	CurrentLocation    *GeoPoint  `bun:"current_location,type:jsonb" json:"currentLocation,omitempty"`
	CountryID          string     `bun:"country_id,nullzero" json:"countryId,omitempty"`
	RegionID           string     `bun:"region_id,nullzero" json:"regionId,omitempty"`
	DistrictID         string     `bun:"district_id,nullzero" json:"districtId,omitempty"`
	LastLocationUpdate time.Time  `bun:"last_location_update,nullzero" json:"lastLocationUpdateTimestamp,omitempty"`
	TokenVersion       int        `bun:"token_version" json:"-"`
	Version            int64      `bun:"version,notnull" json:"version"`
	CreatedAt          time.Time  `bun:"created_at,nullzero" json:"createdAt"`
}

// Clone returns a copy that does not share the location pointer.
func (u User) Clone() User {
	out := u
	if u.CurrentLocation != nil {
		loc := *u.CurrentLocation
		out.CurrentLocation = &loc
	}
	return out
}

// InRegion reports whether the user's resolved location lies in regionID at
// any level.
func (u User) InRegion(regionID string) bool {
	return regionID != "" && (u.CountryID == regionID || u.RegionID == regionID || u.DistrictID == regionID)
}

// Resolution returns the user's cached region ids.
func (u User) Resolution() LocationResolution {
	return LocationResolution{CountryID: u.CountryID, RegionID: u.RegionID, DistrictID: u.DistrictID}
}

// LocationUpdateResult is returned from a location update.
type LocationUpdateResult struct {
	LocationResolution
	User User `json:"user"`
}
