package models

import (
	"time"

	"github.com/uptrace/bun"
)

// LaunchState is a state of the per-region launch workflow.
type LaunchState string

const (
	LaunchIdle       LaunchState = "IDLE"
	LaunchRequested  LaunchState = "REQUESTED"
	LaunchConfirmed  LaunchState = "CONFIRMED"
	LaunchInProgress LaunchState = "IN_PROGRESS"
	LaunchCompleted  LaunchState = "COMPLETED"
	LaunchFailed     LaunchState = "FAILED"
	LaunchCancelled  LaunchState = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s LaunchState) Terminal() bool {
	return s == LaunchCompleted || s == LaunchFailed || s == LaunchCancelled
}

// Cancellable reports whether the requester may still abort the launch.
func (s LaunchState) Cancellable() bool {
	return s == LaunchRequested || s == LaunchConfirmed
}

type LaunchRecord struct {
	bun.BaseModel `bun:"table:launch_records,alias:lr"`

	ID            string      `bun:"id,pk" json:"id"`
	RegionID      string      `bun:"region_id,notnull" json:"regionId"`
	State         LaunchState `bun:"state,notnull" json:"state"`
	RequestedBy   string      `bun:"requested_by,nullzero" json:"requestedBy,omitempty"`
	ConfirmedBy   string      `bun:"confirmed_by,nullzero" json:"confirmedBy,omitempty"`
	RequestedAt   time.Time   `bun:"requested_at,nullzero" json:"requestedAt"`
	ConfirmedAt   *time.Time  `bun:"confirmed_at" json:"confirmedAt,omitempty"`
	StartedAt     *time.Time  `bun:"started_at" json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `bun:"completed_at" json:"completedAt,omitempty"`
	FailedAt      *time.Time  `bun:"failed_at" json:"failedAt,omitempty"`
	CancelledAt   *time.Time  `bun:"cancelled_at" json:"cancelledAt,omitempty"`
	FailureReason string      `bun:"failure_reason,nullzero" json:"failureReason,omitempty"`
	// Version is the region's launch stream counter; it keeps increasing across
	// successive records of the same region.
	Version int64 `bun:"version,notnull" json:"version"`
}

// Clone copies the record including its timestamps.
func (l LaunchRecord) Clone() LaunchRecord {
	out := l
	out.ConfirmedAt = cloneTime(l.ConfirmedAt)
	out.StartedAt = cloneTime(l.StartedAt)
	out.CompletedAt = cloneTime(l.CompletedAt)
	out.FailedAt = cloneTime(l.FailedAt)
	out.CancelledAt = cloneTime(l.CancelledAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
