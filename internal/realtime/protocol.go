package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
)

// Server -> client message types.
const (
	MsgSnapshot = "snapshot"
	MsgDelta    = "delta"
	MsgResync   = "resync"
	MsgError    = "error"
)

// Client -> server message types. A client "resync" asks for fresh state.
const (
	MsgLocationUpdate = "location-update"
	MsgRatePerson     = "rate-person"
	MsgResyncRequest  = "resync"
)

type Envelope struct {
	T string          `json:"t"`
	P json.RawMessage `json:"p"`
}

func Encode(t string, payload any) ([]byte, error) {
	if t == "" {
		return nil, fmt.Errorf("encode: empty envelope type")
	}
	if payload == nil {
		return nil, fmt.Errorf("encode %s: nil payload", t)
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{T: t, P: pb})
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: empty frame")
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if e.T == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.P) == 0 {
		return out, fmt.Errorf("empty payload for type %q", env.T)
	}
	err := json.Unmarshal(env.P, &out)
	return out, err
}

// Entity is the full state of one entity stream at Version. Deleted entities
// carry no payload.
type Entity struct {
	EntityType models.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Version    int64             `json:"version"`
	Deleted    bool              `json:"deleted,omitempty"`
	Payload    any               `json:"payload,omitempty"`
}

// Snapshot is the payload of snapshot and resync messages. A resync answers
// a request for a single entity or entity type.
type Snapshot struct {
	Cause    string   `json:"cause"`
	Entities []Entity `json:"entities"`
}

type ResyncRequest struct {
	EntityType models.EntityType `json:"entityType,omitempty"`
	EntityID   string            `json:"entityId,omitempty"`
}

type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type RatePerson struct {
	TargetUserID string  `json:"targetUserId"`
	RatingChange float64 `json:"ratingChange"`
}

type ErrorMessage struct {
	Code    string `json:"error"`
	Reason  string `json:"reason"`
	Request string `json:"request,omitempty"`
}
