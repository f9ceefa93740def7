package realtime

import (
	"context"
	"fmt"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/metrics"
	"go.uber.org/zap"
)

// Resync causes, as reported in snapshot payloads and metrics.
const (
	CauseConnect  = "connect"
	CauseOverflow = "overflow"
	CauseGap      = "gap"
	CauseClient   = "client"
)

// Conn is the outbound side of a client connection. Send must be safe for
// concurrent use.
type Conn interface {
	Send(b []byte) error
	Close() error
}

// Session streams one subscriber's deltas to its connection. Only Run writes
// snapshots and deltas, so the tracker needs no lock.
type Session struct {
	sub     *Subscriber
	src     Source
	conn    Conn
	tracker *VersionTracker
	resyncs chan ResyncRequest
	logr    *zap.Logger
}

func NewSession(sub *Subscriber, src Source, conn Conn, logr *zap.Logger) *Session {
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Session{
		sub:     sub,
		src:     src,
		conn:    conn,
		tracker: NewVersionTracker(),
		resyncs: make(chan ResyncRequest, 8),
		logr:    logr.With(zap.String("subscriber", sub.ID), zap.String("user", sub.UserID)),
	}
}

// RequestResync asks Run to resend state. It returns false when too many
// requests are already pending.
func (s *Session) RequestResync(req ResyncRequest) bool {
	select {
	case s.resyncs <- req:
		return true
	default:
		return false
	}
}

// SendError reports a failed client request on the connection.
func (s *Session) SendError(code, reason, request string) error {
	b, err := Encode(MsgError, ErrorMessage{Code: code, Reason: reason, Request: request})
	if err != nil {
		return err
	}
	return s.conn.Send(b)
}

// Run sends the initial snapshot and then streams deltas until ctx ends, the
// subscriber is closed or a send fails.
func (s *Session) Run(ctx context.Context) error {
	if err := s.sendSnapshot(CauseConnect); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.sub.Done():
			return nil
		case req := <-s.resyncs:
			if err := s.resync(req); err != nil {
				return err
			}
		case <-s.sub.Ready():
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) flush() error {
	deltas, overflowed := s.sub.Drain()
	if overflowed {
		if err := s.sendSnapshot(CauseOverflow); err != nil {
			return err
		}
	}
	for _, d := range deltas {
		switch s.tracker.Check(d) {
		case Stale:
			continue
		case Gap:
			s.logr.Debug("version gap", zap.String("stream", d.StreamKey()),
				zap.Int64("have", s.tracker.Last(d.EntityType, d.EntityID)), zap.Int64("got", d.Version))
			if err := s.sendEntities(MsgResync, CauseGap, []Entity{s.src.Entity(d.EntityType, d.EntityID)}); err != nil {
				return err
			}
			continue
		}
		b, err := Encode(MsgDelta, d)
		if err != nil {
			return fmt.Errorf("encode delta %s: %w", d.StreamKey(), err)
		}
		if err := s.conn.Send(b); err != nil {
			return err
		}
		s.tracker.Observe(d)
	}
	return nil
}

// resync answers a client request: one entity, one entity type, or a full
// snapshot when both are empty.
func (s *Session) resync(req ResyncRequest) error {
	switch {
	case req.EntityType == "" && req.EntityID == "":
		return s.sendSnapshot(CauseClient)
	case req.EntityID == "":
		return s.sendEntities(MsgResync, CauseClient, s.src.Snapshot(req.EntityType))
	}
	return s.sendEntities(MsgResync, CauseClient, []Entity{s.src.Entity(req.EntityType, req.EntityID)})
}

func (s *Session) sendSnapshot(cause string) error {
	entities := s.src.Snapshot("")
	s.tracker.Reset()
	return s.sendEntities(MsgSnapshot, cause, entities)
}

func (s *Session) sendEntities(typ, cause string, entities []Entity) error {
	for _, e := range entities {
		s.tracker.Seed(e)
	}
	b, err := Encode(typ, Snapshot{Cause: cause, Entities: entities})
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	metrics.ResyncsTotal.WithLabelValues(cause).Inc()
	if cause != CauseConnect {
		s.logr.Info("resync sent", zap.String("cause", cause), zap.Int("entities", len(entities)))
	}
	return s.conn.Send(b)
}
