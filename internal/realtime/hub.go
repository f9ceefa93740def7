package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/metrics"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Subscriber is one connection's outbound delta queue. Publish never blocks
// on it: when the queue is full the oldest delta is dropped and the
// subscriber is flagged for a full resync.
type Subscriber struct {
	ID     string
	UserID string

	mu     sync.Mutex
	queue  []models.Delta
	limit  int
	resync bool
	closed bool

	ready chan struct{}
	done  chan struct{}
}

func newSubscriber(userID string, limit int) *Subscriber {
	return &Subscriber{
		ID:     uuid.NewString(),
		UserID: userID,
		limit:  limit,
		queue:  make([]models.Delta, 0, limit),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push queues d and reports whether an older delta had to be dropped and
// whether this drop is the one that raised the resync flag.
func (s *Subscriber) push(d models.Delta) (dropped, flagged bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	if len(s.queue) >= s.limit {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		dropped = true
		flagged = !s.resync
		s.resync = true
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped, flagged
}

// Drain takes every queued delta in publish order and clears the resync flag.
func (s *Subscriber) Drain() ([]models.Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = make([]models.Delta, 0, s.limit)
	resync := s.resync
	s.resync = false
	return out, resync
}

// Ready fires after at least one delta was queued.
func (s *Subscriber) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscriber is unregistered or the hub closes.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	return true
}

// Hub fans committed deltas out to every subscriber. It satisfies
// services.Publisher.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	closed    bool
	logr      *zap.Logger
}

func NewHub(queueSize int, logr *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Hub{subs: make(map[string]*Subscriber), queueSize: queueSize, logr: logr}
}

// Register adds a subscriber for userID. Deltas published from now on are
// queued for it. A closed hub returns a subscriber that is already done.
func (h *Hub) Register(userID string) *Subscriber {
	s := newSubscriber(userID, h.queueSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.subs[s.ID] = s
	metrics.Subscribers.Inc()
	h.logr.Debug("subscriber registered", zap.String("subscriber", s.ID), zap.String("user", userID))
	return s
}

func (h *Hub) Unregister(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s.ID]
	delete(h.subs, s.ID)
	h.mu.Unlock()
	if ok {
		metrics.Subscribers.Dec()
	}
	s.close()
}

// Publish queues d for every subscriber without blocking.
func (h *Hub) Publish(d models.Delta) {
	metrics.DeltasPublishedTotal.WithLabelValues(string(d.EntityType)).Inc()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		dropped, flagged := s.push(d)
		if dropped {
			metrics.DeltasDroppedTotal.Inc()
		}
		if flagged {
			h.logr.Warn("subscriber queue overflow, forcing resync",
				zap.String("subscriber", s.ID), zap.String("user", s.UserID))
		}
	}
}

// Len is the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later registrations are done immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		metrics.Subscribers.Dec()
		s.close()
	}
	h.logr.Info("hub closed", zap.Int("subscribers", len(subs)))
}
