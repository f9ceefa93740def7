package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxMessageSize = 1 << 20
	writeWait      = 10 * time.Second
)

// Authenticator turns an access token into a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Actions are the mutations a client may send over the socket.
type Actions interface {
	UpdateLocation(ctx context.Context, userID string, pt models.GeoPoint) (models.LocationUpdateResult, error)
	RatePerson(ctx context.Context, raterID, targetID string, change float64) (target, rater models.User, err error)
}

type ServerConfig struct {
	PingInterval    time.Duration
	EventsPerSecond float64
	EventBurst      int
	AllowedOrigins  []string
}

// Server upgrades authenticated requests to websocket sessions.
type Server struct {
	hub      *Hub
	src      Source
	auth     Authenticator
	actions  Actions
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logr     *zap.Logger
}

func NewServer(hub *Hub, src Source, auth Authenticator, actions Actions, cfg ServerConfig, logr *zap.Logger) *Server {
	if logr == nil {
		logr = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = 5
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 10
	}
	return &Server{
		hub:     hub,
		src:     src,
		auth:    auth,
		actions: actions,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
		logr: logr,
	}
}

// originChecker accepts requests without an Origin header, any origin when the
// list contains "*", and otherwise only listed origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimSpace(o))
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		return set[strings.ToLower(origin)]
	}
}

// wsConn serialises writes to the socket.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(b []byte) error {
	return c.write(websocket.TextMessage, b)
}

func (c *wsConn) ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *wsConn) write(kind int, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(kind, b)
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.logr.Debug("websocket auth rejected", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logr.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{ws: ws}
	defer conn.Close()

	pongWait := 2*s.cfg.PingInterval + writeWait
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub := s.hub.Register(userID)
	defer s.hub.Unregister(sub)
	sess := NewSession(sub, s.src, conn, s.logr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logr.Debug("session ended", zap.String("user", userID), zap.Error(err))
		}
		// unblocks the reader
		_ = conn.Close()
	}()
	go func() {
		defer wg.Done()
		s.pingLoop(ctx, conn)
	}()

	s.logr.Info("websocket connected", zap.String("user", userID), zap.String("subscriber", sub.ID))
	s.readLoop(ctx, ws, sess, userID)
	cancel()
	wg.Wait()
	s.logr.Info("websocket disconnected", zap.String("user", userID), zap.String("subscriber", sub.ID))
}

func (s *Server) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, sess *Session, userID string) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), s.cfg.EventBurst)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logr.Debug("websocket read", zap.String("user", userID), zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			_ = sess.SendError("rate_limited", "too many messages", "")
			continue
		}
		s.dispatch(ctx, sess, userID, msg)
	}
}

// dispatch applies one client message. Accepted mutations are reported back
// through the delta stream; only failures get a direct reply.
func (s *Server) dispatch(ctx context.Context, sess *Session, userID string, msg []byte) {
	env, err := DecodeEnvelope(msg)
	if err != nil {
		_ = sess.SendError("bad_message", err.Error(), "")
		return
	}

	switch env.T {
	case MsgLocationUpdate:
		p, derr := DecodePayload[LocationUpdate](env)
		if derr != nil {
			_ = sess.SendError("bad_message", derr.Error(), env.T)
			return
		}
		_, err = s.actions.UpdateLocation(ctx, userID, models.GeoPoint{Latitude: p.Latitude, Longitude: p.Longitude})
	case MsgRatePerson:
		p, derr := DecodePayload[RatePerson](env)
		if derr != nil {
			_ = sess.SendError("bad_message", derr.Error(), env.T)
			return
		}
		_, _, err = s.actions.RatePerson(ctx, userID, p.TargetUserID, p.RatingChange)
	case MsgResyncRequest:
		var req ResyncRequest
		if len(env.P) > 0 && string(env.P) != "null" {
			if req, err = DecodePayload[ResyncRequest](env); err != nil {
				_ = sess.SendError("bad_message", err.Error(), env.T)
				return
			}
		}
		if req.EntityID != "" && req.EntityType == "" {
			_ = sess.SendError("validation_error", "entityId requires entityType", env.T)
			return
		}
		if !sess.RequestResync(req) {
			_ = sess.SendError("rate_limited", "too many pending resync requests", env.T)
		}
		return
	default:
		_ = sess.SendError("unknown_type", "unknown message type "+env.T, env.T)
		return
	}

	if err != nil {
		code := services.Code(err)
		if code == "internal_error" {
			s.logr.Error("websocket action failed", zap.String("type", env.T), zap.String("user", userID), zap.Error(err))
		}
		_ = sess.SendError(code, err.Error(), env.T)
	}
}
