package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// SnapshotInterval is how often changed documents are written to the
	// snapshot store.
	SnapshotInterval time.Duration
	RequireToken     bool
	AllowedOrigins   []string
	// Per-connection inbound frame rate; zero disables the limit.
	MessagesPerSecond float64
	MessageBurst      int
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
}

type TokenValidator interface {
	ValidateToken(token string) (*domain.User, error)
}

// Authorizer decides whether a user may sync a room.
type Authorizer interface {
	AuthorizeRoom(ctx context.Context, user domain.UserID, room domain.RoomID) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, update []byte) error
}

type ConnectionLimiter interface {
	Allow(r *http.Request) bool
}

type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	UpdateRelayed(source string, bytes int)
}

type Option func(*Server)

func WithTokenValidator(v TokenValidator) Option { return func(s *Server) { s.tokens = v } }

func WithAuthorizer(a Authorizer) Option { return func(s *Server) { s.authz = a } }

func WithPublisher(p Publisher) Option { return func(s *Server) { s.bus = p } }

func WithSnapshots(store SnapshotStore) Option { return func(s *Server) { s.snapshots = store } }

func WithMetrics(m Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithConnectionLimiter(l ConnectionLimiter) Option {
	return func(s *Server) { s.connLimiter = l }
}

// Server accepts relay websocket connections and keeps one hub per topic.
type Server struct {
	cfg         Config
	instanceID  string
	tokens      TokenValidator
	authz       Authorizer
	bus         Publisher
	snapshots   SnapshotStore
	presence    Presence
	metrics     Metrics
	connLimiter ConnectionLimiter
	upgrader    websocket.Upgrader
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	hubs     map[string]*hub
	shutdown chan struct{}
	closed   bool
	conns    sync.WaitGroup
	saving   sync.WaitGroup
}

func NewServer(cfg Config, instanceID string, logger *zap.SugaredLogger, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		hubs:       make(map[string]*hub),
		shutdown:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authenticate resolves the caller and checks room access, answering the
// request itself when it fails. Anonymous callers pass unless RequireToken
// is set.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, room domain.RoomID) (domain.UserID, bool) {
	var user domain.UserID
	if s.tokens != nil {
		token := bearerToken(r)
		if token == "" && s.cfg.RequireToken {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return "", false
		}
		if token != "" {
			u, err := s.tokens.ValidateToken(token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return "", false
			}
			user = u.ID
		}
	}
	if s.authz != nil && user != "" {
		if err := s.authz.AuthorizeRoom(r.Context(), user, room); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, domain.ErrRoomNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return "", false
		}
	}
	return user, true
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// HandleWebSocket serves /ws?topic=whiteboard-<room>&participant_id=<id>.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connLimiter != nil && !s.connLimiter.Allow(r) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	topic := r.URL.Query().Get("topic")
	room, err := RoomFromTopic(topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	participant := r.URL.Query().Get("participant_id")
	if participant == "" {
		http.Error(w, "participant_id is required", http.StatusBadRequest)
		return
	}

	user, ok := s.authenticate(w, r, room)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	c := newClient(conn, participant, user)
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.MessageBurst, 1))
	}

	ctx, span := tracing.TraceRelayConnection(r.Context(), topic, participant)
	defer span.End()

	h := s.acquire(ctx, topic)
	if err := h.add(c); err != nil {
		s.logger.Errorw("failed to sync new client", "topic", topic, "error", err)
		tracing.RecordError(ctx, err)
		s.release(h, c)
		return
	}
	s.join(ctx, topic, c)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
		defer s.metrics.ConnectionClosed()
	}
	s.logger.Infow("client connected", "topic", topic, "participant_id", participant, "user_id", user)

	s.serve(c, h)

	s.release(h, c)
	s.logger.Infow("client disconnected", "topic", topic, "participant_id", participant)
}

// serve runs the connection until either side ends it. All writes happen
// on this goroutine.
func (s *Server) serve(c *client, h *hub) {
	conn := c.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messages := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messages <- data:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messages:
			if err := s.handleFrame(c, h, data); err != nil {
				s.logger.Infow("rejected frame", "participant_id", c.participant, "error", err)
				s.write(c, errorFrame(err.Error()))
				if errors.Is(err, errRateLimited) {
					c.kick()
				}
			}

		case frame := <-c.send:
			if err := s.write(c, frame); err != nil {
				c.kick()
				return
			}

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.kick()
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from client", "participant_id", c.participant, "error", err)
			}
			c.kick()
			return

		case <-c.done:
			s.closeWith(c, websocket.ClosePolicyViolation, c.reason())
			return

		case <-s.shutdown:
			c.kick()
			s.closeWith(c, websocket.CloseGoingAway, "relay shutting down")
			return
		}
	}
}

var errRateLimited = errors.New("rate limit exceeded")

func (s *Server) handleFrame(c *client, h *hub, data []byte) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return errRateLimited
	}
	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	switch f.Kind {
	case FrameSync, FrameUpdate:
		return h.apply(f.Data, c)
	case FrameError:
		s.logger.Debugw("client reported error", "participant_id", c.participant, "message", f.Message)
	}
	return nil
}

func (s *Server) write(c *client, frame []byte) error {
	if frame == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Server) closeWith(c *client, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
}

func errorFrame(message string) []byte {
	frame, err := EncodeFrame(Frame{Kind: FrameError, Message: message})
	if err != nil {
		return nil
	}
	return frame
}

// acquire returns the hub of topic, creating it and loading its snapshot
// on first use.
func (s *Server) acquire(ctx context.Context, topic string) *hub {
	s.mu.Lock()
	h, ok := s.hubs[topic]
	if !ok {
		h = newHub(s, topic)
		s.hubs[topic] = h
	}
	s.mu.Unlock()

	if !ok && s.snapshots != nil {
		if err := h.load(ctx, s.snapshots); err != nil {
			s.logger.Warnw("failed to load snapshot", "topic", topic, "error", err)
		}
	}
	return h
}

// release drops c and retires the hub once nobody is left on it.
func (s *Server) release(h *hub, c *client) {
	s.leave(h.topic, c)
	if h.remove(c) > 0 {
		return
	}
	s.mu.Lock()
	if s.hubs[h.topic] != h || h.size() > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.hubs, h.topic)
	s.saving.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.saving.Done()
		defer h.close()
		if s.snapshots == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.save(ctx, s.snapshots); err != nil {
			s.logger.Warnw("failed to save final snapshot", "topic", h.topic, "error", err)
		}
	}()
}

// HandleBusUpdate applies an update published by another relay instance.
// Topics without local clients are ignored; their snapshot is kept by the
// publishing instance.
func (s *Server) HandleBusUpdate(topic string, update []byte) {
	s.mu.Lock()
	h := s.hubs[topic]
	s.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.apply(update, busOrigin{}); err != nil {
		s.logger.Warnw("failed to apply bus update", "topic", topic, "error", err)
	}
}

func (s *Server) publish(topic string, update []byte) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, topic, update); err != nil {
		s.logger.Warnw("failed to publish update", "topic", topic, "error", err)
	}
}

func (s *Server) relayed(source string, n int) {
	if s.metrics != nil {
		s.metrics.UpdateRelayed(source, n)
	}
}

// Run writes changed documents to the snapshot store and keeps presence
// entries alive until ctx ends.
func (s *Server) Run(ctx context.Context) {
	if s.snapshots == nil && s.presence == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.snapshots != nil {
				s.saveAll(ctx)
			}
			if s.presence != nil {
				if err := s.presence.Refresh(ctx); err != nil {
					s.logger.Warnw("failed to refresh presence", "error", err)
				}
			}
		}
	}
}

func (s *Server) saveAll(ctx context.Context) {
	for _, h := range s.liveHubs() {
		if err := h.save(ctx, s.snapshots); err != nil {
			s.logger.Warnw("failed to save snapshot", "topic", h.topic, "error", err)
		}
	}
}

func (s *Server) liveHubs() []*hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		out = append(out, h)
	}
	return out
}

// Shutdown disconnects every client, waits for the final snapshots and
// drops this instance's presence entries.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.shutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		s.saving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.presence != nil {
		return s.presence.Cleanup(ctx)
	}
	return nil
}

// Stats reports the live hub and connection counts.
func (s *Server) Stats() (hubs, clients int) {
	for _, h := range s.liveHubs() {
		hubs++
		clients += h.size()
	}
	return hubs, clients
}

func (s *Server) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	hubs, clients := s.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"hubs":        hubs,
		"connections": clients,
	})
}
