package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"camgate/internal/auth"
	"camgate/internal/camera"
	"camgate/internal/catalog"
	"camgate/internal/mediamtx"
	"camgate/internal/metrics"
	"camgate/internal/retention"
	"camgate/internal/session"
)

// Relay is the slice of the relay client the gateway polls. Health and
// path readiness are sampled on a timer, never in a request path.
type Relay interface {
	Healthy(ctx context.Context) error
	ListPaths(ctx context.Context) ([]mediamtx.PathInfo, error)
}

// Options tunes the gateway.
type Options struct {
	RequestTimeout  time.Duration
	RateLimit       float64
	RateBurst       int
	SendQueueSize   int
	ReadBufferSize  int
	WriteBufferSize int
	RTSPBase        string
	HLSBase         string
	HealthInterval  time.Duration
}

// Server is the WebSocket JSON-RPC gateway. It dispatches client calls to
// the monitor, session controller and retention cleaner, and fans device
// and session notifications out to subscribed connections.
type Server struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	tokens  *auth.Manager
	monitor camera.Monitor
	control *session.Controller
	cleaner *retention.Cleaner
	store   catalog.Store
	relay   Relay

	opts     Options
	upgrader websocket.Upgrader
	methods  map[string]methodSpec

	mu    sync.RWMutex
	conns map[string]*connection

	relayUp   atomic.Bool
	readyMu   sync.RWMutex
	ready     map[string]bool
	startedAt time.Time
}

// NewServer creates the gateway. store and cleaner may be nil when those
// subsystems are not configured; the corresponding methods then report
// relay/internal errors instead of panicking.
func NewServer(log zerolog.Logger, tokens *auth.Manager, monitor camera.Monitor, control *session.Controller, cleaner *retention.Cleaner, store catalog.Store, relay Relay, opts Options, m *metrics.Metrics) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}

	s := &Server{
		log:     log.With().Str("component", "gateway").Logger(),
		metrics: m,
		tokens:  tokens,
		monitor: monitor,
		control: control,
		cleaner: cleaner,
		store:   store,
		relay:   relay,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:     make(map[string]*connection),
		startedAt: time.Now(),
	}
	s.methods = s.methodTable()
	return s
}

// Router builds the HTTP surface: health endpoints, metrics and the
// WebSocket upgrade.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.relayUp.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false,"relay":"unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ready":true}`))
}

// Run polls relay health until ctx is canceled. The cached result feeds
// /readyz and get_status without putting relay I/O in any request path.
func (s *Server) Run(ctx context.Context) {
	s.checkRelay(ctx)
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkRelay(ctx)
		}
	}
}

func (s *Server) checkRelay(ctx context.Context) {
	if s.relay == nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.relay.Healthy(checkCtx)
	up := err == nil
	if up != s.relayUp.Load() {
		if up {
			s.log.Info().Msg("relay reachable")
		} else {
			s.log.Warn().Err(err).Msg("relay unreachable")
		}
	}
	s.relayUp.Store(up)

	ready := make(map[string]bool)
	if up {
		paths, err := s.relay.ListPaths(checkCtx)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to list relay paths")
		}
		for _, p := range paths {
			if p.Ready {
				ready[p.Name] = true
			}
		}
	}
	s.readyMu.Lock()
	s.ready = ready
	s.readyMu.Unlock()
}

// pathReady reports whether the relay saw the named path publishing at the
// last health sample.
func (s *Server) pathReady(name string) bool {
	s.readyMu.RLock()
	defer s.readyMu.RUnlock()
	return s.ready[name]
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConnection(uuid.New().String(), ws, s.log, s.opts.SendQueueSize, rate.Limit(s.opts.RateLimit), s.opts.RateBurst)

	s.mu.Lock()
	s.conns[conn.id] = conn
	total := len(s.conns)
	s.mu.Unlock()
	s.metrics.ConnOpened()
	s.log.Info().Str("conn_id", conn.id).Int("connections", total).Msg("client connected")

	go conn.writePump()
	s.readPump(r.Context(), conn)
}

// readPump owns all reads from one socket. Each request is dispatched on
// its own goroutine so slow handlers do not serialize a connection;
// responses correlate by id, not arrival order.
func (s *Server) readPump(ctx context.Context, conn *connection) {
	defer s.dropConn(conn)

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		go s.handleMessage(ctx, conn, msg)
	}
}

func (s *Server) dropConn(conn *connection) {
	s.mu.Lock()
	if _, ok := s.conns[conn.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn.id)
	total := len(s.conns)
	s.mu.Unlock()

	conn.shutdown()
	s.metrics.ConnClosed()
	s.log.Info().Str("conn_id", conn.id).Int("connections", total).Msg("client disconnected")
}

// Close tears down every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.dropConn(c)
	}
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// broadcast fans a notification out to every connection subscribed to
// topic. eventTime, when nonzero, feeds the notification latency metric.
func (s *Server) broadcast(topic string, n Notification, eventTime time.Time) {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		if c.subscribedTo(topic) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.enqueueJSON(n)
	}
	if !eventTime.IsZero() && len(targets) > 0 {
		s.metrics.ObserveNotificationLatency(time.Since(eventTime))
	}
}

// HandleCameraEvent pushes camera_status_update to topic "camera"
// subscribers. Registered as a monitor event-bus consumer.
func (s *Server) HandleCameraEvent(_ context.Context, ev camera.Event) {
	s.broadcast(topicCamera, newNotification("camera_status_update", map[string]any{
		"device":    ev.Path,
		"event":     string(ev.Kind),
		"status":    string(ev.Device.Status),
		"camera":    ev.Device,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}), ev.Timestamp)
}

// HandleSessionUpdate pushes recording_status_update to topic "recording"
// subscribers. Registered as the session controller's notifier.
func (s *Server) HandleSessionUpdate(rec session.Recording) {
	now := time.Now()
	s.broadcast(topicRecording, newNotification("recording_status_update", map[string]any{
		"device":     rec.Device,
		"session_id": rec.ID,
		"status":     string(rec.Status),
		"filename":   rec.Filename,
		"duration":   now.Sub(rec.StartedAt).Seconds(),
	}), now)
}

const (
	topicCamera    = "camera"
	topicRecording = "recording"
)
