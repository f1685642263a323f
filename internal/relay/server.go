// Package relay exposes a hub session to browser and script clients: a
// websocket terminal that streams session events and accepts stdin, and a
// small HTTP API for connection and program control.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/hublink/internal/event"
	"github.com/chaz8081/hublink/internal/hub"
)

// Controller is the part of hub.Controller the relay drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Abort()
	Stop(ctx context.Context) error
	RunSource(ctx context.Context, source string) error
	CompileAndRun(ctx context.Context, source string, slot uint8) error
	WriteStdin(ctx context.Context, data []byte) error
	State() hub.State
	Session() (hub.Session, bool)
}

var _ Controller = (*hub.Controller)(nil)

// Options configures the relay.
type Options struct {
	HistoryBytes   int           // output kept for late joiners
	AllowedOrigins []string      // websocket origins; empty allows any
	CommandTimeout time.Duration // bound on control operations started by clients
}

// Message is the websocket wire format, in both directions.
type Message struct {
	Type   string     `json:"type"`
	Data   string     `json:"data,omitempty"`
	Status *uint32    `json:"status,omitempty"`
	Time   *time.Time `json:"time,omitempty"`
}

// Inbound and relay-only message types. Session events use event.Kind names.
const (
	TypeStdin   = "stdin"
	TypeStop    = "stop"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeHistory = "history"
)

// Server relays one controller's session.
type Server struct {
	ctrl     Controller
	opts     Options
	upgrader websocket.Upgrader

	// mu orders history snapshots against broadcasts so a joining client
	// sees every output byte exactly once.
	mu      sync.Mutex
	history *history
	clients map[*client]struct{}

	unsubscribe func()
}

// New creates a relay for ctrl fed by bus.
func New(ctrl Controller, bus *event.Bus, opts Options) *Server {
	if opts.HistoryBytes <= 0 {
		opts.HistoryBytes = 64 << 10
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = time.Minute
	}
	s := &Server{
		ctrl:    ctrl,
		opts:    opts,
		history: newHistory(opts.HistoryBytes),
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.unsubscribe = bus.Subscribe(s.onEvent)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.health)
	r.Route("/api/hub", func(r chi.Router) {
		r.Get("/", s.session)
		r.Post("/connect", s.connect)
		r.Post("/disconnect", s.disconnect)
		r.Post("/abort", s.abort)
		r.Post("/stop", s.stop)
		r.Post("/run", s.run)
		r.Post("/stdin", s.stdin)
	})
	r.Get("/ws/terminal", s.terminal)
	return r
}

// Close detaches from the bus and disconnects every websocket client.
func (s *Server) Close() {
	s.unsubscribe()
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// onEvent records output and broadcasts every event.
func (s *Server) onEvent(ev event.Event) {
	msg := Message{Type: ev.Kind.String(), Data: ev.Text, Time: &ev.Time}
	if ev.Kind == event.KindStatus {
		flags := uint32(ev.Status)
		msg.Status = &flags
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case event.KindOutput:
		s.history.Write([]byte(ev.Text))
	case event.KindConnected:
		s.history.Reset()
	}
	for c := range s.clients {
		c.SendMessage(msg)
	}
}

func (s *Server) terminal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[RELAY] upgrade failed", "error", err)
		return
	}
	c := newClient(conn)

	s.mu.Lock()
	if text := s.history.String(); text != "" {
		c.SendMessage(Message{Type: TypeHistory, Data: text})
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("[RELAY] terminal attached", "client", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			c.Close()
			c.conn.Close()
			slog.Info("[RELAY] terminal detached", "client", c.id)
		}()
		c.readPump(s.handleMessage)
	}()
}

func (s *Server) handleMessage(c *client, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()

	switch msg.Type {
	case TypeStdin:
		if msg.Data == "" {
			return
		}
		if err := s.ctrl.WriteStdin(ctx, []byte(msg.Data)); err != nil {
			c.SendMessage(Message{Type: event.KindError.String(), Data: err.Error()})
		}
	case TypeStop:
		if err := s.ctrl.Stop(ctx); err != nil {
			c.SendMessage(Message{Type: event.KindError.String(), Data: err.Error()})
		}
	case TypePing:
		c.SendMessage(Message{Type: TypePong})
	default:
		slog.Debug("[RELAY] unknown message type", "type", msg.Type)
	}
}

// requestLogger logs each request the way the rest of the program logs.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("[RELAY] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
