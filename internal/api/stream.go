package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/instance"
	"go.uber.org/zap"
)

const (
	wsSendBuffer   = 256
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	connectTimeout = 2 * time.Minute
)

// Connector creates instances on behalf of websocket clients.
type Connector interface {
	GetOrCreate(ctx context.Context, id string, sink bus.Sink) (*instance.Runtime, error)
}

// Action is a client request on the stream.
type Action struct {
	Action     string `json:"action"`
	InstanceID string `json:"instanceId"`
}

// Reply acknowledges an Action.
type Reply struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// Stream pushes every outward bus event to websocket clients. A client may
// narrow the stream to one instance with ?instanceId=.
type Stream struct {
	bus       *bus.Bus
	instances Connector
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	cancels map[*websocket.Conn]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewStream creates a stream over b.
func NewStream(b *bus.Bus, instances Connector, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		bus:       b,
		instances: instances,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		cancels: make(map[*websocket.Conn]context.CancelFunc),
	}
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	// The request context ends with the handler; the connection outlives it.
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.cancels[conn] = cancel
	s.wg.Add(2)
	s.mu.Unlock()

	var events <-chan bus.Event
	var unsub func()
	if id := strings.TrimSpace(r.URL.Query().Get("instanceId")); id != "" {
		events, unsub = s.bus.SubscribeInstance("wa.", id, wsSendBuffer)
	} else {
		events, unsub = s.bus.Subscribe("wa.", wsSendBuffer)
	}
	replies := make(chan Reply, 8)

	logger := s.logger.With(zap.String("client", uuid.NewString()), zap.String("remote_addr", r.RemoteAddr))
	logger.Info("websocket client connected")
	go func() {
		defer s.wg.Done()
		s.writePump(ctx, conn, events, replies)
		unsub()
		s.drop(conn, logger)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(ctx, cancel, conn, replies)
	}()
}

func (s *Stream) drop(conn *websocket.Conn, logger *zap.Logger) {
	s.mu.Lock()
	cancel, ok := s.cancels[conn]
	delete(s.cancels, conn)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	_ = conn.Close()
	logger.Info("websocket client disconnected")
}

func (s *Stream) writePump(ctx context.Context, conn *websocket.Conn, events <-chan bus.Event, replies <-chan Reply) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	for {
		select {
		case evt := <-events:
			if err := write(evt); err != nil {
				return
			}
		case rep := <-replies:
			if err := write(rep); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (s *Stream) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- Reply) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var act Action
		if err := conn.ReadJSON(&act); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		switch act.Action {
		case "connect":
			s.connect(ctx, act, replies)
		default:
			reply(ctx, replies, Reply{Type: act.Action, InstanceID: act.InstanceID, Error: "unknown action"})
		}
	}
}

// connect runs in the background so pings and further actions keep flowing
// while the driver initializes.
func (s *Stream) connect(ctx context.Context, act Action, replies chan<- Reply) {
	id := strings.TrimSpace(act.InstanceID)
	if id == "" {
		id = "wa1"
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		rep := Reply{Type: "connect", InstanceID: id, OK: true}
		if _, err := s.instances.GetOrCreate(cctx, id, s.bus); err != nil {
			s.logger.Warn("websocket connect failed", zap.String("instance", id), zap.Error(err))
			rep.OK, rep.Error = false, err.Error()
		}
		reply(ctx, replies, rep)
	}()
}

func reply(ctx context.Context, replies chan<- Reply, rep Reply) {
	select {
	case replies <- rep:
	case <-ctx.Done():
	}
}

// Close disconnects every client and waits for their goroutines.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
