// Package api exposes the daemon's operations over HTTP and a websocket event
// stream. Handlers translate requests and errors; they hold no business logic.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/chatedit"
	"github.com/matheus3301/wpphub/internal/chatlist"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/outbox"
	wsync "github.com/matheus3301/wpphub/internal/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// requestTimeout bounds every non-streaming request. A cold chat list with
// warmup, retries and a restart fits inside it.
const requestTimeout = 2 * time.Minute

// Services are the operations the transport exposes.
type Services struct {
	Instances *instance.Registry
	Chats     *chatlist.Engine
	History   *wsync.History
	Edits     *chatedit.Service
	Sender    *outbox.Sender
	Metrics   *metrics.Aggregator
	// Bus is the outward event bus. Runtimes created through the API publish
	// to it and the websocket stream fans it out.
	Bus *bus.Bus
}

// Server routes HTTP requests to Services.
type Server struct {
	svc    Services
	stream *Stream
	logger *zap.Logger
}

// NewServer creates a server. Call Close to end websocket clients.
func NewServer(svc Services, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		svc:    svc,
		stream: NewStream(svc.Bus, svc.Instances, logger),
		logger: logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.stream.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/metrics", s.handleMetrics)
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", s.handleGetInstance)
				r.Post("/connect", s.handleConnect)
				r.Post("/send", s.handleSend)
				r.Post("/send-media", s.handleSendMedia)
				r.Get("/chats", s.handleChats)
				r.Route("/chats/{chatID}", func(r chi.Router) {
					r.Get("/messages", s.handleMessages)
					r.Get("/contact", s.handleContact)
					r.Patch("/tags", s.handleTags)
					r.Patch("/stage", s.handleStage)
					r.Patch("/owner", s.handleOwner)
				})
			})
		})
	})
	return r
}

// Close disconnects every websocket client.
func (s *Server) Close() {
	s.stream.Close()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
