package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/wpphub/internal/api"
	"go.uber.org/zap"
)

// HTTPServer serves the REST and websocket API.
type HTTPServer struct {
	api      *api.Server
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewHTTPServer binds addr. Binding happens up front so a busy port fails
// daemon startup.
func NewHTTPServer(addr string, a *api.Server, logger *zap.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &HTTPServer{
		api: a,
		srv: &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr is the bound address.
func (h *HTTPServer) Addr() string {
	return h.listener.Addr().String()
}

// Start serves until Stop. Blocks.
func (h *HTTPServer) Start() error {
	h.logger.Info("http server starting", zap.String("addr", h.Addr()))
	if err := h.srv.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and disconnects websocket clients.
func (h *HTTPServer) Stop(ctx context.Context) {
	h.logger.Info("http server stopping")
	h.api.Close()
	if err := h.srv.Shutdown(ctx); err != nil {
		h.logger.Warn("http shutdown", zap.Error(err))
	}
}
