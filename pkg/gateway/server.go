package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/wxclaw/wxclaw/pkg/logger"
	"github.com/wxclaw/wxclaw/pkg/metrics"
)

// StatusFunc reports per-channel health for /healthz.
type StatusFunc func() map[string]interface{}

type Server struct {
	addr   string
	hub    *Hub
	status StatusFunc
	http   *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(host string, port int, hub *Hub, status StatusFunc) *Server {
	return &Server{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		hub:    hub,
		status: status,
	}
}

func (s *Server) Addr() string {
	return s.addr
}

// Handler serves /healthz, /metrics and /ws. ctx bounds websocket sessions.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(ctx, w, r)
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	}
	if s.status != nil {
		body["channels"] = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WarnCF("gateway", "Failed to write health response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Start runs the hub and begins listening in the background.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	s.http = &http.Server{
		Handler:           s.Handler(s.ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(s.ctx)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "Gateway server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("gateway", "Gateway listening", map[string]interface{}{
		"addr": s.addr,
	})
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
