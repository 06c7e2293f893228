// Package ws implements the live execution event feed.
// Clients connect via WebSocket with their API key and receive a JSON message
// for every status change of their executions. Admins receive every caller's events.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/percy/internal/config"
	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/gateway"
	"github.com/jkaninda/percy/internal/observability"
)

// Subprotocol is offered to clients that ask for one.
const Subprotocol = "percy-events-v1"

// Server streams dispatch events to authenticated WebSocket clients.
type Server struct {
	hub     *dispatch.Hub
	keys    *gateway.KeyRing
	cfg     *config.WebSocketGatewayConfig
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewServer creates an event feed server. cfg and metrics may be nil.
func NewServer(hub *dispatch.Hub, keys *gateway.KeyRing, cfg *config.WebSocketGatewayConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	return &Server{
		hub:     hub,
		keys:    keys,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.keys.Authenticate(requestToken(r))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Subscribe before the handshake completes so no event is missed once the client is connected.
	filter := caller.ID
	if caller.IsAdmin() {
		filter = ""
	}
	events, cancel := s.hub.Subscribe(filter)
	defer cancel()

	var origins []string
	if s.cfg != nil {
		origins = s.cfg.AllowedOriginPatterns
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: origins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.metrics.TrackWebSocketClient(1)
	defer s.metrics.TrackWebSocketClient(-1)

	s.logger.Info("event feed client connected",
		slog.String("user_id", caller.ID),
		slog.Bool("all_callers", filter == ""),
	)

	// The feed is one-way; CloseRead discards client frames and cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, events); err != nil {
		s.logger.Debug("event feed client disconnected",
			slog.String("user_id", caller.ID),
			slog.String("error", err.Error()),
		)
	}
}

// stream writes events until ctx ends, the hub closes the channel, or a write fails.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, events <-chan dispatch.Event) error {
	ticker := time.NewTicker(s.cfg.WSPingInterval())
	defer ticker.Stop()
	timeout := s.cfg.WSWriteTimeout()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// requestToken reads the API key from the Authorization header, falling back to
// the token query parameter for browser clients that cannot set headers.
func requestToken(r *http.Request) string {
	if token, ok := gateway.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return r.URL.Query().Get("token")
}
