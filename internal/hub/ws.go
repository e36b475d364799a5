// Package hub exposes the Event Channels bus (C1) over a WebSocket so a
// remote client can watch run progress live instead of polling the store:
// bearer-token authorize, accept, then loop writing until the connection
// drops. This is read-only -- there is no RPC method dispatch, only a
// filtered event stream.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentrun/internal/eventbus"
)

// Server streams bus events to subscribed WebSocket clients.
type Server struct {
	bus       *eventbus.Bus
	authToken string
	logger    *slog.Logger
}

// New builds a Server. An empty authToken disables the endpoint entirely --
// ServeHTTP always answers 401 -- since an unauthenticated live feed of run
// content is not a safe default.
func New(bus *eventbus.Bus, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: bus, authToken: authToken, logger: logger}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.authToken
}

// ServeHTTP upgrades the request and streams bus events matching the
// "topic" query parameter prefix (all events when absent) until the client
// disconnects or the request context ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topic")
	sub := s.bus.Subscribe(prefix)
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	s.logger.Info("hub: client connected", "topic_prefix", prefix)
	defer s.logger.Info("hub: client disconnected", "topic_prefix", prefix)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Warn("hub: write failed, closing", "error", err)
				return
			}
		}
	}
}

// ListenAndServe runs a dedicated HTTP server exposing the stream at /events
// until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	mux := http.NewServeMux()
	mux.Handle("/events", s)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
