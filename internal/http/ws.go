package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rideerr"
	"github.com/example/ride-dispatch/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and waits for a single auth frame. The
// peer gets one grace window to authenticate; everything after that flows
// through the registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", remoteIP(r))
		return
	}

	identity, err := s.awaitAuth(conn)
	if err != nil {
		_ = conn.WriteJSON(ws.ErrorEnvelope(err))
		_ = conn.Close()
		return
	}

	s.Registry.Register(identity.ID, identity.Role, conn)
	observability.ConnectionsActive.Inc()
	defer func() {
		s.Registry.Unregister(identity.ID, conn)
		observability.ConnectionsActive.Dec()
	}()

	conn.SetPongHandler(func(string) error {
		s.Registry.MarkAlive(identity.ID)
		return nil
	})

	if identity.Role == models.RoleDriver {
		if err := s.Tracker.MarkOnline(r.Context(), identity.ID, identity.VehicleType); err != nil {
			s.logger.Error("failed to mark driver online", "driver_id", identity.ID, "error", err)
		}
	}

	s.Registry.Send(identity.ID, ws.EventAuthSuccess, map[string]any{
		"user_id": identity.ID,
		"role":    string(identity.Role),
	})
	s.logger.Info("websocket session started", "user_id", identity.ID, "role", string(identity.Role))

	s.readLoop(conn, identity)
}

// awaitAuth reads exactly one frame within the handshake grace window and
// verifies its token.
func (s *Server) awaitAuth(conn *websocket.Conn) (*auth.Identity, error) {
	grace := s.cfg.HandshakeGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(grace))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindAuthentication, rideerr.CodeInvalidToken, "no auth frame received")
	}
	cmd, err := ws.ParseInbound(data)
	if err != nil {
		return nil, err
	}
	authCmd, ok := cmd.(ws.Auth)
	if !ok {
		return nil, rideerr.New(rideerr.KindAuthentication, rideerr.CodeInvalidToken, "first frame must be auth")
	}
	return s.Verifier.Verify(authCmd.Token)
}

func (s *Server) readLoop(conn *websocket.Conn, identity *auth.Identity) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket closed unexpectedly", "user_id", identity.ID, "error", err)
			}
			return
		}
		s.Registry.MarkAlive(identity.ID)

		cmd, err := ws.ParseInbound(data)
		if err != nil {
			s.sendError(identity.ID, err)
			continue
		}
		s.dispatchFrame(identity, cmd)
	}
}

func (s *Server) dispatchFrame(identity *auth.Identity, cmd ws.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch c := cmd.(type) {
	case ws.Auth:
		// already authenticated; a stray auth frame is harmless
	case ws.LocationUpdate:
		if identity.Role != models.RoleDriver {
			s.sendError(identity.ID, rideerr.New(rideerr.KindAuthorization, rideerr.CodeRoleMismatch, "only drivers send location updates"))
			return
		}
		observability.WSMessages.WithLabelValues("location_update").Inc()
		bearing := 0.0
		if c.Bearing != nil {
			bearing = *c.Bearing
		}
		if err := s.Orchestrator.HandleLocationUpdate(ctx, identity.ID, c.Lat, c.Lng, bearing); err != nil {
			s.sendError(identity.ID, err)
		}
	case ws.ClientOnMyWay:
		if identity.Role != models.RoleClient {
			s.sendError(identity.ID, rideerr.New(rideerr.KindAuthorization, rideerr.CodeRoleMismatch, "only clients send on-my-way"))
			return
		}
		observability.WSMessages.WithLabelValues("client_on_my_way").Inc()
		if err := s.Orchestrator.HandleClientOnMyWay(ctx, identity.ID, c.RideID); err != nil {
			s.sendError(identity.ID, err)
		}
	}
}

func (s *Server) sendError(id string, err error) {
	env := ws.ErrorEnvelope(err)
	s.Registry.Send(id, env.Type, env.Data)
}
