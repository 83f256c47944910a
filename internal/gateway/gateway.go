package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/auth"
	"github.com/BaudehloBiz/jobber-backend/internal/metrics"
	"github.com/BaudehloBiz/jobber-backend/internal/model"
	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
	"github.com/BaudehloBiz/jobber-backend/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

// Gateway upgrades HTTP requests to WebSocket connections, authenticates
// them and runs the read/write pumps for their lifetime.
type Gateway struct {
	upgrader     websocket.Upgrader
	auth         *auth.Authenticator
	registry     *session.Registry
	dispatcher   *Dispatcher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	outboundSize int
}

// NewGateway creates a gateway. outboundSize bounds each session's send
// channel.
func NewGateway(authenticator *auth.Authenticator, registry *session.Registry, dispatcher *Dispatcher, m *metrics.Metrics, logger *zap.Logger, outboundSize int) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		auth:         authenticator,
		registry:     registry,
		dispatcher:   dispatcher,
		metrics:      m,
		logger:       logger,
		outboundSize: outboundSize,
	}
}

// HandleWS is the HTTP handler for the /ws endpoint. Authentication runs
// after the upgrade so a rejected client receives an error event before the
// connection is closed.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	identity, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		g.rejectConn(conn, err)
		return
	}

	connID := uuid.NewString()
	sess := model.NewSession(identity.SessionID, identity.TenantID, g.outboundSize)
	g.registry.Add(connID, sess)
	g.metrics.IncSessions()

	g.logger.Info("session connected",
		zap.String("conn_id", connID),
		zap.String("session_id", sess.ID),
		zap.String("tenant_id", sess.TenantID))

	ready, err := protocol.NewEvent(protocol.TypeClientReady, protocol.ClientReady{
		ID:         sess.ID,
		CustomerID: sess.TenantID,
	})
	if err == nil {
		sess.TrySend(ready)
	}

	go g.writePump(conn, sess)
	g.readPump(r, conn, connID, sess)
}

// rejectConn sends an error event and tears the connection down. Auth
// failures are terminal for the connection.
func (g *Gateway) rejectConn(conn *websocket.Conn, err error) {
	reason := "invalid_token"
	if errors.Is(err, auth.ErrMissingToken) {
		reason = "missing_token"
	}
	g.metrics.RecordAuthFailure(reason)
	g.logger.Warn("connection rejected",
		zap.String("reason", reason),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	if event, mErr := protocol.NewEvent(protocol.TypeError, protocol.ErrorEvent{Message: err.Error()}); mErr == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(event)
	}
	conn.Close()
}

// readPump reads envelopes off the connection and dispatches them until
// the connection dies. It owns disconnect cleanup: the session is removed
// from the registry and closed, which cancels its worker subscriptions.
func (g *Gateway) readPump(r *http.Request, conn *websocket.Conn, connID string, sess *model.Session) {
	defer func() {
		g.registry.Remove(connID)
		sess.Close()
		g.metrics.DecSessions()
		conn.Close()
		g.logger.Info("session disconnected",
			zap.String("conn_id", connID),
			zap.String("session_id", sess.ID))
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("read error",
					zap.String("conn_id", connID),
					zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.logger.Warn("discarding unparseable message",
				zap.String("conn_id", connID),
				zap.Error(err))
			continue
		}

		reply := g.dispatcher.Dispatch(r.Context(), connID, &env)
		if reply == nil {
			continue
		}
		if !sess.TrySend(reply) {
			g.metrics.RecordDroppedPush()
			g.logger.Warn("dropped reply",
				zap.String("conn_id", connID),
				zap.String("type", env.Type),
				zap.String("request_id", env.ID))
		}
	}
}

// writePump drains the session's outbound channel onto the connection and
// keeps the connection alive with pings. It exits when the channel closes
// or a write fails; a write failure also surfaces to the read pump, which
// handles cleanup.
func (g *Gateway) writePump(conn *websocket.Conn, sess *model.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sess.Outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				g.logger.Warn("write error",
					zap.String("session_id", sess.ID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// extractToken pulls the tenant token from the Authorization header,
// falling back to the token query parameter.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
