package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/cloudcodex/gateway/internal/broker"
	"github.com/cloudcodex/gateway/internal/domain"
	"github.com/cloudcodex/gateway/internal/registry"
	"github.com/cloudcodex/gateway/internal/supervisor"
)

const callTimeout = 90 * time.Second

// Server is the boundary adapter: it upgrades client connections, resolves
// their sessions, translates verbs, and fans session events back out.
type Server struct {
	registry *registry.Registry
	broker   *broker.Broker
	auditor  *broker.Auditor
	hub      *hub
	upgrader websocket.Upgrader
}

// NewServer creates a gateway server and subscribes it to the registry.
func NewServer(reg *registry.Registry, brk *broker.Broker, auditor *broker.Auditor) *Server {
	s := &Server{
		registry: reg,
		broker:   brk,
		auditor:  auditor,
		hub:      newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	reg.SetListener(registry.Listener{
		OnSessionEvent:    s.onSessionEvent,
		OnIRUpdate:        s.onIRUpdate,
		OnApprovalRequest: s.onApprovalRequest,
		OnSessionError:    s.onSessionError,
		OnExit:            s.onExit,
	})
	return s
}

// RegisterRoutes registers the gateway routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
	e.GET("/health", s.handleHealth)
}

// RegisterInternalRoutes registers operator-facing routes.
func (s *Server) RegisterInternalRoutes(e *echo.Echo) {
	e.GET("/internal/audits", s.handleAudits)
}

// HandleWebSocket upgrades a client connection and binds it to the user's
// session. Identity is asserted by the boundary layer: the X-User-ID header
// or the user_id query parameter.
func (s *Server) HandleWebSocket(c echo.Context) error {
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" {
		userID = c.QueryParam("user_id")
	}
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user identity required"})
	}

	sess, err := s.registry.GetOrCreate(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := newClient(sess.ID, userID, conn)
	replay, evicted := s.hub.register(cl)
	go cl.writePump()

	cl.send(newFrame(TypeResponse, map[string]any{
		"status":    "connected",
		"sessionId": sess.ID,
	}, ""))
	if evicted > 0 {
		// The replay tail is partial; the client should wait for the next
		// ir/update snapshot for anything older.
		cl.send(newFrame(TypeEvent, map[string]any{
			"type":    "session/replayTruncated",
			"evicted": evicted,
		}, ""))
	}
	for _, frame := range replay {
		cl.send(frame)
	}

	s.readPump(cl)
	s.hub.unregister(cl)
	return nil
}

// readPump processes inbound frames until the connection drops. A client
// disconnect never destroys the session.
func (s *Server) readPump(cl *client) {
	for {
		var frame Frame
		if err := cl.conn.ReadJSON(&frame); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WARN: client read error (session %s): %v", cl.sessionID, err)
			}
			return
		}
		s.handleFrame(cl, frame)
	}
}

func (s *Server) handleFrame(cl *client, frame Frame) {
	switch frame.Type {
	case TypeThreadStart, TypeThreadResume, TypeTurnStart, TypeTurnInterrupt:
		s.forwardCall(cl, frame)
	case TypeApprovalRespond:
		s.handleApprovalRespond(cl, frame)
	default:
		cl.send(newFrame(TypeError, ErrorPayload{Message: "unknown frame type: " + frame.Type}, frame.RequestID))
	}
}

// forwardCall translates a client verb into an agent request. The verb and
// the agent method share names.
func (s *Server) forwardCall(cl *client, frame Frame) {
	var params map[string]any
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			cl.send(newFrame(TypeError, ErrorPayload{Message: "invalid payload"}, frame.RequestID))
			return
		}
	}

	// Calls block on the agent; run them off the read loop so interrupts
	// can overtake a pending turn.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		result, err := s.registry.CallAgent(ctx, cl.sessionID, frame.Type, params)
		if err != nil {
			payload := ErrorPayload{Message: err.Error()}
			var rpcErr *supervisor.RPCError
			if errors.As(err, &rpcErr) {
				payload.Summary = rpcErr.Summary
			}
			cl.send(newFrame(TypeError, payload, frame.RequestID))
			return
		}
		cl.send(Frame{Type: TypeResponse, Payload: result, RequestID: frame.RequestID})
	}()
}

func (s *Server) handleApprovalRespond(cl *client, frame Frame) {
	var payload ApprovalRespondPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		cl.send(newFrame(TypeError, ErrorPayload{Message: "invalid approval payload"}, frame.RequestID))
		return
	}

	decision := domain.Decision(payload.Decision)
	if err := s.broker.Resolve(cl.sessionID, payload.ApprovalID, decision, payload.AcceptSettings); err != nil {
		log.Printf("WARN: approval respond dropped (session %s): %v", cl.sessionID, err)
		cl.send(newFrame(TypeError, ErrorPayload{Message: err.Error()}, frame.RequestID))
		return
	}
	cl.send(newFrame(TypeResponse, map[string]any{"status": "ok"}, frame.RequestID))
}

// --- registry listener ---

func (s *Server) onSessionEvent(sessionID, userID string, ev domain.RawEvent) {
	s.hub.broadcast(sessionID, newFrame(TypeEvent, ev, ""))
}

func (s *Server) onIRUpdate(sessionID, userID string, view *domain.RunView) {
	s.hub.broadcast(sessionID, newFrame(TypeIRUpdate, view, ""))
}

func (s *Server) onApprovalRequest(sessionID, userID string, frame map[string]any) {
	s.hub.broadcast(sessionID, newFrame(TypeApprovalRequest, frame, ""))
}

func (s *Server) onSessionError(sessionID, userID string, perr domain.ProcessError) {
	s.hub.broadcast(sessionID, newFrame(TypeError, ErrorPayload{
		Message: perr.Details,
		Summary: perr.Summary,
		Source:  string(perr.Source),
	}, ""))
}

func (s *Server) onExit(sessionID, userID string, exitCode int) {
	s.hub.broadcast(sessionID, newFrame(TypeEvent, map[string]any{
		"type":     "session/exit",
		"exitCode": exitCode,
	}, ""))
	s.hub.dropSession(sessionID)
}

// --- operational handlers ---

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"sessions":    s.registry.Count(),
		"connections": s.hub.connectionCount(),
		"approvals":   s.broker.PendingCount(),
	})
}

func (s *Server) handleAudits(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"audits": s.auditor.ByUser(userID),
	})
}
