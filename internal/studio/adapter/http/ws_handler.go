package http

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/usecase"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	localFilter = "changeFilter"

	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// ChangeSubscriber registers change listeners.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, listener usecase.Listener) (usecase.UnsubscribeFunc, error)
}

// WebSocketHandler pushes change notifications to WebSocket clients. Each
// connection is one listener on the change bus.
type WebSocketHandler struct {
	subscriber ChangeSubscriber
	filters    *FilterCompiler
	auth       *AuthMiddleware
	log        logger.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(subscriber ChangeSubscriber, filters *FilterCompiler, auth *AuthMiddleware, log logger.Logger) *WebSocketHandler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if auth == nil {
		auth = NewAuthMiddleware("", log)
	}
	return &WebSocketHandler{
		subscriber: subscriber,
		filters:    filters,
		auth:       auth,
		log:        log.WithComponent("websocket"),
	}
}

// WebSocketMessage is every frame exchanged over the socket.
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ChangeNotice is the payload of a change message.
type ChangeNotice struct {
	Collection model.Collection `json:"collection"`
}

// RegisterRoutes registers the listener endpoint.
func (h *WebSocketHandler) RegisterRoutes(router fiber.Router) {
	wsGroup := router.Group("/ws/v1")

	wsGroup.Use("/listen", h.auth.Protect(), func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if expr := c.Query("filter"); expr != "" {
			filter, err := h.filters.Compile(expr)
			if err != nil {
				return writeError(c, apperrors.NewValidationError(err.Error()).WithCause(err))
			}
			c.Locals(localFilter, filter)
		}
		return c.Next()
	})

	wsGroup.Get("/listen", websocket.New(h.handleConnection))
}

// handleConnection runs until the client goes away. Notifications are queued
// to a single writer goroutine; when the client falls behind they are
// dropped rather than blocking the bus.
func (h *WebSocketHandler) handleConnection(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriberID := uuid.NewString()
	filter, _ := conn.Locals(localFilter).(*ChangeFilter)
	log := h.log.WithFields(map[string]interface{}{"subscriberID": subscriberID})

	outbox := make(chan WebSocketMessage, sendBuffer)
	var closeOnce sync.Once
	closed := make(chan struct{})
	stop := func() { closeOnce.Do(func() { close(closed) }) }

	unsubscribe, err := h.subscriber.Subscribe(ctx, func(c model.Collection) {
		if !filter.Match(c) {
			return
		}
		select {
		case <-closed:
		case outbox <- WebSocketMessage{Type: "change", Data: ChangeNotice{Collection: c}}:
		default:
			log.Warn("Dropping change notification for slow client", zap.String("collection", string(c)))
		}
	})
	if err != nil {
		log.Error("Failed to subscribe WebSocket client", zap.Error(err))
		_ = conn.WriteJSON(WebSocketMessage{Type: "error", Data: ErrorResponse{
			Error:   string(apperrors.ErrorTypeInfrastructure),
			Message: "change feed unavailable",
		}})
		return
	}

	log.Info("WebSocket listener connected", zap.String("filter", filterString(filter)))
	defer func() {
		stop()
		unsubscribe()
		log.Info("WebSocket listener disconnected")
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(conn, outbox, closed, log)
	}()

	h.readLoop(conn, outbox, closed, log)
	stop()
	wg.Wait()
}

// readLoop answers application pings and keeps the read deadline moving.
// It returns when the client disconnects.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, outbox chan<- WebSocketMessage, closed <-chan struct{}, log logger.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg WebSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case outbox <- WebSocketMessage{Type: "pong"}:
			case <-closed:
				return
			}
		}
	}
}

// writeLoop is the only goroutine writing to conn.
func (h *WebSocketHandler) writeLoop(conn *websocket.Conn, outbox <-chan WebSocketMessage, closed <-chan struct{}, log logger.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case msg := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("WebSocket write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func filterString(f *ChangeFilter) string {
	if f == nil {
		return ""
	}
	return f.String()
}
