package handlers

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"mentora/internal/models"
	"mentora/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Per-user chat message budget, enforced through Redis when available.
const (
	chatRateLimit  = 30
	chatRateWindow = time.Minute
)

// A single user keeps at most this many sockets open across all rooms.
const maxConnectionsPerUser = 8

// WebSocketHandler handles WebSocket connections. Each connection is bound
// to one room for its whole lifetime; the room comes from the route.
type WebSocketHandler struct {
	connManager  *services.ConnectionManager
	broadcaster  *services.Broadcaster
	orchestrator *services.StreamOrchestrator
	rooms        *services.RoomService
	metrics      *services.Metrics
	redis        *services.RedisService // optional
}

// NewWebSocketHandler creates a new WebSocket handler. redis may be nil, in
// which case chat messages are not rate limited.
func NewWebSocketHandler(connManager *services.ConnectionManager, broadcaster *services.Broadcaster, orchestrator *services.StreamOrchestrator, rooms *services.RoomService, metrics *services.Metrics, redis *services.RedisService) *WebSocketHandler {
	return &WebSocketHandler{
		connManager:  connManager,
		broadcaster:  broadcaster,
		orchestrator: orchestrator,
		rooms:        rooms,
		metrics:      metrics,
		redis:        redis,
	}
}

// Handle handles a new WebSocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	userID := c.Locals("user_id").(string)

	roomID, err := strconv.ParseInt(c.Params("roomId"), 10, 64)
	if err != nil {
		log.Printf("⚠️ [WS] Invalid room id %q from %s", c.Params("roomId"), connID)
		c.WriteJSON(models.ServerMessage{
			Type:         "error",
			ErrorCode:    "invalid_request",
			ErrorMessage: "Invalid room id",
		})
		c.Close()
		return
	}

	// Room ownership is checked once, at attach time. Fail closed.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = h.rooms.GetOwned(ctx, roomID, userID)
	cancel()
	if err != nil {
		log.Printf("⚠️ [WS] Rejected connection to room %d for user %s: %v", roomID, userID, err)
		c.WriteJSON(models.ServerMessage{
			Type:         "error",
			ErrorCode:    "ownership_violation",
			ErrorMessage: "Room not found",
		})
		c.Close()
		return
	}

	if h.connManager.CountForUser(userID) >= maxConnectionsPerUser {
		log.Printf("⚠️ [WS] Connection cap reached for user %s", userID)
		c.WriteJSON(models.ServerMessage{
			Type:         "error",
			ErrorCode:    "too_many_connections",
			ErrorMessage: "Too many open connections",
		})
		c.Close()
		return
	}

	done := make(chan struct{})

	userConn := &models.UserConnection{
		ConnID:    connID,
		UserID:    userID,
		RoomID:    roomID,
		Conn:      c,
		CreatedAt: time.Now(),
		WriteChan: make(chan models.ServerMessage, 100),
		StopChan:  make(chan bool, 1),
	}

	h.connManager.Add(userConn)
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnect()
	}

	sub := h.broadcaster.Subscribe(roomID)

	defer func() {
		close(done)
		h.broadcaster.Unsubscribe(sub)
		h.connManager.Remove(connID)
		if h.metrics != nil {
			h.metrics.RecordWebSocketDisconnect()
		}
	}()

	// Allow long generation pauses between reads.
	c.SetReadDeadline(time.Now().Add(360 * time.Second))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(360 * time.Second))
		return nil
	})

	go h.pingLoop(userConn, done)
	go h.writeLoop(userConn)
	go h.pumpRoomEvents(userConn, sub, done)

	userConn.SafeSend(models.ServerMessage{
		Type:    "connected",
		RoomID:  roomID,
		Content: "WebSocket connected. Ready to receive messages.",
	})

	h.readLoop(userConn)
}

// pingLoop sends periodic pings to keep the connection alive while a
// response is still streaming.
func (h *WebSocketHandler) pingLoop(userConn *models.UserConnection, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			userConn.Mutex.Lock()
			if err := userConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", userConn.ConnID, err)
				userConn.Mutex.Unlock()
				return
			}
			userConn.Mutex.Unlock()
		}
	}
}

// pumpRoomEvents forwards room events from the broadcaster to this
// connection's write channel.
func (h *WebSocketHandler) pumpRoomEvents(userConn *models.UserConnection, sub *services.Subscription, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if !userConn.SafeSend(msg) {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordWebSocketMessage(msg.Type, "outbound")
			}
		}
	}
}

// readLoop handles incoming messages from the client
func (h *WebSocketHandler) readLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := userConn.Conn.ReadMessage()
		if err != nil {
			log.Printf("❌ WebSocket read error for %s: %v", userConn.ConnID, err)
			break
		}

		userConn.Conn.SetReadDeadline(time.Now().Add(360 * time.Second))

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			log.Printf("⚠️ Invalid message format from %s: %v", userConn.ConnID, err)
			userConn.SafeSend(models.ServerMessage{
				Type:         "error",
				ErrorCode:    "invalid_format",
				ErrorMessage: "Invalid message format",
			})
			continue
		}

		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(clientMsg.Type, "inbound")
		}

		switch clientMsg.Type {
		case "ping":
			userConn.SafeSend(models.ServerMessage{Type: "pong"})
		case "chat_message":
			h.handleChatMessage(userConn, clientMsg)
		default:
			log.Printf("⚠️ Unknown message type: %s", clientMsg.Type)
		}
	}
}

// handleChatMessage handles a chat message from the client
func (h *WebSocketHandler) handleChatMessage(userConn *models.UserConnection, clientMsg models.ClientMessage) {
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, exceeded, err := h.redis.CheckRateLimit(ctx, "ratelimit:chat:"+userConn.UserID, chatRateLimit, chatRateWindow)
		cancel()
		if err != nil {
			log.Printf("⚠️ Rate limit check failed for %s: %v", userConn.UserID, err)
		} else if exceeded {
			log.Printf("⚠️ Chat rate limit exceeded for user %s", userConn.UserID)
			userConn.SafeSend(models.ServerMessage{
				Type:         "error",
				RoomID:       userConn.RoomID,
				ErrorCode:    "rate_limited",
				ErrorMessage: "Too many messages, slow down",
			})
			return
		}
	}

	log.Printf("💬 Chat message from %s (user: %s, length: %d chars)",
		userConn.ConnID, userConn.UserID, len(clientMsg.Content))

	in := services.TurnInput{
		RoomID:      userConn.RoomID,
		UserID:      userConn.UserID,
		Text:        clientMsg.Content,
		ResourceIDs: clientMsg.FileIDs,
		Action:      clientMsg.Action,
		FileFormat:  clientMsg.FileFormat,
	}

	go h.orchestrator.ProcessTurn(context.Background(), in)
}

// writeLoop handles outgoing messages to the client
func (h *WebSocketHandler) writeLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for msg := range userConn.WriteChan {
		if err := userConn.Conn.WriteJSON(msg); err != nil {
			log.Printf("❌ WebSocket write error for %s: %v", userConn.ConnID, err)
			return
		}
	}
}
