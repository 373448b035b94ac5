package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Client-initiated action types.
const (
	ActionGenerateFile = "generate_file"
)

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type       string  `json:"type"` // "chat_message" or "ping"
	RoomID     int64   `json:"room_id,omitempty"`
	Content    string  `json:"content,omitempty"`
	FileIDs    []int64 `json:"file_ids,omitempty"`    // Resources attached to this turn
	Action     string  `json:"action,omitempty"`      // "generate_file"
	FileFormat string  `json:"file_format,omitempty"` // "pdf" or "docx"
}

// ServerMessage represents a message sent to the client
type ServerMessage struct {
	Type         string `json:"type"` // "ai_start", "ai_chunk", "ai_end", "ai_file", "error", "room_title", "connected", "pong"
	RoomID       int64  `json:"room_id,omitempty"`
	Content      string `json:"content,omitempty"`
	Title        string `json:"title,omitempty"`
	FileURL      string `json:"file_url,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
}

// UserConnection represents a single WebSocket connection bound to one room
type UserConnection struct {
	ConnID    string
	UserID    string
	RoomID    int64
	Conn      *websocket.Conn
	CreatedAt time.Time
	WriteChan chan ServerMessage
	StopChan  chan bool
	Mutex     sync.Mutex
	closed    bool
}

// SafeSend sends a message to WriteChan safely, returning false if the channel is closed
func (uc *UserConnection) SafeSend(msg ServerMessage) bool {
	uc.Mutex.Lock()
	if uc.closed {
		uc.Mutex.Unlock()
		return false
	}
	uc.Mutex.Unlock()

	// Use defer/recover to handle panic from send on closed channel
	defer func() {
		if r := recover(); r != nil {
			uc.Mutex.Lock()
			uc.closed = true
			uc.Mutex.Unlock()
		}
	}()

	uc.WriteChan <- msg
	return true
}

// MarkClosed marks the connection as closed
func (uc *UserConnection) MarkClosed() {
	uc.Mutex.Lock()
	uc.closed = true
	uc.Mutex.Unlock()
}

// IsClosed returns true if the connection has been marked as closed
func (uc *UserConnection) IsClosed() bool {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.closed
}

// ChatRequest represents a request to an OpenAI-compatible chat completion API
type ChatRequest struct {
	Model        string                   `json:"model"`
	Messages     []map[string]interface{} `json:"messages"`
	Stream       bool                     `json:"stream"`
	Temperature  float64                  `json:"temperature,omitempty"`
	MaxTokens    int                      `json:"max_tokens,omitempty"`
	Conversation string                   `json:"conversation,omitempty"`
	Tools        []map[string]interface{} `json:"tools,omitempty"`
}
