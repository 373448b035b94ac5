package models

import "time"

// Default placeholder names a freshly created room may carry. Title
// generation only renames rooms whose name is still one of these.
const (
	DefaultRoomName  = "New Chat"
	FallbackRoomName = "Untitled"
)

// Room binds one user to one remote conversation/knowledge-base pair.
type Room struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	OwnerUserID         string    `json:"owner_user_id"`
	ConversationHandle  string    `json:"conversation_handle"`
	KnowledgeBaseHandle string    `json:"knowledge_base_handle"`
	SpecializationID    string    `json:"specialization_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IsDefaultName reports whether the room still carries a placeholder name
// and is therefore eligible for auto-titling.
func (r *Room) IsDefaultName() bool {
	return r.Name == DefaultRoomName || r.Name == FallbackRoomName || r.Name == ""
}

// Turn is one persisted message in a room's ordered log. A nil
// AuthorUserID marks an assistant turn.
type Turn struct {
	ID             int64     `json:"id"`
	RoomID         int64     `json:"room_id"`
	AuthorUserID   *string   `json:"author_user_id"`
	Text           string    `json:"text"`
	ResourceIDs    []int64   `json:"resource_ids,omitempty"`
	ResponseHandle *string   `json:"response_handle,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsAssistant reports whether the turn was authored by the assistant.
func (t *Turn) IsAssistant() bool {
	return t.AuthorUserID == nil
}

// Resource is an uploaded or generated file owned by a single user. Turns
// reference resources but never own them.
type Resource struct {
	ID               int64     `json:"id"`
	OwnerUserID      string    `json:"owner_user_id"`
	StoragePath      string    `json:"-"`
	FileName         string    `json:"file_name"`
	SizeBytes        int64     `json:"size_bytes"`
	MimeType         string    `json:"mime_type"`
	RemoteFileHandle *string   `json:"remote_file_handle,omitempty"`
	Generated        bool      `json:"generated"`
	CreatedAt        time.Time `json:"created_at"`
}

// Specialization is a persona prompt pack a room may reference. Its prompt
// becomes the (size-capped) persona segment of the system prompt.
type Specialization struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"-"`
}
