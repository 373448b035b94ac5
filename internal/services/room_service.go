package services

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"mentora/internal/database"
	"mentora/internal/models"
)

// HandleProvider allocates provider-side handles at room creation.
// Satisfied by GenerationService.
type HandleProvider interface {
	CreateConversationHandle(ctx context.Context) (string, error)
	CreateKnowledgeBaseHandle(ctx context.Context) (string, error)
}

// RoomService manages chat rooms and their remote handles.
type RoomService struct {
	db              *database.DB
	handles         HandleProvider
	specializations *SpecializationService
}

// NewRoomService creates a new room service
func NewRoomService(db *database.DB, handles HandleProvider, specializations *SpecializationService) *RoomService {
	return &RoomService{
		db:              db,
		handles:         handles,
		specializations: specializations,
	}
}

// Create creates a room with both remote handles allocated up front. The
// row is only written once both handles exist, so a room never surfaces
// with half its provider state missing.
func (s *RoomService) Create(ctx context.Context, ownerUserID, name, specializationID string) (*models.Room, error) {
	if ownerUserID == "" {
		return nil, &ValidationError{Field: "owner_user_id", Reason: "must not be empty"}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultRoomName
	}

	if specializationID != "" && s.specializations != nil && s.specializations.Get(specializationID) == nil {
		return nil, &ValidationError{Field: "specialization_id", Reason: "unknown specialization"}
	}

	convHandle, err := s.handles.CreateConversationHandle(ctx)
	if err != nil {
		return nil, err
	}

	kbHandle, err := s.handles.CreateKnowledgeBaseHandle(ctx)
	if err != nil {
		log.Printf("⚠️ [ROOM] Knowledge base allocation failed, abandoning conversation handle %s: %v", convHandle, err)
		return nil, err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (name, owner_user_id, conversation_handle, knowledge_base_handle, specialization_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, ownerUserID, convHandle, kbHandle, specializationID, now, now)
	if err != nil {
		log.Printf("⚠️ [ROOM] Persist failed, remote handles %s/%s orphaned: %v", convHandle, kbHandle, err)
		return nil, &PersistenceError{Op: "create room", Err: err}
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, &PersistenceError{Op: "read room id", Err: err}
	}

	log.Printf("✅ [ROOM] Created room %d for user %s", id, ownerUserID)
	return &models.Room{
		ID:                  id,
		Name:                name,
		OwnerUserID:         ownerUserID,
		ConversationHandle:  convHandle,
		KnowledgeBaseHandle: kbHandle,
		SpecializationID:    specializationID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// GetOwned loads a room only when it belongs to the given user. A missing
// room and a foreign room look identical to the caller.
func (s *RoomService) GetOwned(ctx context.Context, roomID int64, userID string) (*models.Room, error) {
	room, err := s.get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || room.OwnerUserID != userID {
		return nil, &OwnershipViolation{Kind: "room"}
	}
	return room, nil
}

// ListByOwner returns the user's rooms, most recently updated first.
func (s *RoomService) ListByOwner(ctx context.Context, userID string) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_user_id, conversation_handle, knowledge_base_handle, specialization_id, created_at, updated_at
		FROM rooms WHERE owner_user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, &PersistenceError{Op: "list rooms", Err: err}
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.OwnerUserID, &room.ConversationHandle,
			&room.KnowledgeBaseHandle, &room.SpecializationID, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, &PersistenceError{Op: "scan room", Err: err}
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate rooms", Err: err}
	}
	return rooms, nil
}

// Rename sets a room's name after an ownership check.
func (s *RoomService) Rename(ctx context.Context, roomID int64, userID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	if _, err := s.GetOwned(ctx, roomID, userID); err != nil {
		return err
	}
	return s.setName(ctx, roomID, name)
}

// RenameIfDefault renames a room only while it still carries a placeholder
// name. Used by automatic title generation so user-chosen names are never
// overwritten.
func (s *RoomService) RenameIfDefault(ctx context.Context, roomID int64, name string) (bool, error) {
	room, err := s.get(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room == nil || !room.IsDefaultName() {
		return false, nil
	}
	if err := s.setName(ctx, roomID, name); err != nil {
		return false, err
	}
	return true, nil
}

// Touch bumps a room's updated_at so it sorts to the top of listings.
func (s *RoomService) Touch(ctx context.Context, roomID int64) {
	if _, err := s.db.ExecContext(ctx, `UPDATE rooms SET updated_at = ? WHERE id = ?`, time.Now().UTC(), roomID); err != nil {
		log.Printf("⚠️ [ROOM] Failed to touch room %d: %v", roomID, err)
	}
}

func (s *RoomService) get(ctx context.Context, roomID int64) (*models.Room, error) {
	var room models.Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_user_id, conversation_handle, knowledge_base_handle, specialization_id, created_at, updated_at
		FROM rooms WHERE id = ?`, roomID).
		Scan(&room.ID, &room.Name, &room.OwnerUserID, &room.ConversationHandle,
			&room.KnowledgeBaseHandle, &room.SpecializationID, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load room", Err: err}
	}
	return &room, nil
}

func (s *RoomService) setName(ctx context.Context, roomID int64, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC(), roomID); err != nil {
		return &PersistenceError{Op: "rename room", Err: err}
	}
	return nil
}
