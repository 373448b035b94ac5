package services

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"mentora/internal/database"
	"mentora/internal/models"
)

// ConversationLog persists turns (user messages and assistant responses)
// for a room. Appends to the same room are serialized so turn order matches
// insertion order even under concurrent callers.
type ConversationLog struct {
	db *database.DB

	mu        sync.Mutex
	roomLocks map[int64]*sync.Mutex
}

// NewConversationLog creates a new conversation log
func NewConversationLog(db *database.DB) *ConversationLog {
	return &ConversationLog{
		db:        db,
		roomLocks: make(map[int64]*sync.Mutex),
	}
}

func (s *ConversationLog) lockFor(roomID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.roomLocks[roomID] = lock
	}
	return lock
}

// Append persists a turn. A nil authorUserID marks an assistant turn.
// When a user turn attaches resources, every one of them must belong to the
// author; otherwise the turn is not persisted and an OwnershipViolation is
// returned. Assistant turns attach synthesized artifacts, which are owned
// by the requesting user, so they skip the check.
func (s *ConversationLog) Append(ctx context.Context, roomID int64, authorUserID *string, text string, resourceIDs []int64) (*models.Turn, error) {
	if text == "" {
		return nil, &ValidationError{Field: "text", Reason: "must not be empty"}
	}

	lock := s.lockFor(roomID)
	lock.Lock()
	defer lock.Unlock()

	// Ownership check before anything is written
	if authorUserID != nil && len(resourceIDs) > 0 {
		if err := s.verifyResourceOwnership(ctx, *authorUserID, resourceIDs); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin turn transaction", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO turns (room_id, author_user_id, text, created_at) VALUES (?, ?, ?, ?)`,
		roomID, authorUserID, text, now)
	if err != nil {
		return nil, &PersistenceError{Op: "insert turn", Err: err}
	}

	turnID, err := result.LastInsertId()
	if err != nil {
		return nil, &PersistenceError{Op: "read turn id", Err: err}
	}

	for i, resourceID := range resourceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turn_resources (turn_id, resource_id, position) VALUES (?, ?, ?)`,
			turnID, resourceID, i); err != nil {
			return nil, &PersistenceError{Op: "attach turn resource", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "commit turn", Err: err}
	}

	return &models.Turn{
		ID:           turnID,
		RoomID:       roomID,
		AuthorUserID: authorUserID,
		Text:         text,
		ResourceIDs:  resourceIDs,
		CreatedAt:    now,
	}, nil
}

// SetResponseHandle records the provider-side message handle on an
// assistant turn after streaming completes.
func (s *ConversationLog) SetResponseHandle(ctx context.Context, turnID int64, handle string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE turns SET response_handle = ? WHERE id = ?`, handle, turnID); err != nil {
		return &PersistenceError{Op: "set response handle", Err: err}
	}
	return nil
}

// CountSince counts turns in a room. With assistantOnly it counts only
// assistant turns, which backs the extraction bootstrap window.
func (s *ConversationLog) CountSince(ctx context.Context, roomID int64, assistantOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM turns WHERE room_id = ?`
	if assistantOnly {
		query += ` AND author_user_id IS NULL`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, roomID).Scan(&count); err != nil {
		return 0, &PersistenceError{Op: "count turns", Err: err}
	}
	return count, nil
}

// History returns every turn in the room in creation order.
func (s *ConversationLog) History(ctx context.Context, roomID int64) ([]models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT id, room_id, author_user_id, text, response_handle, created_at
		 FROM turns WHERE room_id = ? ORDER BY id ASC`, roomID)
}

// ListTurns returns a page of turns for HTTP listing, newest last.
func (s *ConversationLog) ListTurns(ctx context.Context, roomID int64, limit, offset int) ([]models.Turn, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	return s.queryTurns(ctx,
		`SELECT id, room_id, author_user_id, text, response_handle, created_at
		 FROM turns WHERE room_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`, roomID, limit, offset)
}

func (s *ConversationLog) queryTurns(ctx context.Context, query string, args ...interface{}) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "query turns", Err: err}
	}
	defer rows.Close()

	turns := []models.Turn{}
	for rows.Next() {
		var turn models.Turn
		if err := rows.Scan(&turn.ID, &turn.RoomID, &turn.AuthorUserID, &turn.Text, &turn.ResponseHandle, &turn.CreatedAt); err != nil {
			return nil, &PersistenceError{Op: "scan turn", Err: err}
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate turns", Err: err}
	}

	if err := s.loadResourceIDs(ctx, turns); err != nil {
		return nil, err
	}
	return turns, nil
}

func (s *ConversationLog) loadResourceIDs(ctx context.Context, turns []models.Turn) error {
	for i := range turns {
		rows, err := s.db.QueryContext(ctx,
			`SELECT resource_id FROM turn_resources WHERE turn_id = ? ORDER BY position ASC`, turns[i].ID)
		if err != nil {
			return &PersistenceError{Op: "query turn resources", Err: err}
		}

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return &PersistenceError{Op: "scan turn resource", Err: err}
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return &PersistenceError{Op: "iterate turn resources", Err: err}
		}
		rows.Close()
		turns[i].ResourceIDs = ids
	}
	return nil
}

func (s *ConversationLog) verifyResourceOwnership(ctx context.Context, userID string, resourceIDs []int64) error {
	for _, resourceID := range resourceIDs {
		var owner string
		err := s.db.QueryRowContext(ctx,
			`SELECT owner_user_id FROM resources WHERE id = ?`, resourceID).Scan(&owner)
		if err == sql.ErrNoRows {
			log.Printf("🚫 [CONVERSATION-LOG] Resource %d not found for user %s", resourceID, userID)
			return &OwnershipViolation{Kind: "resource"}
		}
		if err != nil {
			return &PersistenceError{Op: "check resource ownership", Err: err}
		}
		if owner != userID {
			log.Printf("🚫 [CONVERSATION-LOG] Resource %d does not belong to user %s", resourceID, userID)
			return &OwnershipViolation{Kind: "resource"}
		}
	}
	return nil
}
