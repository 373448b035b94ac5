package services

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"mentora/internal/database"
	"mentora/internal/models"

	"github.com/google/uuid"
)

// UserService handles user accounts
type UserService struct {
	db *database.DB
}

// NewUserService creates a new user service
func NewUserService(db *database.DB) *UserService {
	return &UserService{db: db}
}

// Create registers a new user with an already-hashed password.
func (s *UserService) Create(ctx context.Context, email, passwordHash string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, &ValidationError{Field: "email", Reason: "must be a valid email address"}
	}

	user := &models.User{
		ID:                 uuid.NewString(),
		Email:              email,
		PasswordHash:       passwordHash,
		Role:               "user",
		AllowMemoryStorage: true,
		CreatedAt:          time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, role, allow_memory_storage, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.Role, user.AllowMemoryStorage, user.CreatedAt)
	if err != nil {
		return nil, &PersistenceError{Op: "create user", Err: err}
	}

	log.Printf("✅ [USER] Created user %s (%s)", user.Email, user.ID)
	return user, nil
}

// GetByEmail looks up a user by email. Returns nil when not found.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, allow_memory_storage, created_at FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))))
}

// GetByID looks up a user by ID. Returns nil when not found.
func (s *UserService) GetByID(ctx context.Context, userID string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, allow_memory_storage, created_at FROM users WHERE id = ?`, userID))
}

// AllowsMemoryStorage reports whether the user opted into context storage.
// Fails open: an unreadable flag counts as allowed.
func (s *UserService) AllowsMemoryStorage(ctx context.Context, userID string) bool {
	var allowed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT allow_memory_storage FROM users WHERE id = ?`, userID).Scan(&allowed)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("⚠️ [USER] Failed to read memory flag for %s: %v", userID, err)
		}
		return true
	}
	return allowed
}

// SetAllowMemoryStorage toggles the user's context storage opt-in.
func (s *UserService) SetAllowMemoryStorage(ctx context.Context, userID string, allowed bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET allow_memory_storage = ? WHERE id = ?`, allowed, userID)
	if err != nil {
		return &PersistenceError{Op: "update memory flag", Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &ValidationError{Field: "user_id", Reason: "unknown user"}
	}
	return nil
}

func (s *UserService) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.AllowMemoryStorage, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load user", Err: err}
	}
	return &user, nil
}
