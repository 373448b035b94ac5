package services

import (
	"context"
	"database/sql"
	"time"

	"mentora/internal/database"
	"mentora/internal/models"
)

// ResourceService persists file resources: user uploads and generated
// artifacts.
type ResourceService struct {
	db *database.DB
}

// NewResourceService creates a new resource service
func NewResourceService(db *database.DB) *ResourceService {
	return &ResourceService{db: db}
}

// Create persists a resource row and fills in its ID and timestamp.
func (s *ResourceService) Create(ctx context.Context, res *models.Resource) error {
	if res.OwnerUserID == "" {
		return &ValidationError{Field: "owner_user_id", Reason: "must not be empty"}
	}
	if res.FileName == "" {
		return &ValidationError{Field: "file_name", Reason: "must not be empty"}
	}

	res.CreatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (owner_user_id, storage_path, file_name, size_bytes, mime_type, remote_file_handle, generated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.OwnerUserID, res.StoragePath, res.FileName, res.SizeBytes, res.MimeType, res.RemoteFileHandle, res.Generated, res.CreatedAt)
	if err != nil {
		return &PersistenceError{Op: "create resource", Err: err}
	}

	id, err := result.LastInsertId()
	if err != nil {
		return &PersistenceError{Op: "read resource id", Err: err}
	}
	res.ID = id
	return nil
}

// GetOwned loads a resource only when it belongs to the given user.
func (s *ResourceService) GetOwned(ctx context.Context, resourceID int64, userID string) (*models.Resource, error) {
	var res models.Resource
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, storage_path, file_name, size_bytes, mime_type, remote_file_handle, generated, created_at
		FROM resources WHERE id = ?`, resourceID).
		Scan(&res.ID, &res.OwnerUserID, &res.StoragePath, &res.FileName, &res.SizeBytes,
			&res.MimeType, &res.RemoteFileHandle, &res.Generated, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &OwnershipViolation{Kind: "resource"}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load resource", Err: err}
	}
	if res.OwnerUserID != userID {
		return nil, &OwnershipViolation{Kind: "resource"}
	}
	return &res, nil
}

// SetRemoteHandle records the provider-side file handle after upload.
func (s *ResourceService) SetRemoteHandle(ctx context.Context, resourceID int64, handle string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE resources SET remote_file_handle = ? WHERE id = ?`, handle, resourceID); err != nil {
		return &PersistenceError{Op: "set remote handle", Err: err}
	}
	return nil
}

// ListByOwner returns the user's resources, newest first.
func (s *ResourceService) ListByOwner(ctx context.Context, userID string) ([]models.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, storage_path, file_name, size_bytes, mime_type, remote_file_handle, generated, created_at
		FROM resources WHERE owner_user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, &PersistenceError{Op: "list resources", Err: err}
	}
	defer rows.Close()

	resources := []models.Resource{}
	for rows.Next() {
		var res models.Resource
		if err := rows.Scan(&res.ID, &res.OwnerUserID, &res.StoragePath, &res.FileName, &res.SizeBytes,
			&res.MimeType, &res.RemoteFileHandle, &res.Generated, &res.CreatedAt); err != nil {
			return nil, &PersistenceError{Op: "scan resource", Err: err}
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate resources", Err: err}
	}
	return resources, nil
}
