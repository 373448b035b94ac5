package services

import (
	"context"
	"errors"
	"testing"
)

type fakeHandleProvider struct {
	convErr error
	kbErr   error
	created int
}

func (f *fakeHandleProvider) CreateConversationHandle(ctx context.Context) (string, error) {
	if f.convErr != nil {
		return "", f.convErr
	}
	f.created++
	return "conv-1", nil
}

func (f *fakeHandleProvider) CreateKnowledgeBaseHandle(ctx context.Context) (string, error) {
	if f.kbErr != nil {
		return "", f.kbErr
	}
	f.created++
	return "kb-1", nil
}

func TestRoomCreateAllocatesBothHandles(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "user-1")
	svc := NewRoomService(db, &fakeHandleProvider{}, nil)

	room, err := svc.Create(context.Background(), "user-1", "", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if room.Name != "New Chat" {
		t.Errorf("expected default name, got %q", room.Name)
	}
	if room.ConversationHandle != "conv-1" || room.KnowledgeBaseHandle != "kb-1" {
		t.Errorf("handles not recorded: %+v", room)
	}
}

func TestRoomCreatePartialHandleFailure(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "user-1")
	provider := &fakeHandleProvider{kbErr: errors.New("kb down")}
	svc := NewRoomService(db, provider, nil)

	if _, err := svc.Create(context.Background(), "user-1", "x", ""); err == nil {
		t.Fatal("expected error when knowledge base allocation fails")
	}

	// No half-created room row
	rooms, err := svc.ListByOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("room must not exist after partial handle failure, got %d", len(rooms))
	}
}

func TestRoomOwnership(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "user-1")
	createTestUser(t, db, "user-2")
	svc := NewRoomService(db, &fakeHandleProvider{}, nil)
	ctx := context.Background()

	room, err := svc.Create(ctx, "user-1", "Mine", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.GetOwned(ctx, room.ID, "user-1"); err != nil {
		t.Errorf("owner should access their room: %v", err)
	}

	var violation *OwnershipViolation
	if _, err := svc.GetOwned(ctx, room.ID, "user-2"); !errors.As(err, &violation) {
		t.Errorf("expected OwnershipViolation for foreign room, got %v", err)
	}
	if _, err := svc.GetOwned(ctx, 99999, "user-2"); !errors.As(err, &violation) {
		t.Errorf("missing room should look like an ownership violation, got %v", err)
	}

	if err := svc.Rename(ctx, room.ID, "user-2", "Stolen"); !errors.As(err, &violation) {
		t.Errorf("rename by non-owner should be rejected, got %v", err)
	}
}

func TestRoomRenameIfDefault(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "user-1")
	svc := NewRoomService(db, &fakeHandleProvider{}, nil)
	ctx := context.Background()

	room, err := svc.Create(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	renamed, err := svc.RenameIfDefault(ctx, room.ID, "Trip Planning")
	if err != nil || !renamed {
		t.Fatalf("expected default room renamed, got %v, %v", renamed, err)
	}

	// User-chosen (non-default) names are never overwritten
	renamed, err = svc.RenameIfDefault(ctx, room.ID, "Other Title")
	if err != nil {
		t.Fatalf("RenameIfDefault failed: %v", err)
	}
	if renamed {
		t.Error("non-default room name must not be overwritten")
	}

	got, err := svc.GetOwned(ctx, room.ID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned failed: %v", err)
	}
	if got.Name != "Trip Planning" {
		t.Errorf("expected Trip Planning, got %q", got.Name)
	}
}

func TestRoomCreateUnknownSpecialization(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "user-1")
	specs, err := NewSpecializationService("/nonexistent/specializations.yaml")
	if err != nil {
		t.Fatalf("NewSpecializationService failed: %v", err)
	}
	svc := NewRoomService(db, &fakeHandleProvider{}, specs)

	var validation *ValidationError
	if _, err := svc.Create(context.Background(), "user-1", "", "math-tutor"); !errors.As(err, &validation) {
		t.Errorf("expected ValidationError for unknown specialization, got %v", err)
	}
}
