package services

import (
	"testing"

	"mentora/internal/models"
)

func testConn(connID, userID string) *models.UserConnection {
	return &models.UserConnection{
		ConnID:    connID,
		UserID:    userID,
		WriteChan: make(chan models.ServerMessage, 1),
		StopChan:  make(chan bool, 1),
	}
}

func TestConnectionManagerCountForUser(t *testing.T) {
	cm := NewConnectionManager()

	cm.Add(testConn("c1", "user-1"))
	cm.Add(testConn("c2", "user-1"))
	cm.Add(testConn("c3", "user-2"))

	if got := cm.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
	if got := cm.CountForUser("user-1"); got != 2 {
		t.Errorf("CountForUser(user-1) = %d, want 2", got)
	}
	if got := cm.CountForUser("user-3"); got != 0 {
		t.Errorf("CountForUser(user-3) = %d, want 0", got)
	}

	cm.Remove("c1")
	if got := cm.CountForUser("user-1"); got != 1 {
		t.Errorf("CountForUser(user-1) after remove = %d, want 1", got)
	}

	// Removing an unknown connection is a no-op
	cm.Remove("c1")
	if got := cm.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}
