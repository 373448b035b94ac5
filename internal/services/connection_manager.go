package services

import (
	"log"
	"sync"

	"mentora/internal/models"
)

// ConnectionManager manages all active WebSocket connections
type ConnectionManager struct {
	connections map[string]*models.UserConnection
	mutex       sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.UserConnection),
	}
}

// Add adds a new connection
func (cm *ConnectionManager) Add(conn *models.UserConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.connections[conn.ConnID] = conn
	log.Printf("✅ Connection added: %s (Total: %d)", conn.ConnID, len(cm.connections))
}

// Remove removes a connection and closes its channels
func (cm *ConnectionManager) Remove(connID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if conn, exists := cm.connections[connID]; exists {
		conn.MarkClosed()
		close(conn.WriteChan)
		close(conn.StopChan)
		delete(cm.connections, connID)
		log.Printf("❌ Connection removed: %s (Total: %d)", connID, len(cm.connections))
	}
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// CountForUser returns the number of active connections for one user
func (cm *ConnectionManager) CountForUser(userID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	count := 0
	for _, conn := range cm.connections {
		if conn.UserID == userID {
			count++
		}
	}
	return count
}
