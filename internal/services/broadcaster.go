package services

import (
	"log"
	"sync"

	"mentora/internal/models"

	"github.com/google/uuid"
)

const subscriptionBuffer = 64

// Subscription is one listener on a room's event feed.
type Subscription struct {
	ID     string
	RoomID int64
	C      chan models.ServerMessage
}

// RelayFunc forwards a locally published event to other instances.
type RelayFunc func(roomID int64, msg models.ServerMessage)

// Broadcaster is the in-process pub/sub hub keyed by room. Publish never
// blocks: slow subscribers have events dropped with a log line instead of
// stalling the generation pipeline.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]*Subscription
	relay RelayFunc
}

// NewBroadcaster creates a new broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		rooms: make(map[int64]map[string]*Subscription),
	}
}

// SetRelay installs the cross-instance relay hook. Events published locally
// are also handed to the relay; events arriving FROM the relay go through
// PublishLocal so they are not relayed again.
func (b *Broadcaster) SetRelay(relay RelayFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = relay
}

// Subscribe registers a listener on a room's events.
func (b *Broadcaster) Subscribe(roomID int64) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		RoomID: roomID,
		C:      make(chan models.ServerMessage, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[string]*Subscription)
	}
	b.rooms[roomID][sub.ID] = sub

	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[sub.RoomID]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}

	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.rooms, sub.RoomID)
	}
	close(sub.C)
}

// Publish fans an event out to the room's subscribers and the relay.
func (b *Broadcaster) Publish(roomID int64, msg models.ServerMessage) {
	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()

	b.PublishLocal(roomID, msg)

	if relay != nil {
		relay(roomID, msg)
	}
}

// PublishLocal fans an event out to this instance's subscribers only.
func (b *Broadcaster) PublishLocal(roomID int64, msg models.ServerMessage) {
	msg.RoomID = roomID

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.rooms[roomID] {
		select {
		case sub.C <- msg:
		default:
			log.Printf("⚠️ [BROADCAST] Subscriber %s on room %d is full, dropping %s event", sub.ID, roomID, msg.Type)
		}
	}
}

// SubscriberCount reports the number of listeners on a room.
func (b *Broadcaster) SubscriberCount(roomID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}
