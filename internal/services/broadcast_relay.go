package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"mentora/internal/models"
)

// relayEnvelope wraps a room event on the Redis wire. InstanceID suppresses
// loops: an instance ignores its own published events.
type relayEnvelope struct {
	InstanceID string               `json:"instanceId"`
	RoomID     int64                `json:"roomId"`
	Event      models.ServerMessage `json:"event"`
}

// BroadcastRelay mirrors room events across instances over Redis pub/sub so
// that a client connected to one instance still sees a stream generated on
// another.
type BroadcastRelay struct {
	redis       *RedisService
	broadcaster *Broadcaster
	instanceID  string
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBroadcastRelay creates a new relay
func NewBroadcastRelay(redisService *RedisService, broadcaster *Broadcaster, instanceID string) *BroadcastRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &BroadcastRelay{
		redis:       redisService,
		broadcaster: broadcaster,
		instanceID:  instanceID,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func roomChannel(roomID int64) string {
	return fmt.Sprintf("room:%d:events", roomID)
}

// Start hooks the relay into the broadcaster and begins listening for
// events from other instances.
func (r *BroadcastRelay) Start() error {
	pubsub := r.redis.PSubscribe(r.ctx, "room:*:events")

	if _, err := pubsub.Receive(r.ctx); err != nil {
		return fmt.Errorf("failed to subscribe to room events: %w", err)
	}

	r.broadcaster.SetRelay(r.publish)

	go func() {
		ch := pubsub.Channel()
		defer pubsub.Close()

		for {
			select {
			case <-r.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handleMessage(msg.Channel, msg.Payload)
			}
		}
	}()

	log.Printf("✅ [RELAY] Room event relay started (instance: %s)", r.instanceID)
	return nil
}

// publish forwards a locally published event to the other instances.
func (r *BroadcastRelay) publish(roomID int64, msg models.ServerMessage) {
	envelope := relayEnvelope{
		InstanceID: r.instanceID,
		RoomID:     roomID,
		Event:      msg,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("⚠️ [RELAY] Failed to encode event: %v", err)
		return
	}

	if err := r.redis.Publish(r.ctx, roomChannel(roomID), data); err != nil {
		log.Printf("⚠️ [RELAY] Failed to publish event for room %d: %v", roomID, err)
	}
}

// handleMessage re-publishes an event from another instance locally.
func (r *BroadcastRelay) handleMessage(channel, payload string) {
	var envelope relayEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		log.Printf("⚠️ [RELAY] Failed to decode event on %s: %v", channel, err)
		return
	}

	if envelope.InstanceID == r.instanceID {
		return
	}

	roomID := envelope.RoomID
	if roomID == 0 {
		// Fall back to the channel name
		parts := strings.Split(channel, ":")
		if len(parts) == 3 {
			roomID, _ = strconv.ParseInt(parts[1], 10, 64)
		}
	}
	if roomID == 0 {
		return
	}

	r.broadcaster.PublishLocal(roomID, envelope.Event)
}

// Stop shuts the relay down.
func (r *BroadcastRelay) Stop() {
	r.cancel()
}
