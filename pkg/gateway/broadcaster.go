package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster fans job events out to all authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates an event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast enqueues an event for every authenticated client. Clients
// whose buffers are full are disconnected rather than waited on.
func (b *EventBroadcaster) Broadcast(event, jobID string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		JobID:     jobID,
		Seq:       b.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Authenticated()
	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, client := range clients {
		if !client.Enqueue(payload) {
			client.Close()
			b.clients.Remove(client.ID)
			dropped++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Str("job_id", jobID).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)-dropped).
		Int("dropped", dropped).
		Msg("Event broadcast")
}
