// Package events implements the Event Bus (§4.6): best-effort, at-most-once
// pub/sub fan-out of model-lifecycle and job-progress updates to many
// interactive subscribers. Grounded on
// internal/domain/chat/hub.go's connection registry, Redis Pub/Sub
// cross-instance fan-out, and per-subscriber drop-on-full buffered send.
package events

import (
	"context"
	"encoding/json"
	"expvar"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Channel names, per §4.6.
const (
	ChannelModelStatus       = "model:status"
	ChannelModelDownload     = "model:download-progress"
	ChannelModelError        = "model:error"
	ChannelJobProgress       = "job:progress"
	ChannelJobComplete       = "job:complete"
	ChannelQueueUpdate       = "queue:update"
	redisFanoutChannel       = "orchestrator:events"
	subscriberBufferCapacity = 64
)

var (
	eventsSentTotal    = expvar.NewInt("events_sent_total")
	eventsDroppedTotal = expvar.NewInt("events_dropped_total")
	subscribersGauge   = expvar.NewInt("events_subscribers")
)

// Event is one message on the bus: a channel name plus its JSON payload.
type Event struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber is one connected listener (a websocket connection, typically).
// Send is buffered; a publisher that finds it full drops the event rather
// than blocking, per the "publishers do not block on subscribers" contract.
type Subscriber struct {
	ID   uuid.UUID
	Send chan Event
}

// Hub is the single process-wide Event Bus instance. All mutable state
// (the subscriber set) lives inside Run's goroutine, following the
// teacher's chat.Hub actor-loop shape.
type Hub struct {
	register   chan *Subscriber
	unregister chan uuid.UUID
	publishCh  chan Event

	redis *redis.Client
}

// NewHub builds a Hub. redisClient may be nil, in which case the bus
// degrades to single-process fan-out only (no cross-instance delivery) —
// the same optional-Redis pattern internal/pkg/database/redis.go uses.
func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		register:   make(chan *Subscriber),
		unregister: make(chan uuid.UUID),
		publishCh:  make(chan Event, 256),
		redis:      redisClient,
	}
}

// Run drives the hub's actor loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	subscribers := make(map[uuid.UUID]*Subscriber)

	var pubsub *redis.PubSub
	var redisCh <-chan *redis.Message
	if h.redis != nil {
		pubsub = h.redis.Subscribe(ctx, redisFanoutChannel)
		redisCh = pubsub.Channel()
		defer pubsub.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.register:
			subscribers[sub.ID] = sub
			subscribersGauge.Set(int64(len(subscribers)))
		case id := <-h.unregister:
			if sub, ok := subscribers[id]; ok {
				close(sub.Send)
				delete(subscribers, id)
				subscribersGauge.Set(int64(len(subscribers)))
			}
		case ev := <-h.publishCh:
			broadcastLocal(subscribers, ev)
			if h.redis != nil {
				h.publishRemote(ctx, ev)
			}
		case msg, ok := <-redisCh:
			if !ok {
				redisCh = nil
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("events: failed to decode cross-instance message")
				continue
			}
			broadcastLocal(subscribers, ev)
		}
	}
}

func broadcastLocal(subscribers map[uuid.UUID]*Subscriber, ev Event) {
	for _, sub := range subscribers {
		select {
		case sub.Send <- ev:
			eventsSentTotal.Add(1)
		default:
			eventsDroppedTotal.Add(1)
		}
	}
}

func (h *Hub) publishRemote(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("events: failed to marshal for cross-instance publish")
		return
	}
	if err := h.redis.Publish(ctx, redisFanoutChannel, data).Err(); err != nil {
		log.Warn().Err(err).Msg("events: redis publish failed, continuing local-only")
	}
}

// Subscribe registers a new subscriber and returns it; the caller is
// responsible for draining Send (typically from a websocket write pump)
// and calling Unsubscribe when the connection closes.
func (h *Hub) Subscribe(ctx context.Context) *Subscriber {
	sub := &Subscriber{ID: uuid.New(), Send: make(chan Event, subscriberBufferCapacity)}
	select {
	case h.register <- sub:
	case <-ctx.Done():
	}
	return sub
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	select {
	case h.unregister <- id:
	case <-time.After(time.Second):
		// Hub loop not draining (shutting down); nothing more to do.
	}
}

func (h *Hub) publish(channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("events: failed to marshal payload")
		return
	}
	select {
	case h.publishCh <- Event{Channel: channel, Payload: data}:
	default:
		eventsDroppedTotal.Add(1)
		log.Warn().Str("channel", channel).Msg("events: publish buffer full, dropping event")
	}
}
