package realtime

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const bridgeChannel = "resq:events"

// bridgeMessage is the cross-instance envelope. Origin lets an instance
// skip its own publications.
type bridgeMessage struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBridge mirrors hub events across instances over redis pub/sub so a
// subscriber connected to any instance sees pushes produced by any other.
type RedisBridge struct {
	client     *redis.Client
	hub        *Hub
	instanceID string
	log        zerolog.Logger
	cancel     context.CancelFunc
}

// NewRedisBridge connects the bridge and starts its subscription loop.
func NewRedisBridge(redisURL string, hub *Hub, log zerolog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		client:     client,
		hub:        hub,
		instanceID: uuid.NewString(),
		log:        log.With().Str("component", "realtime-bridge").Logger(),
		cancel:     cancel,
	}
	go b.subscribe(ctx)
	hub.SetBridge(b)
	return b, nil
}

// Publish mirrors a frame to sibling instances. Best-effort: a redis outage
// degrades to single-instance delivery.
func (b *RedisBridge) Publish(room string, frame []byte) {
	msg, err := json.Marshal(bridgeMessage{Origin: b.instanceID, Room: room, Frame: frame})
	if err != nil {
		return
	}
	go func() {
		if err := b.client.Publish(context.Background(), bridgeChannel, msg).Err(); err != nil {
			b.log.Debug().Err(err).Msg("bridge publish failed")
		}
	}()
}

func (b *RedisBridge) subscribe(ctx context.Context) {
	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn().Err(err).Msg("bridge receive failed")
			continue
		}
		var bm bridgeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
			continue
		}
		if bm.Origin == b.instanceID {
			continue
		}
		b.hub.EmitLocal(bm.Room, bm.Frame)
	}
}

// Close stops the subscription loop and releases the client.
func (b *RedisBridge) Close() error {
	b.cancel()
	return b.client.Close()
}
