package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisPattern = topicPrefix + "*"

type bridgeMessage struct {
	Instance string `json:"instance"`
	Event    Event  `json:"event"`
}

// RedisBridge mirrors hub events across server instances through Redis pub/sub. Each
// message carries the sender's instance id so an instance ignores its own echo.
type RedisBridge struct {
	client   *redis.Client
	hub      *Hub
	instance string
	timeout  time.Duration
}

func NewRedisBridge(client *redis.Client, hub *Hub) *RedisBridge {
	b := &RedisBridge{client: client, hub: hub, instance: uuid.NewString(), timeout: 2 * time.Second}
	hub.SetRelay(b)
	return b
}

// ConnectRedis dials addr and verifies the connection.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (b *RedisBridge) Forward(ev Event) {
	data, err := json.Marshal(bridgeMessage{Instance: b.instance, Event: ev})
	if err != nil {
		log.Error().Err(err).Str("lobby_id", ev.LobbyID).Msg("encode bridged event failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.client.Publish(ctx, Topic(ev.LobbyID), data).Err(); err != nil {
		log.Warn().Err(err).Str("lobby_id", ev.LobbyID).Str("event", ev.Type).Msg("redis publish failed")
	}
}

// Run relays remote events into the local hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, redisPattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) handle(channel string, payload []byte) {
	var m bridgeMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("invalid bridged event")
		return
	}
	if m.Instance == b.instance {
		return
	}
	lobbyID, ok := LobbyFromTopic(channel)
	if !ok || m.Event.LobbyID != lobbyID {
		return
	}
	b.hub.Deliver(m.Event)
}
