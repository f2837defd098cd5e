package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Claimer serializes concurrent deliveries of one event. Claim reports false when
// another worker already holds key; release must be called after a successful claim.
type Claimer interface {
	Claim(ctx context.Context, key string) (release func(), ok bool, err error)
}

// LocalClaimer is a keyed in-process lock.
type LocalClaimer struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{held: map[string]struct{}{}}
}

func (c *LocalClaimer) Claim(_ context.Context, key string) (func(), bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.held[key]; busy {
		return nil, false, nil
	}
	c.held[key] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.held, key)
		c.mu.Unlock()
	}, true, nil
}

const (
	claimPrefix     = "tonrody:ingest:claim:"
	DefaultClaimTTL = 30 * time.Second
)

// releaseClaim deletes the claim only while it still carries the caller's token.
var releaseClaim = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer shares claims across instances with SET NX. The TTL bounds how long a
// crashed worker can block an event; a claim that outlived its TTL is never released on
// behalf of the worker that took it over.
type RedisClaimer struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

func NewRedisClaimer(client *redis.Client, owner string, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaimer{client: client, owner: owner, ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string) (func(), bool, error) {
	k := claimPrefix + key
	token := c.owner + ":" + uuid.NewString()
	ok, err := c.client.SetNX(ctx, k, token, c.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseClaim.Run(ctx, c.client, []string{k}, token).Err()
	}, true, nil
}
