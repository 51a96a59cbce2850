package replay

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically checks the used marker and takes the pending lock.
// KEYS[1] = used key (string for sparse, bitmap for bitmap)
// KEYS[2] = pending key
// ARGV[1] = kind ("sparse" or "bitmap")
// ARGV[2] = bit offset (bitmap only)
// ARGV[3] = owner
// ARGV[4] = reservation ttl in milliseconds
// Returns 0 when reserved, 1 when already reserved, 2 when already used.
var reserveScript = redis.NewScript(`
local used
if ARGV[1] == "bitmap" then
    used = redis.call("GETBIT", KEYS[1], ARGV[2])
else
    used = redis.call("EXISTS", KEYS[1])
end
if used == 1 then
    return 2
end
if redis.call("SET", KEYS[2], ARGV[3], "NX", "PX", ARGV[4]) then
    return 0
end
return 1
`)

// commitScript sets the used marker and drops the pending lock.
// KEYS and ARGV[1..3] as reserveScript.
var commitScript = redis.NewScript(`
if ARGV[1] == "bitmap" then
    redis.call("SETBIT", KEYS[1], ARGV[2], 1)
else
    redis.call("SET", KEYS[1], "1")
end
local holder = redis.call("GET", KEYS[2])
if holder == false or holder == ARGV[3] then
    redis.call("DEL", KEYS[2])
end
return 1
`)

// releaseScript drops the pending lock if owner still holds it.
// KEYS[1] = pending key, ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultReservationTTL bounds how long a crashed process can hold a nonce.
const DefaultReservationTTL = 5 * time.Minute

// RedisGuard is a Guard shared by every facilitator instance pointed at the
// same Redis. Keys carry a hash tag on the scope so that the used and pending
// keys of one nonce live in the same cluster slot.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisGuard.
type RedisOption func(*RedisGuard)

// WithKeyPrefix sets the prefix of every key the guard writes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(g *RedisGuard) { g.prefix = prefix }
}

// WithReservationTTL sets how long a reservation survives without Commit or Release.
func WithReservationTTL(ttl time.Duration) RedisOption {
	return func(g *RedisGuard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// NewRedisGuard creates a guard backed by client.
func NewRedisGuard(client redis.UniversalClient, opts ...RedisOption) *RedisGuard {
	g := &RedisGuard{
		client: client,
		prefix: "x402:replay:",
		ttl:    DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RedisGuard) keys(key Key) (used, pending string, bit int) {
	tag := "{" + key.Scope + "}"
	nonce := hex.EncodeToString(key.Nonce[:])
	pending = g.prefix + "pending:" + tag + ":" + nonce
	if key.Kind == KindBitmap {
		w := key.Word()
		return g.prefix + "bitmap:" + tag + ":" + hex.EncodeToString(w[:]), pending, int(key.Bit())
	}
	return g.prefix + "used:" + tag + ":" + nonce, pending, 0
}

// Reserve implements Guard.
func (g *RedisGuard) Reserve(ctx context.Context, key Key, owner string) error {
	if err := validate(key); err != nil {
		return err
	}
	used, pending, bit := g.keys(key)

	res, err := reserveScript.Run(ctx, g.client, []string{used, pending},
		key.Kind.String(), bit, owner, g.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis replay reserve: %w", err)
	}
	switch res {
	case 0:
		return nil
	case 1:
		return ErrAlreadyReserved
	case 2:
		return ErrAlreadyUsed
	default:
		return fmt.Errorf("redis replay reserve: unexpected script result %d", res)
	}
}

// Commit implements Guard.
func (g *RedisGuard) Commit(ctx context.Context, key Key, owner string) error {
	if err := validate(key); err != nil {
		return err
	}
	used, pending, bit := g.keys(key)
	if err := commitScript.Run(ctx, g.client, []string{used, pending}, key.Kind.String(), bit, owner).Err(); err != nil {
		return fmt.Errorf("redis replay commit: %w", err)
	}
	return nil
}

// Release implements Guard.
func (g *RedisGuard) Release(ctx context.Context, key Key, owner string) error {
	if err := validate(key); err != nil {
		return err
	}
	_, pending, _ := g.keys(key)
	n, err := releaseScript.Run(ctx, g.client, []string{pending}, owner).Int64()
	if err != nil {
		return fmt.Errorf("redis replay release: %w", err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}
