package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"petmarket/pkg/domain"
)

const keyPrefix = "petmarket:guard:"

// releaseScript deletes the key only while it still carries our token, so a
// guard that expired and was taken over is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis guards assets across processes with SET NX PX. The TTL must outlive
// the longest write, settlement wait included.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

type RedisOption func(*Redis)

func WithLogger(logger *slog.Logger) RedisOption {
	return func(g *Redis) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewRedis(client *redis.Client, ttl time.Duration, opts ...RedisOption) *Redis {
	g := &Redis{client: client, ttl: ttl, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func (g *Redis) Acquire(ctx context.Context, asset domain.AssetID, op string) (func(), error) {
	key := keyPrefix + asset.String()
	token := op + ":" + uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire guard %s: %w", asset, err)
	}
	if !ok {
		holder, err := g.client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			holder = "unknown"
		}
		return nil, fmt.Errorf("%w: %s by %s", ErrHeld, asset, holder)
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, g.client, []string{key}, token).Err(); err != nil {
			g.logger.Warn("release guard failed", "asset_id", asset, "error", err)
		}
	}, nil
}
