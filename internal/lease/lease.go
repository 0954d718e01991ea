package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"FundLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrNotAcquired = errors.New("writer lease held by another instance")
	ErrLost        = errors.New("writer lease lost")
)

// Lease is a single-writer lock with a time to live.
type Lease interface {
	Acquire(ctx context.Context) error
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Connect builds a Redis client from a redis:// URL or a host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// extendScript extends the key only while it still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease holds key with SET NX PX and a per-instance token.
type RedisLease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLease) Token() string { return l.token }

func (l *RedisLease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, ErrNotAcquired)
	}
	return nil
}

func (l *RedisLease) Renew(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLost)
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Local is the lease used without Redis: this process is the only writer.
type Local struct{}

func (Local) Acquire(context.Context) error { return nil }
func (Local) Renew(context.Context) error   { return nil }
func (Local) Release(context.Context) error { return nil }

// Keeper acquires a lease and renews it until the context ends.
type Keeper struct {
	lease   Lease
	renew   time.Duration
	onLost  func(error)
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewKeeper(l Lease, renew time.Duration, onLost func(error), metrics *observability.Metrics, logger zerolog.Logger) *Keeper {
	return &Keeper{lease: l, renew: renew, onLost: onLost, metrics: metrics, logger: logger}
}

// Acquire retries until the lease is obtained or ctx ends.
func (k *Keeper) Acquire(ctx context.Context) error {
	for {
		err := k.lease.Acquire(ctx)
		if err == nil {
			k.setHeld(true)
			k.logger.Info().Msg("writer lease acquired")
			return nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			k.logger.Warn().Err(err).Msg("writer lease acquire failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.renew):
		}
	}
}

// Run renews on every tick. A failed renewal calls onLost once and returns
// the error. On cancellation the lease is released.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.setHeld(false)
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := k.lease.Release(releaseCtx); err != nil {
				k.logger.Warn().Err(err).Msg("writer lease release failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := k.lease.Renew(ctx); err != nil {
				k.setHeld(false)
				k.logger.Error().Err(err).Msg("writer lease lost")
				if k.onLost != nil {
					k.onLost(err)
				}
				return err
			}
		}
	}
}

func (k *Keeper) setHeld(held bool) {
	if k.metrics == nil {
		return
	}
	if held {
		k.metrics.LeaseHeld.Set(1)
	} else {
		k.metrics.LeaseHeld.Set(0)
	}
}
