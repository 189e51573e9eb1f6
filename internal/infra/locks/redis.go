package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL  = 30 * time.Second
	defaultRetryWait = 50 * time.Millisecond
	keyPrefix        = "chainvault:vault-lock:"
)

var ErrLockLost = errors.New("vault lock lease expired before release")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds a per-vault lease in redis. A crashed holder loses the lease
// after TTL.
type Redis struct {
	client    redis.UniversalClient
	ttl       time.Duration
	retryWait time.Duration
	onLost    func(vaultID string)
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	RetryWait time.Duration
	// OnLost is called when a release finds the lease already gone.
	OnLost func(vaultID string)
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg), nil
}

func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLeaseTTL
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	return &Redis{client: client, ttl: cfg.TTL, retryWait: cfg.RetryWait, onLost: cfg.OnLost}
}

func (r *Redis) Lock(ctx context.Context, vaultID string) (func(), error) {
	key := keyPrefix + vaultID
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire vault lock: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(r.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		deleted, err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Int64()
		if (err != nil || deleted == 0) && r.onLost != nil {
			r.onLost(vaultID)
		}
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
