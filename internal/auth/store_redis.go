// Redis-backed TrustedStore, suitable for gateway deployments running more
// than one instance behind a load balancer that must agree on which remote
// IPs are currently trusted. Modelled on retention/redis.go's
// pipeline-write/TTL pattern: each IP is a key set with EXPIRE ==
// ConnectionTimeout, refreshed on every Touch, which reads as "still
// trusted, renew the clock" exactly like the in-memory map's overwrite.
package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nullstream/moongate/internal/logging"
)

const redisKeyPrefix = "moongate:trusted:"

type redisStore struct {
	cli *redis.Client
}

// NewRedisStore returns a TrustedStore backed by cli.
func NewRedisStore(cli *redis.Client) TrustedStore {
	return &redisStore{cli: cli}
}

func (s *redisStore) Touch(ctx context.Context, ip string) (bool, error) {
	key := redisKeyPrefix + ip
	pipe := s.cli.TxPipeline()
	existsCmd := pipe.Exists(ctx, key)
	pipe.Set(ctx, key, time.Now().Unix(), ConnectionTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Sugar().Warnw("auth: redis touch failed", "ip", ip, "err", err)
		return false, err
	}
	return existsCmd.Val() > 0, nil
}

// Prune is a no-op: Redis's own key TTL already expires stale entries, so
// there is nothing left for a periodic sweep to do (unlike the in-memory
// store, which must scan and delete by hand).
func (s *redisStore) Prune(_ context.Context) error {
	return nil
}
