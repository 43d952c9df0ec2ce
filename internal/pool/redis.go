package pool

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

// RedisPool is the cross-process Worker Pool backend: a Redis list holding
// one entry per free slot. Acquire blocks via BLPOP; Release pushes back
// via RPUSH. Multiple processes sharing the same pool key cooperate
// through Redis's atomic list operations, with no separate locking needed.
type RedisPool struct {
	client  *redis.Client
	key     string
	baseDir string
}

// OpenRedisPool connects to addr and (re)initializes the list at key with
// capacity tokens, optionally materializing numbered slot directories
// under baseDir.
func OpenRedisPool(ctx context.Context, addr, key string, capacity int, baseDir string) (*RedisPool, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pool: connect to redis at %s: %w", addr, err)
	}

	p := &RedisPool{client: client, key: key, baseDir: baseDir}

	if err := client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("pool: clear existing pool key %s: %w", key, err)
	}
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("pool: create base dir %s: %w", baseDir, err)
		}
	}
	for i := 0; i < capacity; i++ {
		token := fmt.Sprintf("%d", i)
		if baseDir != "" {
			dir := fmt.Sprintf("%s/%d", baseDir, i)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("pool: create slot %d: %w", i, err)
			}
			token = dir
		}
		if err := client.RPush(ctx, key, token).Err(); err != nil {
			return nil, fmt.Errorf("pool: seed slot %d: %w", i, err)
		}
	}
	return p, nil
}

func (p *RedisPool) Acquire(ctx context.Context) (string, error) {
	res, err := p.client.BLPop(ctx, 0, p.key).Result()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("pool: acquire from %s: %w", p.key, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("pool: unexpected BLPOP reply %v", res)
	}
	return res[1], nil
}

func (p *RedisPool) Release(token string) {
	// best-effort: a release after Close is a no-op by design, matching
	// the contract's idempotent-release requirement.
	_ = p.client.RPush(context.Background(), p.key, token).Err()
}

func (p *RedisPool) QueueLen() (int, error) {
	n, err := p.client.LLen(context.Background(), p.key).Result()
	if err != nil {
		return 0, fmt.Errorf("pool: queue length of %s: %w", p.key, err)
	}
	return int(n), nil
}

func (p *RedisPool) Close() error {
	ctx := context.Background()
	for {
		n, err := p.client.LLen(ctx, p.key).Result()
		if err != nil {
			return fmt.Errorf("pool: close %s: %w", p.key, err)
		}
		if n == 0 {
			break
		}
		token, err := p.client.LPop(ctx, p.key).Result()
		if err != nil {
			break
		}
		if p.baseDir != "" {
			_ = os.RemoveAll(token)
		}
	}
	return p.client.Close()
}

var _ Pool = (*RedisPool)(nil)
