package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"verifid/internal/blobstore"
	id "verifid/pkg/domain"
)

// RedisIdempotencyGuard backs submission claims with Redis SET NX, so the
// fast path works across service replicas.
type RedisIdempotencyGuard struct {
	client *redis.Client
}

func NewRedisIdempotencyGuard(client *redis.Client) *RedisIdempotencyGuard {
	return &RedisIdempotencyGuard{client: client}
}

func idempotencyRedisKey(tenantID id.TenantID, fp blobstore.Fingerprint) string {
	return fmt.Sprintf("verifid:submission:%s:%s", tenantID, fp)
}

func (g *RedisIdempotencyGuard) Reserve(ctx context.Context, tenantID id.TenantID, fp blobstore.Fingerprint, sessionID id.SessionID, ttl time.Duration) (id.SessionID, bool, error) {
	key := idempotencyRedisKey(tenantID, fp)
	ok, err := g.client.SetNX(ctx, key, sessionID.String(), ttl).Result()
	if err != nil {
		return id.SessionID{}, false, fmt.Errorf("reserve submission claim: %w", err)
	}
	if ok {
		return sessionID, true, nil
	}

	holder, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Claim expired between SetNX and Get; let the caller retry
			// against the store's unique index.
			return sessionID, true, nil
		}
		return id.SessionID{}, false, fmt.Errorf("read submission claim: %w", err)
	}
	holderID, err := id.ParseSessionID(holder)
	if err != nil {
		return id.SessionID{}, false, fmt.Errorf("parse submission claim holder: %w", err)
	}
	return holderID, false, nil
}

func (g *RedisIdempotencyGuard) Release(ctx context.Context, tenantID id.TenantID, fp blobstore.Fingerprint) error {
	if err := g.client.Del(ctx, idempotencyRedisKey(tenantID, fp)).Err(); err != nil {
		return fmt.Errorf("release submission claim: %w", err)
	}
	return nil
}
