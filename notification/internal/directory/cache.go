package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/controlplane/common/logging"
)

// CachedDirectory memoizes recipients in Redis. Cache failures are logged
// and fall through to the wrapped Directory. Misses are not cached.
type CachedDirectory struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCached(next Directory, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedDirectory {
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedDirectory{next: next, client: client, ttl: ttl, logger: logger}
}

var _ Directory = (*CachedDirectory)(nil)

func cacheKey(tenantRef string) string {
	return fmt.Sprintf("directory:recipient:%s", tenantRef)
}

func (c *CachedDirectory) Resolve(ctx context.Context, tenantRef string) (*Recipient, error) {
	key := cacheKey(tenantRef)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var r Recipient
		if jsonErr := json.Unmarshal(data, &r); jsonErr == nil {
			return &r, nil
		}
		c.logger.Warn("discarding corrupt directory cache entry", logging.TenantRef(tenantRef))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("directory cache unavailable", logging.TenantRef(tenantRef), logging.Error(err))
	}

	r, err := c.next.Resolve(ctx, tenantRef)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(r); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("failed to cache recipient", logging.TenantRef(tenantRef), logging.Error(err))
		}
	}
	return r, nil
}

// Invalidate drops a cached recipient.
func (c *CachedDirectory) Invalidate(ctx context.Context, tenantRef string) error {
	return c.client.Del(ctx, cacheKey(tenantRef)).Err()
}
