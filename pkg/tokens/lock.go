// pkg/tokens/lock.go
package tokens

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockTTL = 30 * time.Second

// releaseScript deletes the lock only if we still own it; a refresh that
// outlived the TTL must not release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
end
return 0`)

// refreshLock serializes token rotation per (tenant, provider) across
// processes. With no redis client configured it degrades to a no-op and
// the in-process singleflight is the only serialization, which is
// enough for a single-instance deployment.
type refreshLock struct {
	rdb *redis.Client
}

// acquire returns a release func and whether the lock was taken.
func (l *refreshLock) acquire(ctx context.Context, key string) (func(), bool, error) {
	if l.rdb == nil {
		return func() {}, true, nil
	}
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, "refresh-lock:"+key, token, lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		_, _ = releaseScript.Run(context.Background(), l.rdb, []string{"refresh-lock:" + key}, token).Result()
	}
	return release, true, nil
}
