package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many jobs an owner may submit per minute.
// It is a thin wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, jobsPerMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(jobsPerMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow reserves jobs submissions for ownerID; a batch reserves all its members at once
func (l *Limiter) Allow(ctx context.Context, ownerID string, jobs int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(ownerID), jobs)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Quota reports what is left of ownerID's window without consuming any of it
func (l *Limiter) Quota(ctx context.Context, ownerID string) (remaining int64, limit int, err error) {
	res, err := l.store.Status(ctx, key(ownerID))
	if err != nil {
		return 0, 0, err
	}
	return res.Remaining, res.Limit, nil
}

func key(ownerID string) string {
	return fmt.Sprintf("ratelimit:owner:%s", ownerID)
}
