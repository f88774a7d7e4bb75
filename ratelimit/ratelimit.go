// Package ratelimit implements a fixed-window rate limiter on top of a shared
// Redis store. Counters are incremented atomically with a server-side script
// so that admission control remains correct across processes.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "LIMITER"

// A Limit is a capacity per fixed window, parsed from strings of the form
// "30/second", "500/minute" or "10000/hour".
type Limit struct {
	Capacity int64
	Period   time.Duration
}

func (limit Limit) String() string {
	return fmt.Sprintf("%v/%v", limit.Capacity, limit.Period)
}

// ParseLimit parses a limit string.
func ParseLimit(str string) (Limit, error) {
	parts := strings.SplitN(strings.TrimSpace(str), "/", 2)
	if len(parts) != 2 {
		return Limit{}, fmt.Errorf("invalid rate limit %q", str)
	}
	capacity, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || capacity <= 0 {
		return Limit{}, fmt.Errorf("invalid rate limit capacity %q", parts[0])
	}
	var period time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		period = time.Second
	case "minute":
		period = time.Minute
	case "hour":
		period = time.Hour
	default:
		return Limit{}, fmt.Errorf("invalid rate limit period %q", parts[1])
	}
	return Limit{Capacity: capacity, Period: period}, nil
}

// incrExpire atomically increments the window counter and arms the window
// expiry on the first hit. A single round trip per admission check.
var incrExpire = redis.NewScript(`
local current
current = redis.call("incrby", KEYS[1], ARGV[2])
if tonumber(current) == tonumber(ARGV[2]) then
    redis.call("expire", KEYS[1], ARGV[1])
end
return current
`)

// Limiter admits or denies weighted requests against a fixed-window counter
// shared through Redis. Overflowing increments are not rolled back, so a
// denied request still consumes capacity (fail-closed). Store errors admit
// the request (fail-open) to preserve forward progress.
type Limiter struct {
	logger logrus.FieldLogger
	client redis.Cmdable
	limit  Limit
}

// New returns a new Limiter.
func New(logger logrus.FieldLogger, client redis.Cmdable, limit Limit) *Limiter {
	return &Limiter{
		logger: logger,
		client: client,
		limit:  limit,
	}
}

// TryAdmit charges weight against the window identified by keyBits and
// reports whether the request is admitted. When denied, the returned duration
// is the time until the window resets.
func (limiter *Limiter) TryAdmit(keyBits []string, weight int64) (bool, time.Duration) {
	key := limiter.key(keyBits)
	seconds := int64(limiter.limit.Period / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	current, err := incrExpire.Run(limiter.client, []string{key}, seconds, weight).Int64()
	if err != nil {
		// A deliberate bypass: the limiter must not stall the pipeline when
		// the store is unreachable.
		limiter.logger.Debugf("[ratelimit] bypassing rate limit check: %v", err)
		return true, 0
	}
	if current > limiter.limit.Capacity {
		retryAfter, err := limiter.client.PTTL(key).Result()
		if err != nil || retryAfter < 0 {
			retryAfter = limiter.limit.Period
		}
		return false, retryAfter
	}
	return true, 0
}

func (limiter *Limiter) key(keyBits []string) string {
	return keyPrefix + ":" + strings.Join(keyBits, ":") + ":" + limiter.limit.String()
}
