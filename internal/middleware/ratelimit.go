package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/teamloop/teamloop-backend/internal/database"
	"github.com/teamloop/teamloop-backend/pkg/clientip"
)

const (
	// RateLimitWindow is the fixed window for the global per-IP limit
	RateLimitWindow = 60 * time.Second
	// RateLimitMaxRequests is the maximum number of requests allowed in the window
	RateLimitMaxRequests = 60
	// RateLimitKeyPrefix is the Redis key prefix for the global limiter
	RateLimitKeyPrefix = "ratelimit:"

	// ActorLimitKeyPrefix is the Redis key prefix for per-actor limits
	ActorLimitKeyPrefix = "chatlimit:"
)

// Operation classes for per-actor limiting. Provisioning and membership
// mutation are throttled separately so a runaway client cannot burn the
// homeserver admin API.
const (
	OpClassProvision = "provision"
	OpClassRoom      = "room"
	OpClassSync      = "sync"
)

var actorLimits = map[string]struct {
	max    int
	window time.Duration
}{
	OpClassProvision: {max: 10, window: time.Minute},
	OpClassRoom:      {max: 30, window: time.Minute},
	OpClassSync:      {max: 20, window: time.Minute},
}

// RateLimitMiddleware provides a coarse per-IP fixed-window limit over
// the whole API. Fails open when Redis is unavailable.
func RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ipAddress := clientip.RealClientIP(r)
		ctx := r.Context()

		rateLimitKey := RateLimitKeyPrefix + ipAddress

		newCount, err := database.RedisClient.Incr(ctx, rateLimitKey).Result()
		if err != nil {
			// If Redis fails, allow the request (fail open)
			next.ServeHTTP(w, r)
			return
		}
		if newCount == 1 {
			database.RedisClient.Expire(ctx, rateLimitKey, RateLimitWindow)
		}

		if int(newCount) > RateLimitMaxRequests {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(fmt.Sprintf(`{"success":false,"message":"Rate limit exceeded. Please try again later.","retry_after":%d}`, int(RateLimitWindow.Seconds()))))
			return
		}

		// Add rate limit headers
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(RateLimitMaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(RateLimitMaxRequests-int(newCount)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(RateLimitWindow).Unix(), 10))

		next.ServeHTTP(w, r)
	})
}

// AllowActor applies the fixed-window limit for one actor and operation
// class. Handlers call it after decoding the acting user. Returns false
// when the actor is over budget; fails open on Redis errors so chat
// provisioning never depends on Redis being up.
func AllowActor(ctx context.Context, class, actor string) bool {
	limit, ok := actorLimits[class]
	if !ok {
		return true
	}

	key := ActorLimitKeyPrefix + class + ":" + actor
	count, err := database.RedisClient.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		database.RedisClient.Expire(ctx, key, limit.window)
	}
	return int(count) <= limit.max
}
