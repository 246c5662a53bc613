package middleware

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Batch endpoint rate limit: per-device, Redis-backed so limits hold
// across server replicas. 30 batches/min is generous for a 30s flush
// interval; a device hitting it is misbehaving or replaying.

const (
	batchLimitWindow = time.Minute
	batchLimitMax    = 30
	batchLimitPrefix = "batchlimit:"
)

// deviceKey identifies the caller: X-Device-ID header, falling back to
// the remote IP for callers that never set one.
func deviceKey(r *http.Request) string {
	if id := r.Header.Get("X-Device-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BatchRateLimit limits POST /api/sync/batch per device. Fails open when
// Redis is unavailable: sync availability beats strict limiting.
func BatchRateLimit(client *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if client == nil || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := batchLimitPrefix + deviceKey(r)

			count, err := client.Incr(r.Context(), key).Result()
			if err != nil {
				log.Printf("⚠️ Rate limit check failed, allowing request: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if err := client.Expire(r.Context(), key, batchLimitWindow).Err(); err != nil {
					log.Printf("⚠️ Failed to set rate limit expiry: %v", err)
				}
			}

			if count > batchLimitMax {
				ttl, err := client.TTL(r.Context(), key).Result()
				if err != nil || ttl < 0 {
					ttl = batchLimitWindow
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"message": "Too many sync requests, slow down",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
