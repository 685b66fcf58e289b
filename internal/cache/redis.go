package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is the Redis-backed cache shared across Continuum processes. It
// carries rate-limit counters for the inbound federation enforcement hook,
// mirrored destination resolution results, and per-event fetch backoff
// counters so backoff state survives restarts.
type Shared struct {
	client *redis.Client
	logger *slog.Logger
}

// NewShared connects to the Redis (or DragonflyDB) instance at the given URL.
func NewShared(url string, logger *slog.Logger) (*Shared, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing cache URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	logger.Info("cache connection established", slog.String("addr", opts.Addr))
	return &Shared{client: client, logger: logger}, nil
}

// RateLimitResult reports the outcome of one fixed-window rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// CheckRateLimit increments the fixed-window counter for key and reports
// whether the request is within limit. The window TTL is set on first
// increment.
func (s *Shared) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	full := "ratelimit:" + key

	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, full, window).Err(); err != nil {
			s.logger.Debug("setting rate limit TTL failed", slog.String("error", err.Error()))
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
	}, nil
}

// IncrementBackoff bumps the failure counter for key and returns the new
// count. Counters expire after the cap duration so a long-quiet peer starts
// fresh.
func (s *Shared) IncrementBackoff(ctx context.Context, key string, expiry time.Duration) (int, error) {
	full := "backoff:" + key
	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing backoff counter: %w", err)
	}
	if err := s.client.Expire(ctx, full, expiry).Err(); err != nil {
		s.logger.Debug("setting backoff TTL failed", slog.String("error", err.Error()))
	}
	return int(count), nil
}

// GetBackoff returns the current failure count and the time of the last
// failure for key. A missing counter returns (0, zero time).
func (s *Shared) GetBackoff(ctx context.Context, key string) (int, time.Time, error) {
	full := "backoff:" + key
	count, err := s.client.Get(ctx, full).Int()
	if err == redis.Nil {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("reading backoff counter: %w", err)
	}
	ts, err := s.client.Get(ctx, full+":at").Int64()
	if err != nil && err != redis.Nil {
		return count, time.Time{}, nil
	}
	var at time.Time
	if ts > 0 {
		at = time.UnixMilli(ts)
	}
	return count, at, nil
}

// MarkBackoffTime records the time of the latest failure for key.
func (s *Shared) MarkBackoffTime(ctx context.Context, key string, at time.Time, expiry time.Duration) {
	if err := s.client.Set(ctx, "backoff:"+key+":at", at.UnixMilli(), expiry).Err(); err != nil {
		s.logger.Debug("recording backoff time failed", slog.String("error", err.Error()))
	}
}

// ClearBackoff resets the failure counter for key after a success.
func (s *Shared) ClearBackoff(ctx context.Context, key string) {
	if err := s.client.Del(ctx, "backoff:"+key, "backoff:"+key+":at").Err(); err != nil {
		s.logger.Debug("clearing backoff failed", slog.String("error", err.Error()))
	}
}

// SetString mirrors a small string value (resolved destination, host header)
// into the shared cache.
func (s *Shared) SetString(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Debug("shared cache set failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// GetString reads a mirrored string value. Returns ("", false) on miss.
func (s *Shared) GetString(ctx context.Context, key string) (string, bool) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		s.logger.Debug("shared cache get failed", slog.String("key", key), slog.String("error", err.Error()))
		return "", false
	}
	return v, true
}

// TouchAccessQueue records a media access for the async last_access flusher.
// Entries accumulate in a Redis set drained by the media worker.
func (s *Shared) TouchAccessQueue(ctx context.Context, sha256Hex string) {
	if err := s.client.SAdd(ctx, "media:touched", sha256Hex).Err(); err != nil {
		s.logger.Debug("recording media access failed", slog.String("error", err.Error()))
	}
}

// DrainAccessQueue pops and returns every pending media access record.
func (s *Shared) DrainAccessQueue(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, "media:touched").Result()
	if err != nil {
		return nil, fmt.Errorf("reading media access queue: %w", err)
	}
	if len(members) > 0 {
		if err := s.client.Del(ctx, "media:touched").Err(); err != nil {
			s.logger.Debug("clearing media access queue failed", slog.String("error", err.Error()))
		}
	}
	return members, nil
}

// HealthCheck verifies the Redis connection is alive.
func (s *Shared) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache health check: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Shared) Close() {
	s.logger.Info("closing cache connection")
	s.client.Close()
}
