package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rentpe/rentpe-backend/internal/models"
)

// recordSendScript applies the window rules in one round trip.
// Returns {count, reset_ms, last_ms} or {-1, reset_ms} when the ceiling is hit.
var recordSendScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local quota = tonumber(ARGV[3])
local reset = tonumber(redis.call('HGET', key, 'reset_at') or '0')
local count = tonumber(redis.call('HGET', key, 'count') or '0')
if reset == 0 or reset < now then
  count = 1
  reset = now + window
elseif count >= quota then
  return {'-1', string.format('%d', reset)}
else
  count = count + 1
end
redis.call('HSET', key,
  'count', string.format('%d', count),
  'reset_at', string.format('%d', reset),
  'last_sent_at', string.format('%d', now))
redis.call('PEXPIRE', key, window)
return {string.format('%d', count), string.format('%d', reset), string.format('%d', now)}
`)

// RedisWindowStore keeps OTP rate-limit windows in Redis hashes
type RedisWindowStore struct {
	client *redis.Client
	prefix string
}

// NewRedisWindowStore wraps a connected client
func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: "otp:ratelimit"}
}

// ConnectRedis parses a redis:// URL and checks the connection
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisWindowStore) key(userID uuid.UUID, phone string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, userID, phone)
}

func (s *RedisWindowStore) GetRateLimitWindow(ctx context.Context, userID uuid.UUID, phone string) (*models.RateLimitWindow, error) {
	fields, err := s.client.HGetAll(ctx, s.key(userID, phone)).Result()
	if err != nil {
		return nil, fmt.Errorf("load rate limit window: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("rate limit window: %w", ErrNotFound)
	}

	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return nil, fmt.Errorf("parse window count: %w", err)
	}
	reset, err := parseMillis(fields["reset_at"])
	if err != nil {
		return nil, err
	}
	w := &models.RateLimitWindow{UserID: userID, Phone: phone, RequestCount: count, ResetAt: reset}
	if raw, ok := fields["last_sent_at"]; ok && raw != "" {
		last, err := parseMillis(raw)
		if err != nil {
			return nil, err
		}
		w.LastSentAt = &last
	}
	return w, nil
}

func (s *RedisWindowStore) RecordOTPSend(ctx context.Context, userID uuid.UUID, phone string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitWindow, error) {
	res, err := recordSendScript.Run(ctx, s.client,
		[]string{s.key(userID, phone)},
		now.UnixMilli(), policy.Window.Milliseconds(), policy.Quota,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("record otp send: %w", err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("record otp send: unexpected reply %v", res)
	}
	if res[0] == "-1" {
		return nil, ErrQuotaExceeded
	}

	count, err := strconv.Atoi(res[0])
	if err != nil {
		return nil, fmt.Errorf("parse window count: %w", err)
	}
	reset, err := parseMillis(res[1])
	if err != nil {
		return nil, err
	}
	last := time.UnixMilli(now.UnixMilli()).UTC()
	return &models.RateLimitWindow{
		UserID:       userID,
		Phone:        phone,
		RequestCount: count,
		LastSentAt:   &last,
		ResetAt:      reset,
	}, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse window timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
