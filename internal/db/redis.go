package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/centromex/vassist/internal/models"
)

const redisKeyPrefix = "vassist"

var redisCreateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: record, expected status index, new status index
// ARGV: expected, new status, fulfiller, updated_at, updated_us, id
var redisUpdateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "status") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[4], "updated_us", ARGV[5])
if ARGV[3] ~= "" then
  redis.call("HSET", KEYS[1], "fulfiller_name", ARGV[3])
end
local score = redis.call("HGET", KEYS[1], "created_us")
redis.call("ZREM", KEYS[2], ARGV[6])
redis.call("ZADD", KEYS[3], score, ARGV[6])
return redis.call("HGETALL", KEYS[1])
`)

// KEYS: terminal status indexes
// ARGV: cutoff in unix micros, record key prefix
var redisPurgeScript = redis.NewScript(`
local removed = 0
local cutoff = tonumber(ARGV[1])
for _, zkey in ipairs(KEYS) do
  local ids = redis.call("ZRANGE", zkey, 0, -1)
  for _, id in ipairs(ids) do
    local rkey = ARGV[2] .. id
    local updated = tonumber(redis.call("HGET", rkey, "updated_us") or "0")
    if updated < cutoff then
      redis.call("DEL", rkey)
      redis.call("ZREM", zkey, id)
      removed = removed + 1
    end
  end
end
return removed
`)

// RedisStore keeps each request in a hash and one sorted set per status,
// scored by creation time. Every status change runs as a single script.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

func newRedisFromDSN(dsn string) (*RedisStore, error) {
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return NewRedisStore(redis.NewClient(opts)), nil
	}
	if dsn == "" {
		dsn = "localhost:6379"
	}
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: dsn})), nil
}

func (s *RedisStore) recordPrefix() string {
	return s.prefix + ":req:"
}

func (s *RedisStore) recordKey(id string) string {
	return s.recordPrefix() + id
}

func (s *RedisStore) statusKey(status models.RequestStatus) string {
	return s.prefix + ":status:" + string(status)
}

func (s *RedisStore) Create(ctx context.Context, req *models.Request) error {
	now := time.Now().UTC()
	req.Status = models.StatusPending
	req.FulfillerName = nil
	req.CreatedAt = now
	req.UpdatedAt = now

	args := []interface{}{req.ID, now.UnixMicro()}
	for field, value := range encodeRequest(req) {
		args = append(args, field, value)
	}

	created, err := redisCreateScript.Run(ctx, s.client,
		[]string{s.recordKey(req.ID), s.statusKey(models.StatusPending)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("create %s: %w", req.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (*models.Request, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return decodeRequest(fields, true)
}

func (s *RedisStore) ListByStatus(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error) {
	if limit <= 0 {
		return []models.Request{}, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.statusKey(status), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}

	requests := make([]models.Request, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		// Purged between the two round trips.
		if len(fields) == 0 {
			continue
		}
		req, err := decodeRequest(fields, false)
		if err != nil {
			return nil, err
		}
		// The index moved under us; the hash is authoritative.
		if req.Status != status {
			continue
		}
		requests = append(requests, *req)
	}
	return requests, nil
}

func (s *RedisStore) ConditionalUpdate(ctx context.Context, id string, expected models.RequestStatus, m models.Mutation) (*models.Request, error) {
	now := time.Now().UTC()
	fulfiller := ""
	if m.FulfillerName != nil {
		fulfiller = *m.FulfillerName
	}

	raw, err := redisUpdateScript.Run(ctx, s.client,
		[]string{s.recordKey(id), s.statusKey(expected), s.statusKey(m.Status)},
		string(expected), string(m.Status), fulfiller,
		now.Format(time.RFC3339Nano), now.UnixMicro(), id,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to update request: %w", err)
	}

	switch v := raw.(type) {
	case int64:
		if v < 0 {
			return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("update %s from %s: %w", id, expected, ErrConflict)
	case []interface{}:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			fields[asString(v[i])] = asString(v[i+1])
		}
		return decodeRequest(fields, false)
	default:
		return nil, fmt.Errorf("unexpected redis update result %T", raw)
	}
}

func (s *RedisStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMicro()
	removed, err := redisPurgeScript.Run(ctx, s.client,
		[]string{s.statusKey(models.StatusDelivered), s.statusKey(models.StatusCancelled)},
		cutoff, s.recordPrefix(),
	).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return removed, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeRequest(req *models.Request) map[string]interface{} {
	fields := map[string]interface{}{
		"id":            req.ID,
		"item":          req.Item,
		"pickup":        req.PickupLocation,
		"drop_location": req.DropLocation,
		"fare":          req.Fare,
		"delivery_type": string(req.DeliveryMode),
		"secret_code":   req.SecretCode,
		"status":        string(req.Status),
		"created_at":    req.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    req.UpdatedAt.Format(time.RFC3339Nano),
		"created_us":    req.CreatedAt.UnixMicro(),
		"updated_us":    req.UpdatedAt.UnixMicro(),
	}
	for field, value := range map[string]*float64{
		"pickup_lat": req.PickupLat,
		"pickup_lng": req.PickupLng,
		"drop_lat":   req.DropLat,
		"drop_lng":   req.DropLng,
	} {
		if value != nil {
			fields[field] = strconv.FormatFloat(*value, 'f', -1, 64)
		}
	}
	return fields
}

func decodeRequest(fields map[string]string, withSecret bool) (*models.Request, error) {
	req := &models.Request{
		ID:             fields["id"],
		Item:           fields["item"],
		PickupLocation: fields["pickup"],
		DropLocation:   fields["drop_location"],
		Fare:           fields["fare"],
		DeliveryMode:   models.DeliveryMode(fields["delivery_type"]),
		Status:         models.RequestStatus(fields["status"]),
	}
	if withSecret {
		req.SecretCode = fields["secret_code"]
	}
	if name, ok := fields["fulfiller_name"]; ok && name != "" {
		req.FulfillerName = &name
	}

	var err error
	if req.PickupLat, err = optionalFloat(fields, "pickup_lat"); err != nil {
		return nil, err
	}
	if req.PickupLng, err = optionalFloat(fields, "pickup_lng"); err != nil {
		return nil, err
	}
	if req.DropLat, err = optionalFloat(fields, "drop_lat"); err != nil {
		return nil, err
	}
	if req.DropLng, err = optionalFloat(fields, "drop_lng"); err != nil {
		return nil, err
	}
	if req.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("request %s: bad created_at: %w", req.ID, err)
	}
	if req.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("request %s: bad updated_at: %w", req.ID, err)
	}
	return req, nil
}

func optionalFloat(fields map[string]string, key string) (*float64, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("bad %s %q: %w", key, raw, err)
	}
	return &f, nil
}

func asString(v interface{}) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(v)
	}
}
