package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/redis/go-redis/v9"
)

// Keys:
//
//	seatlock:{trip}:{seat}    hash with lock_id, trip_id, seat_id, token, acquired_at, expires_at (unix ms)
//	seatlocks:trip:{trip}     zset of seat ids scored by expires_at
//	seatlocks:expiry          zset of "{trip}|{seat}" scored by expires_at, drives the sweep
//
// The sweep script derives hash keys from index members, so the store
// assumes a single redis node rather than a cluster.
const (
	redisLockPrefix     = "seatlock:"
	redisTripIndex      = "seatlocks:trip:"
	redisExpiryIndex    = "seatlocks:expiry"
	redisLockGrace      = time.Minute
	redisSweepBatchSize = 200
)

var acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'token', 'expires_at', 'lock_id', 'acquired_at')
local now = tonumber(ARGV[5])
local exp = tonumber(cur[2])
if cur[1] and exp and exp > now then
	if cur[1] ~= ARGV[4] then
		return {0}
	end
	redis.call('HSET', KEYS[1], 'expires_at', ARGV[6])
	redis.call('PEXPIRE', KEYS[1], ARGV[7])
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[2])
	redis.call('ZADD', KEYS[3], ARGV[6], ARGV[8])
	return {2, cur[3], cur[4]}
end
local displaced = {}
if cur[1] then
	displaced = {cur[3] or '', cur[1], cur[4] or '0', cur[2] or '0'}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'lock_id', ARGV[3], 'trip_id', ARGV[1], 'seat_id', ARGV[2],
	'token', ARGV[4], 'acquired_at', ARGV[5], 'expires_at', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[8])
if #displaced > 0 then
	return {1, displaced[1], displaced[2], displaced[3], displaced[4]}
end
return {1}
`)

var releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'token', 'lock_id', 'acquired_at', 'expires_at')
if not cur[1] or cur[1] ~= ARGV[1] then
	return {0}
end
if ARGV[4] ~= '' and cur[2] ~= ARGV[4] then
	return {0}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[3])
return {1, cur[2], cur[3], cur[4]}
`)

var renewScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'token', 'expires_at', 'lock_id', 'acquired_at')
local exp = tonumber(cur[2])
if not cur[1] or cur[1] ~= ARGV[1] or not exp or exp <= tonumber(ARGV[2]) then
	return {0}
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[6])
return {1, cur[3], cur[4]}
`)

var sweepScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, m in ipairs(members) do
	local sep = string.find(m, '|', 1, true)
	local trip = string.sub(m, 1, sep - 1)
	local seat = string.sub(m, sep + 1)
	local key = 'seatlock:' .. trip .. ':' .. seat
	local cur = redis.call('HMGET', key, 'lock_id', 'token', 'acquired_at', 'expires_at')
	local exp = tonumber(cur[4])
	if exp and exp > now then
		redis.call('ZADD', KEYS[1], exp, m)
	else
		redis.call('DEL', key)
		redis.call('ZREM', KEYS[1], m)
		redis.call('ZREM', 'seatlocks:trip:' .. trip, seat)
		table.insert(out, trip)
		table.insert(out, seat)
		table.insert(out, cur[1] or '')
		table.insert(out, cur[2] or '')
		table.insert(out, cur[3] or '0')
		table.insert(out, cur[4] or '0')
	end
end
return out
`)

// RedisLockStore is a LockStore shared by every instance. Each operation
// is one Lua script, so check-then-set runs atomically on the server.
type RedisLockStore struct {
	client *redis.Client
}

// NewRedisLockStore creates a LockStore on top of a redis client
func NewRedisLockStore(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{client: client}
}

func lockKey(tripID, seatID string) string { return redisLockPrefix + tripID + ":" + seatID }
func tripIndexKey(tripID string) string    { return redisTripIndex + tripID }
func expiryMember(tripID, seatID string) string {
	return tripID + "|" + seatID
}

func keyTTL(expiresAt, now time.Time) int64 {
	return (expiresAt.Sub(now) + redisLockGrace).Milliseconds()
}

func (s *RedisLockStore) Acquire(ctx context.Context, candidate models.SeatLock, now time.Time) (*AcquireResult, error) {
	keys := []string{lockKey(candidate.TripID, candidate.SeatID), tripIndexKey(candidate.TripID), redisExpiryIndex}
	res, err := acquireScript.Run(ctx, s.client, keys,
		candidate.TripID,
		candidate.SeatID,
		candidate.LockID,
		candidate.HolderToken,
		now.UnixMilli(),
		candidate.ExpiresAt.UnixMilli(),
		keyTTL(candidate.ExpiresAt, now),
		expiryMember(candidate.TripID, candidate.SeatID),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("seat lock acquire script: %w", err)
	}

	switch toInt64(res[0]) {
	case 0:
		return nil, models.ErrSeatUnavailable
	case 2:
		lock := candidate
		lock.LockID = toString(res[1])
		lock.AcquiredAt = fromMillis(res[2])
		return &AcquireResult{Lock: &lock, Renewed: true}, nil
	}

	lock := candidate
	result := &AcquireResult{Lock: &lock}
	if len(res) == 5 {
		result.Displaced = &models.SeatLock{
			LockID:      toString(res[1]),
			TripID:      candidate.TripID,
			SeatID:      candidate.SeatID,
			HolderToken: toString(res[2]),
			AcquiredAt:  fromMillis(res[3]),
			ExpiresAt:   fromMillis(res[4]),
		}
	}
	return result, nil
}

func (s *RedisLockStore) Release(ctx context.Context, tripID, seatID, holder, lockID string) (*models.SeatLock, error) {
	keys := []string{lockKey(tripID, seatID), tripIndexKey(tripID), redisExpiryIndex}
	res, err := releaseScript.Run(ctx, s.client, keys, holder, seatID, expiryMember(tripID, seatID), lockID).Slice()
	if err != nil {
		return nil, fmt.Errorf("seat lock release script: %w", err)
	}
	if toInt64(res[0]) == 0 {
		return nil, nil
	}
	return &models.SeatLock{
		LockID:      toString(res[1]),
		TripID:      tripID,
		SeatID:      seatID,
		HolderToken: holder,
		AcquiredAt:  fromMillis(res[2]),
		ExpiresAt:   fromMillis(res[3]),
	}, nil
}

func (s *RedisLockStore) Renew(ctx context.Context, tripID, seatID, holder string, expiresAt, now time.Time) (*models.SeatLock, error) {
	keys := []string{lockKey(tripID, seatID), tripIndexKey(tripID), redisExpiryIndex}
	res, err := renewScript.Run(ctx, s.client, keys,
		holder,
		now.UnixMilli(),
		expiresAt.UnixMilli(),
		keyTTL(expiresAt, now),
		seatID,
		expiryMember(tripID, seatID),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("seat lock renew script: %w", err)
	}
	if toInt64(res[0]) == 0 {
		return nil, models.ErrLockExpired
	}
	return &models.SeatLock{
		LockID:      toString(res[1]),
		TripID:      tripID,
		SeatID:      seatID,
		HolderToken: holder,
		AcquiredAt:  fromMillis(res[2]),
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *RedisLockStore) Get(ctx context.Context, tripID, seatID string, now time.Time) (*models.SeatLock, error) {
	fields, err := s.client.HGetAll(ctx, lockKey(tripID, seatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("seat lock get: %w", err)
	}
	lock := lockFromHash(fields)
	if !lock.IsLive(now) {
		return nil, nil
	}
	return lock, nil
}

func (s *RedisLockStore) ListByTrip(ctx context.Context, tripID string, now time.Time) ([]models.SeatLock, error) {
	seatIDs, err := s.client.ZRangeByScore(ctx, tripIndexKey(tripID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("seat lock index read: %w", err)
	}
	if len(seatIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(seatIDs))
	for i, seatID := range seatIDs {
		cmds[i] = pipe.HGetAll(ctx, lockKey(tripID, seatID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("seat lock list: %w", err)
	}

	locks := make([]models.SeatLock, 0, len(cmds))
	for _, cmd := range cmds {
		lock := lockFromHash(cmd.Val())
		if lock.IsLive(now) {
			locks = append(locks, *lock)
		}
	}
	return locks, nil
}

func (s *RedisLockStore) Sweep(ctx context.Context, now time.Time) ([]models.SeatLock, error) {
	res, err := sweepScript.Run(ctx, s.client, []string{redisExpiryIndex}, now.UnixMilli(), redisSweepBatchSize).Slice()
	if err != nil {
		return nil, fmt.Errorf("seat lock sweep script: %w", err)
	}

	expired := make([]models.SeatLock, 0, len(res)/6)
	for i := 0; i+5 < len(res); i += 6 {
		expired = append(expired, models.SeatLock{
			TripID:      toString(res[i]),
			SeatID:      toString(res[i+1]),
			LockID:      toString(res[i+2]),
			HolderToken: toString(res[i+3]),
			AcquiredAt:  fromMillis(res[i+4]),
			ExpiresAt:   fromMillis(res[i+5]),
		})
	}
	return expired, nil
}

func lockFromHash(fields map[string]string) *models.SeatLock {
	if len(fields) == 0 || fields["token"] == "" {
		return nil
	}
	return &models.SeatLock{
		LockID:      fields["lock_id"],
		TripID:      fields["trip_id"],
		SeatID:      fields["seat_id"],
		HolderToken: fields["token"],
		AcquiredAt:  fromMillis(fields["acquired_at"]),
		ExpiresAt:   fromMillis(fields["expires_at"]),
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func fromMillis(v interface{}) time.Time {
	ms := toInt64(v)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
