package distribution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harrylevesque/hcsguard/internal/utils"
)

// consumeScript performs the expiry check, replay check and CREATED→CONSUMED
// transition in one server-side step. The salt is removed in the same step.
var consumeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return {'notfound'}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires'))
local now = tonumber(ARGV[1])
if state == 'EXPIRED' or now > expires then
  if state == 'CREATED' then
    redis.call('HSET', KEYS[1], 'state', 'EXPIRED')
  end
  redis.call('HDEL', KEYS[1], 'salt')
  return {'expired'}
end
if state ~= 'CREATED' then
  return {'consumed'}
end
local salt = redis.call('HGET', KEYS[1], 'salt')
redis.call('HSET', KEYS[1], 'state', 'CONSUMED')
redis.call('HDEL', KEYS[1], 'salt')
return {'ok', salt}
`)

// RedisLedger shares token state between server instances.
type RedisLedger struct {
	client *redis.Client
	prefix string
	grace  time.Duration
}

// NewRedisLedger wraps client. Keys are namespaced by prefix; records are kept
// for grace past their expiry so late replays still report the right reason.
func NewRedisLedger(client *redis.Client, prefix string, grace time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "hcs:"
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &RedisLedger{client: client, prefix: prefix, grace: grace}
}

// DialRedis connects to cfg.Addr and pings it.
func DialRedis(ctx context.Context, cfg utils.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("distribution: redis ping: %w", err)
	}
	return client, nil
}

func (l *RedisLedger) tokenKey(token string) string    { return l.prefix + "token:" + token }
func (l *RedisLedger) missionKey(mission string) string { return l.prefix + "mission:" + mission }

func (l *RedisLedger) Register(ctx context.Context, rec Record) error {
	ttl := time.Until(rec.ExpiresAt) + l.grace
	if ttl <= 0 {
		ttl = l.grace
	}
	key := l.tokenKey(rec.Token)
	ok, err := l.client.HSetNX(ctx, key, "state", string(StateCreated)).Result()
	if err != nil {
		return fmt.Errorf("distribution: redis register: %w", err)
	}
	if !ok {
		return fmt.Errorf("distribution: token already registered")
	}
	if prev, err := l.client.Get(ctx, l.missionKey(rec.MissionID)).Result(); err == nil && prev != rec.Token {
		l.client.Del(ctx, l.tokenKey(prev))
	}
	_, err = l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"mission", rec.MissionID,
			"device", rec.DeviceID,
			"key", rec.KeyID,
			"salt", hex.EncodeToString(rec.Salt),
			"issued", rec.IssuedAt.UnixMilli(),
			"expires", rec.ExpiresAt.UnixMilli(),
		)
		p.Expire(ctx, key, ttl)
		p.Set(ctx, l.missionKey(rec.MissionID), rec.Token, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("distribution: redis register: %w", err)
	}
	return nil
}

func (l *RedisLedger) Consume(ctx context.Context, token string, now time.Time) (*Record, error) {
	res, err := consumeScript.Run(ctx, l.client, []string{l.tokenKey(token)}, now.UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("distribution: redis consume: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("distribution: redis consume: empty reply")
	}
	switch res[0] {
	case "notfound":
		return nil, utils.ErrTokenNotFound
	case "expired":
		return nil, utils.ErrTokenExpired
	case "consumed":
		return nil, utils.ErrTokenAlreadyConsumed
	}
	rec, err := l.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(res) > 1 {
		if rec.Salt, err = hex.DecodeString(res[1]); err != nil {
			return nil, fmt.Errorf("distribution: redis salt: %w", err)
		}
	}
	return rec, nil
}

func (l *RedisLedger) Get(ctx context.Context, token string) (*Record, error) {
	m, err := l.client.HGetAll(ctx, l.tokenKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("distribution: redis get: %w", err)
	}
	if len(m) == 0 {
		return nil, utils.ErrTokenNotFound
	}
	issued, _ := strconv.ParseInt(m["issued"], 10, 64)
	expires, _ := strconv.ParseInt(m["expires"], 10, 64)
	return &Record{
		Token:     token,
		MissionID: m["mission"],
		DeviceID:  m["device"],
		KeyID:     m["key"],
		IssuedAt:  time.UnixMilli(issued).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
		State:     State(m["state"]),
	}, nil
}

func (l *RedisLedger) ByMission(ctx context.Context, missionID string) (*Record, error) {
	token, err := l.client.Get(ctx, l.missionKey(missionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, utils.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("distribution: redis lookup: %w", err)
	}
	return l.Get(ctx, token)
}

func (l *RedisLedger) Delete(ctx context.Context, token string) error {
	rec, err := l.Get(ctx, token)
	if err != nil {
		return err
	}
	if err := l.client.Del(ctx, l.tokenKey(token), l.missionKey(rec.MissionID)).Err(); err != nil {
		return fmt.Errorf("distribution: redis delete: %w", err)
	}
	return nil
}

func (l *RedisLedger) Wipe(ctx context.Context) (int, error) {
	n := 0
	for _, pattern := range []string{l.prefix + "token:*", l.prefix + "mission:*"} {
		iter := l.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := l.client.Del(ctx, iter.Val()).Err(); err != nil {
				return n, fmt.Errorf("distribution: redis wipe: %w", err)
			}
			if pattern == l.prefix+"token:*" {
				n++
			}
		}
		if err := iter.Err(); err != nil {
			return n, fmt.Errorf("distribution: redis wipe: %w", err)
		}
	}
	return n, nil
}

func (l *RedisLedger) Pending(ctx context.Context) (int, error) {
	n := 0
	iter := l.client.Scan(ctx, 0, l.prefix+"token:*", 100).Iterator()
	for iter.Next(ctx) {
		st, err := l.client.HGet(ctx, iter.Val(), "state").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("distribution: redis state: %w", err)
		}
		if State(st) == StateCreated {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("distribution: redis scan: %w", err)
	}
	return n, nil
}
