package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const usageTTL = 48 * time.Hour

// RedisUsageStore keeps usage as JSON under voicelink:usage:<identity>.
// Reserve checks and increments under WATCH, so several server instances
// share one daily count.
type RedisUsageStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisUsageStore(rdb *redis.Client) *RedisUsageStore {
	return &RedisUsageStore{rdb: rdb, prefix: "voicelink:usage:"}
}

// OpenRedis accepts a redis:// URL or a bare host:port and pings the server.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisUsageStore) Get(ctx context.Context, identity string) (domain.DailyUsage, error) {
	var u domain.DailyUsage
	raw, err := s.rdb.Get(ctx, s.prefix+identity).Result()
	if errors.Is(err, redis.Nil) {
		return u, nil
	}
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		// corrupt entry reads as no usage
		log.Warn().Err(err).Str("module", "quota.redis").Str("identity", identity).Msg("dropping corrupt usage entry")
		_ = s.rdb.Del(ctx, s.prefix+identity).Err()
		return domain.DailyUsage{}, nil
	}
	return u, nil
}

func (s *RedisUsageStore) Put(ctx context.Context, identity string, u domain.DailyUsage) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+identity, b, usageTTL).Err()
}

// reserveRetries bounds optimistic retries when another instance touched the
// key between WATCH and EXEC.
const reserveRetries = 16

// Reserve adds one session to identity's count for dateKey unless max is
// already reached. A count stored under another day starts over at zero.
func (s *RedisUsageStore) Reserve(ctx context.Context, identity, dateKey string, max int) (domain.DailyUsage, bool, error) {
	key := s.prefix + identity
	var (
		u  domain.DailyUsage
		ok bool
	)
	txf := func(tx *redis.Tx) error {
		u, ok = domain.DailyUsage{DateKey: dateKey}, false
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored domain.DailyUsage
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				log.Warn().Err(err).Str("module", "quota.redis").Str("identity", identity).Msg("overwriting corrupt usage entry")
			} else if stored.DateKey == dateKey {
				u = stored
			}
		}
		if u.Count >= max {
			return nil
		}
		next := domain.DailyUsage{DateKey: dateKey, Count: u.Count + 1}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, usageTTL)
			return nil
		})
		if err != nil {
			return err
		}
		u, ok = next, true
		return nil
	}
	for i := 0; i < reserveRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.DailyUsage{}, false, err
		}
		return u, ok, nil
	}
	return domain.DailyUsage{}, false, fmt.Errorf("reserve usage for %s: too much contention", identity)
}

func (s *RedisUsageStore) Close() error { return s.rdb.Close() }
