package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
)

const defaultKeyPrefix = "slidegen"

// RedisOptions configures a RedisCache.
type RedisOptions struct {
	TTL    time.Duration
	Prefix string
	Logger *infra.Logger
}

// RedisCache shares results between API and worker processes.
//
// Layout, with the default prefix:
//
//	slidegen:result:{lesson}:{user}   JSON payload, EX ttl
//	slidegen:result:{lesson}_{user}   payload written by older deployments (read only)
//	slidegen:job:{jobId}              name of the payload key, EX ttl
//	slidegen:lesson:{lesson}          set of user ids with a cached result
//	slidegen:index                    sorted set of payload keys scored by expiry
//	slidegen:stats:hits|misses        counters
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *infra.Logger
	now    func() time.Time
}

func NewRedisCache(client *redis.Client, opts RedisOptions) *RedisCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: opts.Logger,
		now:    time.Now,
	}
}

func (c *RedisCache) resultKey(key domain.CacheKey) string {
	return fmt.Sprintf("%s:result:%s:%s", c.prefix, key.LessonID, key.UserID)
}

func (c *RedisCache) legacyKey(key domain.CacheKey) string {
	return fmt.Sprintf("%s:result:%s_%s", c.prefix, key.LessonID, key.UserID)
}

func (c *RedisCache) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", c.prefix, jobID)
}

func (c *RedisCache) lessonKey(lessonID string) string {
	return fmt.Sprintf("%s:lesson:%s", c.prefix, lessonID)
}

func (c *RedisCache) indexKey() string  { return c.prefix + ":index" }
func (c *RedisCache) hitsKey() string   { return c.prefix + ":stats:hits" }
func (c *RedisCache) missesKey() string { return c.prefix + ":stats:misses" }

func (c *RedisCache) Get(ctx context.Context, key domain.CacheKey) (*domain.Result, bool, error) {
	res, ok, err := c.load(ctx, c.resultKey(key))
	if err == nil && !ok {
		res, ok, err = c.load(ctx, c.legacyKey(key))
	}
	if err != nil {
		return nil, false, err
	}
	counter := c.missesKey()
	if ok {
		counter = c.hitsKey()
	}
	if err := c.client.Incr(ctx, counter).Err(); err != nil {
		c.warn(err, "resultcache: update stats counter")
	}
	return res, ok, nil
}

func (c *RedisCache) GetByJob(ctx context.Context, jobID string) (*domain.Result, bool, error) {
	target, err := c.client.Get(ctx, c.jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resultcache: get job alias: %w", err)
	}
	res, ok, err := c.load(ctx, target)
	if err != nil || !ok || res.JobID != jobID {
		return nil, false, err
	}
	return res, true, nil
}

// load reads and decodes a payload. Empty, corrupt, or slide-less payloads
// are reported as misses.
func (c *RedisCache) load(ctx context.Context, redisKey string) (*domain.Result, bool, error) {
	raw, err := c.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resultcache: get %s: %w", redisKey, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	var res domain.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		c.warn(err, "resultcache: corrupt payload treated as miss")
		return nil, false, nil
	}
	if !res.Valid() {
		return nil, false, nil
	}
	return &res, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key domain.CacheKey, result *domain.Result) error {
	if !result.Valid() {
		return fmt.Errorf("cache put: %w: result has no usable slides", domain.ErrInvalidRequest)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("resultcache: encode result: %w", err)
	}
	primary := c.resultKey(key)
	expiresAt := c.now().Add(c.ttl)

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, primary, payload, c.ttl)
		if result.JobID != "" {
			pipe.Set(ctx, c.jobKey(result.JobID), primary, c.ttl)
		}
		pipe.SAdd(ctx, c.lessonKey(key.LessonID), key.UserID)
		pipe.Expire(ctx, c.lessonKey(key.LessonID), c.ttl)
		pipe.ZAdd(ctx, c.indexKey(), redis.Z{Score: float64(expiresAt.Unix()), Member: primary})
		return nil
	})
	if err != nil {
		return fmt.Errorf("resultcache: put %s: %w", primary, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, lessonID string) (bool, error) {
	users, err := c.client.SMembers(ctx, c.lessonKey(lessonID)).Result()
	if err != nil {
		return false, fmt.Errorf("resultcache: list lesson users: %w", err)
	}
	legacy, err := c.legacyKeys(ctx, lessonID)
	if err != nil {
		return false, err
	}
	if len(users) == 0 && len(legacy) == 0 {
		return false, nil
	}

	keys := legacy
	var members []any
	for _, user := range users {
		key := domain.CacheKey{LessonID: lessonID, UserID: user}
		keys = append(keys, c.resultKey(key), c.legacyKey(key))
		members = append(members, c.resultKey(key))
	}

	var del *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		if len(members) > 0 {
			pipe.ZRem(ctx, c.indexKey(), members...)
		}
		pipe.Del(ctx, c.lessonKey(lessonID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resultcache: invalidate lesson %s: %w", lessonID, err)
	}
	return del.Val() > 0, nil
}

// legacyKeys finds {lesson}_{user} payloads of a lesson. Older deployments
// did not maintain the lesson set, so those keys are only reachable by scan.
// Keys with a ':' after the separator belong to the current layout.
func (c *RedisCache) legacyKeys(ctx context.Context, lessonID string) ([]string, error) {
	base := fmt.Sprintf("%s:result:%s_", c.prefix, lessonID)
	iter := c.client.Scan(ctx, 0, globEscape(base)+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), base)
		if rest != "" && !strings.Contains(rest, ":") {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("resultcache: scan legacy keys: %w", err)
	}
	return keys, nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Clear removes every key under the cache prefix, including stats.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("resultcache: clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("resultcache: scan: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("resultcache: clear: %w", err)
		}
	}
	return nil
}

func (c *RedisCache) Stats(ctx context.Context) (domain.CacheStats, error) {
	var (
		size         *redis.IntCmd
		hits, misses *redis.StringCmd
	)
	nowScore := strconv.FormatInt(c.now().Unix(), 10)
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, c.indexKey(), "-inf", nowScore)
		size = pipe.ZCard(ctx, c.indexKey())
		hits = pipe.Get(ctx, c.hitsKey())
		misses = pipe.Get(ctx, c.missesKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.CacheStats{}, fmt.Errorf("resultcache: stats: %w", err)
	}
	stats := domain.CacheStats{
		Size:   int(size.Val()),
		Hits:   counterValue(hits),
		Misses: counterValue(misses),
	}
	stats.ComputeHitRate()
	return stats, nil
}

func counterValue(cmd *redis.StringCmd) int64 {
	v, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return v
}

func (c *RedisCache) warn(err error, msg string) {
	if c.logger == nil {
		return
	}
	c.logger.Warn().Err(err).Msg(msg)
}

var _ domain.ResultCache = (*RedisCache)(nil)
