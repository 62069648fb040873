package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface guard.
var _ Backend = (*Redis)(nil)

// scanBatch is the COUNT hint for SCAN and the DEL batch size.
const scanBatch = 500

// RedisOptions configures a Redis backend.
type RedisOptions struct {
	URL          string        // redis://[user:pass@]host:port/db
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Redis implements Backend on github.com/redis/go-redis/v9.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis parses opts.URL and connects. The connection is verified with PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		ro.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		ro.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		ro.WriteTimeout = opts.WriteTimeout
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}

	r := NewRedisClient(redis.NewClient(ro))
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisClient wraps an existing client. The Redis backend owns it from here on.
func NewRedisClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	return m, nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return unavailable("hset", err)
	}
	return nil
}

// HSetNX issues one HSETNX per field inside MULTI/EXEC.
func (r *Redis) HSetNX(ctx context.Context, key string, fields map[string]string) (bool, error) {
	cmds := make([]*redis.BoolCmd, 0, len(fields))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for f, v := range fields {
			cmds = append(cmds, pipe.HSetNX(ctx, key, f, v))
		}
		return nil
	})
	if err != nil {
		return false, unavailable("hsetnx", err)
	}
	created := false
	for _, c := range cmds {
		if c.Val() {
			created = true
		}
	}
	return created, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, members ...Z) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.ZAdd(ctx, key, toRedisZ(members)...).Err(); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

func (r *Redis) ZAddNX(ctx context.Context, key string, members ...Z) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := r.client.ZAddNX(ctx, key, toRedisZ(members)...).Result()
	if err != nil {
		return 0, unavailable("zadd nx", err)
	}
	return n, nil
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("zrange", err)
	}
	out := make([]Z, 0, len(zs))
	for _, z := range zs {
		out = append(out, Z{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZCount(ctx context.Context, key string, max float64) (int64, error) {
	n, err := r.client.ZCount(ctx, key, "-inf", strconv.FormatFloat(max, 'f', -1, 64)).Result()
	if err != nil {
		return 0, unavailable("zcount", err)
	}
	return n, nil
}

// ZScores pipelines one ZSCORE per member; missing members are skipped.
func (r *Redis) ZScores(ctx context.Context, key string, members []string) ([]Z, error) {
	if len(members) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.FloatCmd, len(members))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.ZScore(ctx, key, m)
		}
		return nil
	})
	// Exec reports redis.Nil when any member is missing.
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("zscore", err)
	}
	var out []Z
	for i, c := range cmds {
		score, err := c.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, unavailable("zscore", err)
		}
		out = append(out, Z{Member: members[i], Score: score})
	}
	return out, nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return unavailable("srem", err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	return m, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// DeleteByPrefix walks the keyspace with SCAN rather than KEYS so a large
// cache does not block the server.
func (r *Redis) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, unavailable("scan", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, unavailable("del", err)
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func toRedisZ(members []Z) []redis.Z {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return zs
}

// escapeGlob quotes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
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
