package swcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStorage shares partitions between several edge instances. Each
// partition is one hash; the set <prefix>:partitions lists them.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

// ConnectRedis accepts a redis:// URL or a bare host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func NewRedisStorage(rdb *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, prefix: prefix}
}

func (s *RedisStorage) setKey() string { return s.prefix + ":partitions" }

func (s *RedisStorage) hashKey(name string) string { return s.prefix + ":p:" + name }

func (s *RedisStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := s.rdb.SAdd(ctx, s.setKey(), name).Err(); err != nil {
		return nil, err
	}
	return &redisPartition{s: s, name: name}, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, s.setKey(), name).Result()
	if err != nil {
		return false, err
	}
	if err := s.rdb.Del(ctx, s.hashKey(name)).Err(); err != nil {
		return false, err
	}
	return removed > 0, nil
}

// Usage counts entries only; byte totals are not tracked in redis.
func (s *RedisStorage) Usage(ctx context.Context) (int, int64) {
	names, err := s.Names(ctx)
	if err != nil {
		return 0, 0
	}
	total := 0
	for _, n := range names {
		c, err := s.rdb.HLen(ctx, s.hashKey(n)).Result()
		if err == nil {
			total += int(c)
		}
	}
	return total, 0
}

func (s *RedisStorage) Close() error { return s.rdb.Close() }

type redisPartition struct {
	s    *RedisStorage
	name string
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) Match(ctx context.Context, key string) (CacheEntry, bool) {
	b, err := p.s.rdb.HGet(ctx, p.s.hashKey(p.name), key).Bytes()
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (p *redisPartition) Put(ctx context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	pipe := p.s.rdb.TxPipeline()
	pipe.SAdd(ctx, p.s.setKey(), p.name)
	pipe.HSet(ctx, p.s.hashKey(p.name), key, b)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *redisPartition) Delete(ctx context.Context, key string) error {
	err := p.s.rdb.HDel(ctx, p.s.hashKey(p.name), key).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.s.rdb.HKeys(ctx, p.s.hashKey(p.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
