package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"minishell/internal/config"
	"minishell/internal/logging"
	"minishell/internal/origin"
	"minishell/internal/swcache"
)

// OpenStorage builds the cache storage named by c.Backend.
func OpenStorage(c config.Storage, log *zap.Logger) (swcache.Storage, error) {
	switch c.Backend {
	case "leveldb":
		st, err := swcache.NewLevelDBStorage(c.Disk.Path, c.DiskMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", c.Disk.Path, err)
		}
		return st, nil
	case "redis":
		rdb, err := swcache.ConnectRedis(c.Redis.URL)
		if err != nil {
			return nil, err
		}
		return swcache.NewRedisStorage(rdb, c.Redis.Prefix), nil
	default:
		return swcache.NewMemoryStorage(c.RAMMaxBytes, logging.NewRateLimited(log, time.Minute)), nil
	}
}

// OpenOrigin returns the bundle origin: the S3 bucket when one is
// configured, the HTTP origin otherwise. With S3, absolute URLs still go
// over HTTP.
func OpenOrigin(ctx context.Context, cfg config.Config) (swcache.Network, error) {
	if cfg.Server.S3.Bucket == "" {
		return origin.NewHTTP(cfg.Server.Origin), nil
	}
	o, err := origin.NewS3(ctx, cfg.Server.S3.Bucket, cfg.Server.S3.Region, cfg.Server.S3.Prefix)
	if err != nil {
		return nil, err
	}
	o.CrossOrigin = origin.NewHTTP(cfg.Server.Origin)
	return o, nil
}
