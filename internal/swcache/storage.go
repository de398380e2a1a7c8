package swcache

import (
	"context"
	"fmt"
	"strings"
)

// Storage holds named partitions. It plays the role of the browser's
// CacheStorage, shared by every worker of the process.
type Storage interface {
	// Open returns the named partition, creating it when missing.
	Open(ctx context.Context, name string) (Partition, error)
	Names(ctx context.Context) ([]string, error)
	// Delete drops a partition and all its entries. It reports whether the
	// partition existed.
	Delete(ctx context.Context, name string) (bool, error)
	Usage(ctx context.Context) (entries int, bytes int64)
	Close() error
}

// Partition maps request keys to responses. Writes replace; last write wins.
type Partition interface {
	Name() string
	Match(ctx context.Context, key string) (CacheEntry, bool)
	Put(ctx context.Context, key string, ent CacheEntry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

const originSep = "|"

// PartitionName is the storage-wide name of one worker partition.
func PartitionName(host, slug, class, version string) string {
	return fmt.Sprintf("%s%s%s-%s-%s", host, originSep, slug, class, version)
}

func originPrefix(host string) string { return host + originSep }

func belongsTo(name, host string) bool { return strings.HasPrefix(name, originPrefix(host)) }

// compositeKey joins a partition name and an entry key for flat stores.
func compositeKey(partition, key string) string { return partition + "\x00" + key }

func splitCompositeKey(k string) (partition, key string, ok bool) {
	i := strings.IndexByte(k, 0)
	if i < 0 {
		return "", "", false
	}
	return k[:i], k[i+1:], true
}
