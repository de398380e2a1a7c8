package swcache

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"minishell/internal/logging"
)

// MemoryStorage keeps every partition in one byte-bounded LRU.
type MemoryStorage struct {
	maxBytes    int64
	overflowLog *logging.RateLimited

	mu         sync.Mutex
	partitions map[string]struct{}
	items      map[string]*ramItem
	head       *ramItem
	tail       *ramItem
	total      int64
}

type ramItem struct {
	key  string // composite
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// NewMemoryStorage bounds the cache to maxBytes of encoded entries; zero
// means unbounded.
func NewMemoryStorage(maxBytes int64, overflowLog *logging.RateLimited) *MemoryStorage {
	return &MemoryStorage{
		maxBytes:    maxBytes,
		overflowLog: overflowLog,
		partitions:  map[string]struct{}{},
		items:       map[string]*ramItem{},
	}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Partition, error) {
	s.mu.Lock()
	s.partitions[name] = struct{}{}
	s.mu.Unlock()
	return &memoryPartition{s: s, name: name}, nil
}

func (s *MemoryStorage) Names(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.partitions))
	for n := range s.partitions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	for k, it := range s.items {
		if p, _, ok := splitCompositeKey(k); ok && p == name {
			s.removeLocked(it)
		}
	}
	return true, nil
}

func (s *MemoryStorage) Usage(context.Context) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), s.total
}

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) get(key string) (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	s.moveToFront(it)
	return it.ent, true
}

func (s *MemoryStorage) put(partition, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	sz := int64(len(b))
	ck := compositeKey(partition, key)

	if s.maxBytes > 0 && sz > s.maxBytes {
		s.overflowLog.Warn("entry larger than RAM budget, not cached", zap.String("key", key), zap.Int64("bytes", sz))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.partitions[partition] = struct{}{}
	if it, ok := s.items[ck]; ok {
		s.total -= it.size
		it.ent = ent
		it.size = sz
		s.total += sz
		s.moveToFront(it)
		s.evictLocked(it)
		return nil
	}

	it := &ramItem{key: ck, ent: ent, size: sz}
	s.items[ck] = it
	s.addToFront(it)
	s.total += sz
	s.evictLocked(it)
	return nil
}

// evictLocked drops least recently used entries, 10% at a time, until the
// budget holds again. keep is never evicted.
func (s *MemoryStorage) evictLocked(keep *ramItem) {
	if s.maxBytes <= 0 || s.total <= s.maxBytes {
		return
	}
	s.overflowLog.Warn("RAM cache overflow, evicting", zap.Int64("total", s.total), zap.Int64("max", s.maxBytes))
	for s.total > s.maxBytes {
		n := len(s.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			it := s.tail
			if it == nil || it == keep {
				return
			}
			s.removeLocked(it)
		}
	}
}

func (s *MemoryStorage) del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok {
		s.removeLocked(it)
	}
}

func (s *MemoryStorage) keys(partition string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.items {
		if p, key, ok := splitCompositeKey(k); ok && p == partition {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStorage) removeLocked(it *ramItem) {
	s.unlink(it)
	delete(s.items, it.key)
	s.total -= it.size
}

func (s *MemoryStorage) addToFront(it *ramItem) {
	it.prev = nil
	it.next = s.head
	if s.head != nil {
		s.head.prev = it
	}
	s.head = it
	if s.tail == nil {
		s.tail = it
	}
}

func (s *MemoryStorage) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		s.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		s.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (s *MemoryStorage) moveToFront(it *ramItem) {
	if s.head == it {
		return
	}
	s.unlink(it)
	s.addToFront(it)
}

type memoryPartition struct {
	s    *MemoryStorage
	name string
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(_ context.Context, key string) (CacheEntry, bool) {
	return p.s.get(compositeKey(p.name, key))
}

func (p *memoryPartition) Put(_ context.Context, key string, ent CacheEntry) error {
	return p.s.put(p.name, key, ent)
}

func (p *memoryPartition) Delete(_ context.Context, key string) error {
	p.s.del(compositeKey(p.name, key))
	return nil
}

func (p *memoryPartition) Keys(context.Context) ([]string, error) {
	return p.s.keys(p.name), nil
}
