package swcache

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p:<partition>           partition marker
//	e:<partition>\0<key>    gob CacheEntry
//	m:<partition>\0<key>    gob diskMeta
const (
	ldbPartitionPrefix = "p:"
	ldbEntryPrefix     = "e:"
	ldbMetaPrefix      = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// LevelDBStorage persists partitions across restarts and evicts the least
// recently used tenth of its entries when it grows past maxBytes.
type LevelDBStorage struct {
	maxBytes int64
	db       *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta // composite key
	totalSize int64
}

func NewLevelDBStorage(path string, maxBytes int64) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &LevelDBStorage{maxBytes: maxBytes, db: db, index: map[string]diskMeta{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbMetaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(ldbMetaPrefix)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Partition, error) {
	if err := s.db.Put([]byte(ldbPartitionPrefix+name), nil, nil); err != nil {
		return nil, err
	}
	return &leveldbPartition{s: s, name: name}, nil
}

func (s *LevelDBStorage) Names(context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbPartitionPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(ldbPartitionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	marker := []byte(ldbPartitionPrefix + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil || !ok {
		return false, err
	}

	prefix := []byte(ldbEntryPrefix + compositeKey(name, ""))
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	var dropped []string
	for it.Next() {
		ck := string(bytes.TrimPrefix(it.Key(), []byte(ldbEntryPrefix)))
		batch.Delete([]byte(ldbEntryPrefix + ck))
		batch.Delete([]byte(ldbMetaPrefix + ck))
		dropped = append(dropped, ck)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(marker)
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}

	s.mu.Lock()
	for _, ck := range dropped {
		if meta, ok := s.index[ck]; ok {
			s.totalSize -= meta.Size
			delete(s.index, ck)
		}
	}
	s.mu.Unlock()
	return true, nil
}

func (s *LevelDBStorage) Usage(context.Context) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index), s.totalSize
}

func (s *LevelDBStorage) Close() error { return s.db.Close() }

func (s *LevelDBStorage) get(ck string) (CacheEntry, bool) {
	b, err := s.db.Get([]byte(ldbEntryPrefix+ck), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	s.mu.Lock()
	if meta, ok := s.index[ck]; ok {
		meta.LastAccess = time.Now().Unix()
		s.index[ck] = meta
	}
	s.mu.Unlock()
	return ent, true
}

func (s *LevelDBStorage) put(partition, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	ck := compositeKey(partition, key)
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(ldbPartitionPrefix+partition), nil)
	batch.Put([]byte(ldbEntryPrefix+ck), b)
	batch.Put([]byte(ldbMetaPrefix+ck), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if old, ok := s.index[ck]; ok {
		s.totalSize -= old.Size
	}
	s.index[ck] = meta
	s.totalSize += meta.Size
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	if over {
		s.evictSome(ck)
	}
	return nil
}

func (s *LevelDBStorage) del(ck string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(ldbEntryPrefix + ck))
	batch.Delete([]byte(ldbMetaPrefix + ck))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	if meta, ok := s.index[ck]; ok {
		s.totalSize -= meta.Size
		delete(s.index, ck)
	}
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) evictSome(keep string) {
	type item struct {
		key string
		m   diskMeta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].m.LastAccess < items[j].m.LastAccess })

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		_ = s.del(items[i].key)
	}
}

func (s *LevelDBStorage) keys(partition string) ([]string, error) {
	prefix := []byte(ldbEntryPrefix + compositeKey(partition, ""))
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

type leveldbPartition struct {
	s    *LevelDBStorage
	name string
}

func (p *leveldbPartition) Name() string { return p.name }

func (p *leveldbPartition) Match(_ context.Context, key string) (CacheEntry, bool) {
	return p.s.get(compositeKey(p.name, key))
}

func (p *leveldbPartition) Put(_ context.Context, key string, ent CacheEntry) error {
	return p.s.put(p.name, key, ent)
}

func (p *leveldbPartition) Delete(_ context.Context, key string) error {
	return p.s.del(compositeKey(p.name, key))
}

func (p *leveldbPartition) Keys(context.Context) ([]string, error) {
	return p.s.keys(p.name)
}
