package swcache

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// CacheEntry is a stored (or freshly fetched) response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// NewEntry snapshots a response body read by a Network implementation.
func NewEntry(status int, header http.Header, body []byte) CacheEntry {
	ent := CacheEntry{
		Status:   status,
		Header:   cloneHeader(header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// OK reports a 2xx status.
func (e CacheEntry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// storable mirrors what a browser cache accepts from a worker: full 2xx
// responses the origin did not mark as private to the request.
func (e CacheEntry) storable() bool {
	if !e.OK() || e.Status == http.StatusPartialContent {
		return false
	}
	cc := strings.ToLower(e.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

func (e CacheEntry) olderThan(d time.Duration, now time.Time) bool {
	if d <= 0 {
		return false
	}
	return now.Sub(time.Unix(e.StoredAt, 0)) > d
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
