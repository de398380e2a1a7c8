package swcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector tracks sizes of responses served from hits and misses for
// the periodic stats log line.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) observe(respBytes int) {
	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for cur := s.minRespBytes.Load(); n < cur; cur = s.minRespBytes.Load() {
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxRespBytes.Load(); n > cur; cur = s.maxRespBytes.Load() {
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Responses    uint64
	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) snapshot() StatsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return StatsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		Responses:    count,
		MinRespBytes: minv,
		MaxRespBytes: s.maxRespBytes.Load(),
		AvgRespBytes: s.totalRespBytes.Load() / count,
	}
}

// FormatBytes renders b as 12b, 3.5kb, 1mb...
func FormatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	default:
		return trimFloat(float64(b)/gb) + "gb"
	}
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0")
}
