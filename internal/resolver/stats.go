package resolver

import "sync/atomic"

// Stats counts resolver activity. A nil *Stats records nothing.
type Stats struct {
	batches          atomic.Uint64
	requests         atomic.Uint64
	cancelled        atomic.Uint64
	executorFailures atomic.Uint64
	lengthMismatches atomic.Uint64
	decodeFailures   atomic.Uint64
	cacheHits        atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Batches          uint64
	Requests         uint64
	Cancelled        uint64
	ExecutorFailures uint64
	LengthMismatches uint64
	DecodeFailures   uint64
	CacheHits        uint64
}

// Snapshot returns the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		Batches:          s.batches.Load(),
		Requests:         s.requests.Load(),
		Cancelled:        s.cancelled.Load(),
		ExecutorFailures: s.executorFailures.Load(),
		LengthMismatches: s.lengthMismatches.Load(),
		DecodeFailures:   s.decodeFailures.Load(),
		CacheHits:        s.cacheHits.Load(),
	}
}

func (s *Stats) addBatch(requests int) {
	if s == nil {
		return
	}
	s.batches.Add(1)
	s.requests.Add(uint64(requests))
}

func (s *Stats) addCancelled(n int) {
	if s != nil {
		s.cancelled.Add(uint64(n))
	}
}

func (s *Stats) addExecutorFailure() {
	if s != nil {
		s.executorFailures.Add(1)
	}
}

func (s *Stats) addLengthMismatch() {
	if s != nil {
		s.lengthMismatches.Add(1)
	}
}

func (s *Stats) addDecodeFailure() {
	if s != nil {
		s.decodeFailures.Add(1)
	}
}

func (s *Stats) addCacheHit() {
	if s != nil {
		s.cacheHits.Add(1)
	}
}
