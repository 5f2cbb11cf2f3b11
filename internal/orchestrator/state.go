package orchestrator

import (
	"sync"
	"sync/atomic"
)

// idSet holds ids that completed with success.
type idSet struct {
	mu sync.RWMutex
	m  map[string]struct{}
}

func newIDSet() *idSet { return &idSet{m: map[string]struct{}{}} }

func (s *idSet) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[id]
	return ok
}

func (s *idSet) add(id string) {
	s.mu.Lock()
	s.m[id] = struct{}{}
	s.mu.Unlock()
}

func (s *idSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *idSet) clear() {
	s.mu.Lock()
	s.m = map[string]struct{}{}
	s.mu.Unlock()
}

// recordStore owns every Record. Records are mutated only through update so
// readers always see a consistent snapshot.
type recordStore struct {
	mu sync.RWMutex
	m  map[string]*Record
}

func newRecordStore() *recordStore { return &recordStore{m: map[string]*Record{}} }

// put stores rec under its id, replacing any earlier record.
func (s *recordStore) put(rec *Record) {
	s.mu.Lock()
	s.m[rec.ID] = rec
	s.mu.Unlock()
}

// update applies fn to rec under the store lock and returns a snapshot.
func (s *recordStore) update(rec *Record, fn func(r *Record)) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(rec)
	return rec.clone()
}

func (s *recordStore) get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

func (s *recordStore) all() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.m))
	for _, r := range s.m {
		out = append(out, r.clone())
	}
	return out
}

func (s *recordStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *recordStore) clear() {
	s.mu.Lock()
	s.m = map[string]*Record{}
	s.mu.Unlock()
}

// stickySelector remembers the backend that last succeeded so the next
// fallback loop starts there.
type stickySelector struct {
	n   int
	cur atomic.Int64
}

// order returns backend indexes starting at the sticky one, wrapping once.
func (s *stickySelector) order() []int {
	start := int(s.cur.Load())
	out := make([]int, s.n)
	for k := range out {
		out[k] = (start + k) % s.n
	}
	return out
}

func (s *stickySelector) markSuccess(i int) { s.cur.Store(int64(i)) }
func (s *stickySelector) reset()         { s.cur.Store(0) }
