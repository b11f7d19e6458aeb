package kafka

import "sync"

// offsetTracker records fetched offsets per partition and reports how far
// each partition may be committed: up to the highest offset below which
// every fetched record has been settled.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// track must be called in fetch order, which is offset order per partition.
func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	p.pending = append(p.pending, offset)
}

// settleLocked marks offset done and returns the offset the partition may now
// be committed to, if it advanced. Callers hold t.mu across the commit that
// follows so commits of one reader stay ordered.
func (t *offsetTracker) settleLocked(partition int, offset int64) (int64, bool) {
	p, ok := t.partitions[partition]
	if !ok {
		return 0, false
	}
	p.done[offset] = true

	var committable int64
	advanced := false
	for len(p.pending) > 0 && p.done[p.pending[0]] {
		committable = p.pending[0]
		delete(p.done, committable)
		p.pending = p.pending[1:]
		advanced = true
	}
	return committable, advanced
}

// outstanding returns how many tracked offsets are not yet committable.
func (t *offsetTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
