package channels

import "sync"

const defaultDedupCapacity = 3000

// Dedup remembers the most recent capacity distinct message ids. Recording
// beyond capacity evicts the oldest id.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	idx  int
	size int
}

func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &Dedup{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

func (d *Dedup) Record(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordLocked(id)
}

// CheckAndRecord returns true if id was already seen, recording it otherwise.
// Empty ids are never treated as duplicates.
func (d *Dedup) CheckAndRecord(id string) bool {
	if id == "" || id == "0" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.recordLocked(id)
	return false
}

func (d *Dedup) recordLocked(id string) {
	if id == "" {
		return
	}
	if _, ok := d.seen[id]; ok {
		return
	}
	if old := d.ring[d.idx]; old != "" {
		delete(d.seen, old)
		d.size--
	}
	d.ring[d.idx] = id
	d.seen[id] = struct{}{}
	d.size++
	d.idx = (d.idx + 1) % len(d.ring)
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}
