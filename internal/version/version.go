// Package version implements the VersionMap component: a process-wide map
// from an OPC UA source timestamp to a stable, monotonically increasing
// VersionNumber, so that two accessors observing the same source timestamp
// agree on the VersionNumber they publish upstream.
package version

import (
	"sync"
	"time"
)

// maxSize bounds the map; the oldest entry is evicted (FIFO) once the map
// would grow past it. Mirrors the original VersionMapper's maxSizeEventIdMap.
const maxSize = 2000

// Number is a monotonically increasing identifier derived from a source
// timestamp. Two Numbers are ordered by Sequence; equal sequences compare
// equal regardless of which Map produced them, satisfying the invariant
// that repeated GetVersion calls for the same timestamp return the same
// Number.
type Number struct {
	sequence uint64
	at       time.Time
}

// Sequence returns the monotonic counter value backing this Number.
func (n Number) Sequence() uint64 { return n.sequence }

// At returns the time point the Number was derived from.
func (n Number) At() time.Time { return n.at }

// Before reports whether n was assigned strictly before other.
func (n Number) Before(other Number) bool { return n.sequence < other.sequence }

// After reports whether n was assigned strictly after other.
func (n Number) After(other Number) bool { return n.sequence > other.sequence }

// IsZero reports whether n is the unset Number.
func (n Number) IsZero() bool { return n.sequence == 0 }

// Map is a mutex-guarded, bounded, FIFO-evicting map from source timestamp
// to Number. The zero value is not usable; construct with New.
type Map struct {
	mu      sync.Mutex
	entries map[time.Time]Number
	order   []time.Time
	nextSeq uint64
}

// New constructs an empty Map.
func New() *Map {
	return &Map{entries: make(map[time.Time]Number)}
}

var (
	singletonOnce sync.Once
	singleton     *Map
)

// Singleton returns the process-wide Map instance. Two Backend instances in
// the same process that observe the same OPC UA source timestamp must
// agree on the VersionNumber, which requires a single shared Map rather
// than one per Backend.
func Singleton() *Map {
	singletonOnce.Do(func() {
		singleton = New()
	})
	return singleton
}

// GetVersion returns the Number for sourceTimestamp, creating one (and
// evicting the oldest entry if the map is at capacity) if this is the
// first time this timestamp has been seen.
func (m *Map) GetVersion(sourceTimestamp time.Time) Number {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.entries[sourceTimestamp]; ok {
		return n
	}

	if len(m.order) >= maxSize {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}

	m.nextSeq++
	n := Number{sequence: m.nextSeq, at: sourceTimestamp}
	m.entries[sourceTimestamp] = n
	m.order = append(m.order, sourceTimestamp)
	return n
}

// Len reports the current number of tracked timestamps; exported for tests
// asserting the eviction policy's capacity bound.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
