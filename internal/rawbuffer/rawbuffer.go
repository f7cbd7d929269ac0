// Package rawbuffer implements the Raw Data Buffer Manager: a
// content-addressed arena for oversized opaque signal payloads (images,
// strings, serialized frames), admitted under per-signal quotas and
// released through reference-counted borrow handles.
//
// Eviction is decided synchronously at admission time (store), never on
// a background timer: the caller learns immediately whether its payload
// was admitted, displaced an older unreferenced frame, or was rejected.
package rawbuffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/snarg/fleet-agent/internal/signal"
)

// ErrNoConfig is returned by Store when no quota configuration exists for
// the signal; the inspection engine must not emit a trigger relying on a
// rejected store.
var ErrNoConfig = errors.New("NO_CONFIG: no raw buffer configuration for signal")

// ErrRejected is returned when a sample is too large, or when the
// signal's sample cap, its byte quota or the global cap would be exceeded
// and nothing is evictable.
var ErrRejected = errors.New("raw buffer sample rejected")

// Quota configures admission limits for one signal.
type Quota struct {
	ReservedBytes     int64
	MaxBytes          int64
	MaxSamples        int
	MaxBytesPerSample int64
}

// frame is one stored payload, reference counted while borrowed.
type frame struct {
	signalID signal.ID
	bytes    []byte
	refs     int32
}

type signalBucket struct {
	mu     sync.Mutex
	quota  Quota
	order  []signal.RawHandle // oldest first
	frames map[signal.RawHandle]*frame
	bytes  int64
}

// Manager owns all RawDataFrame bytes. Other components hold non-owning
// borrow handles and must call Release explicitly.
type Manager struct {
	mu            sync.RWMutex
	buckets       map[signal.ID]*signalBucket
	nextHandle    atomic.Uint32
	globalMax     int64
	globalUsed    atomic.Int64
}

// NewManager creates an empty manager. globalMaxBytes applies across all
// signals after each signal's reserved bytes have been accounted for.
func NewManager(globalMaxBytes int64) *Manager {
	return &Manager{
		buckets:   make(map[signal.ID]*signalBucket),
		globalMax: globalMaxBytes,
	}
}

// Configure installs (or replaces) the quota for a signal. Safe to call
// before any Store for that signal.
func (m *Manager) Configure(id signal.ID, q Quota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[id]
	if !ok {
		b = &signalBucket{frames: make(map[signal.RawHandle]*frame)}
		m.buckets[id] = b
	}
	b.mu.Lock()
	b.quota = q
	b.mu.Unlock()
}

// RemoveConfig drops the quota for a signal; subsequent Store calls fail
// with ErrNoConfig. Existing frames are left for their current holders to
// release.
func (m *Manager) RemoveConfig(id signal.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, id)
}

func (m *Manager) bucket(id signal.ID) (*signalBucket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[id]
	return b, ok
}

// Configured reports whether a signal has a raw buffer quota installed,
// i.e. whether Store/Borrow are meaningful for it at all. Used by custom
// functions deciding whether to attach a complex-data payload to a
// signal.
func (m *Manager) Configured(id signal.ID) bool {
	_, ok := m.bucket(id)
	return ok
}

// Store admits a new payload for signal_id. A sample that would exceed
// the signal's sample cap evicts the oldest unreferenced sample; if none
// is unreferenced, the new sample is rejected. A sample larger than the
// per-sample byte limit is rejected outright.
func (m *Manager) Store(id signal.ID, payload []byte) (signal.RawHandle, error) {
	b, ok := m.bucket(id)
	if !ok {
		return 0, ErrNoConfig
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size := int64(len(payload))
	if b.quota.MaxBytesPerSample > 0 && size > b.quota.MaxBytesPerSample {
		return 0, ErrRejected
	}

	for len(b.order) >= b.quota.MaxSamples && b.quota.MaxSamples > 0 {
		if !m.evictOldestUnreferencedLocked(b) {
			return 0, ErrRejected
		}
	}

	if b.quota.MaxBytes > 0 {
		for b.bytes+size > b.quota.MaxBytes {
			if !m.evictOldestUnreferencedLocked(b) {
				return 0, ErrRejected
			}
		}
	}
	// Global cap applies across all signals after per-signal reserved
	// bytes: only the portion of this bucket's bytes beyond its own
	// reservation counts against the shared pool.
	if m.globalMax > 0 {
		overflowBefore := overflow(b.bytes, b.quota.ReservedBytes)
		overflowAfter := overflow(b.bytes+size, b.quota.ReservedBytes)
		for m.globalUsed.Load()+(overflowAfter-overflowBefore) > m.globalMax {
			if !m.evictOldestUnreferencedLocked(b) {
				return 0, ErrRejected
			}
			overflowBefore = overflow(b.bytes, b.quota.ReservedBytes)
			overflowAfter = overflow(b.bytes+size, b.quota.ReservedBytes)
		}
		m.globalUsed.Add(overflowAfter - overflowBefore)
	}

	h := signal.RawHandle(m.nextHandle.Add(1))
	f := &frame{signalID: id, bytes: append([]byte(nil), payload...)}
	b.frames[h] = f
	b.order = append(b.order, h)
	b.bytes += size
	return h, nil
}

// overflow returns how much of n bytes falls beyond a reserved allotment.
func overflow(n, reserved int64) int64 {
	if n <= reserved {
		return 0
	}
	return n - reserved
}

func (m *Manager) evictOldestUnreferencedLocked(b *signalBucket) bool {
	for i, h := range b.order {
		f, ok := b.frames[h]
		if !ok {
			continue
		}
		if atomic.LoadInt32(&f.refs) > 0 {
			continue
		}
		delete(b.frames, h)
		b.order = append(b.order[:i], b.order[i+1:]...)
		size := int64(len(f.bytes))
		before := overflow(b.bytes, b.quota.ReservedBytes)
		b.bytes -= size
		after := overflow(b.bytes, b.quota.ReservedBytes)
		m.globalUsed.Add(after - before)
		return true
	}
	return false
}

// Frame is a borrowed, read-only view of stored bytes. Callers must pair
// every Borrow with exactly one Release.
type Frame struct {
	SignalID signal.ID
	Bytes    []byte

	handle signal.RawHandle
	bucket *signalBucket
}

// Borrow returns a reference-counted view of a stored frame, or false if
// the handle is unknown (already evicted or released past zero).
func (m *Manager) Borrow(id signal.ID, h signal.RawHandle) (Frame, bool) {
	b, ok := m.bucket(id)
	if !ok {
		return Frame{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.frames[h]
	if !ok {
		return Frame{}, false
	}
	atomic.AddInt32(&f.refs, 1)
	return Frame{SignalID: id, Bytes: f.bytes, handle: h, bucket: b}, true
}

// Release gives up a borrowed frame. Safe to call exactly once per Borrow.
func (m *Manager) Release(fr Frame) {
	if fr.bucket == nil {
		return
	}
	fr.bucket.mu.Lock()
	defer fr.bucket.mu.Unlock()
	if f, ok := fr.bucket.frames[fr.handle]; ok {
		if atomic.AddInt32(&f.refs, -1) < 0 {
			atomic.StoreInt32(&f.refs, 0)
		}
	}
}

// Stats reports per-signal occupancy, for the diagnostics API and metrics.
type Stats struct {
	SignalID   signal.ID
	SampleCount int
	Bytes      int64
}

// AllStats returns a snapshot of occupancy for every configured signal.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.buckets))
	for id, b := range m.buckets {
		b.mu.Lock()
		out = append(out, Stats{SignalID: id, SampleCount: len(b.order), Bytes: b.bytes})
		b.mu.Unlock()
	}
	return out
}
