package rawbuffer

import (
	"testing"

	"github.com/snarg/fleet-agent/internal/signal"
)

func TestStoreNoConfigRejected(t *testing.T) {
	m := NewManager(0)
	_, err := m.Store(1, []byte("x"))
	if err != ErrNoConfig {
		t.Fatalf("got %v, want ErrNoConfig", err)
	}
}

func TestStoreBorrowRelease(t *testing.T) {
	m := NewManager(0)
	m.Configure(1, Quota{MaxBytes: 1024, MaxSamples: 4, MaxBytesPerSample: 512})

	h, err := m.Store(1, []byte("hello"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	fr, ok := m.Borrow(1, h)
	if !ok {
		t.Fatal("Borrow failed")
	}
	if string(fr.Bytes) != "hello" {
		t.Fatalf("got %q", fr.Bytes)
	}
	m.Release(fr)
}

func TestStoreRejectsOversizedSample(t *testing.T) {
	m := NewManager(0)
	m.Configure(1, Quota{MaxBytes: 1024, MaxSamples: 4, MaxBytesPerSample: 2})
	_, err := m.Store(1, []byte("too big"))
	if err != ErrRejected {
		t.Fatalf("got %v, want ErrRejected", err)
	}
}

func TestStoreEvictsOldestUnreferenced(t *testing.T) {
	m := NewManager(0)
	m.Configure(1, Quota{MaxBytes: 1024, MaxSamples: 2, MaxBytesPerSample: 512})

	h1, err := m.Store(1, []byte("first"))
	if err != nil {
		t.Fatalf("Store 1: %v", err)
	}
	_, err = m.Store(1, []byte("second"))
	if err != nil {
		t.Fatalf("Store 2: %v", err)
	}
	// Third store should evict h1 (oldest, unreferenced).
	_, err = m.Store(1, []byte("third"))
	if err != nil {
		t.Fatalf("Store 3: %v", err)
	}
	if _, ok := m.Borrow(1, h1); ok {
		t.Fatal("expected h1 to be evicted")
	}
}

func TestStoreRejectsWhenAllReferenced(t *testing.T) {
	m := NewManager(0)
	m.Configure(1, Quota{MaxBytes: 1024, MaxSamples: 1, MaxBytesPerSample: 512})

	h1, err := m.Store(1, []byte("first"))
	if err != nil {
		t.Fatalf("Store 1: %v", err)
	}
	fr, _ := m.Borrow(1, h1)
	defer m.Release(fr)

	_, err = m.Store(1, []byte("second"))
	if err != ErrRejected {
		t.Fatalf("got %v, want ErrRejected since h1 is referenced", err)
	}
}

func TestAllStats(t *testing.T) {
	m := NewManager(0)
	m.Configure(1, Quota{MaxBytes: 1024, MaxSamples: 4, MaxBytesPerSample: 512})
	m.Store(1, []byte("abc"))
	stats := m.AllStats()
	if len(stats) != 1 || stats[0].SignalID != signal.ID(1) || stats[0].SampleCount != 1 {
		t.Fatalf("got %+v", stats)
	}
}

func TestGlobalCapEvictsAcrossSignals(t *testing.T) {
	m := NewManager(10) // tiny global cap beyond reserved bytes
	m.Configure(1, Quota{MaxBytes: 1000, MaxSamples: 10, MaxBytesPerSample: 100, ReservedBytes: 0})
	m.Configure(2, Quota{MaxBytes: 1000, MaxSamples: 10, MaxBytesPerSample: 100, ReservedBytes: 0})

	h1, err := m.Store(1, make([]byte, 8))
	if err != nil {
		t.Fatalf("Store 1: %v", err)
	}
	// This store for signal 2 needs to evict signal 1's unreferenced frame
	// to stay under the shared global cap.
	_, err = m.Store(2, make([]byte, 8))
	if err != nil {
		t.Fatalf("Store 2: %v", err)
	}
	if _, ok := m.Borrow(1, h1); ok {
		t.Fatal("expected signal 1's frame to be evicted under global cap pressure")
	}
}
