package persistence

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcherDetectsExternallyDroppedManifest(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	w := NewWatcher(s, zerolog.Nop())

	var mu sync.Mutex
	var seen []Kind
	if err := w.Start(func(kind Kind) {
		mu.Lock()
		seen = append(seen, kind)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	path := dir + "/decoder_manifest.bin"
	if err := os.WriteFile(path, []byte("dropped-by-usb-stick"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(debounceMs + 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != KindDecoderManifest {
		t.Fatalf("expected one KindDecoderManifest callback, got %v", seen)
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, 0)
	w := NewWatcher(s, zerolog.Nop())

	var mu sync.Mutex
	var count int
	if err := w.Start(func(kind Kind) {
		mu.Lock()
		count++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(dir+"/payload-1-1.bin", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(dir+"/unrelated.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(debounceMs + 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no callbacks for non-singleton files, got %d", count)
	}
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, 0)
	w := NewWatcher(s, zerolog.Nop())

	var mu sync.Mutex
	var count int
	if err := w.Start(func(kind Kind) {
		mu.Lock()
		count++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	path := dir + "/collection_schemes.bin"
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("revision"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(debounceMs + 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected rapid rewrites coalesced into 1 callback, got %d", count)
	}
}
