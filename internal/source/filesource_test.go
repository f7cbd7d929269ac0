package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/decoder"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/signal"
)

func collect(t *testing.T, ch <-chan signal.Sample, n int) []signal.Sample {
	t.Helper()
	var out []signal.Sample
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case s := <-ch:
			out = append(out, s)
		case <-deadline:
			t.Fatalf("got %d samples before deadline, want %d", len(out), n)
		}
	}
	return out
}

func TestFileDropSourceIngestsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	reg := decoder.NewRegistry()
	reg.Publish(testDict())

	pl := pipeline.New(64)
	consumer := pl.Register()
	defer pl.Unregister(consumer)

	src := NewFileDropSource(pl, reg, clock.Real{}, dir, zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	body := `[
		{"source":"can","name":"engine_rpm","timestamp_ms":1000,"value":2500.5},
		{"source":"obd","name":"speed","timestamp_ms":1001,"value":88},
		{"source":"can","name":"unknown_signal","timestamp_ms":1002,"value":1}
	]`
	path := filepath.Join(dir, "drop.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	samples := collect(t, consumer.Chan(), 2)
	if samples[0].ID != 1 || samples[0].Value.N != 2500.5 {
		t.Fatalf("first sample = %+v", samples[0])
	}
	if samples[1].ID != 2 || samples[1].TimestampMs != 1001 {
		t.Fatalf("second sample = %+v", samples[1])
	}

	// The ingested file is removed so it cannot retrigger.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ingested file was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFileDropSourceIngestsPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	reg := decoder.NewRegistry()
	reg.Publish(testDict())

	body := `[{"source":"can","name":"engine_rpm","timestamp_ms":500,"value":true}]`
	if err := os.WriteFile(filepath.Join(dir, "old.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pl := pipeline.New(8)
	consumer := pl.Register()
	defer pl.Unregister(consumer)

	src := NewFileDropSource(pl, reg, clock.Real{}, dir, zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	samples := collect(t, consumer.Chan(), 1)
	if samples[0].ID != 1 || !samples[0].Value.IsTrue() {
		t.Fatalf("sample = %+v", samples[0])
	}
}

func TestFileDropSourceDiscardsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	reg := decoder.NewRegistry()
	reg.Publish(testDict())

	pl := pipeline.New(8)
	consumer := pl.Register()
	defer pl.Unregister(consumer)

	src := NewFileDropSource(pl, reg, clock.Real{}, dir, zerolog.Nop())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("malformed file was not discarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := src.Ingested(); n != 0 {
		t.Fatalf("ingested %d samples from a malformed file", n)
	}
}

func TestParseScalar(t *testing.T) {
	cases := []struct {
		raw  string
		want signal.Value
		ok   bool
	}{
		{`42.5`, signal.Number(42.5), true},
		{`true`, signal.Bool(true), true},
		{`"idle"`, signal.String("idle"), true},
		{`null`, signal.Undefined, false},
		{`[1,2]`, signal.Undefined, false},
		{`{"a":1}`, signal.Undefined, false},
	}
	for _, c := range cases {
		got, ok := parseScalar([]byte(c.raw))
		if ok != c.ok || got != c.want {
			t.Errorf("parseScalar(%s) = (%v, %v), want (%v, %v)", c.raw, got, ok, c.want, c.ok)
		}
	}
}
