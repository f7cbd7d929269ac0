package source

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/signal"
)

// fileDebounce coalesces the Create+Write burst a copy tool produces
// into one read, once the file has settled.
const fileDebounce = 300 * time.Millisecond

// fileSampleDoc is one entry in a dropped sample file: an array of these
// makes up the file. Values are JSON scalars (number, bool, or string).
type fileSampleDoc struct {
	Source      string          `json:"source"`
	Name        string          `json:"name"`
	TimestampMs int64           `json:"timestamp_ms"`
	Value       json.RawMessage `json:"value"`
}

// FileDropSource watches a directory for dropped .json sample files and
// publishes their contents into the signal pipeline, deleting each file
// once ingested. Used on the bench and in the field to inject signals
// without a live bus: drop a file, watch the campaign fire.
type FileDropSource struct {
	pipe *pipeline.Pipeline
	dict dictSource
	clk  clock.Clock
	dir  string
	log  zerolog.Logger

	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
	once sync.Once

	debounceMu sync.Mutex
	timers     map[string]*time.Timer

	ingested atomic.Int64
}

// NewFileDropSource builds a file-drop source over dir. Call Start to
// begin watching.
func NewFileDropSource(pipe *pipeline.Pipeline, dict dictSource, clk clock.Clock, dir string, log zerolog.Logger) *FileDropSource {
	return &FileDropSource{
		pipe:   pipe,
		dict:   dict,
		clk:    clk,
		dir:    dir,
		log:    log.With().Str("component", "file-source").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

func (f *FileDropSource) Name() string { return "file-drop" }

// Ingested reports how many samples have been published, for tests and
// diagnostics.
func (f *FileDropSource) Ingested() int64 { return f.ingested.Load() }

// Start begins watching the drop directory, ingesting any .json files
// already present before the watcher came up.
func (f *FileDropSource) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(f.dir); err != nil {
		fsw.Close()
		return err
	}
	f.fsw = fsw
	go f.loop()

	entries, err := os.ReadDir(f.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				f.ingestFile(filepath.Join(f.dir, e.Name()))
			}
		}
	}
	f.log.Info().Str("dir", f.dir).Msg("file-drop source started")
	return nil
}

// Stop terminates the watcher. Safe to call more than once, and safe
// even if Start was never called.
func (f *FileDropSource) Stop() {
	f.once.Do(func() {
		close(f.stop)
		if f.fsw != nil {
			f.fsw.Close()
			<-f.done
		}
	})
}

func (f *FileDropSource) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case event, ok := <-f.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			f.scheduleIngest(event.Name)
		case err, ok := <-f.fsw.Errors:
			if !ok {
				return
			}
			f.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (f *FileDropSource) scheduleIngest(path string) {
	f.debounceMu.Lock()
	defer f.debounceMu.Unlock()

	if t, ok := f.timers[path]; ok {
		t.Reset(fileDebounce)
		return
	}
	f.timers[path] = time.AfterFunc(fileDebounce, func() {
		f.debounceMu.Lock()
		delete(f.timers, path)
		f.debounceMu.Unlock()
		f.ingestFile(path)
	})
}

// ingestFile reads one sample file, publishes every entry it can
// resolve against the active dictionary, then removes the file. A
// malformed file is removed too — leaving it would retrigger forever.
func (f *FileDropSource) ingestFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		f.log.Warn().Err(err).Str("path", path).Msg("failed to read dropped sample file")
		return
	}

	var docs []fileSampleDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		f.log.Warn().Err(err).Str("path", path).Msg("malformed sample file, discarding")
		os.Remove(path)
		return
	}

	dict := f.dict.Current()
	published := 0
	for _, d := range docs {
		id, ok := dict.Resolve(d.Source, d.Name)
		if !ok {
			continue
		}
		v, ok := parseScalar(d.Value)
		if !ok {
			continue
		}
		ts := d.TimestampMs
		if ts == 0 {
			ts = f.clk.NowMs()
		}
		f.pipe.Publish(signal.Sample{ID: id, TimestampMs: ts, Value: v})
		published++
	}
	f.ingested.Add(int64(published))

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.log.Warn().Err(err).Str("path", path).Msg("failed to remove ingested sample file")
	}
	f.log.Debug().Str("path", path).Int("samples", published).Msg("sample file ingested")
}

// parseScalar maps a JSON scalar onto the condition interpreter's tagged
// variant. Arrays, objects, and null have no signal representation.
func parseScalar(raw json.RawMessage) (signal.Value, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return signal.Undefined, false
	}
	switch x := v.(type) {
	case bool:
		return signal.Bool(x), true
	case float64:
		return signal.Number(x), true
	case string:
		return signal.String(x), true
	default:
		return signal.Undefined, false
	}
}
