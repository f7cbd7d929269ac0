package persistence

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceMs coalesces rapid Create+Write events against the same file
// (as a shell redirect or a USB-stick copy tool produces) into a single
// callback, once the file has settled.
const debounceMs = 300 * time.Millisecond

// Watcher observes the persistence directory for blobs dropped by a
// means other than Store.Write — a technician updating the decoder
// manifest or campaign list by USB stick in the field, with the agent
// running. Only the three known singleton filenames are watched;
// payload files are written by the agent itself and need no watcher.
type Watcher struct {
	dir string
	log zerolog.Logger

	fsw    *fsnotify.Watcher
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	debounceMu sync.Mutex
	timers     map[string]*time.Timer
}

// NewWatcher creates a Watcher over store's directory. Call Start to
// begin watching.
func NewWatcher(store *Store, log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:    store.Dir(),
		log:    log.With().Str("component", "persistence-watcher").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

// Start begins watching. onChange is invoked (from the watcher's own
// goroutine) once per settled external write to one of the three
// singleton blobs; payload files are not watched, since nothing writes
// those externally.
func (w *Watcher) Start(onChange func(kind Kind)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	go w.loop(onChange)
	return nil
}

func (w *Watcher) loop(onChange func(kind Kind)) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			kind, ok := kindForFilename(event.Name)
			if !ok {
				continue
			}
			w.scheduleCallback(event.Name, kind, onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func kindForFilename(path string) (Kind, bool) {
	name := path
	if idx := strings.LastIndexAny(path, `/\`); idx >= 0 {
		name = path[idx+1:]
	}
	for _, k := range []Kind{KindDecoderManifest, KindCampaignList, KindStateTemplates} {
		if k.filename() == name {
			return k, true
		}
	}
	return 0, false
}

func (w *Watcher) scheduleCallback(path string, kind Kind, onChange func(kind Kind)) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(debounceMs)
		return
	}
	w.timers[path] = time.AfterFunc(debounceMs, func() {
		w.debounceMu.Lock()
		delete(w.timers, path)
		w.debounceMu.Unlock()
		onChange(kind)
	})
}

// Stop terminates the watcher. Safe to call more than once, and safe to
// call even if Start was never called.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		if w.fsw != nil {
			w.fsw.Close()
			<-w.done
		}
	})
}
