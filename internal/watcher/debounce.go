package watcher

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of ChangeEvents per path into a single commit
// request, flushing a path once it has been idle for the configured
// window. It is fed from a bounded input channel with
// oldest-dropped-by-path coalescing: a new event for a path already
// pending simply replaces the pending one rather than growing a queue,
// bounding memory regardless of burst size.
type Debouncer struct {
	window time.Duration
	in     chan ChangeEvent
	out    chan ChangeEvent

	mu      sync.Mutex
	pending map[string]*pendingEntry
	timers  map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

type pendingEntry struct {
	event ChangeEvent
}

// NewDebouncer starts a Debouncer with the given idle window and input
// channel capacity. Events pushed via Push are coalesced per path and
// flushed onto Out() after window has elapsed with no further update for
// that path.
func NewDebouncer(window time.Duration, capacity int) *Debouncer {
	d := &Debouncer{
		window:  window,
		in:      make(chan ChangeEvent, capacity),
		out:     make(chan ChangeEvent, capacity),
		pending: make(map[string]*pendingEntry),
		timers:  make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Push enqueues a raw change event. Push never blocks: if the input buffer
// is saturated (the watcher collaborator is producing faster than the
// debouncer drains), it returns false and the event is dropped — the
// bounded channel is the pressure valve, and per-path coalescing keeps the
// loss harmless.
func (d *Debouncer) Push(e ChangeEvent) bool {
	select {
	case d.in <- e:
		return true
	default:
		return false
	}
}

// Out delivers one coalesced event per path, each window after the last
// update to that path.
func (d *Debouncer) Out() <-chan ChangeEvent {
	return d.out
}

// Close stops accepting new events and releases pending timers. It does not
// drain Out(); callers should finish consuming before discarding it.
func (d *Debouncer) Close() {
	close(d.done)
	d.wg.Wait()
}

func (d *Debouncer) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.in:
			d.schedule(e)
		case <-d.done:
			d.mu.Lock()
			for _, t := range d.timers {
				t.Stop()
			}
			d.mu.Unlock()
			return
		}
	}
}

func (d *Debouncer) schedule(e ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[e.Path] = &pendingEntry{event: e}

	if t, ok := d.timers[e.Path]; ok {
		t.Stop()
	}
	d.timers[e.Path] = time.AfterFunc(d.window, func() { d.flush(e.Path) })
}

func (d *Debouncer) flush(path string) {
	d.mu.Lock()
	entry, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
		delete(d.timers, path)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	select {
	case d.out <- entry.event:
	case <-d.done:
	}
}
