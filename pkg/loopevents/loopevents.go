//go:build linux

// Package loopevents implements the cross-thread task queue ("loop
// events"): a bounded ring of fixed-size slots that any goroutine may
// post into, drained by the loop worker through a registered read
// watcher on a wake signal.
package loopevents

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tzrikka/xsp/pkg/loop"
	"github.com/tzrikka/xsp/pkg/wake"
	"github.com/tzrikka/xsp/pkg/wsproto"
)

// Config sizes the ring: SlotBytes is the fixed capacity of each slot
// (callers posting smaller payloads waste the remainder; callers needing
// more must box their data and post a pointer-sized handle instead),
// Capacity is the number of slots.
type Config struct {
	SlotBytes int
	Capacity  int
}

// Queue is a bounded, fixed-slot FIFO that any goroutine may [Post] into;
// a single consumer drains it from inside the owning [loop.Loop]'s
// goroutine.
type Queue struct {
	cfg     Config
	onEvent func(data []byte)

	mu    sync.Mutex
	slots [][]byte
	head  int
	count int

	sig     *wake.Signal
	bounce  []byte
	loop    *loop.Loop
	watcher *loop.Watcher
}

// New creates a task queue of the given shape, registers a read watcher
// for its wake signal with l, and invokes onEvent (from the loop's
// goroutine) for each drained item, in FIFO order.
func New(cfg Config, l *loop.Loop, onEvent func(data []byte), logger zerolog.Logger) (*Queue, error) {
	if cfg.SlotBytes < 1 || cfg.Capacity < 1 {
		return nil, wsproto.New(wsproto.InvalidArg, "slot_bytes and capacity must be >= 1", nil)
	}
	if onEvent == nil {
		return nil, wsproto.New(wsproto.InvalidArg, "onEvent must not be nil", nil)
	}

	sig, err := wake.New(0, true)
	if err != nil {
		return nil, err
	}

	slots := make([][]byte, cfg.Capacity)
	for i := range slots {
		slots[i] = make([]byte, cfg.SlotBytes)
	}

	q := &Queue{
		cfg:     cfg,
		onEvent: onEvent,
		slots:   slots,
		sig:     sig,
		bounce:  make([]byte, cfg.SlotBytes),
		loop:    l,
	}

	w, err := l.AddWatcher(sig.FD(), loop.FDHandler{
		OnCanRead: q.drain,
	})
	if err != nil {
		_ = sig.Close()
		return nil, err
	}
	q.watcher = w

	logger.Debug().Int("slot_bytes", cfg.SlotBytes).Int("capacity", cfg.Capacity).
		Msg("task queue initialized")

	return q, nil
}

// Post copies data (which must fit within SlotBytes) into the queue's
// tail slot and wakes the loop worker. Safe to call from any goroutine.
func (q *Queue) Post(data []byte) error {
	if len(data) > q.cfg.SlotBytes {
		return wsproto.New(wsproto.InvalidArg, "data exceeds slot_bytes", nil)
	}

	q.mu.Lock()
	if q.count == q.cfg.Capacity {
		q.mu.Unlock()
		return wsproto.New(wsproto.QueueFull, "task queue is at capacity", nil)
	}

	tail := (q.tailIndex())
	slot := q.slots[tail]
	clear(slot)
	copy(slot, data)
	q.count++
	q.mu.Unlock()

	return q.sig.Write(1)
}

func (q *Queue) tailIndex() int {
	return (q.head + q.count) % q.cfg.Capacity
}

// drain runs as the wake signal's OnCanRead callback, inside the loop
// worker. It samples the pending count once, drains the wake counter
// exactly once, and dispatches exactly that many items through one
// reused bounce buffer: a single readiness event services at most the
// sampled count, so anything posted after the sample waits for the next
// wake-up.
func (q *Queue) drain(int) {
	q.mu.Lock()
	n := q.count
	q.mu.Unlock()

	if n == 0 {
		return
	}

	if _, err := q.sig.Read(); err != nil {
		return
	}

	for range n {
		q.mu.Lock()
		if q.count == 0 {
			q.mu.Unlock()
			break
		}
		copy(q.bounce, q.slots[q.head])
		q.head = (q.head + 1) % q.cfg.Capacity
		q.count--
		q.mu.Unlock()

		q.onEvent(q.bounce[:q.cfg.SlotBytes])

		if !q.loop.IsRunning() {
			break
		}
	}
}

// Close unregisters the queue's watcher and releases its wake signal.
// Must not be called from inside a loop callback.
func (q *Queue) Close() error {
	if err := q.loop.RemoveWatcher(q.watcher); err != nil {
		return err
	}
	return q.sig.Close()
}
