//go:build linux

// Package loop implements the cooperative, single-goroutine event loop:
// a dynamic set of file-descriptor watchers multiplexed through one
// readiness poll per iteration, plus loop-lifecycle (start/stop/idle)
// callbacks.
package loop

import (
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/tzrikka/xsp/pkg/wsproto"
)

// WatchFor tells the loop which readiness events a watcher cares about
// for the next iteration's poll.
type WatchFor int

const (
	// WatchNone means the watcher is not polled this iteration.
	WatchNone WatchFor = 0
	// WatchWrite means the watcher is polled for writability.
	WatchWrite WatchFor = 1 << 0
	// WatchRead means the watcher is polled for readability.
	WatchRead WatchFor = 1 << 1
)

// Handler carries the loop-lifecycle callbacks. Any field may be nil.
type Handler struct {
	// OnStart fires exactly once, before the first iteration of Run.
	OnStart func(l *Loop)
	// OnStop fires exactly once, after the last iteration of Run, even
	// if Run is returning because of an internal error.
	OnStop func(l *Loop)
	// OnIdle fires once per iteration in which no watcher's callback ran.
	OnIdle func(l *Loop)
}

// FDHandler carries one watcher's readiness callbacks. Any field may be
// nil; if OnWillSelect is nil, the watched events default to WatchRead
// when OnCanRead is set and WatchWrite when OnCanWrite is set (a union
// of both if both are set).
type FDHandler struct {
	OnWillSelect func(fd int) WatchFor
	OnCanRead    func(fd int)
	OnCanWrite   func(fd int)
}

// Watcher is the loop's internal record for one registered FD, returned
// by AddWatcher so callers can later RemoveWatcher.
type Watcher struct {
	label   string
	fd      int
	handler FDHandler
	active  bool // false once removed; compacted out between iterations.
}

// Loop is a single-goroutine, cooperative FD-watcher event loop. It must
// only be driven (Run, AddWatcher, RemoveWatcher, Stop) from the
// goroutine that calls Run, except where documented otherwise.
type Loop struct {
	pollTimeoutMS int
	handler       Handler
	logger        zerolog.Logger

	watchers   []*Watcher
	inCallback bool
	isRunning  bool
	shouldStop bool
}

// Config configures a [Loop].
type Config struct {
	// PollTimeoutMS bounds one readiness wait; smaller values shorten
	// shutdown latency at the cost of more frequent wake-ups.
	PollTimeoutMS int
}

// DefaultConfig matches the ESP-IDF-derived default of this stack's
// original embedded target: a 1-second poll timeout.
var DefaultConfig = Config{PollTimeoutMS: 1000}

// New creates a [Loop] that is not yet running.
func New(cfg Config, h Handler, logger zerolog.Logger) *Loop {
	if cfg.PollTimeoutMS <= 0 {
		cfg.PollTimeoutMS = DefaultConfig.PollTimeoutMS
	}
	return &Loop{pollTimeoutMS: cfg.PollTimeoutMS, handler: h, logger: logger}
}

// IsRunning reports whether the loop is between OnStart and OnStop.
func (l *Loop) IsRunning() bool {
	return l.isRunning
}

// AddWatcher registers fd for readiness polling. It must not be called
// from inside an FD callback.
func (l *Loop) AddWatcher(fd int, h FDHandler) (*Watcher, error) {
	if l.inCallback {
		return nil, wsproto.New(wsproto.InvalidState, "AddWatcher called from inside a callback", nil)
	}

	w := &Watcher{label: shortuuid.New(), fd: fd, handler: h, active: true}
	l.watchers = append(l.watchers, w)
	return w, nil
}

// RemoveWatcher unregisters w. It must not be called from inside an FD
// callback.
func (l *Loop) RemoveWatcher(w *Watcher) error {
	if l.inCallback {
		return wsproto.New(wsproto.InvalidState, "RemoveWatcher called from inside a callback", nil)
	}
	w.active = false
	return nil
}

// Stop requests that Run return as soon as possible. Legal from inside a
// callback, or from the loop's own goroutine between iterations.
func (l *Loop) Stop() {
	l.shouldStop = true
}

// Run drives the loop until [Loop.Stop] is called. It implements the
// six-step iteration: recheck should_stop, walk watchers gathering
// watch-for bits (rechecking should_stop between each), poll with
// timeout, dispatch ready callbacks in insertion order (write before
// read, rechecking should_stop between callbacks), fire OnIdle if
// nothing ran, then recheck should_stop and repeat.
func (l *Loop) Run() error {
	l.isRunning = true
	l.shouldStop = false

	if l.handler.OnStart != nil {
		l.handler.OnStart(l)
	}
	defer func() {
		l.isRunning = false
		if l.handler.OnStop != nil {
			l.handler.OnStop(l)
		}
	}()

	for !l.shouldStop {
		l.compactWatchers()

		pollFDs := make([]unix.PollFd, 0, len(l.watchers))
		watchFor := make([]WatchFor, len(l.watchers))

		for i, w := range l.watchers {
			if l.shouldStop {
				break
			}

			wf := l.defaultWatchFor(w)
			if w.handler.OnWillSelect != nil {
				l.inCallback = true
				wf = w.handler.OnWillSelect(w.fd)
				l.inCallback = false
			}
			watchFor[i] = wf

			var events int16
			if wf&WatchRead != 0 {
				events |= unix.POLLIN
			}
			if wf&WatchWrite != 0 {
				events |= unix.POLLOUT
			}
			if events != 0 {
				pollFDs = append(pollFDs, unix.PollFd{Fd: int32(w.fd), Events: events}) //gosec:disable G115 -- fd is a small positive int
			} else {
				pollFDs = append(pollFDs, unix.PollFd{Fd: -1})
			}
		}

		if l.shouldStop {
			break
		}

		n, err := unix.Poll(pollFDs, l.pollTimeoutMS)
		didSomething := false

		if err == nil && n > 0 {
			for i, w := range l.watchers {
				if l.shouldStop {
					break
				}
				if !w.active {
					continue
				}

				revents := pollFDs[i].Revents
				if revents&unix.POLLOUT != 0 && w.handler.OnCanWrite != nil {
					l.inCallback = true
					w.handler.OnCanWrite(w.fd)
					l.inCallback = false
					didSomething = true
				}
				if l.shouldStop {
					break
				}
				if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && w.handler.OnCanRead != nil {
					l.inCallback = true
					w.handler.OnCanRead(w.fd)
					l.inCallback = false
					didSomething = true
				}
			}
		} else if err != nil {
			l.logger.Debug().Err(err).Msg("poll() failed; treating as nothing ready")
		}

		if !didSomething && !l.shouldStop && l.handler.OnIdle != nil {
			l.inCallback = true
			l.handler.OnIdle(l)
			l.inCallback = false
		}
	}

	return nil
}

func (l *Loop) defaultWatchFor(w *Watcher) WatchFor {
	var wf WatchFor
	if w.handler.OnCanRead != nil {
		wf |= WatchRead
	}
	if w.handler.OnCanWrite != nil {
		wf |= WatchWrite
	}
	return wf
}

// compactWatchers drops removed watchers between iterations, never while
// a callback might still reference the slice being walked.
func (l *Loop) compactWatchers() {
	kept := l.watchers[:0]
	for _, w := range l.watchers {
		if w.active {
			kept = append(kept, w)
		}
	}
	l.watchers = kept
}
