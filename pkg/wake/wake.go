//go:build linux

// Package wake provides the counting, cross-thread wake signal ("event
// FD") that the loop uses to turn an arbitrary producer's notification
// into one readiness transition on its poll set.
//
// It is a thin wrapper over the Linux eventfd(2) primitive, which already
// implements exactly the counting semantics this package's callers need
// (see https://man7.org/linux/man-pages/man2/eventfd.2.html). A
// process-wide virtual-FD registry, as used by the originating C sources,
// is unnecessary here: the host kernel already provides a native counting
// primitive, so this package skips straight to it.
package wake

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/tzrikka/xsp/pkg/wsproto"
)

// maxCounterValue is the one value write() must reject outright: eventfd(2)
// refuses a write of 0xffffffffffffffff, and the counter itself never
// holds more than 0xfffffffffffffffe.
const maxCounterValue = ^uint64(0)

// Signal is a 64-bit counting wake primitive: write(v) adds v to an
// internal counter (blocking, or returning [wsproto.WouldBlock], if it
// would overflow); read() atomically returns and zeros the counter
// (blocking, or returning [wsproto.WouldBlock], if it is currently zero).
// The underlying FD is readable iff the counter is nonzero, and writable
// iff the counter is below [maxCounterValue].
//
// A Signal is safe for concurrent use: [Write] may be called from any
// goroutine to wake the loop worker that owns [Read].
type Signal struct {
	fd          int
	nonblocking bool
	closed      bool
}

// New creates a wake signal with the given initial counter value (which
// must be less than 2^64-1) and blocking mode.
//
// The underlying kernel FD is always opened non-blocking; when
// nonblocking is false, [Write] and [Read] emulate blocking behavior in
// software by polling the FD, so that closing the Signal from another
// goroutine can still unblock a pending call instead of wedging it.
func New(initial uint64, nonblocking bool) (*Signal, error) {
	if initial == maxCounterValue {
		return nil, wsproto.New(wsproto.InvalidArg, "initial value must be less than 2^64-1", nil)
	}

	fd, err := unix.Eventfd(uint(initial), unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, wsproto.New(wsproto.InvalidArg, "eventfd() failed", err)
	}

	return &Signal{fd: fd, nonblocking: nonblocking}, nil
}

// FD returns the underlying file descriptor, suitable for registration
// with a readiness-polling primitive such as [unix.Poll].
func (s *Signal) FD() int {
	return s.fd
}

// Write adds v to the counter. v == 0 is a no-op success; v ==
// 2^64-1 always fails with [wsproto.InvalidArg]. If adding v would
// overflow the counter, Write blocks until a reader drains it (or returns
// [wsproto.WouldBlock] in non-blocking mode).
func (s *Signal) Write(v uint64) error {
	if s.closed {
		return wsproto.New(wsproto.BadFd, "signal is closed", nil)
	}
	if v == maxCounterValue {
		return wsproto.New(wsproto.InvalidArg, "write value must not be 2^64-1", nil)
	}
	if v == 0 {
		return nil
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)

	for {
		_, err := unix.Write(s.fd, buf[:])
		if err == nil {
			return nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return wsproto.New(wsproto.BadFd, "eventfd write() failed", err)
		}
		if s.nonblocking {
			return wsproto.New(wsproto.WouldBlock, "counter would overflow", nil)
		}
		if werr := s.waitWritable(); werr != nil {
			return werr
		}
	}
}

// Read atomically returns and zeros the counter. If the counter is zero,
// Read blocks until a writer adds to it (or returns [wsproto.WouldBlock]
// in non-blocking mode).
func (s *Signal) Read() (uint64, error) {
	if s.closed {
		return 0, wsproto.New(wsproto.BadFd, "signal is closed", nil)
	}

	var buf [8]byte
	for {
		_, err := unix.Read(s.fd, buf[:])
		if err == nil {
			return binary.NativeEndian.Uint64(buf[:]), nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, wsproto.New(wsproto.BadFd, "eventfd read() failed", err)
		}
		if s.nonblocking {
			return 0, wsproto.New(wsproto.WouldBlock, "counter is zero", nil)
		}
		if werr := s.waitReadable(); werr != nil {
			return 0, werr
		}
	}
}

// Close wakes all blocked readers and writers with [wsproto.BadFd], then
// releases the underlying FD.
func (s *Signal) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *Signal) waitReadable() error {
	return s.poll(unix.POLLIN)
}

func (s *Signal) waitWritable() error {
	return s.poll(unix.POLLOUT)
}

// poll blocks until the FD is ready for events, or until it is closed
// from another goroutine (checked on each wake-up so Close never wedges
// a blocking caller indefinitely).
func (s *Signal) poll(events int16) error {
	for {
		if s.closed {
			return wsproto.New(wsproto.BadFd, "signal was closed while blocked", nil)
		}

		fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}} //gosec:disable G115 -- fd is a small positive int
		n, err := unix.Poll(fds, 50)
		if err != nil && err != unix.EINTR {
			return wsproto.New(wsproto.BadFd, "eventfd poll() failed", err)
		}
		if n > 0 && fds[0].Revents&events != 0 {
			return nil
		}
	}
}
