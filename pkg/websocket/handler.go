//go:build linux

package websocket

import (
	"context"
	"encoding/binary"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/tzrikka/xsp/internal/logger"
	"github.com/tzrikka/xsp/pkg/loop"
	"github.com/tzrikka/xsp/pkg/wsproto"
)

// EventHandler carries the application's callbacks for events produced by
// a [Handler]. Any field may be nil.
type EventHandler struct {
	// OnDataFrameReceived fires for every Continuation, Text, or Binary
	// frame, in receive order. Assembling them into complete messages
	// (and validating Text as UTF-8) is [Defragmenter]'s job, not this
	// package's: the handler only delivers frames as they arrive.
	OnDataFrameReceived func(fin bool, opcode Opcode, payload []byte)
	// OnClosed fires at most once: when the peer's Close frame is received
	// and answered, or when the transport fails. It does not fire for a
	// closing handshake started by [Handler.Close]: once a Close has been
	// sent, the peer's reply Close is not reported.
	OnClosed func(status StatusCode)
	// OnPingReceived fires after the handler has already sent the
	// automatic Pong reply.
	OnPingReceived func(payload []byte)
	OnPongReceived func(payload []byte)
	// OnMessageSent fires once per [Handler.SendMessage] call: success
	// is true once the whole message has been written, false if a write
	// failed partway through.
	OnMessageSent func(success bool)
}

// Config bounds a [Handler]'s frame I/O.
type Config struct {
	// MaxFrameReadSize bounds a single incoming frame's payload; larger
	// frames move the transport to FailedNoClose. Must be >= 125 so that
	// any valid control frame always fits.
	MaxFrameReadSize int
	// MaxDataFrameWriteSize bounds how much of an outbound message
	// SendMessage writes per frame; larger messages are sent as
	// multiple Continuation frames.
	MaxDataFrameWriteSize int
}

// DefaultConfig matches the ESP-IDF-derived default of this stack's
// original embedded target.
var DefaultConfig = Config{MaxFrameReadSize: 4096, MaxDataFrameWriteSize: 4096}

func validateConfig(cfg Config) error {
	if cfg.MaxFrameReadSize < maxControlPayload {
		return wsproto.New(wsproto.InvalidArg, "max_frame_read_size must be >= 125", nil)
	}
	if cfg.MaxDataFrameWriteSize < 1 {
		return wsproto.New(wsproto.InvalidArg, "max_data_frame_write_size must be >= 1", nil)
	}
	return nil
}

// sendJob tracks an in-progress outbound message. The payload is not
// owned by the job: it is the caller's buffer, referenced only for the
// duration of the send.
type sendJob struct {
	binary  bool
	payload []byte
	written int
}

// Handler is the WS client handler (the application-facing surface of
// this package): it owns one [Transport], registers a single FD watcher
// with a [loop.Loop], and drives frame-level reads and writes from that
// watcher's callbacks.
//
// It is based on xsp_ws_client_handler.c from the original C
// implementation this package's protocol semantics were distilled from.
type Handler struct {
	cfg       Config
	events    EventHandler
	transport *Transport
	loop      *loop.Loop
	watcher   *loop.Watcher
	logger    zerolog.Logger

	readBuf []byte

	closeSent   bool
	closeStatus StatusCode
	sending     *sendJob
}

// NewHandler registers a watcher for t's FD with l, and returns a
// [Handler] ready to drive t from inside l.Run.
func NewHandler(ctx context.Context, cfg Config, t *Transport, l *loop.Loop, events EventHandler) (*Handler, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	h := &Handler{
		cfg:       cfg,
		events:    events,
		transport: t,
		loop:      l,
		logger:    logger.FromContext(ctx),
		readBuf:   make([]byte, cfg.MaxFrameReadSize),
	}

	w, err := l.AddWatcher(t.FD(), loop.FDHandler{
		OnWillSelect: h.onWillSelect,
		OnCanRead:    h.onCanRead,
		OnCanWrite:   h.onCanWrite,
	})
	if err != nil {
		return nil, err
	}
	h.watcher = w

	return h, nil
}

// Unregister removes the handler's watcher from its loop. It must not be
// called from inside a loop callback, and does not itself perform a WS
// closing handshake; use [Handler.Close] for that before tearing the
// handler down.
func (h *Handler) Unregister() error {
	return h.loop.RemoveWatcher(h.watcher)
}

// onWillSelect drains any bytes the transport already has buffered
// (including handshake "overread" bytes) before the next poll, so that
// data already in userspace doesn't wait for a fresh readiness
// notification. The loop does not count reads made here as work, so
// OnIdle can still fire in an iteration in which onWillSelect processed
// buffered frames.
func (h *Handler) onWillSelect(int) loop.WatchFor {
	for h.transport.bufReader.Buffered() > 0 && h.transport.State() == Ok {
		h.doRead()
	}

	wf := loop.WatchRead
	if h.sending != nil {
		wf |= loop.WatchWrite
	}
	return wf
}

func (h *Handler) onCanRead(int) {
	h.doRead()
}

func (h *Handler) onCanWrite(int) {
	h.doWrite()
	for h.sending != nil {
		ready, err := h.transport.PollWrite(0)
		if err != nil || !ready {
			break
		}
		h.doWrite()
	}
}

// doRead reads exactly one frame and dispatches it by opcode. A benign
// protocol violation still yields a usable frame (dispatched normally,
// matching this stack's original behavior), after which the transport's
// new Failed state is handled by issuing an echoing Close.
func (h *Handler) doRead() {
	if h.transport.State() != Ok {
		return
	}

	hdr, payload, err := h.transport.ReadFrame(h.readBuf)
	if err != nil && payload == nil {
		h.logger.Debug().Err(err).Msg("failed to read WebSocket frame")
		h.handleFailure()
		return
	}

	switch {
	case hdr.opcode.IsDataFrame():
		if h.events.OnDataFrameReceived != nil {
			h.events.OnDataFrameReceived(hdr.fin, hdr.opcode, payload)
		}
	case hdr.opcode == opcodeClose:
		h.handleIncomingClose(payload)
	case hdr.opcode == opcodePing:
		if werr := h.transport.WriteFrame(true, opcodePong, payload); werr != nil {
			h.logger.Debug().Err(werr).Msg("failed to send automatic WebSocket pong")
		}
		if h.events.OnPingReceived != nil {
			h.events.OnPingReceived(payload)
		}
	case hdr.opcode == opcodePong:
		if h.events.OnPongReceived != nil {
			h.events.OnPongReceived(payload)
		}
	}

	if h.transport.State() != Ok {
		h.handleFailure()
	}
}

// handleIncomingClose implements the server-initiated half of the
// closing handshake: it determines the status to echo from the Close
// payload's length and content, writes the reply, and fires OnClosed.
func (h *Handler) handleIncomingClose(payload []byte) {
	if h.closeSent {
		return
	}

	var status StatusCode
	switch {
	case len(payload) == 0:
		status = StatusNotReceived
		_ = h.transport.WriteCloseFrame(0, "")

	case len(payload) == 1:
		status = StatusProtocolError
		_ = h.transport.WriteCloseFrame(StatusProtocolError, "")

	default:
		peerStatus := StatusCode(binary.BigEndian.Uint16(payload[:2]))
		reason := payload[2:]

		switch {
		case !IsValidOutboundCode(peerStatus):
			status = StatusProtocolError
			_ = h.transport.WriteCloseFrame(StatusProtocolError, "")
		case !utf8.Valid(reason):
			status = StatusInvalidData
			_ = h.transport.WriteCloseFrame(StatusInvalidData, "")
		default:
			status = peerStatus
			_ = h.transport.WriteFrame(true, opcodeClose, payload)
		}
	}

	h.closeSent = true
	h.closeStatus = status
	if h.events.OnClosed != nil {
		h.events.OnClosed(status)
	}
}

// handleFailure reacts to the transport leaving Ok on its own (a benign
// protocol violation, or a fatal transport error): it issues an echoing
// Close when the transport still accepts writes (Failed), and always
// surfaces the closure to the application exactly once.
func (h *Handler) handleFailure() {
	if h.closeSent {
		return
	}

	status := StatusClosedAbnormally
	if h.transport.State() == Failed {
		status = StatusProtocolError
		_ = h.transport.WriteCloseFrame(status, "")
	}

	h.closeSent = true
	h.closeStatus = status
	if h.events.OnClosed != nil {
		h.events.OnClosed(status)
	}

	if h.sending != nil {
		h.sending = nil
		if h.events.OnMessageSent != nil {
			h.events.OnMessageSent(false)
		}
	}
}

// doWrite writes one chunk of the message in progress. A write failure
// always means the transport has become FailedNoClose (writes never
// produce a recoverable protocol violation), so it is routed through
// handleFailure the same way a read failure is, to keep OnClosed firing
// symmetrically regardless of which direction failed first.
func (h *Handler) doWrite() {
	if h.sending == nil {
		return
	}
	job := h.sending

	remaining := len(job.payload) - job.written
	chunkSize := h.cfg.MaxDataFrameWriteSize
	if chunkSize > remaining {
		chunkSize = remaining
	}

	op := opcodeContinuation
	if job.written == 0 {
		op = OpcodeBinary
		if !job.binary {
			op = OpcodeText
		}
	}

	chunk := job.payload[job.written : job.written+chunkSize]
	job.written += chunkSize
	fin := job.written == len(job.payload)

	if err := h.transport.WriteFrame(fin, op, chunk); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write WebSocket data frame")
		h.handleFailure()
		return
	}

	if fin {
		h.sending = nil
		if h.events.OnMessageSent != nil {
			h.events.OnMessageSent(true)
		}
	}
}

// SendMessage queues payload for sending as a single WebSocket message
// (split into multiple frames if it exceeds MaxDataFrameWriteSize). The
// send completes asynchronously, from inside the loop's callbacks;
// completion is reported through EventHandler.OnMessageSent. payload is
// not copied: it must remain valid and unmodified until that callback
// fires.
func (h *Handler) SendMessage(binary bool, payload []byte) error {
	if !h.loop.IsRunning() {
		return wsproto.New(wsproto.InvalidState, "loop is not running", nil)
	}
	if h.sending != nil {
		return wsproto.New(wsproto.InvalidState, "a message is already being sent", nil)
	}
	if h.transport.State() != Ok {
		return wsproto.New(wsproto.InvalidState, "WebSocket transport is not open", nil)
	}

	h.sending = &sendJob{binary: binary, payload: payload}
	return nil
}

// Close initiates (or idempotently no-ops on a repeated call to) the
// WebSocket closing handshake: it writes a Close frame carrying status,
// and marks the connection as closed from this side. It is a no-op,
// without error, if a Close frame has already been sent (including one
// sent automatically while echoing the peer's Close) or if the
// transport is not in the Ok state.
func (h *Handler) Close(status StatusCode) error {
	if !h.loop.IsRunning() {
		return wsproto.New(wsproto.InvalidState, "loop is not running", nil)
	}
	if !IsValidOutboundCode(status) {
		return wsproto.New(wsproto.InvalidArg, "invalid outbound WebSocket close status code", nil)
	}
	if h.transport.State() != Ok {
		return nil
	}
	if h.closeSent {
		return nil
	}

	if err := h.transport.WriteCloseFrame(status, ""); err != nil {
		return err
	}
	h.closeSent = true
	h.closeStatus = status
	return nil
}

// Ping synchronously sends a Ping control frame carrying payload (at
// most 125 bytes).
func (h *Handler) Ping(payload []byte) error {
	if !h.loop.IsRunning() {
		return wsproto.New(wsproto.InvalidState, "loop is not running", nil)
	}
	if len(payload) > maxControlPayload {
		return wsproto.New(wsproto.InvalidArg, "ping payload must be <= 125 bytes", nil)
	}
	return h.transport.WriteFrame(true, opcodePing, payload)
}
