package websocket

import (
	"github.com/tzrikka/xsp/pkg/wsproto"
	"github.com/tzrikka/xsp/pkg/xsputf8"
)

// Defragmenter reassembles a sequence of data frames (Continuation, Text,
// Binary), delivered in arrival order, into complete messages. A single
// instance is meant to be fed every data frame of one WS connection, in
// order; it is not safe for concurrent use.
//
// It is based on xsp_ws_client_defrag.c from the original C implementation
// this package's protocol semantics were distilled from.
type Defragmenter struct {
	maxMessageSize int

	opcode    Opcode // Continuation means "no message in progress".
	utf8State xsputf8.State
	data      []byte
	stickyErr error
}

// NewDefragmenter creates a [Defragmenter] that rejects any message whose
// accumulated payload would exceed maxMessageSize.
func NewDefragmenter(maxMessageSize int) (*Defragmenter, error) {
	if maxMessageSize < 1 {
		return nil, wsproto.New(wsproto.InvalidArg, "max_message_size must be >= 1", nil)
	}
	return &Defragmenter{
		maxMessageSize: maxMessageSize,
		opcode:         opcodeContinuation,
		utf8State:      xsputf8.Accept,
	}, nil
}

// OnDataFrame feeds one data frame (in arrival order) into the
// defragmenter. done reports whether fin closes out the message (whether
// successfully or with an error). On done && err == nil, opcode and
// message are the completed message: the first frame's opcode, and its
// concatenated payload (owned by the caller; the defragmenter starts a
// fresh buffer on the next call).
//
// Once a call returns a non-nil error, every subsequent call returns that
// same error (sticky) up to and including the frame for which fin is
// true; the call after that starts a fresh message.
func (d *Defragmenter) OnDataFrame(fin bool, opcode Opcode, payload []byte) (done bool, msgOpcode Opcode, message []byte, err error) {
	done = fin

	if d.stickyErr != nil {
		err = d.stickyErr
		d.reset(fin)
		return done, 0, nil, err
	}

	if d.opcode == opcodeContinuation { // First frame of a new message.
		if opcode == opcodeContinuation {
			return d.fail(fin, wsproto.New(wsproto.ProtocolError, "continuation frame with no message in progress", nil))
		}
		d.opcode = opcode
		d.utf8State = xsputf8.Accept
	} else { // Continuation of a message already in progress.
		if opcode != opcodeContinuation {
			return d.fail(fin, wsproto.New(wsproto.ProtocolError, "new message started before previous one finished", nil))
		}
	}

	if d.opcode == OpcodeText {
		d.utf8State = xsputf8.Validate(d.utf8State, payload)
		if d.utf8State == xsputf8.Reject || (fin && !d.utf8State.OK()) {
			return d.fail(fin, wsproto.New(wsproto.InvalidData, "invalid UTF-8 in WebSocket text message", nil))
		}
	}

	if len(d.data)+len(payload) > d.maxMessageSize {
		return d.fail(fin, wsproto.New(wsproto.MessageTooBig, "WebSocket message exceeds max_message_size", nil))
	}

	d.data = append(d.data, payload...)

	if !fin {
		return false, 0, nil, nil
	}

	msgOpcode, message = d.opcode, d.data
	d.opcode = opcodeContinuation
	d.data = nil
	return true, msgOpcode, message, nil
}

// fail enters (or continues) the sticky error state and returns it.
func (d *Defragmenter) fail(fin bool, err error) (bool, Opcode, []byte, error) {
	d.stickyErr = err
	d.reset(fin)
	return fin, 0, nil, err
}

// reset clears per-message state; if fin, it also clears the sticky error
// so the next call starts a fresh message.
func (d *Defragmenter) reset(fin bool) {
	d.opcode = opcodeContinuation
	d.data = nil
	if fin {
		d.stickyErr = nil
	}
}
