// Package xsputf8 implements incremental, table-driven UTF-8 validation
// using Bjoern Hoehrmann's DFA decoder, so that a WebSocket text message
// spread across many fragments can be validated one frame at a time
// without ever buffering the whole message just to call [utf8.Valid].
//
// See https://bjoern.hoehrmann.de/utf-8/decoder/dfa/ for the original
// public-domain decoder this table is taken from.
package xsputf8

// State is the validator's DFA state. The zero value is [Accept].
type State uint8

const (
	// Accept means every byte fed so far forms complete, valid UTF-8.
	Accept State = 0
	// Reject means an invalid byte sequence was observed; it is a
	// sink state; once reached, [Validate] can never leave it.
	Reject State = 12
)

// OK reports whether s is [Accept], i.e. whether the bytes fed so far
// constitute one or more complete, valid UTF-8 code points with nothing
// left in progress.
func (s State) OK() bool {
	return s == Accept
}

//nolint:gochecknoglobals // static DFA transition tables.
var byteClass = [256]uint8{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	8, 8, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
	10, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 4, 3, 3,
	11, 6, 6, 6, 5, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
}

//nolint:gochecknoglobals
var stateTransition = [108]State{
	0, 12, 24, 36, 60, 96, 84, 12, 12, 12, 48, 72,
	12, 12, 12, 12, 12, 12, 12, 12, 12, 12, 12, 12,
	12, 0, 12, 12, 12, 12, 12, 0, 12, 0, 12, 12,
	12, 24, 12, 12, 12, 12, 12, 24, 12, 24, 12, 12,
	12, 12, 12, 12, 12, 12, 12, 24, 12, 12, 12, 12,
	12, 24, 12, 12, 12, 12, 12, 12, 12, 24, 12, 12,
	12, 12, 12, 12, 12, 12, 12, 36, 12, 36, 12, 12,
	12, 36, 12, 12, 12, 12, 12, 36, 12, 36, 12, 12,
	12, 36, 12, 12, 12, 12, 12, 12, 12, 12, 12, 12,
}

// Validate advances state by feeding it b one byte at a time, and returns
// the resulting state. The initial state for a new message is [Accept].
// Once [Reject] is reached, it is returned unconditionally (the state is
// a sink), matching the semantics of xsp_ws_client_utf8_validate_state.
func Validate(state State, b []byte) State {
	for _, c := range b {
		class := byteClass[c]
		state = stateTransition[uint(state)+uint(class)]
	}
	return state
}
