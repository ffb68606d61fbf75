//go:build linux

package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/tzrikka/xsp/pkg/wsproto"
)

// Opcode denotes the type of a WebSocket frame, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2 and
// https://datatracker.ietf.org/doc/html/rfc6455#section-11.8.
type Opcode int

const (
	opcodeContinuation Opcode = iota
	OpcodeText
	OpcodeBinary
	// 3-7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	opcodeClose
	opcodePing
	opcodePong
	// 11-15 are reserved for further control frames.
)

// IsDataFrame reports whether o is a non-control opcode (0-7): Continuation,
// Text, Binary, or one of the reserved non-control opcodes.
func (o Opcode) IsDataFrame() bool {
	return o < 8
}

// IsControlFrame reports whether o is a control opcode (8 and above):
// Close, Ping, Pong, or one of the reserved control opcodes.
func (o Opcode) IsControlFrame() bool {
	return o >= 8
}

// String returns the opcode's name, or its number if it's unrecognized.
func (o Opcode) String() string {
	switch o {
	case opcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case opcodeClose:
		return "close"
	case opcodePing:
		return "ping"
	case opcodePong:
		return "pong"
	default:
		return strconv.Itoa(int(o))
	}
}

// Frame parsing/construction constants, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2.
const (
	bit0     = 0x80
	bit1     = 0x40
	bit2     = 0x20
	bit3     = 0x10
	bits1to7 = 0x7f
	bits4to7 = 0x0f

	len7bits  = 125 // Payload length of up to 125 bytes.
	len16bits = 126 // Extended payload length of up to 64 KiB.
	len64bits = 127 // Extended payload length of up to 16 EiB.

	// maxPayloadLength is this stack's own (embedded-sized) cap of
	// 2^31-1 on a frame's payload length, stricter than RFC 6455's
	// requirement that the top bit of a 64-bit extended length be zero.
	maxPayloadLength = math.MaxInt32
)

// frameHeader is based on https://datatracker.ietf.org/doc/html/rfc6455#section-5.2,
// excluding the masking key and payload data.
type frameHeader struct {
	// Bit 0: Indicates that this is the final fragment in a message.
	// The first fragment MAY also be the final fragment.
	fin bool
	// Bits 1-3: Reserved.
	rsv [3]bool
	// Bits 4-7: Defines the interpretation of the "Payload data".
	opcode Opcode
	// Bit 8: Defines whether the "Payload data" is masked. If set to 1, a masking key
	// is present in masking-key, and this is used to unmask the "Payload data" as per
	// [Section 5.3]. All frames sent from client to server have this bit set to 1.
	//
	// [Section 5.3]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.3
	mask bool
	// Bits 9-15 + 0 or 2 or 8 bytes: The length of the "Payload data", in bytes: if
	// 0-125, that is the payload length. If 126, the following 2 bytes interpreted as
	// a 16-bit unsigned integer are the payload length. If 127, the following 8 bytes
	// interpreted as a 64-bit unsigned integer (the most significant bit MUST be 0) are
	// the payload length. Multibyte length quantities are expressed in network byte
	// order. Note that in all cases, the minimal number of bytes MUST be used to encode
	// the length, for example, the length of a 124-byte-long string can't be encoded as
	// the sequence 126, 0, 124. The payload length is the length of the "Extension data"
	// + the length of the "Application data". The length of the "Extension data" may be
	// zero, in which case the payload length is the length of the "Application data".
	payloadLength uint64
}

// readFrameHeader reads a frame received from the server, except for the
// payload. It blocks (bounded by the transport's read timeout, applied
// per underlying read) until such a frame exists.
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Receiving data: https://datatracker.ietf.org/doc/html/rfc6455#section-6.2
func (t *Transport) readFrameHeader() (frameHeader, error) {
	h := frameHeader{}

	b, err := t.readByte()
	if err != nil {
		return h, fmt.Errorf("failed to read first byte of incoming WebSocket frame: %w", err)
	}

	h.fin = (b & bit0) != 0
	h.rsv[0] = (b & bit1) != 0
	h.rsv[1] = (b & bit2) != 0
	h.rsv[2] = (b & bit3) != 0
	h.opcode = Opcode(b & bits4to7)

	b, err = t.readByte()
	if err != nil {
		return h, fmt.Errorf("failed to read second byte of incoming WebSocket frame: %w", err)
	}

	h.mask = (b & bit0) != 0

	lenByte := b & bits1to7
	var nonMinimal bool

	switch {
	case lenByte <= len7bits:
		h.payloadLength = uint64(lenByte)
	case lenByte == len16bits:
		if _, err = io.ReadFull(t.bufReader, t.readBuf[:2]); err == nil {
			h.payloadLength = uint64(binary.BigEndian.Uint16(t.readBuf[:2]))
			nonMinimal = h.payloadLength <= len7bits
		}
	case lenByte == len64bits:
		if _, err = io.ReadFull(t.bufReader, t.readBuf[:8]); err == nil {
			h.payloadLength = binary.BigEndian.Uint64(t.readBuf[:8])
			nonMinimal = h.payloadLength <= math.MaxUint16
		}
	}
	if err != nil {
		return h, fmt.Errorf("failed to read payload length of incoming WebSocket frame: %w", err)
	}
	if nonMinimal {
		return h, wsproto.New(wsproto.ProtocolError, "non-minimal WebSocket frame length encoding", nil)
	}

	return h, nil
}

// maxControlPayload is the maximum length of a control frame payload,
// as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.
const maxControlPayload = 125

// checkFrameHeader classifies a received header against RFC 6455, and
// reports whether the violation is benign (the connection goes Failed
// but the frame is still delivered so the caller can echo a Close) or
// fatal (the connection goes FailedNoClose and reading stops).
//
// Continuation-frame discipline (a Continuation with no message in
// progress, or a Text/Binary frame arriving mid-message) is not checked
// here: the transport reads one frame at a time and has no notion of
// "message in progress", so that check belongs to the defragmenter,
// which does see the whole sequence.
//
// It is based on:
//   - Overview: https://datatracker.ietf.org/doc/html/rfc6455#section-5.1
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
func checkFrameHeader(h frameHeader) error {
	// "A server MUST NOT mask any frames that it sends to the client.
	// A client MUST close a connection if it detects a masked frame" - fatal.
	if h.mask {
		return wsproto.New(wsproto.TransportFailed, "WebSocket server masked the payload data", nil)
	}

	// "Length > 2^31-1" is fatal per this stack's embedded-sized cap.
	if h.payloadLength > maxPayloadLength {
		return wsproto.New(wsproto.TransportFailed, "WebSocket frame payload length exceeds 2^31-1", nil)
	}

	// "Reserved bits MUST be 0 unless an extension is negotiated that defines
	// meanings for non-zero values. If a nonzero value is received and none of
	// the negotiated extensions defines the meaning of such a nonzero value,
	// the receiving endpoint MUST _Fail the WebSocket Connection_" - benign.
	if h.rsv[0] || h.rsv[1] || h.rsv[2] {
		return wsproto.New(wsproto.ProtocolError, "invalid reserved bits", nil)
	}

	// "If an unknown opcode is received, the receiving
	// endpoint MUST _Fail the WebSocket Connection_" - benign.
	if (h.opcode > 2 && h.opcode < 8) || h.opcode > 10 {
		return wsproto.New(wsproto.ProtocolError, fmt.Sprintf("unknown opcode %d", h.opcode), nil)
	}

	// "All control frames MUST have a payload length of
	// 125 bytes or less and MUST NOT be fragmented" - benign.
	if h.opcode.IsControlFrame() {
		if h.payloadLength > maxControlPayload {
			return wsproto.New(wsproto.ProtocolError, "control frame payload too large", nil)
		}
		if !h.fin {
			return wsproto.New(wsproto.ProtocolError, "control frame must not be fragmented", nil)
		}
	}

	return nil
}

// writeFrame sends a single masked frame; fin sets the frame's FIN bit, so
// it may be a whole message or one fragment of one.
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Client-to-server masking: https://datatracker.ietf.org/doc/html/rfc6455#section-5.3
//   - Sending data: https://datatracker.ietf.org/doc/html/rfc6455#section-6.1
func (t *Transport) writeFrame(fin bool, op Opcode, payload []byte) error {
	var finBit byte
	if fin {
		finBit = bit0
	}

	if err := t.writeByte(finBit | byte(op)); err != nil {
		return fmt.Errorf("failed to write WebSocket frame header: %w", err)
	}

	if err := t.writePayloadLength(len(payload)); err != nil {
		return fmt.Errorf("failed to write WebSocket frame header: %w", err)
	}

	if _, err := io.ReadFull(rand.Reader, t.writeBuf[:4]); err != nil {
		return fmt.Errorf("failed to generate masking key for WebSocket client frame: %w", err)
	}
	if err := t.writeBytes(t.writeBuf[:4]); err != nil {
		return fmt.Errorf("failed to write WebSocket frame masking key: %w", err)
	}

	if len(payload) > 0 {
		t.maskPayload(payload)
		defer t.maskPayload(payload) // Undo the masking before returning.

		if err := t.writeBytes(payload); err != nil {
			return fmt.Errorf("failed to write WebSocket frame payload: %w", err)
		}
	}

	return nil
}

// writePayloadLength implements the payload length formatting which is
// defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.2.
func (t *Transport) writePayloadLength(n int) error {
	switch {
	case n <= maxControlPayload:
		return t.writeByte(bit0 | byte(n))

	case n <= math.MaxUint16:
		if err := t.writeByte(bit0 | len16bits); err != nil {
			return err
		}
		binary.BigEndian.PutUint16(t.writeBuf[:2], uint16(n)) //gosec:disable G115 -- value checked before cast
		return t.writeBytes(t.writeBuf[:2])

	default:
		if err := t.writeByte(bit0 | len64bits); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(t.writeBuf[:8], uint64(n)) //gosec:disable G115 -- value checked before cast
		return t.writeBytes(t.writeBuf[:8])
	}
}

// maskPayload implements https://datatracker.ietf.org/doc/html/rfc6455#section-5.3.
// Notice that it changes the input slice in-place! However, this function
// is its own inverse: applying it twice on the same payload
// results in the original unmasked payload.
func (t *Transport) maskPayload(payload []byte) {
	for i := range payload {
		payload[i] ^= t.writeBuf[i&3]
	}
}
