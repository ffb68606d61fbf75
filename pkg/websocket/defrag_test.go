package websocket

import (
	"testing"

	"github.com/tzrikka/xsp/pkg/wsproto"
)

func TestDefragmenterSingleFrameMessage(t *testing.T) {
	d, err := NewDefragmenter(1024)
	if err != nil {
		t.Fatal(err)
	}

	done, opcode, msg, err := d.OnDataFrame(true, OpcodeText, []byte("hello"))
	if err != nil {
		t.Fatalf("OnDataFrame() error = %v", err)
	}
	if !done || opcode != OpcodeText || string(msg) != "hello" {
		t.Errorf("OnDataFrame() = (%v, %v, %q), want (true, Text, \"hello\")", done, opcode, msg)
	}
}

func TestDefragmenterFragmentedUTF8Message(t *testing.T) {
	d, err := NewDefragmenter(1024)
	if err != nil {
		t.Fatal(err)
	}

	// "Hé" split across three frames, straddling the two-byte UTF-8
	// encoding of 'é' (0xC3 0xA9) across two of them.
	frames := [][]byte{{'H'}, {0xC3}, {0xA9}}

	var got []byte
	for i, f := range frames {
		fin := i == len(frames)-1
		done, opcode, msg, err := d.OnDataFrame(fin, pickOpcode(i), f)
		if err != nil {
			t.Fatalf("frame %d: OnDataFrame() error = %v", i, err)
		}
		if done {
			got = msg
			if opcode != OpcodeText {
				t.Errorf("opcode = %v, want Text", opcode)
			}
		}
	}

	if string(got) != "Hé" {
		t.Errorf("assembled message = %q, want %q", got, "Hé")
	}
}

func pickOpcode(i int) Opcode {
	if i == 0 {
		return OpcodeText
	}
	return opcodeContinuation
}

func TestDefragmenterInvalidUTF8StickyThenFreshMessage(t *testing.T) {
	d, err := NewDefragmenter(1024)
	if err != nil {
		t.Fatal(err)
	}

	// 0xC3 0x28 is an invalid two-byte sequence.
	done, _, _, err := d.OnDataFrame(true, OpcodeText, []byte{0xC3, 0x28})
	if !done || !wsproto.HasKind(err, wsproto.InvalidData) {
		t.Fatalf("first call: done=%v err=%v, want done=true, InvalidData", done, err)
	}

	// The next message (fresh, since the previous one's fin frame has
	// already been seen) should succeed normally.
	done, opcode, msg, err := d.OnDataFrame(true, OpcodeText, []byte("ok"))
	if err != nil {
		t.Fatalf("second message: OnDataFrame() error = %v", err)
	}
	if !done || opcode != OpcodeText || string(msg) != "ok" {
		t.Errorf("second message = (%v, %v, %q), want (true, Text, \"ok\")", done, opcode, msg)
	}
}

func TestDefragmenterStickyErrorPersistsUntilFin(t *testing.T) {
	d, err := NewDefragmenter(1024)
	if err != nil {
		t.Fatal(err)
	}

	// A Continuation frame with nothing to continue is a protocol error.
	_, _, _, err1 := d.OnDataFrame(false, opcodeContinuation, []byte("x"))
	if !wsproto.HasKind(err1, wsproto.ProtocolError) {
		t.Fatalf("first frame error = %v, want ProtocolError", err1)
	}

	// A subsequent non-fin frame still returns the same sticky error.
	_, _, _, err2 := d.OnDataFrame(false, opcodeContinuation, []byte("y"))
	if !wsproto.HasKind(err2, wsproto.ProtocolError) {
		t.Fatalf("second frame error = %v, want sticky ProtocolError", err2)
	}

	// The fin frame clears the error afterwards.
	done, _, _, err3 := d.OnDataFrame(true, opcodeContinuation, []byte("z"))
	if !done || !wsproto.HasKind(err3, wsproto.ProtocolError) {
		t.Fatalf("fin frame = (done=%v, err=%v), want (true, ProtocolError)", done, err3)
	}

	done, opcode, msg, err := d.OnDataFrame(true, OpcodeBinary, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("fresh message after fin: OnDataFrame() error = %v", err)
	}
	if !done || opcode != OpcodeBinary || len(msg) != 3 {
		t.Errorf("fresh message = (%v, %v, %v), want (true, Binary, [1 2 3])", done, opcode, msg)
	}
}

func TestDefragmenterMessageTooBig(t *testing.T) {
	d, err := NewDefragmenter(4)
	if err != nil {
		t.Fatal(err)
	}

	done, _, _, err := d.OnDataFrame(true, OpcodeBinary, []byte("too long"))
	if !done || !wsproto.HasKind(err, wsproto.MessageTooBig) {
		t.Fatalf("OnDataFrame() = (done=%v, err=%v), want (true, MessageTooBig)", done, err)
	}
}

func TestDefragmenterRejectsLeadingContinuation(t *testing.T) {
	d, err := NewDefragmenter(1024)
	if err != nil {
		t.Fatal(err)
	}

	_, _, _, err = d.OnDataFrame(true, opcodeContinuation, []byte("x"))
	if !wsproto.HasKind(err, wsproto.ProtocolError) {
		t.Errorf("OnDataFrame() error = %v, want ProtocolError", err)
	}
}

func TestDefragmenterRejectsNewMessageMidstream(t *testing.T) {
	d, err := NewDefragmenter(1024)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, _, err := d.OnDataFrame(false, OpcodeText, []byte("a")); err != nil {
		t.Fatal(err)
	}

	_, _, _, err = d.OnDataFrame(true, OpcodeBinary, []byte("b"))
	if !wsproto.HasKind(err, wsproto.ProtocolError) {
		t.Errorf("OnDataFrame() error = %v, want ProtocolError", err)
	}
}

func TestNewDefragmenterRejectsInvalidConfig(t *testing.T) {
	if _, err := NewDefragmenter(0); !wsproto.HasKind(err, wsproto.InvalidArg) {
		t.Errorf("NewDefragmenter(0) error = %v, want InvalidArg", err)
	}
}
