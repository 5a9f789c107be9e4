package lib

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestFrameEncoding(t *testing.T) {
	testCases := []struct {
		frame Frame
		wire  []byte
	}{
		{Frame{Flags: SYNFlag, Seq: 0}, []byte{0, 0x08, 0, 0, 0, 0}},
		{Frame{Flags: SYNFlag | ACKFlag, Seq: 0}, []byte{0, 0x0c, 0, 0, 0, 0}},
		{Frame{Flags: STPFlag, Seq: 3}, []byte{0, 0x02, 3, 0, 0, 0}},
		{Frame{Flags: FINFlag | ACKFlag, Seq: 0x01020304}, []byte{0, 0x05, 4, 3, 2, 1}},
		{Frame{Seq: 258, Payload: []byte("hi")}, []byte{0, 0, 2, 1, 0, 0, 'h', 'i'}},
	}

	for _, tc := range testCases {
		got, err := tc.frame.Encode(20)
		if err != nil {
			t.Fatalf("encode %v: %v", &tc.frame, err)
		}
		if !bytes.Equal(got, tc.wire) {
			t.Errorf("encode %v = %v, expected %v", &tc.frame, got, tc.wire)
		}

		back, err := DecodeFrame(tc.wire, 20)
		if err != nil {
			t.Fatalf("decode %v: %v", tc.wire, err)
		}
		if back.Flags != tc.frame.Flags || back.Seq != tc.frame.Seq || !bytes.Equal(back.Payload, tc.frame.Payload) {
			t.Errorf("decode %v = %v, expected %v", tc.wire, back, &tc.frame)
		}
	}
}

func TestFrameMalformed(t *testing.T) {
	if _, err := DecodeFrame([]byte{0, 0, 0, 0, 0}, 20); errors.Cause(err) != ErrMalformedFrame {
		t.Errorf("short frame: got %v", err)
	}
	if _, err := DecodeFrame(make([]byte, HeaderSize+21), 20); errors.Cause(err) != ErrMalformedFrame {
		t.Errorf("oversize frame: got %v", err)
	}
	f := Frame{Payload: make([]byte, 21)}
	if _, err := f.Encode(20); errors.Cause(err) != ErrMalformedFrame {
		t.Errorf("oversize encode: got %v", err)
	}
	if _, err := DecodeFrame(make([]byte, HeaderSize+20), 20); err != nil {
		t.Errorf("full-size frame rejected: %v", err)
	}
}

func TestFrameKind(t *testing.T) {
	testCases := []struct {
		flags   uint8
		payload []byte
		kind    FrameKind
	}{
		{SYNFlag, nil, KindSYN},
		{SYNFlag | ACKFlag, nil, KindSYNACK},
		{STPFlag, nil, KindSTP},
		{STPFlag | ACKFlag, nil, KindSTPACK},
		{FINFlag, nil, KindFIN},
		{FINFlag | ACKFlag, nil, KindFINACK},
		{ACKFlag, nil, KindACK},
		{0, []byte{1}, KindDATA},
		{0, nil, KindInvalid},
		{SYNFlag | FINFlag, nil, KindInvalid},
		{0x10, nil, KindInvalid},
	}

	for _, tc := range testCases {
		f := Frame{Flags: tc.flags, Payload: tc.payload}
		if got := f.Kind(); got != tc.kind {
			t.Errorf("Kind(%#x, %d bytes) = %v, expected %v", tc.flags, len(tc.payload), got, tc.kind)
		}
	}
}
