package lib

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// FrameKind is the classification of a frame by its flag combination.
type FrameKind int

const (
	KindInvalid FrameKind = iota
	KindSYN
	KindSYNACK
	KindSTP
	KindSTPACK
	KindFIN
	KindFINACK
	KindACK
	KindDATA
)

var kindNames = [...]string{"INVALID", "SYN", "SYN+ACK", "STP", "STP+ACK", "FIN", "FIN+ACK", "ACK", "DATA"}

func (k FrameKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
	return kindNames[k]
}

// Frame is one protocol message carried in a single link datagram.
type Frame struct {
	Flags   uint8
	Seq     uint32
	Payload []byte
}

func (f *Frame) SYN() bool { return f.Flags&SYNFlag != 0 }
func (f *Frame) ACK() bool { return f.Flags&ACKFlag != 0 }
func (f *Frame) STP() bool { return f.Flags&STPFlag != 0 }
func (f *Frame) FIN() bool { return f.Flags&FINFlag != 0 }

// Kind classifies the frame. Flag combinations outside the protocol, and
// flagless frames without payload, are KindInvalid.
func (f *Frame) Kind() FrameKind {
	hasPayload := len(f.Payload) > 0
	switch f.Flags {
	case 0:
		if hasPayload {
			return KindDATA
		}
		return KindInvalid
	case SYNFlag:
		return KindSYN
	case SYNFlag | ACKFlag:
		return KindSYNACK
	case STPFlag:
		return KindSTP
	case STPFlag | ACKFlag:
		return KindSTPACK
	case FINFlag:
		return KindFIN
	case FINFlag | ACKFlag:
		return KindFINACK
	case ACKFlag:
		return KindACK
	}
	return KindInvalid
}

func (f *Frame) String() string {
	var flags []string
	for _, fl := range []struct {
		bit  uint8
		name string
	}{{SYNFlag, "SYN"}, {ACKFlag, "ACK"}, {STPFlag, "STP"}, {FINFlag, "FIN"}} {
		if f.Flags&fl.bit != 0 {
			flags = append(flags, fl.name)
		}
	}
	return fmt.Sprintf("[%s seq=%d len=%d]", strings.Join(flags, "|"), f.Seq, len(f.Payload))
}

// Marshal writes the frame into buffer and returns the number of bytes used.
// mss bounds the payload; a non-positive mss disables the check.
func (f *Frame) Marshal(buffer []byte, mss int) (int, error) {
	if mss > 0 && len(f.Payload) > mss {
		return 0, errors.Wrapf(ErrMalformedFrame, "payload %d exceeds mss %d", len(f.Payload), mss)
	}
	n := HeaderSize + len(f.Payload)
	if len(buffer) < n {
		return 0, errors.Errorf("frame marshal: buffer too small (%d < %d)", len(buffer), n)
	}
	buffer[0] = 0
	buffer[1] = f.Flags & (SYNFlag | ACKFlag | STPFlag | FINFlag)
	binary.LittleEndian.PutUint32(buffer[2:HeaderSize], f.Seq)
	copy(buffer[HeaderSize:], f.Payload)
	return n, nil
}

// Encode returns the wire form of the frame in a freshly allocated slice.
func (f *Frame) Encode(mss int) ([]byte, error) {
	buf := make([]byte, HeaderSize+len(f.Payload))
	n, err := f.Marshal(buf, mss)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeFrame parses a frame from its wire form. The payload is copied.
func DecodeFrame(b []byte, mss int) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformedFrame, "%d bytes is shorter than header", len(b))
	}
	payload := b[HeaderSize:]
	if mss > 0 && len(payload) > mss {
		return nil, errors.Wrapf(ErrMalformedFrame, "payload %d exceeds mss %d", len(payload), mss)
	}
	f := &Frame{
		Flags: b[1],
		Seq:   binary.LittleEndian.Uint32(b[2:HeaderSize]),
	}
	if len(payload) > 0 {
		f.Payload = append([]byte(nil), payload...)
	}
	return f, nil
}
