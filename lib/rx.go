package lib

import (
	"sync"

	"github.com/google/btree"
	"github.com/smallnest/ringbuffer"
)

type rxSegment struct {
	seq     uint32
	payload []byte
}

// rxChannel is the receive half of a connection: an ordered reorder buffer
// keyed by sequence number feeding an in-order byte queue.
type rxChannel struct {
	mu       sync.Mutex
	window   int
	expected uint32                   // next sequence number to deliver
	reorder  *btree.BTreeG[rxSegment] // accepted, not yet delivered
	ready    *ringbuffer.RingBuffer   // delivered, not yet read
	finished bool                     // peer sent STP or the connection closed
	torn     bool                     // connection closed; gaps will never fill
	readable chan struct{}

	delivered  int
	duplicates int
}

func newRxChannel(window, bufferSize int) *rxChannel {
	return &rxChannel{
		window: window,
		reorder: btree.NewG(8, func(a, b rxSegment) bool {
			return isLess(a.seq, b.seq)
		}),
		ready:    ringbuffer.New(bufferSize),
		readable: make(chan struct{}, 1),
	}
}

// onData accepts a data segment and reports whether it must be acknowledged.
// Segments below the window were delivered already and are acked again;
// segments beyond it are dropped silently.
func (rx *rxChannel) onData(seq uint32, payload []byte) bool {
	rx.mu.Lock()
	defer rx.mu.Unlock()

	if isLess(seq, rx.expected) {
		rx.duplicates++
		return true
	}
	if !seqInWindow(seq, rx.expected, rx.window) {
		return false
	}
	seg := rxSegment{seq: seq}
	if rx.reorder.Has(seg) {
		rx.duplicates++
		return true
	}
	seg.payload = append([]byte(nil), payload...)
	rx.reorder.ReplaceOrInsert(seg)
	rx.drainLocked()
	return true
}

// drainLocked moves every segment that continues the stream into the byte
// queue, as long as it fits whole.
func (rx *rxChannel) drainLocked() {
	moved := false
	for {
		seg, ok := rx.reorder.Min()
		if !ok || seg.seq != rx.expected || rx.ready.Free() < len(seg.payload) {
			break
		}
		rx.reorder.DeleteMin()
		rx.ready.Write(seg.payload)
		rx.expected = SeqIncrement(rx.expected)
		rx.delivered++
		moved = true
	}
	if moved {
		rx.notify()
	}
}

func (rx *rxChannel) notify() {
	select {
	case rx.readable <- struct{}{}:
	default:
	}
}

// read copies delivered bytes into buf. It returns 0 when nothing is ready.
func (rx *rxChannel) read(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	rx.mu.Lock()
	defer rx.mu.Unlock()

	n, _ := rx.ready.Read(buf) // ErrIsEmpty leaves n at 0
	if n > 0 {
		rx.drainLocked()
	}
	return n
}

// finish marks the end of the peer's stream. torn means the connection is
// gone and out-of-order data will never be completed.
func (rx *rxChannel) finish(torn bool) {
	rx.mu.Lock()
	rx.finished = true
	if torn {
		rx.torn = true
	}
	rx.mu.Unlock()
	rx.notify()
}

// eof reports whether every byte the peer will ever deliver has been read.
func (rx *rxChannel) eof() bool {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	if !rx.finished || !rx.ready.IsEmpty() {
		return false
	}
	if rx.reorder.Len() == 0 {
		return true
	}
	seg, _ := rx.reorder.Min()
	return rx.torn && seg.seq != rx.expected
}

func (rx *rxChannel) buffered() int {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return rx.ready.Length()
}

func (rx *rxChannel) nextExpected() uint32 {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return rx.expected
}
