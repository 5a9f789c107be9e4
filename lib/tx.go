package lib

import (
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

type txSegment struct {
	seq     uint32
	payload []byte
	chunk   *rp.Element // pool element backing payload while in flight
}

// txChannel is the send half of a connection: segments wait in input until
// the window has room, then stay in flight until acknowledged.
type txChannel struct {
	mu       sync.Mutex
	drained  *sync.Cond
	window   int
	mss      int
	nextSeq  uint32 // sequence number of the next segment created
	input    []txSegment
	inFlight []txSegment
	aborted  bool

	send func(seq uint32, payload []byte) // emits one DATA frame
	pool *payloadPool

	sent          int
	retransmitted int
	acked         int
}

func newTxChannel(window, mss int, pool *payloadPool, send func(uint32, []byte)) *txChannel {
	tx := &txChannel{
		window: window,
		mss:    mss,
		pool:   pool,
		send:   send,
	}
	tx.drained = sync.NewCond(&tx.mu)
	return tx
}

// write splits data into segments of at most mss bytes and queues them.
// Nothing is transmitted until sendBurst.
func (tx *txChannel) write(data []byte) int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.aborted {
		return 0
	}
	for off := 0; off < len(data); off += tx.mss {
		end := min(off+tx.mss, len(data))
		tx.input = append(tx.input, txSegment{
			seq:     tx.nextSeq,
			payload: append([]byte(nil), data[off:end]...),
		})
		tx.nextSeq = SeqIncrement(tx.nextSeq)
	}
	return len(data)
}

// sendBurst moves queued segments into flight while the window allows and
// transmits each once. It returns the number of segments it sent.
func (tx *txChannel) sendBurst() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.aborted {
		return 0
	}
	n := 0
	for len(tx.input) > 0 && len(tx.inFlight) < tx.window {
		seg := tx.input[0]
		tx.input[0] = txSegment{}
		tx.input = tx.input[1:]
		seg.payload, seg.chunk = tx.pool.hold(seg.payload)
		tx.inFlight = append(tx.inFlight, seg)
		tx.send(seg.seq, seg.payload)
		tx.sent++
		n++
	}
	return n
}

// onAck removes the in-flight segment with sequence number seq. An ACK that
// matches nothing is ignored and reported as false.
func (tx *txChannel) onAck(seq uint32) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i, seg := range tx.inFlight {
		if seg.seq != seq {
			continue
		}
		tx.pool.release(seg.chunk)
		tx.inFlight = append(tx.inFlight[:i], tx.inFlight[i+1:]...)
		tx.acked++
		if len(tx.inFlight) == 0 && len(tx.input) == 0 {
			tx.drained.Broadcast()
		}
		return true
	}
	return false
}

// retransmit resends the whole in-flight window (go-back-N).
func (tx *txChannel) retransmit() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.aborted {
		return 0
	}
	for _, seg := range tx.inFlight {
		tx.send(seg.seq, seg.payload)
		tx.retransmitted++
	}
	return len(tx.inFlight)
}

// waitDrained blocks until every written segment has been acknowledged.
// It returns false if the channel was aborted first.
func (tx *txChannel) waitDrained() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for !tx.aborted && (len(tx.inFlight) > 0 || len(tx.input) > 0) {
		tx.drained.Wait()
	}
	return !tx.aborted
}

// isDrained reports whether nothing is queued or in flight.
func (tx *txChannel) isDrained() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.inFlight) == 0 && len(tx.input) == 0
}

// abort discards all queued and in-flight segments and wakes waiters.
func (tx *txChannel) abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.aborted {
		return
	}
	tx.aborted = true
	for _, seg := range tx.inFlight {
		tx.pool.release(seg.chunk)
	}
	tx.inFlight = nil
	tx.input = nil
	tx.drained.Broadcast()
}

// nextSequence returns the sequence number a control frame sent now carries.
func (tx *txChannel) nextSequence() uint32 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.nextSeq
}

func (tx *txChannel) inFlightLen() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.inFlight)
}
