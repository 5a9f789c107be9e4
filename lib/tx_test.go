package lib

import (
	"testing"
	"time"
)

type sentSegment struct {
	seq     uint32
	payload string
}

func newRecordingTx(window, mss int) (*txChannel, *[]sentSegment) {
	var sent []sentSegment
	tx := newTxChannel(window, mss, nil, func(seq uint32, payload []byte) {
		sent = append(sent, sentSegment{seq, string(payload)})
	})
	return tx, &sent
}

func TestTxSegmentation(t *testing.T) {
	tx, sent := newRecordingTx(16, 4)

	if n := tx.write([]byte("abcdefghij")); n != 10 {
		t.Fatalf("write returned %d", n)
	}
	if len(*sent) != 0 {
		t.Fatalf("write must not transmit")
	}
	if n := tx.sendBurst(); n != 3 || tx.inFlightLen() != 3 {
		t.Fatalf("sent %d, in flight %d, expected 3", n, tx.inFlightLen())
	}
	want := []sentSegment{{0, "abcd"}, {1, "efgh"}, {2, "ij"}}
	for i, s := range want {
		if (*sent)[i] != s {
			t.Errorf("segment %d = %+v, expected %+v", i, (*sent)[i], s)
		}
	}
	if tx.nextSequence() != 3 {
		t.Errorf("next sequence %d, expected 3", tx.nextSequence())
	}
}

func TestTxWindowBound(t *testing.T) {
	tx, sent := newRecordingTx(4, 1)
	tx.write(make([]byte, 10))

	if n := tx.sendBurst(); n != 4 || len(*sent) != 4 {
		t.Fatalf("burst sent %d, recorded %d, expected 4", n, len(*sent))
	}
	if n := tx.sendBurst(); n != 0 || tx.inFlightLen() != 4 {
		t.Fatalf("full window must not send more (sent %d)", n)
	}

	tx.onAck(1)
	tx.onAck(1) // duplicate ACK is a no-op
	if n := tx.sendBurst(); n != 1 || len(*sent) != 5 || tx.inFlightLen() != 4 {
		t.Fatalf("burst sent %d, recorded %d, in flight %d after one ack", n, len(*sent), tx.inFlightLen())
	}
	if (*sent)[4].seq != 4 {
		t.Errorf("refill sent seq %d, expected 4", (*sent)[4].seq)
	}
	if tx.onAck(99) {
		t.Errorf("ack for unknown segment reported a match")
	}
}

func TestTxGoBackN(t *testing.T) {
	tx, sent := newRecordingTx(16, 2)
	tx.write([]byte("aabbcc"))
	tx.sendBurst()
	tx.onAck(1)

	*sent = nil
	if n := tx.retransmit(); n != 2 {
		t.Fatalf("retransmitted %d segments, expected 2", n)
	}
	if (*sent)[0].seq != 0 || (*sent)[1].seq != 2 {
		t.Errorf("retransmitted %+v", *sent)
	}
}

func TestTxWaitDrained(t *testing.T) {
	tx, _ := newRecordingTx(16, 8)
	if !tx.waitDrained() {
		t.Fatalf("empty channel should be drained")
	}

	tx.write([]byte("x"))
	tx.sendBurst()
	done := make(chan bool)
	go func() { done <- tx.waitDrained() }()

	select {
	case <-done:
		t.Fatalf("waitDrained returned with a segment in flight")
	case <-time.After(20 * time.Millisecond):
	}
	tx.onAck(0)
	if ok := <-done; !ok {
		t.Errorf("waitDrained reported abort")
	}

	tx.write([]byte("y"))
	go func() { done <- tx.waitDrained() }()
	tx.abort()
	if ok := <-done; ok {
		t.Errorf("waitDrained should report abort")
	}
	if tx.write([]byte("z")) != 0 || tx.sendBurst() != 0 {
		t.Errorf("aborted channel accepted data")
	}
}

func TestTxPooledPayloads(t *testing.T) {
	pool := newPayloadPool("tx test: ", 4, 8, false)
	var sent []string
	tx := newTxChannel(16, 8, pool, func(seq uint32, payload []byte) {
		sent = append(sent, string(payload))
	})

	for round := 0; round < 3; round++ {
		tx.write([]byte("01234567abc"))
		tx.sendBurst()
		tx.onAck(uint32(2 * round))
		tx.onAck(uint32(2*round + 1))
	}
	want := []string{"01234567", "abc", "01234567", "abc", "01234567", "abc"}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("segment %d = %q, expected %q", i, sent[i], want[i])
		}
	}
	if !tx.isDrained() {
		t.Errorf("channel not drained")
	}
}
