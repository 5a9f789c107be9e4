package link

import (
	"bytes"
	"testing"
)

func TestEnvelope(t *testing.T) {
	d := Datagram{Src: Addr{Link: 0x01020304, Port: 7}, Dst: Addr{Link: 5, Port: 127}, Payload: []byte("abc")}
	b := EncodeEnvelope(d)

	want := []byte{5, 0, 0, 0, 4, 3, 2, 1, 127, 7, 'a', 'b', 'c'}
	if !bytes.Equal(b, want) {
		t.Fatalf("envelope = %v, want %v", b, want)
	}

	got, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Src != d.Src || got.Dst != d.Dst || !bytes.Equal(got.Payload, d.Payload) {
		t.Errorf("decoded %+v, want %+v", got, d)
	}

	if _, err := DecodeEnvelope(b[:EnvelopeSize-1]); err == nil {
		t.Errorf("expected error for short envelope")
	}
}

func TestUDPLinkLoopback(t *testing.T) {
	a, err := ListenUDP(1, "127.0.0.1:0", 0)
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP(2, "127.0.0.1:0", 0)
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer b.Close()

	if err := a.AddPeer(2, b.LocalAddr().String()); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := a.Send(Datagram{Src: Addr{Port: 1}, Dst: Addr{Link: 9, Port: 1}, Payload: []byte("x")}); err == nil {
		t.Errorf("expected error sending to unknown peer")
	}
	if err := a.Send(Datagram{Src: Addr{Port: 1}, Dst: Addr{Link: 2, Port: 3}, Payload: []byte("ping")}); err != nil {
		t.Fatalf("send: %v", err)
	}

	d := recv(t, b)
	if d.Src != (Addr{Link: 1, Port: 1}) || d.Dst != (Addr{Link: 2, Port: 3}) || string(d.Payload) != "ping" {
		t.Errorf("received %+v", d)
	}
}
