package trace

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/gopacket"

	"github.com/Clouded-Sabre/Pseudo-Socket/lib"
	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

func TestLayersDecode(t *testing.T) {
	f := &lib.Frame{Flags: lib.SYNFlag | lib.ACKFlag, Seq: 9, Payload: []byte("hey")}
	frameBytes, err := f.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := link.Datagram{Src: link.Addr{Link: 1, Port: 2}, Dst: link.Addr{Link: 3, Port: 4}, Payload: frameBytes}

	data, err := Serialize(d)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(data, link.EncodeEnvelope(d)) {
		t.Fatalf("serialized %v, expected the link envelope %v", data, link.EncodeEnvelope(d))
	}

	packet := gopacket.NewPacket(data, LayerTypeMail, gopacket.Default)
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		t.Fatalf("decode error: %v", errLayer.Error())
	}
	mail := packet.Layer(LayerTypeMail).(*Mail)
	if mail.Src() != d.Src || mail.Dst() != d.Dst {
		t.Errorf("mail %v -> %v", mail.Src(), mail.Dst())
	}
	sf := packet.Layer(LayerTypeSocketFrame).(*SocketFrame)
	if sf.Flags != f.Flags || sf.Seq != 9 || string(sf.LayerPayload()) != "hey" {
		t.Errorf("frame %v", sf)
	}
	if sf.Frame().Kind() != lib.KindSYNACK {
		t.Errorf("kind %v", sf.Frame().Kind())
	}
	if app := packet.ApplicationLayer(); app == nil || string(app.Payload()) != "hey" {
		t.Errorf("application layer %v", app)
	}
}

func TestLayersTruncated(t *testing.T) {
	packet := gopacket.NewPacket([]byte{1, 0, 0, 0, 2, 0, 0, 0, 5, 6, 0, 8}, LayerTypeMail, gopacket.Default)
	if packet.Layer(LayerTypeMail) == nil {
		t.Fatalf("envelope not decoded")
	}
	if packet.ErrorLayer() == nil {
		t.Errorf("expected a decode error for a 2-byte frame")
	}
}

func TestRecorderCapturesTraffic(t *testing.T) {
	network := link.NewNetwork(0, link.Impairment{})
	var capture bytes.Buffer
	rec, err := NewRecorder(network.Attach(1), &capture)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	peer := network.Attach(2)

	syn, _ := (&lib.Frame{Flags: lib.SYNFlag}).Encode(0)
	if err := rec.Send(link.Datagram{Src: link.Addr{Port: 5}, Dst: link.Addr{Link: 2, Port: 6}, Payload: syn}); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-peer.Incoming()

	synAck, _ := (&lib.Frame{Flags: lib.SYNFlag | lib.ACKFlag}).Encode(0)
	peer.Send(link.Datagram{Src: link.Addr{Port: 6}, Dst: link.Addr{Link: 1, Port: 5}, Payload: synAck})
	select {
	case <-rec.Incoming():
	case <-time.After(time.Second):
		t.Fatalf("recorder did not forward incoming datagram")
	}
	rec.Close()

	var kinds []lib.FrameKind
	err = Dump(bytes.NewReader(capture.Bytes()), func(r Record) error {
		if r.Mail == nil || r.Frame == nil {
			t.Fatalf("undecodable record")
		}
		kinds = append(kinds, r.Frame.Frame().Kind())
		return nil
	})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != lib.KindSYN || kinds[1] != lib.KindSYNACK {
		t.Errorf("captured %v", kinds)
	}
}
