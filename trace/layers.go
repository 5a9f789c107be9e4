// Package trace captures link traffic into pcap files and decodes it again
// with gopacket layers for the link envelope and the protocol frame.
package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/Pseudo-Socket/lib"
	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

// LinkTypeSocket is the pcap link type of captures: DLT_USER0.
const LinkTypeSocket = layers.LinkType(147)

var (
	LayerTypeMail = gopacket.RegisterLayerType(4100, gopacket.LayerTypeMetadata{
		Name:    "Mail",
		Decoder: gopacket.DecodeFunc(decodeMail),
	})
	LayerTypeSocketFrame = gopacket.RegisterLayerType(4101, gopacket.LayerTypeMetadata{
		Name:    "SocketFrame",
		Decoder: gopacket.DecodeFunc(decodeSocketFrame),
	})
)

// Mail is the link envelope in front of every frame.
type Mail struct {
	layers.BaseLayer
	DstLink uint32
	SrcLink uint32
	DstPort uint8
	SrcPort uint8
}

func (m *Mail) LayerType() gopacket.LayerType     { return LayerTypeMail }
func (m *Mail) CanDecode() gopacket.LayerClass    { return LayerTypeMail }
func (m *Mail) NextLayerType() gopacket.LayerType { return LayerTypeSocketFrame }

func (m *Mail) Src() link.Addr { return link.Addr{Link: int(m.SrcLink), Port: int(m.SrcPort)} }
func (m *Mail) Dst() link.Addr { return link.Addr{Link: int(m.DstLink), Port: int(m.DstPort)} }

func (m *Mail) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < link.EnvelopeSize {
		df.SetTruncated()
		return errors.Errorf("mail envelope truncated: %d bytes", len(data))
	}
	m.DstLink = binary.LittleEndian.Uint32(data[0:4])
	m.SrcLink = binary.LittleEndian.Uint32(data[4:8])
	m.DstPort = data[8]
	m.SrcPort = data[9]
	m.BaseLayer = layers.BaseLayer{Contents: data[:link.EnvelopeSize], Payload: data[link.EnvelopeSize:]}
	return nil
}

func (m *Mail) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(link.EnvelopeSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(bytes[0:4], m.DstLink)
	binary.LittleEndian.PutUint32(bytes[4:8], m.SrcLink)
	bytes[8] = m.DstPort
	bytes[9] = m.SrcPort
	return nil
}

func decodeMail(data []byte, p gopacket.PacketBuilder) error {
	m := &Mail{}
	if err := m.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(m)
	return p.NextDecoder(m.NextLayerType())
}

// SocketFrame is the 6-byte protocol header; the frame payload follows as
// a gopacket.Payload layer.
type SocketFrame struct {
	layers.BaseLayer
	Flags uint8
	Seq   uint32
}

func (f *SocketFrame) LayerType() gopacket.LayerType     { return LayerTypeSocketFrame }
func (f *SocketFrame) CanDecode() gopacket.LayerClass    { return LayerTypeSocketFrame }
func (f *SocketFrame) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (f *SocketFrame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	frame, err := lib.DecodeFrame(data, 0)
	if err != nil {
		df.SetTruncated()
		return err
	}
	f.Flags = frame.Flags
	f.Seq = frame.Seq
	f.BaseLayer = layers.BaseLayer{Contents: data[:lib.HeaderSize], Payload: data[lib.HeaderSize:]}
	return nil
}

func (f *SocketFrame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(lib.HeaderSize)
	if err != nil {
		return err
	}
	frame := lib.Frame{Flags: f.Flags, Seq: f.Seq}
	_, err = frame.Marshal(bytes, 0)
	return err
}

// Frame converts the layer back into a protocol frame.
func (f *SocketFrame) Frame() *lib.Frame {
	fr := &lib.Frame{Flags: f.Flags, Seq: f.Seq}
	if len(f.Payload) > 0 {
		fr.Payload = append([]byte(nil), f.Payload...)
	}
	return fr
}

func (f *SocketFrame) String() string {
	return fmt.Sprintf("%v %v", f.Frame().Kind(), f.Frame())
}

func decodeSocketFrame(data []byte, p gopacket.PacketBuilder) error {
	f := &SocketFrame{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	return p.NextDecoder(f.NextLayerType())
}

// Serialize renders d as it travels on a UDP link: envelope, then frame.
func Serialize(d link.Datagram) ([]byte, error) {
	mail := &Mail{
		DstLink: uint32(d.Dst.Link),
		SrcLink: uint32(d.Src.Link),
		DstPort: uint8(d.Dst.Port),
		SrcPort: uint8(d.Src.Port),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, mail, gopacket.Payload(d.Payload)); err != nil {
		return nil, errors.Wrap(err, "serialize datagram")
	}
	return buf.Bytes(), nil
}
