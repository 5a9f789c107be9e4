package trace

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

const snapLen = 65535

// Recorder wraps a Link and writes every datagram it sends or receives to
// a pcap stream.
type Recorder struct {
	inner    link.Link
	incoming chan link.Datagram

	mu sync.Mutex
	w  *pcapgo.Writer

	wg sync.WaitGroup
}

// NewRecorder starts capturing the traffic of inner into w.
func NewRecorder(inner link.Link, w io.Writer) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkTypeSocket); err != nil {
		return nil, errors.Wrap(err, "pcap header")
	}
	r := &Recorder{
		inner:    inner,
		incoming: make(chan link.Datagram, cap(inner.Incoming())),
		w:        pw,
	}
	r.wg.Add(1)
	go r.forward()
	return r, nil
}

func (r *Recorder) forward() {
	defer r.wg.Done()
	defer close(r.incoming)
	for d := range r.inner.Incoming() {
		r.record(d)
		r.incoming <- d
	}
}

func (r *Recorder) record(d link.Datagram) {
	data, err := Serialize(d)
	if err != nil {
		log.WithError(err).Debug("trace: skipping datagram")
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.WritePacket(ci, data); err != nil {
		log.WithError(err).Warn("trace: write failed")
	}
}

func (r *Recorder) Address() int { return r.inner.Address() }

func (r *Recorder) MTU() int { return r.inner.MTU() }

func (r *Recorder) Send(d link.Datagram) error {
	d.Src.Link = r.inner.Address()
	if err := r.inner.Send(d); err != nil {
		return err
	}
	r.record(d)
	return nil
}

func (r *Recorder) Incoming() <-chan link.Datagram { return r.incoming }

// Close closes the wrapped link and waits for pending datagrams to be
// recorded.
func (r *Recorder) Close() error {
	err := r.inner.Close()
	go func() {
		// drain so forward can finish if nobody reads any more
		for range r.incoming {
		}
	}()
	r.wg.Wait()
	return err
}

// Record is one decoded capture entry.
type Record struct {
	Time  time.Time
	Mail  *Mail
	Frame *SocketFrame
}

// Dump decodes every packet of a capture produced by a Recorder and passes
// it to fn. Packets that do not decode are reported with a nil Frame.
func Dump(rd io.Reader, fn func(Record) error) error {
	pr, err := pcapgo.NewReader(rd)
	if err != nil {
		return errors.Wrap(err, "pcap reader")
	}
	if pr.LinkType() != LinkTypeSocket {
		return errors.Errorf("unexpected link type %v", pr.LinkType())
	}
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read packet")
		}
		packet := gopacket.NewPacket(data, LayerTypeMail, gopacket.Default)
		rec := Record{Time: ci.Timestamp}
		if l := packet.Layer(LayerTypeMail); l != nil {
			rec.Mail = l.(*Mail)
		}
		if l := packet.Layer(LayerTypeSocketFrame); l != nil {
			rec.Frame = l.(*SocketFrame)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
