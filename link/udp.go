package link

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EnvelopeSize is the size of the header UDPLink puts in front of every
// datagram: destination link, source link, destination port, source port.
const EnvelopeSize = 10

// EncodeEnvelope writes the link envelope for d followed by its payload.
func EncodeEnvelope(d Datagram) []byte {
	buf := make([]byte, EnvelopeSize+len(d.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Dst.Link))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Src.Link))
	buf[8] = byte(d.Dst.Port)
	buf[9] = byte(d.Src.Port)
	copy(buf[EnvelopeSize:], d.Payload)
	return buf
}

// DecodeEnvelope is the inverse of EncodeEnvelope. The returned payload
// aliases b.
func DecodeEnvelope(b []byte) (Datagram, error) {
	if len(b) < EnvelopeSize {
		return Datagram{}, errors.Errorf("envelope too short: %d bytes", len(b))
	}
	return Datagram{
		Dst:     Addr{Link: int(binary.LittleEndian.Uint32(b[0:4])), Port: int(b[8])},
		Src:     Addr{Link: int(binary.LittleEndian.Uint32(b[4:8])), Port: int(b[9])},
		Payload: b[EnvelopeSize:],
	}, nil
}

// UDPLink carries datagrams between hosts as UDP packets. Each peer link
// address is mapped to a UDP address with AddPeer.
type UDPLink struct {
	addr     int
	mtu      int
	conn     *net.UDPConn
	incoming chan Datagram

	mu    sync.RWMutex
	peers map[int]*net.UDPAddr

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// ListenUDP binds a UDP socket at bind and serves link address addr on it.
func ListenUDP(addr int, bind string, mtu int) (*UDPLink, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	udpAddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", bind)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", bind)
	}

	l := &UDPLink{
		addr:        addr,
		mtu:         mtu,
		conn:        conn,
		incoming:    make(chan Datagram, 1024),
		peers:       make(map[int]*net.UDPAddr),
		closeSignal: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.readLoop()

	log.WithFields(log.Fields{"link": addr, "bind": conn.LocalAddr().String()}).Info("udp link started")
	return l, nil
}

// AddPeer routes datagrams for link address peer to the UDP address udpAddr.
func (l *UDPLink) AddPeer(peer int, udpAddr string) error {
	ua, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(err, "resolve peer %s", udpAddr)
	}
	l.mu.Lock()
	l.peers[peer] = ua
	l.mu.Unlock()
	return nil
}

// LocalAddr returns the bound UDP address.
func (l *UDPLink) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

func (l *UDPLink) Address() int { return l.addr }

func (l *UDPLink) MTU() int { return l.mtu }

func (l *UDPLink) Send(d Datagram) error {
	select {
	case <-l.closeSignal:
		return ErrClosed
	default:
	}
	if len(d.Payload) > l.mtu {
		return ErrOversize
	}
	l.mu.RLock()
	ua, ok := l.peers[d.Dst.Link]
	l.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "link %d", d.Dst.Link)
	}
	d.Src.Link = l.addr
	if _, err := l.conn.WriteToUDP(EncodeEnvelope(d), ua); err != nil {
		return errors.Wrap(err, "udp write")
	}
	return nil
}

func (l *UDPLink) Incoming() <-chan Datagram { return l.incoming }

func (l *UDPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeSignal)
		err = l.conn.Close()
		l.wg.Wait()
		close(l.incoming)
	})
	return err
}

func (l *UDPLink) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, EnvelopeSize+l.mtu+1)
	for {
		select {
		case <-l.closeSignal:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-l.closeSignal:
			default:
				log.WithError(err).Warn("udp link: read failed")
			}
			return
		}

		d, err := DecodeEnvelope(buf[:n])
		if err != nil {
			log.WithField("from", from.String()).Debug("udp link: ", err)
			continue
		}
		if d.Dst.Link != l.addr || len(d.Payload) > l.mtu {
			log.WithFields(log.Fields{"from": from.String(), "dst": d.Dst.Link}).Debug("udp link: discarding misaddressed datagram")
			continue
		}
		d.Payload = append([]byte(nil), d.Payload...)

		select {
		case l.incoming <- d:
		case <-l.closeSignal:
			return
		default:
			log.WithField("link", l.addr).Debug("udp link: receive queue full, dropping datagram")
		}
	}
}
