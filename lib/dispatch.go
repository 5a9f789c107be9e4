package lib

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

// portEntry is the set of connections bound to one local port, in the order
// they registered.
type portEntry struct {
	mu         sync.Mutex
	conns      []*Connection
	listenSlot chan struct{} // holds a token while a passive open waits for SYN
}

// dispatchTable routes inbound datagrams to the connections bound to their
// destination port and sends outbound frames over the link.
type dispatchTable struct {
	link    link.Link
	mss     int
	entries []*portEntry

	malformed int
	unclaimed int
	statsMu   sync.Mutex
}

func newDispatchTable(l link.Link, portLimit int) *dispatchTable {
	dt := &dispatchTable{
		link:    l,
		mss:     l.MTU() - HeaderSize,
		entries: make([]*portEntry, portLimit),
	}
	for i := range dt.entries {
		dt.entries[i] = &portEntry{listenSlot: make(chan struct{}, 1)}
	}
	return dt
}

func (dt *dispatchTable) entry(port int) (*portEntry, error) {
	if port < 0 || port >= len(dt.entries) {
		return nil, errors.Wrapf(ErrPortOutOfRange, "port %d", port)
	}
	return dt.entries[port], nil
}

func (dt *dispatchTable) bind(c *Connection) error {
	e, err := dt.entry(c.local.Port)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return nil
}

func (dt *dispatchTable) unbind(c *Connection) {
	e, err := dt.entry(c.local.Port)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, other := range e.conns {
		if other == c {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			return
		}
	}
}

// isBound reports whether any connection, lingering ones included, uses port.
func (dt *dispatchTable) isBound(port int) bool {
	e, err := dt.entry(port)
	if err != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns) > 0
}

// acquireListener waits until no other passive open is pending on port.
func (dt *dispatchTable) acquireListener(ctx context.Context, port int) error {
	e, err := dt.entry(port)
	if err != nil {
		return err
	}
	select {
	case e.listenSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (dt *dispatchTable) releaseListener(port int) {
	e, err := dt.entry(port)
	if err != nil {
		return
	}
	select {
	case <-e.listenSlot:
	default:
	}
}

func (dt *dispatchTable) snapshot(port int) []*Connection {
	e := dt.entries[port]
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Connection(nil), e.conns...)
}

// dispatch decodes d and offers the frame to each connection on the
// destination port until one claims it. Unclaimed and malformed datagrams
// are dropped.
func (dt *dispatchTable) dispatch(d link.Datagram) {
	if d.Dst.Port < 0 || d.Dst.Port >= len(dt.entries) {
		log.WithField("dst", d.Dst).Debug("dispatch: destination port out of range")
		dt.count(&dt.unclaimed)
		return
	}
	f, err := DecodeFrame(d.Payload, dt.mss)
	if err != nil {
		log.WithFields(log.Fields{"src": d.Src, "dst": d.Dst}).Debug("dispatch: ", err)
		dt.count(&dt.malformed)
		return
	}
	if f.Kind() == KindInvalid {
		log.WithFields(log.Fields{"src": d.Src, "frame": f}).Debug("dispatch: invalid flag combination")
		dt.count(&dt.malformed)
		return
	}

	for _, c := range dt.snapshot(d.Dst.Port) {
		if c.receive(f, d.Src) {
			return
		}
	}
	log.WithFields(log.Fields{"src": d.Src, "dst": d.Dst, "frame": f}).Trace("dispatch: no connection claimed frame")
	dt.count(&dt.unclaimed)
}

// drops returns the malformed and unclaimed datagram counts.
func (dt *dispatchTable) drops() (malformed, unclaimed int) {
	dt.statsMu.Lock()
	defer dt.statsMu.Unlock()
	return dt.malformed, dt.unclaimed
}

func (dt *dispatchTable) count(n *int) {
	dt.statsMu.Lock()
	*n++
	dt.statsMu.Unlock()
}

// send encodes f and hands it to the link. Link errors are logged; the
// protocol recovers from loss by retransmission.
func (dt *dispatchTable) send(src, dst link.Addr, f *Frame) {
	b, err := f.Encode(dt.mss)
	if err != nil {
		log.WithError(err).Error("dispatch: cannot encode frame")
		return
	}
	if err := dt.link.Send(link.Datagram{Src: src, Dst: dst, Payload: b}); err != nil {
		log.WithFields(log.Fields{"src": src, "dst": dst, "frame": f}).Debug("dispatch: link send failed: ", err)
	}
}
