package link

import (
	"math/rand"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Impairment describes how a Network misbehaves.
type Impairment struct {
	DropEvery     int     // drop every Nth datagram per (src, dst) direction; 0 disables
	DropRate      float64 // probability of dropping a datagram
	DuplicateRate float64 // probability of delivering a datagram twice
	ReorderRate   float64 // probability of holding a datagram back behind the next one
	Seed          int64

	// Drop, when set, is consulted first; returning true discards d.
	Drop func(d Datagram) bool
}

type direction struct {
	src, dst int
}

// Network is an in-process datagram network connecting MemoryLinks.
type Network struct {
	mu       sync.Mutex
	mtu      int
	imp      Impairment
	rng      *rand.Rand
	links    map[int]*MemoryLink
	counters map[direction]int
	held     map[direction]*Datagram
}

// NewNetwork creates an empty network whose links carry at most mtu bytes.
func NewNetwork(mtu int, imp Impairment) *Network {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Network{
		mtu:      mtu,
		imp:      imp,
		rng:      rand.New(rand.NewSource(imp.Seed)),
		links:    make(map[int]*MemoryLink),
		counters: make(map[direction]int),
		held:     make(map[direction]*Datagram),
	}
}

// SetImpairment replaces the impairment profile of the whole network.
func (n *Network) SetImpairment(imp Impairment) {
	n.mu.Lock()
	n.imp = imp
	n.mu.Unlock()
}

// Attach creates a link with the given address. Attaching an address twice
// replaces the previous link.
func (n *Network) Attach(addr int) *MemoryLink {
	l := &MemoryLink{
		net:      n,
		addr:     addr,
		incoming: make(chan Datagram, 1024),
	}
	n.mu.Lock()
	n.links[addr] = l
	n.mu.Unlock()
	return l
}

func (n *Network) transmit(from *MemoryLink, d Datagram) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if from.closed {
		return ErrClosed
	}
	dst, ok := n.links[d.Dst.Link]
	if !ok {
		return ErrUnknownPeer
	}

	d.Payload = append([]byte(nil), d.Payload...)
	dir := direction{d.Src.Link, d.Dst.Link}

	if n.imp.Drop != nil && n.imp.Drop(d) {
		log.WithField("dir", dir).Trace("memory link: dropped by predicate")
		return nil
	}
	if n.imp.DropEvery > 0 {
		n.counters[dir]++
		if n.counters[dir]%n.imp.DropEvery == 0 {
			log.WithField("dir", dir).Trace("memory link: dropped every-nth")
			return nil
		}
	}
	if n.imp.DropRate > 0 && n.rng.Float64() < n.imp.DropRate {
		return nil
	}

	copies := 1
	if n.imp.DuplicateRate > 0 && n.rng.Float64() < n.imp.DuplicateRate {
		copies = 2
	}

	if n.imp.ReorderRate > 0 && n.held[dir] == nil && n.rng.Float64() < n.imp.ReorderRate {
		held := d
		n.held[dir] = &held
		return nil
	}

	for i := 0; i < copies; i++ {
		dst.deliver(d)
	}
	if h := n.held[dir]; h != nil {
		delete(n.held, dir)
		dst.deliver(*h)
	}
	return nil
}

func (n *Network) detach(l *MemoryLink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.links[l.addr] == l {
		delete(n.links, l.addr)
	}
	if !l.closed {
		l.closed = true
		close(l.incoming)
	}
}

// MemoryLink is one host attached to a Network.
type MemoryLink struct {
	net      *Network
	addr     int
	incoming chan Datagram
	closed   bool // guarded by net.mu
}

// deliver is called with net.mu held.
func (l *MemoryLink) deliver(d Datagram) {
	if l.closed {
		return
	}
	select {
	case l.incoming <- d:
	default:
		log.WithField("link", l.addr).Debug("memory link: receive queue full, dropping datagram")
	}
}

func (l *MemoryLink) Address() int { return l.addr }

func (l *MemoryLink) MTU() int { return l.net.mtu }

func (l *MemoryLink) Send(d Datagram) error {
	if len(d.Payload) > l.net.mtu {
		return ErrOversize
	}
	d.Src.Link = l.addr
	return l.net.transmit(l, d)
}

func (l *MemoryLink) Incoming() <-chan Datagram { return l.incoming }

func (l *MemoryLink) Close() error {
	l.net.detach(l)
	return nil
}
