// Package link defines the unreliable datagram service the socket protocol
// runs on, plus an in-process network for tests and a UDP-backed link for
// running endpoints in separate processes.
package link

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrClosed      = errors.New("link closed")
	ErrOversize    = errors.New("datagram exceeds link MTU")
	ErrUnknownPeer = errors.New("no route to link address")
)

// DefaultMTU is the largest datagram payload a link carries, excluding the
// link envelope.
const DefaultMTU = 26

// Addr names one endpoint: a link (host) address and a port on it.
type Addr struct {
	Link int
	Port int
}

func (a Addr) String() string {
	return fmt.Sprintf("%d:%d", a.Link, a.Port)
}

// Datagram is one unit handed to or received from a Link.
type Datagram struct {
	Src     Addr
	Dst     Addr
	Payload []byte
}

// Link is a best-effort datagram service. Datagrams may be dropped,
// duplicated or reordered but never arrive truncated or corrupted.
type Link interface {
	// Address returns this host's link address.
	Address() int

	// MTU returns the maximum payload size accepted by Send.
	MTU() int

	// Send queues d for delivery. A nil error does not imply delivery.
	Send(d Datagram) error

	// Incoming returns the channel of datagrams addressed to this host.
	// It is closed when the link is closed.
	Incoming() <-chan Datagram

	// Close shuts the link down.
	Close() error
}
