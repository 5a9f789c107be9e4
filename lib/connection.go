package lib

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

// Connection is one end of a reliable byte stream. All state transitions
// happen under mu; the Tx and Rx channels have their own locks and are
// always taken after mu.
type Connection struct {
	core   *Core
	config *ConnectionConfig
	local  link.Addr
	remote atomic.Pointer[link.Addr]

	mu           sync.Mutex
	state        *connState
	listening    bool // passive open waiting for SYN; owns the port's listener slot
	allocated    bool // local port came from the port pool
	closeCalled  bool
	released     bool
	stpAcked     bool // the peer confirmed our STP; only its FIN is awaited
	synRetries   int
	stpRetries   int
	finRetries   int
	drainRetries int
	openErr      error

	tx *txChannel
	rx *rxChannel

	dataWD   *Watchdog // retransmits the in-flight window
	synWD    *Watchdog
	stpWD    *Watchdog // STP retransmission, then the wait for the peer's FIN
	finWD    *Watchdog
	lingerWD *Watchdog // unbinds a closed connection

	openSignal   chan struct{}
	openOnce     sync.Once
	closedSignal chan struct{}
	closedOnce   sync.Once

	log *log.Entry
}

// ConnStats counts protocol events of one connection.
type ConnStats struct {
	SegmentsSent      int
	Retransmissions   int
	SegmentsAcked     int
	SegmentsDelivered int
	Duplicates        int
}

func newConnection(core *Core, local link.Addr, config *ConnectionConfig) *Connection {
	c := &Connection{
		core:         core,
		config:       config,
		local:        local,
		state:        newState(StateClosed),
		rx:           newRxChannel(config.WindowSize, config.RecvBufferSize),
		openSignal:   make(chan struct{}),
		closedSignal: make(chan struct{}),
		log:          log.WithField("local", local.String()),
	}
	c.tx = newTxChannel(config.WindowSize, core.mss, core.pool, c.sendData)

	// protocol timeouts run under c.mu
	rto := msToDuration(config.RetransmitTimeout)
	c.dataWD = NewGuardedWatchdog(rto, &c.mu, c.onDataTimeout)
	c.synWD = NewGuardedWatchdog(rto, &c.mu, c.onSynTimeout)
	c.stpWD = NewGuardedWatchdog(rto, &c.mu, c.onStpTimeout)
	c.finWD = NewGuardedWatchdog(rto, &c.mu, c.onFinTimeout)
	c.lingerWD = NewWatchdog(msToDuration(config.LingerTimeout), c.onLingerTimeout)
	return c
}

func (c *Connection) LocalAddr() link.Addr { return c.local }

// RemoteAddr returns the peer address, or the zero Addr before a passive
// open has received its SYN.
func (c *Connection) RemoteAddr() link.Addr {
	if r := c.remote.Load(); r != nil {
		return *r
	}
	return link.Addr{}
}

func (c *Connection) State() StateKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.kind
}

func (c *Connection) Stats() ConnStats {
	c.tx.mu.Lock()
	s := ConnStats{
		SegmentsSent:    c.tx.sent,
		Retransmissions: c.tx.retransmitted,
		SegmentsAcked:   c.tx.acked,
	}
	c.tx.mu.Unlock()
	c.rx.mu.Lock()
	s.SegmentsDelivered = c.rx.delivered
	s.Duplicates = c.rx.duplicates
	c.rx.mu.Unlock()
	return s
}

// Done is closed once the connection has reached CLOSED.
func (c *Connection) Done() <-chan struct{} {
	return c.closedSignal
}

func (c *Connection) sendFrame(flags uint8, seq uint32, payload []byte) {
	remote := c.remote.Load()
	if remote == nil {
		return
	}
	f := &Frame{Flags: flags, Seq: seq, Payload: payload}
	c.log.WithField("frame", f).Trace("send")
	c.core.table.send(c.local, *remote, f)
}

func (c *Connection) sendData(seq uint32, payload []byte) {
	c.sendFrame(0, seq, payload)
}

// ack echoes the flags and sequence number of f with ACK added.
func (c *Connection) ack(f *Frame) {
	c.sendFrame(f.Flags|ACKFlag, f.Seq, nil)
}

func (c *Connection) setState(s *connState) {
	if c.state.kind != s.kind {
		c.log.WithFields(log.Fields{"from": c.state.kind, "to": s.kind}).Debug("state change")
	}
	c.state = s
}

func (c *Connection) signalOpen(err error) {
	c.openOnce.Do(func() {
		c.openErr = err
		close(c.openSignal)
	})
}

// receive handles one inbound frame from src. It returns false when the
// frame does not belong to this connection so the dispatcher can offer it
// to the next one.
func (c *Connection) receive(f *Frame, src link.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind := f.Kind()
	remote := c.remote.Load()
	if remote == nil {
		if c.state.kind == StateClosed && c.listening && kind == KindSYN {
			c.onListenSyn(f, src)
			return true
		}
		return false
	}
	if *remote != src {
		return false
	}

	switch c.state.kind {
	case StateClosed:
		return c.receiveClosed(f, kind)
	case StateSynSent:
		return c.receiveSynSent(f, kind)
	case StateEstablished:
		return c.receiveEstablished(f, kind)
	case StateStpSent:
		return c.receiveStpSent(f, kind)
	case StateStpRcvd:
		return c.receiveStpRcvd(f, kind)
	case StateClosing:
		return c.receiveClosing(f, kind)
	}
	return false
}

func (c *Connection) onListenSyn(f *Frame, src link.Addr) {
	c.remote.Store(&src)
	c.log = c.log.WithField("remote", src.String())
	c.listening = false
	c.core.table.releaseListener(c.local.Port)
	c.ack(f)
	c.setState(newState(StateEstablished))
	c.signalOpen(nil)
}

func (c *Connection) receiveClosed(f *Frame, kind FrameKind) bool {
	if kind == KindFIN {
		// the peer missed our FIN+ACK
		c.ack(f)
		return true
	}
	return false
}

func (c *Connection) receiveSynSent(f *Frame, kind FrameKind) bool {
	if kind != KindSYNACK {
		return false
	}
	c.synWD.Reset()
	c.setState(newState(StateEstablished))
	c.signalOpen(nil)
	return true
}

func (c *Connection) receiveEstablished(f *Frame, kind FrameKind) bool {
	switch kind {
	case KindSYN:
		c.ack(f)
	case KindDATA:
		if c.rx.onData(f.Seq, f.Payload) {
			c.ack(f)
		}
	case KindACK:
		c.onAck(f.Seq)
	case KindSTP:
		c.rx.finish(false)
		c.setState(&connState{kind: StateStpRcvd, stpSeq: f.Seq})
		c.ack(f)
	case KindSTPACK:
	default:
		return false
	}
	return true
}

func (c *Connection) receiveStpSent(f *Frame, kind FrameKind) bool {
	switch kind {
	case KindSYN:
		c.ack(f)
	case KindDATA:
		if c.rx.onData(f.Seq, f.Payload) {
			c.ack(f)
		}
		c.stpRetries = 0
		if c.stpWD.Armed() {
			c.stpWD.Start(c.core.timer, -1)
		}
	case KindSTPACK:
		if !c.stpAcked {
			c.stpAcked = true
			c.stpRetries = 0
			c.stpWD.Start(c.core.timer, -1)
		}
	case KindSTP:
		c.stpWD.Reset()
		c.ack(f)
		c.rx.finish(false)
		c.startClosing()
	case KindFIN:
		c.stpWD.Reset()
		c.rx.finish(false)
		c.startClosing()
	default:
		return false
	}
	return true
}

func (c *Connection) receiveStpRcvd(f *Frame, kind FrameKind) bool {
	switch kind {
	case KindACK:
		c.onAck(f.Seq)
	case KindSTP:
		c.ack(f)
	case KindSTPACK:
	case KindFIN:
		c.ack(f)
		c.enterClosed()
	default:
		return false
	}
	return true
}

func (c *Connection) receiveClosing(f *Frame, kind FrameKind) bool {
	switch kind {
	case KindSTP:
		c.sendFrame(FINFlag, c.tx.nextSequence(), nil)
	case KindSTPACK:
	case KindFIN:
		c.finWD.Reset()
		c.ack(f)
		c.enterClosed()
	case KindFINACK:
		c.finWD.Reset()
		c.enterClosed()
	default:
		return false
	}
	return true
}

// onAck retires an acknowledged segment and refills the window.
func (c *Connection) onAck(seq uint32) {
	if c.tx.onAck(seq) {
		c.drainRetries = 0
		c.pump(true)
	}
}

// pump transmits what the window allows and keeps the data watchdog armed
// exactly while segments are in flight. progress restarts its deadline.
func (c *Connection) pump(progress bool) {
	c.tx.sendBurst()
	if c.tx.inFlightLen() == 0 {
		c.dataWD.Reset()
		return
	}
	if progress || !c.dataWD.Armed() {
		c.dataWD.Start(c.core.timer, -1)
	}
}

func (c *Connection) startClosing() {
	c.finRetries = 0
	c.sendFrame(FINFlag, c.tx.nextSequence(), nil)
	c.finWD.Start(c.core.timer, -1)
	c.setState(newState(StateClosing))
}

// enterClosed tears the connection down. The port stays bound until the
// linger watchdog fires so late frames from the peer are still answered.
func (c *Connection) enterClosed() {
	c.setState(newState(StateClosed))
	c.dataWD.Reset()
	c.synWD.Reset()
	c.stpWD.Reset()
	c.finWD.Reset()
	c.tx.abort()
	c.rx.finish(true)
	if c.listening {
		c.listening = false
		c.core.table.releaseListener(c.local.Port)
	}
	c.signalOpen(ErrConnClosed)
	c.closedOnce.Do(func() { close(c.closedSignal) })
	c.lingerWD.Start(c.core.timer, 1)
}

func (c *Connection) onDataTimeout() {
	if !c.state.canWrite() {
		return
	}
	if c.closeCalled {
		// Close is waiting for the window to drain
		c.drainRetries++
		if c.drainRetries > c.config.CloseRetries {
			c.log.Warn("close: peer stopped acknowledging data, forcing close")
			c.enterClosed()
			return
		}
	}
	if n := c.tx.retransmit(); n > 0 {
		c.log.WithField("segments", n).Debug("retransmitting window")
	}
}

func (c *Connection) onSynTimeout() {
	if c.state.kind != StateSynSent {
		return
	}
	c.synRetries++
	if c.config.ConnectRetries >= 0 && c.synRetries > c.config.ConnectRetries {
		c.log.Warn("connect: no answer from peer, giving up")
		c.signalOpen(ErrConnectTimeout)
		c.enterClosed()
		return
	}
	c.sendFrame(SYNFlag, 0, nil)
}

func (c *Connection) onStpTimeout() {
	if c.state.kind != StateStpSent {
		return
	}
	c.stpRetries++
	if c.stpRetries > c.config.CloseRetries {
		if c.stpAcked {
			c.log.Warn("close: no FIN from peer, forcing close")
		} else {
			c.log.Warn("close: peer stopped answering STP, forcing close")
		}
		c.enterClosed()
		return
	}
	if !c.stpAcked {
		c.sendFrame(STPFlag, c.state.stpSeq, nil)
	}
}

func (c *Connection) onFinTimeout() {
	if c.state.kind != StateClosing {
		return
	}
	c.finRetries++
	if c.finRetries > c.config.CloseRetries {
		c.log.Warn("close: no FIN from peer, forcing close")
		c.enterClosed()
		return
	}
	c.sendFrame(FINFlag, c.tx.nextSequence(), nil)
}

func (c *Connection) onLingerTimeout() {
	c.mu.Lock()
	if c.state.kind != StateClosed || c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()
	c.core.release(c)
}

// Read copies buffered stream data into buf. It never blocks: with nothing
// buffered it returns 0, and io.EOF once the peer's stream has ended and
// everything has been read.
func (c *Connection) Read(buf []byte) (int, error) {
	if n := c.rx.read(buf); n > 0 {
		return n, nil
	}
	if c.rx.eof() {
		return 0, io.EOF
	}
	return 0, nil
}

// ReadContext is Read that waits for data, end of stream or ctx.
func (c *Connection) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := c.Read(buf)
		if n > 0 || err != nil || len(buf) == 0 {
			return n, err
		}
		select {
		case <-c.rx.readable:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write queues buf for transmission and returns once it is queued. It fails
// with ErrConnClosed after Close or once the connection can no longer send.
func (c *Connection) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalled || !c.state.canWrite() {
		return 0, ErrConnClosed
	}
	n := c.tx.write(buf)
	c.pump(false)
	return n, nil
}

// Close flushes pending writes, runs the close handshake and returns once
// the connection is CLOSED.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closeCalled = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		observed := c.state
		switch observed.kind {
		case StateEstablished, StateStpRcvd:
			c.mu.Unlock()
			c.tx.waitDrained()
			c.mu.Lock()
			if c.state != observed {
				// the peer moved us on while we waited
				c.mu.Unlock()
				continue
			}
			if observed.kind == StateEstablished {
				seq := c.tx.nextSequence()
				c.stpRetries = 0
				c.stpAcked = false
				c.sendFrame(STPFlag, seq, nil)
				c.stpWD.Start(c.core.timer, -1)
				c.setState(&connState{kind: StateStpSent, stpSeq: seq})
			} else {
				c.startClosing()
			}
			c.mu.Unlock()
		case StateSynSent:
			c.enterClosed()
			c.mu.Unlock()
		case StateClosed:
			select {
			case <-c.closedSignal:
			default:
				// never opened
				c.enterClosed()
			}
			c.mu.Unlock()
		default:
			c.mu.Unlock()
		}
		break
	}

	<-c.closedSignal
	return nil
}

// abort drops the connection without a handshake.
func (c *Connection) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.kind == StateClosed {
		select {
		case <-c.closedSignal:
			return
		default:
		}
	}
	c.log.Debug("aborting connection")
	c.enterClosed()
}
