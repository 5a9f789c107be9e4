package lib

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

// Core runs the socket protocol on one link: it owns the dispatch table,
// the watchdog timer, the payload pool and the port pool, and feeds every
// inbound datagram to the dispatch table from a single goroutine.
type Core struct {
	config *CoreConfig
	link   link.Link
	mss    int
	timer  *WatchdogTimer
	table  *dispatchTable
	ports  *PortPool
	pool   *payloadPool

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool

	closeSignal chan struct{}  // used to send close signal to go routines to stop
	wg          sync.WaitGroup // WaitGroup to synchronize goroutines
}

// NewCore starts a protocol core on l.
func NewCore(config *CoreConfig, l link.Link) (*Core, error) {
	if config == nil {
		config = DefaultCoreConfig()
	}
	if l == nil {
		return nil, errors.New("core: link must not be nil")
	}
	mss := l.MTU() - HeaderSize
	if mss <= 0 {
		return nil, errors.Errorf("core: link MTU %d leaves no room for payload", l.MTU())
	}
	portLimit := config.PortLimit
	if portLimit <= 0 {
		portLimit = DefaultPortLimit
	}

	c := &Core{
		config:      config,
		link:        l,
		mss:         mss,
		timer:       NewWatchdogTimer(config.tickPeriod()),
		table:       newDispatchTable(l, portLimit),
		ports:       newPortPool(0, portLimit-1),
		pool:        newPayloadPool(fmt.Sprintf("link %d: ", l.Address()), config.PayloadPoolSize, mss, config.PoolDebug),
		conns:       make(map[*Connection]struct{}),
		closeSignal: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.handleIncomingDatagrams()

	log.WithFields(log.Fields{"link": l.Address(), "mss": mss, "ports": portLimit}).Info("socket protocol core started")
	return c, nil
}

// MSS returns the largest payload carried by one frame.
func (c *Core) MSS() int { return c.mss }

// CoreStats counts datagrams the core dropped and connections it tracks.
type CoreStats struct {
	Malformed   int // undecodable frames or invalid flag combinations
	Unclaimed   int // frames no bound connection accepted
	Connections int // open or lingering connections
}

func (c *Core) Stats() CoreStats {
	var s CoreStats
	s.Malformed, s.Unclaimed = c.table.drops()
	c.mu.Lock()
	s.Connections = len(c.conns)
	c.mu.Unlock()
	return s
}

func (c *Core) handleIncomingDatagrams() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeSignal:
			return
		case d, ok := <-c.link.Incoming():
			if !ok {
				log.WithField("link", c.link.Address()).Debug("core: link closed")
				return
			}
			c.table.dispatch(d)
		}
	}
}

func (c *Core) connConfig(cfg *ConnectionConfig) *ConnectionConfig {
	if cfg == nil {
		cfg = DefaultConnectionConfig()
	}
	return cfg.normalize(c.mss)
}

func (c *Core) track(conn *Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoreClosed
	}
	c.conns[conn] = struct{}{}
	return nil
}

// release unbinds a closed connection and returns its port.
func (c *Core) release(conn *Connection) {
	c.table.unbind(conn)
	if conn.allocated {
		if err := c.ports.returnPort(conn.local.Port); err != nil {
			log.WithError(err).Warn("core: returning port")
		}
	}
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	conn.log.Debug("connection released")
}

// Connect opens a connection to remote and blocks until it is established.
func (c *Core) Connect(remote link.Addr, cfg *ConnectionConfig) (*Connection, error) {
	return c.ConnectContext(context.Background(), remote, cfg)
}

// ConnectContext is Connect bounded by ctx.
func (c *Core) ConnectContext(ctx context.Context, remote link.Addr, cfg *ConnectionConfig) (*Connection, error) {
	if remote.Port < 0 || remote.Port >= len(c.table.entries) {
		return nil, errors.Wrapf(ErrPortOutOfRange, "remote port %d", remote.Port)
	}
	port, err := c.ports.allocatePort(c.table.isBound)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	conn := newConnection(c, link.Addr{Link: c.link.Address(), Port: port}, c.connConfig(cfg))
	conn.allocated = true
	conn.remote.Store(&remote)
	conn.log = conn.log.WithField("remote", remote.String())

	if err := c.track(conn); err != nil {
		c.ports.returnPort(port)
		return nil, err
	}
	c.table.bind(conn)

	conn.mu.Lock()
	conn.setState(newState(StateSynSent))
	conn.sendFrame(SYNFlag, 0, nil)
	conn.synWD.Start(c.timer, -1)
	conn.mu.Unlock()

	if err := c.waitOpen(ctx, conn); err != nil {
		return nil, errors.Wrapf(err, "connect to %s", remote)
	}
	return conn, nil
}

// Accept waits for a peer to connect to port. Only one Accept per port
// listens at a time; others queue behind it.
func (c *Core) Accept(port int, cfg *ConnectionConfig) (*Connection, error) {
	return c.AcceptContext(context.Background(), port, cfg)
}

// AcceptContext is Accept bounded by ctx.
func (c *Core) AcceptContext(ctx context.Context, port int, cfg *ConnectionConfig) (*Connection, error) {
	if err := c.table.acquireListener(ctx, port); err != nil {
		return nil, errors.Wrap(err, "accept")
	}

	conn := newConnection(c, link.Addr{Link: c.link.Address(), Port: port}, c.connConfig(cfg))
	conn.listening = true
	if err := c.track(conn); err != nil {
		c.table.releaseListener(port)
		return nil, err
	}
	c.table.bind(conn)

	if err := c.waitOpen(ctx, conn); err != nil {
		return nil, errors.Wrapf(err, "accept on port %d", port)
	}
	return conn, nil
}

// waitOpen blocks until conn leaves its opening state. On cancellation an
// opening that has not completed is abandoned.
func (c *Core) waitOpen(ctx context.Context, conn *Connection) error {
	var cause error
	select {
	case <-conn.openSignal:
	case <-ctx.Done():
		cause = ctx.Err()
	case <-c.closeSignal:
		cause = ErrCoreClosed
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.state.kind == StateClosed || conn.state.kind == StateSynSent {
		if cause == nil {
			cause = conn.openErr
		}
		if cause == nil {
			cause = ErrConnClosed
		}
		select {
		case <-conn.closedSignal:
		default:
			conn.enterClosed()
		}
		return cause
	}
	// the open completed even if ctx fired meanwhile
	return nil
}

// Close aborts every connection and stops the core. The link is closed too.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*Connection, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.abort()
	}
	close(c.closeSignal)
	c.timer.Close()
	err := c.link.Close()
	c.wg.Wait()

	log.WithField("link", c.link.Address()).Info("socket protocol core stopped")
	return err
}
