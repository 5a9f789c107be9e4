package lib

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PortPool hands out local ports for active opens. Ports are visited in a
// random permutation so that a recently released port is not reused at once.
type PortPool struct {
	ports        []int
	capacity     int
	minPort      int
	maxPort      int
	readIdx      int
	allocatedMap map[int]time.Time
	mtx          sync.Mutex
}

// newPortPool creates a pool covering minPort..maxPort.
func newPortPool(minPort, maxPort int) *PortPool {
	capacity := maxPort - minPort + 1

	// Generate a random permutation of indices
	perm := rand.Perm(capacity)

	ports := make([]int, capacity)
	for i, v := range perm {
		ports[i] = minPort + v // ports becomes a random sequence of integers from minPort to maxPort
	}

	return &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[int]time.Time),
	}
}

// allocatePort returns the next port that is neither allocated nor in use
// according to inUse. It fails with ErrNoFreePort once every port is taken.
func (p *PortPool) allocatePort(inUse func(port int) bool) (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for i := 0; i < p.capacity; i++ {
		port := p.ports[p.readIdx]
		p.readIdx = (p.readIdx + 1) % p.capacity // Move read index circularly
		if _, taken := p.allocatedMap[port]; taken {
			continue
		}
		if inUse != nil && inUse(port) {
			continue
		}
		p.allocatedMap[port] = time.Now()
		return port, nil
	}

	log.Debug("Port allocation: every port is in use")
	return 0, ErrNoFreePort
}

// returnPort gives an allocated port back to the pool.
func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return errors.Wrapf(ErrPortOutOfRange, "returned port %d", port)
	}
	if _, ok := p.allocatedMap[port]; !ok {
		return errors.Errorf("port %d was not allocated", port)
	}
	delete(p.allocatedMap, port)
	return nil
}

// numAllocated returns how many ports are currently handed out.
func (p *PortPool) numAllocated() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.allocatedMap)
}
