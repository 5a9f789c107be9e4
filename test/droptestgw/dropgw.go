package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

// peerMap collects repeated -peer link=host:port flags.
type peerMap map[int]*net.UDPAddr

func (p peerMap) String() string {
	parts := make([]string, 0, len(p))
	for l, a := range p {
		parts = append(parts, fmt.Sprintf("%d=%s", l, a))
	}
	return strings.Join(parts, ",")
}

func (p peerMap) Set(v string) error {
	linkStr, addrStr, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("peer %q: expected link=host:port", v)
	}
	l, err := strconv.Atoi(linkStr)
	if err != nil {
		return fmt.Errorf("peer %q: %v", v, err)
	}
	a, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return fmt.Errorf("peer %q: %v", v, err)
	}
	p[l] = a
	return nil
}

var (
	listenAddr string
	dropRate   float64
	peers      = peerMap{}
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:7090", "UDP address the gateway listens on")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Datagram drop rate (0.0-1.0)")
	flag.Var(peers, "peer", "Link address and UDP endpoint, as link=host:port (repeatable)")
}

// relay forwards each enveloped datagram to the UDP endpoint of its
// destination link, randomly dropping some based on rate.
func relay(conn *net.UDPConn, rate float64, rng *rand.Rand) error {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		d, err := link.DecodeEnvelope(buf[:n])
		if err != nil {
			log.WithField("from", from).Debugf("Discarding datagram: %v", err)
			continue
		}
		dst, ok := peers[d.Dst.Link]
		if !ok {
			log.Debugf("No route to link %d", d.Dst.Link)
			continue
		}
		direction := fmt.Sprintf("%s -> %s", d.Src, d.Dst)
		if rng.Float64() < rate {
			log.Infof("Dropped datagram %s (size: %d)", direction, len(d.Payload))
			continue
		}
		if _, err := conn.WriteToUDP(buf[:n], dst); err != nil {
			log.Warnf("Forwarding %s: %v", direction, err)
		}
	}
}

func main() {
	flag.Parse()
	if len(peers) < 2 {
		log.Fatal("At least two -peer flags are required")
	}

	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		log.Fatalf("Invalid listen address %s: %v", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatalf("Gateway error listening at %s: %v", listenAddr, err)
	}
	log.Infof("Drop gateway started at %s (drop rate: %.1f%%, peers: %s)", conn.LocalAddr(), dropRate*100, peers)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info("Received SIGINT (Ctrl+C). Shutting down...")
		conn.Close()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if err := relay(conn, dropRate, rng); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Errorf("Relay stopped: %v", err)
	}
	log.Info("Gateway exiting")
}
