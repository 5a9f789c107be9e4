package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/config"
	"github.com/Clouded-Sabre/Pseudo-Socket/lib"
	"github.com/Clouded-Sabre/Pseudo-Socket/link"
	"github.com/Clouded-Sabre/Pseudo-Socket/trace"
)

var (
	configPath string
	port       int
	expectSize int
	replySize  int
	tracePath  string
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file (yaml or toml)")
	flag.IntVar(&port, "port", 1, "Port to accept connections on")
	flag.IntVar(&expectSize, "expect", 456, "Bytes expected from each client")
	flag.IntVar(&replySize, "reply", 777, "Bytes sent back to each client")
	flag.StringVar(&tracePath, "trace", "", "Write a pcap capture of link traffic to this file")
}

func main() {
	flag.Parse()

	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		log.Fatal(err)
	}

	udpLink, err := cfg.OpenLink()
	if err != nil {
		log.Fatalf("Failed to open link: %v", err)
	}
	var l link.Link = udpLink
	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			log.Fatalf("Failed to create trace file: %v", err)
		}
		defer f.Close()
		if l, err = trace.NewRecorder(udpLink, f); err != nil {
			log.Fatalf("Failed to start trace: %v", err)
		}
	}

	core, err := lib.NewCore(&cfg.Core, l)
	if err != nil {
		log.Fatalf("Error creating protocol core: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info("Received SIGINT (Ctrl+C). Shutting down...")
		cancel()
	}()

	log.WithFields(log.Fields{"link": l.Address(), "port": port}).Info("Server accepting connections")

	var wg sync.WaitGroup
	for {
		conn, err := core.AcceptContext(ctx, port, &cfg.Connection)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("Error accepting connection: %v", err)
			}
			break
		}
		wg.Add(1)
		go handleConnection(ctx, conn, &wg)
	}

	core.Close()
	wg.Wait()
	log.Info("Server exiting")
}

func handleConnection(ctx context.Context, conn *lib.Connection, wg *sync.WaitGroup) {
	defer wg.Done()
	defer conn.Close()
	entry := log.WithField("remote", conn.RemoteAddr().String())
	entry.Info("New client connected")

	buf := make([]byte, 256)
	received := 0
	for received < expectSize {
		n, err := conn.ReadContext(ctx, buf)
		for i := 0; i < n; i++ {
			if buf[i] != byte((received+i)%255) {
				entry.Errorf("Data mismatch at byte %d", received+i)
				return
			}
		}
		received += n
		if err == io.EOF {
			entry.Warnf("Client closed after %d of %d bytes", received, expectSize)
			return
		}
		if err != nil {
			return
		}
	}
	entry.Infof("Received %d bytes intact", received)

	reply := make([]byte, replySize)
	for i := range reply {
		reply[i] = byte(255 - i%255)
	}
	if _, err := conn.Write(reply); err != nil {
		entry.Errorf("Write failed: %v", err)
		return
	}
	entry.Infof("Sent %d bytes, closing", replySize)
}
