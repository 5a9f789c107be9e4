package main

import (
	"context"
	"flag"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/config"
	"github.com/Clouded-Sabre/Pseudo-Socket/lib"
	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

var (
	configPath string
	serverLink int
	serverPort int
	sendSize   int
	replySize  int
	timeout    time.Duration
	retries    int
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file (yaml or toml)")
	flag.IntVar(&serverLink, "link", 2, "Server link address")
	flag.IntVar(&serverPort, "port", 1, "Server port")
	flag.IntVar(&sendSize, "size", 456, "Bytes to send")
	flag.IntVar(&replySize, "reply", 777, "Bytes expected back")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	flag.IntVar(&retries, "retries", 5, "Connection attempts after the first failed handshake (-1 for infinite)")
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
	core, err := lib.NewCore(&cfg.Core, udpLink)
	if err != nil {
		log.Fatalf("Error creating protocol core: %v", err)
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	remote := link.Addr{Link: serverLink, Port: serverPort}
	start := time.Now()
	redial := lib.DefaultRedialConfig()
	redial.MaxRetries = retries
	conn, err := core.ConnectWithRetry(ctx, remote, &cfg.Connection, redial)
	if err != nil {
		log.Fatalf("Error connecting to %s: %v", remote, err)
	}
	log.WithFields(log.Fields{"local": conn.LocalAddr().String(), "remote": remote.String()}).Info("Connected")

	data := make([]byte, sendSize)
	for i := range data {
		data[i] = byte(i % 255)
	}
	if _, err := conn.Write(data); err != nil {
		log.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 256)
	received := 0
	for received < replySize {
		n, err := conn.ReadContext(ctx, buf)
		for i := 0; i < n; i++ {
			if buf[i] != byte(255-(received+i)%255) {
				log.Fatalf("Reply mismatch at byte %d", received+i)
			}
		}
		received += n
		if err == io.EOF {
			log.Fatalf("Server closed after %d of %d bytes", received, replySize)
		}
		if err != nil {
			log.Fatalf("Read failed: %v", err)
		}
	}

	conn.Close()
	stats := conn.Stats()
	log.WithFields(log.Fields{
		"elapsed":         time.Since(start).String(),
		"segments":        stats.SegmentsSent,
		"retransmissions": stats.Retransmissions,
		"duplicates":      stats.Duplicates,
	}).Infof("Exchange complete: sent %d, received %d bytes", sendSize, received)
}
