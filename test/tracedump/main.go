package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/trace"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s capture.pcap\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer f.Close()

	count := 0
	err = trace.Dump(f, func(r trace.Record) error {
		count++
		if r.Mail == nil || r.Frame == nil {
			fmt.Printf("%s undecodable packet\n", r.Time.Format("15:04:05.000000"))
			return nil
		}
		fmt.Printf("%s %d:%d -> %d:%d %s\n", r.Time.Format("15:04:05.000000"),
			r.Mail.SrcLink, r.Mail.SrcPort, r.Mail.DstLink, r.Mail.DstPort, r.Frame)
		return nil
	})
	if err != nil {
		log.Fatalf("Reading capture: %v", err)
	}
	log.Infof("%d frames", count)
}
