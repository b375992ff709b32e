package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"NetSentry/internal/capture"
	"NetSentry/internal/config"
	"NetSentry/internal/probe"

	log "github.com/sirupsen/logrus"
)

// sentry-probe captures on a sensor host and publishes parsed packet records
// to NATS for a remote analysis engine.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	iface := flag.String("iface", "", "Interface override; defaults to network.interface from the config.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Errorf("Failed to load config: %v", err)
		os.Exit(64)
	}
	interfaceName := cfg.Network.Interface
	if *iface != "" {
		interfaceName = *iface
	}

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer pub.Close()

	cap, err := capture.Open(interfaceName)
	if err != nil {
		log.Errorf("Failed to open %s: %v", interfaceName, err)
		if errors.Is(err, capture.ErrInsufficientPrivilege) {
			os.Exit(77)
		}
		os.Exit(64)
	}
	cap.Start()
	log.Printf("Probe publishing packets from %s", interfaceName)

	go func() {
		published := 0
		for info := range cap.Packets() {
			if err := pub.Publish(info); err != nil {
				log.Warnf("Failed to publish packet: %v", err)
				continue
			}
			published++
			if published%10000 == 0 {
				log.Printf("%d packets published", published)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, cleaning up...")
	cap.Close()
}
