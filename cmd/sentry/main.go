package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"NetSentry/internal/api"
	"NetSentry/internal/capture"
	"NetSentry/internal/config"
	"NetSentry/internal/engine"
	"NetSentry/internal/model"
	"NetSentry/internal/probe"
	"NetSentry/pkg/pcap"

	log "github.com/sirupsen/logrus"
)

// Process exit codes.
const (
	exitOK          = 0
	exitConfig      = 64
	exitModel       = 65
	exitStorage     = 74
	exitNoPrivilege = 77
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	log.Println("Starting NetSentry...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Errorf("Failed to load config: %v", err)
		os.Exit(exitConfig)
	}
	log.Println("Configuration loaded successfully")

	eng, err := engine.New(cfg)
	if err != nil {
		log.Errorf("Failed to build engine: %v", err)
		switch {
		case errors.Is(err, engine.ErrModelArtifact):
			os.Exit(exitModel)
		case errors.Is(err, engine.ErrStorage):
			os.Exit(exitStorage)
		}
		os.Exit(exitConfig)
	}

	// The capture source is opened before the engine starts, so a privilege
	// failure exits before any packet is scored. engine.New has already
	// opened (and, if absent, created) the alert log and the flow store.
	stopSource, err := openSource(cfg, eng)
	if err != nil {
		log.Errorf("Failed to open capture source: %v", err)
		switch {
		case errors.Is(err, capture.ErrInsufficientPrivilege):
			os.Exit(exitNoPrivilege)
		default:
			os.Exit(exitConfig)
		}
	}

	eng.Start()

	var server *api.Server
	if cfg.API.ListenAddr != "" {
		server = api.NewServer(cfg.API.ListenAddr, eng)
		server.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received")
	if server != nil {
		server.Stop()
	}
	stopSource()
	eng.Stop()
	log.Println("Shutdown complete")
	os.Exit(exitOK)
}

// openSource wires the configured packet source (replay file, remote probe
// or live interface) into the engine's input channel. The returned function
// stops the source; the engine input is never closed by the source so the
// aggregator keeps serving snapshots until shutdown.
func openSource(cfg *config.Config, eng *engine.Engine) (func(), error) {
	switch {
	case cfg.Network.ReplayFile != "":
		reader, err := pcap.NewReader(cfg.Network.ReplayFile)
		if err != nil {
			return nil, err
		}
		log.Printf("Replaying packets from %s", cfg.Network.ReplayFile)
		replayOut := make(chan *model.PacketInfo, 4096)
		go reader.ReadPackets(replayOut)
		go forward(replayOut, eng.Input())
		return reader.Close, nil

	case cfg.Probe.Enabled:
		sub, err := probe.NewSubscriber(cfg.Probe, eng.Input())
		if err != nil {
			return nil, err
		}
		if err := sub.Start(); err != nil {
			sub.Close()
			return nil, err
		}
		return sub.Close, nil

	default:
		cap, err := capture.Open(cfg.Network.Interface)
		if err != nil {
			return nil, err
		}
		cap.Start()
		go forward(cap.Packets(), eng.Input())
		return cap.Close, nil
	}
}

func forward(in <-chan *model.PacketInfo, out chan<- *model.PacketInfo) {
	for info := range in {
		out <- info
	}
}
