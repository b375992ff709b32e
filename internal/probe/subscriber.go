package probe

import (
	"NetSentry/internal/config"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Subscriber feeds remote-sensed packets into the local pipeline with the
// same drop-on-overflow semantics as live capture.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	out     chan<- *model.PacketInfo
}

// NewSubscriber connects to the configured NATS server.
func NewSubscriber(cfg config.ProbeConfig, out chan<- *model.PacketInfo) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject, out: out}, nil
}

// Start subscribes and begins forwarding packet records.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		info, err := decodeFrame(msg.Data)
		if err != nil {
			metrics.PacketParseErrors.Inc()
			return
		}
		select {
		case s.out <- info:
		default:
			metrics.PacketsDropped.Inc()
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("Subscribed to %q, forwarding packets", s.subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed")
	}
}
