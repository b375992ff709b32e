package capture

import (
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	log "github.com/sirupsen/logrus"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = true
)

// Sentinel errors surfaced by Open. InsufficientPrivilege is fatal for the
// whole process; there is no fallback capture path.
var (
	ErrInterfaceNotFound     = errors.New("capture interface not found")
	ErrInsufficientPrivilege = errors.New("insufficient privilege for raw capture")
)

// Capture reads parsed packets from a live interface and exposes them on a
// channel. It never blocks on a slow consumer; packets that cannot be handed
// off are dropped and counted.
type Capture struct {
	handle *pcap.Handle
	iface  string
	out    chan *model.PacketInfo
	stop   chan struct{}
	wg     sync.WaitGroup

	lastDropLog time.Time
}

// Open opens the named interface in promiscuous read-only mode. OS errors are
// classified into the sentinel errors above so callers can map them onto exit
// codes.
func Open(interfaceName string) (*Capture, error) {
	handle, err := pcap.OpenLive(interfaceName, snapshotLen, promiscuous, pcap.BlockForever)
	if err != nil {
		return nil, classifyOpenError(interfaceName, err)
	}
	return &Capture{
		handle: handle,
		iface:  interfaceName,
		out:    make(chan *model.PacketInfo, 4096),
		stop:   make(chan struct{}),
	}, nil
}

func classifyOpenError(interfaceName string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %s: %v", ErrInsufficientPrivilege, interfaceName, err)
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "doesn't exist"):
		return fmt.Errorf("%w: %s", ErrInterfaceNotFound, interfaceName)
	}
	return fmt.Errorf("failed to open device %s: %w", interfaceName, err)
}

// Packets returns the output channel. It is closed after Close once the read
// loop drains.
func (c *Capture) Packets() <-chan *model.PacketInfo {
	return c.out
}

// Start launches the capture read loop.
func (c *Capture) Start() {
	c.wg.Add(1)
	go c.readLoop()
	log.Printf("Capture started on interface %s", c.iface)
}

func (c *Capture) readLoop() {
	defer c.wg.Done()
	defer close(c.out)

	source := gopacket.NewPacketSource(c.handle, c.handle.LinkType())
	for {
		select {
		case <-c.stop:
			return
		case packet, ok := <-source.Packets():
			if !ok {
				return
			}
			info, err := ParsePacket(packet)
			if err != nil {
				metrics.PacketParseErrors.Inc()
				continue
			}
			select {
			case c.out <- info:
			default:
				metrics.PacketsDropped.Inc()
				c.logDrop()
			}
		}
	}
}

// logDrop warns about backpressure drops at most once per second.
func (c *Capture) logDrop() {
	now := time.Now()
	if now.Sub(c.lastDropLog) >= time.Second {
		c.lastDropLog = now
		log.Warnf("Capture on %s dropping packets: downstream not keeping up", c.iface)
	}
}

// Close stops the read loop and releases the pcap handle.
func (c *Capture) Close() {
	close(c.stop)
	c.handle.Close()
	c.wg.Wait()
	log.Printf("Capture on %s closed", c.iface)
}
