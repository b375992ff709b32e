package pcap

import (
	"os"

	"NetSentry/internal/capture"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// Reader replays packets from a pcap file through the same parser the live
// capture path uses, so recorded traffic exercises the full pipeline without
// raw-socket privileges.
type Reader struct {
	file *os.File
	r    *pcapgo.Reader
}

// NewReader opens a pcap file for replay.
func NewReader(filePath string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Reader{file: file, r: r}, nil
}

// Close releases the underlying file.
func (r *Reader) Close() {
	r.file.Close()
}

// ReadPackets parses every packet in the file and sends the results to out.
// Parse failures are counted and skipped. The channel is closed when the file
// is exhausted.
func (r *Reader) ReadPackets(out chan<- *model.PacketInfo) {
	defer close(out)
	source := gopacket.NewPacketSource(r.r, r.r.LinkType())
	read := 0
	for packet := range source.Packets() {
		info, err := capture.ParsePacket(packet)
		if err != nil {
			metrics.PacketParseErrors.Inc()
			continue
		}
		out <- info
		read++
	}
	log.Printf("Replay finished: %d packets", read)
}
