package model

import (
	"time"
)

// Well-known ports used for application-protocol recognition.
const (
	PortHTTP   uint16 = 80
	PortHTTPS  uint16 = 443
	PortDNS    uint16 = 53
	PortTelnet uint16 = 23
	PortSMTP   uint16 = 25
	PortSSH    uint16 = 22
	PortIRC    uint16 = 194
)

// IP protocol numbers the feature schema distinguishes.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// PacketSummary is the per-packet residue a flow retains after parsing.
// Payload bytes are gone; only the fields the feature schema needs survive.
type PacketSummary struct {
	Timestamp     time.Time
	Length        int
	HeaderLength  int
	PayloadLength int
	TCPFlags      uint8
	// ToDst is true when the packet travelled toward the flow's canonical
	// destination endpoint.
	ToDst bool
}

// FlagCounts indexes per-flag packet counts by the bit position of the flag
// constants (FlagFIN..FlagCWR).
type FlagCounts [8]uint64

// Add increments the count of every flag set in bits.
func (fc *FlagCounts) Add(bits uint8) {
	for i := 0; i < 8; i++ {
		if bits&(1<<i) != 0 {
			fc[i]++
		}
	}
}

// Count returns the number of packets that carried the given flag bit.
func (fc FlagCounts) Count(flag uint8) uint64 {
	for i := 0; i < 8; i++ {
		if flag == 1<<i {
			return fc[i]
		}
	}
	return 0
}

// FlowSnapshot is an immutable copy of a flow at a point in time. It is the
// sole input to feature extraction, scoring and suppression; the live flow
// keeps mutating underneath without affecting snapshots already taken.
type FlowSnapshot struct {
	Key       FiveTuple
	FirstSeen time.Time
	LastSeen  time.Time

	PacketCount uint64
	ByteCount   uint64
	DstPackets  uint64 // packets travelling toward the canonical destination

	Flags FlagCounts

	// Application-protocol observations by well-known port.
	SawHTTP, SawHTTPS, SawDNS, SawTelnet, SawSMTP, SawSSH, SawIRC bool
	// Transport/link observations.
	SawTCP, SawUDP, SawICMP, SawARP, SawDHCP, SawIPv4, SawIPv6 bool

	// MinTTL is the smallest IPv4 TTL observed, zero when no IPv4 packet
	// was seen.
	MinTTL uint8

	Packets []PacketSummary
}

// Duration returns last_seen - first_seen.
func (s *FlowSnapshot) Duration() time.Duration {
	return s.LastSeen.Sub(s.FirstSeen)
}

// FlowRecord is one persisted row of the flow store: the scored snapshot
// flattened into 51 columns: id, timestamp, the five-tuple, the 37 features,
// the four prediction fields, the emitted flag and the two ground-truth fields.
type FlowRecord struct {
	ID        int64
	Timestamp float64

	SrcIP    string
	DstIP    string
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16

	// Features holds the 37 feature columns in canonical order.
	Features []float64

	PredictedLabel string
	Severity       Severity
	Confidence     float64
	Method         string

	Emitted bool

	GroundTruthLabel string
	LabelVerified    bool
}
