package aggregator

import (
	"time"

	"NetSentry/internal/model"
)

// flow is the mutable per-connection state. Only the aggregator goroutine
// touches it; everything handed outward is a copy.
type flow struct {
	key       model.FiveTuple
	firstSeen time.Time
	lastSeen  time.Time

	packets    []model.PacketSummary
	byteCount  uint64
	dstPackets uint64
	flags      model.FlagCounts

	sawHTTP, sawHTTPS, sawDNS, sawTelnet, sawSMTP, sawSSH, sawIRC bool
	sawTCP, sawUDP, sawICMP, sawARP, sawDHCP, sawIPv4, sawIPv6    bool

	minTTL uint8

	// lastScored is the packet count at the most recent scoring event.
	lastScored uint64
}

func newFlow(key model.FiveTuple, first time.Time) *flow {
	return &flow{
		key:       key,
		firstSeen: first,
		lastSeen:  first,
	}
}

func (f *flow) packetCount() uint64 {
	return uint64(len(f.packets))
}

// addPacket folds one parsed packet into the flow counters. The packet may be
// travelling in either direction; toDst records whether it heads toward the
// canonical destination endpoint.
func (f *flow) addPacket(info *model.PacketInfo) {
	toDst := info.FiveTuple.DstIP == f.key.DstIP && info.FiveTuple.DstPort == f.key.DstPort

	f.packets = append(f.packets, model.PacketSummary{
		Timestamp:     info.Timestamp,
		Length:        info.Length,
		HeaderLength:  info.HeaderLength,
		PayloadLength: info.PayloadLength,
		TCPFlags:      info.TCPFlags,
		ToDst:         toDst,
	})
	if info.Timestamp.After(f.lastSeen) {
		f.lastSeen = info.Timestamp
	}
	f.byteCount = satAdd(f.byteCount, uint64(info.Length))
	if toDst {
		f.dstPackets++
	}
	f.flags.Add(info.TCPFlags)

	switch f.key.Protocol {
	case model.ProtoTCP:
		f.sawTCP = true
	case model.ProtoUDP:
		f.sawUDP = true
	case model.ProtoICMP:
		f.sawICMP = true
	}
	if info.IsARP {
		f.sawARP = true
	}
	if info.IsIPv4 {
		f.sawIPv4 = true
		if f.minTTL == 0 || info.TTL < f.minTTL {
			f.minTTL = info.TTL
		}
	}
	if info.IsIPv6 {
		f.sawIPv6 = true
	}

	f.noteAppPort(info.FiveTuple.SrcPort)
	f.noteAppPort(info.FiveTuple.DstPort)
	if f.key.Protocol == model.ProtoUDP {
		for _, p := range [2]uint16{info.FiveTuple.SrcPort, info.FiveTuple.DstPort} {
			if p == 67 || p == 68 {
				f.sawDHCP = true
			}
		}
	}
}

func (f *flow) noteAppPort(port uint16) {
	switch port {
	case model.PortHTTP:
		f.sawHTTP = true
	case model.PortHTTPS:
		f.sawHTTPS = true
	case model.PortDNS:
		f.sawDNS = true
	case model.PortTelnet:
		f.sawTelnet = true
	case model.PortSMTP:
		f.sawSMTP = true
	case model.PortSSH:
		f.sawSSH = true
	case model.PortIRC:
		f.sawIRC = true
	}
}

// snapshot copies the flow into an immutable view for extraction and scoring.
func (f *flow) snapshot() *model.FlowSnapshot {
	packets := make([]model.PacketSummary, len(f.packets))
	copy(packets, f.packets)

	return &model.FlowSnapshot{
		Key:         f.key,
		FirstSeen:   f.firstSeen,
		LastSeen:    f.lastSeen,
		PacketCount: f.packetCount(),
		ByteCount:   f.byteCount,
		DstPackets:  f.dstPackets,
		Flags:       f.flags,
		SawHTTP:     f.sawHTTP,
		SawHTTPS:    f.sawHTTPS,
		SawDNS:      f.sawDNS,
		SawTelnet:   f.sawTelnet,
		SawSMTP:     f.sawSMTP,
		SawSSH:      f.sawSSH,
		SawIRC:      f.sawIRC,
		SawTCP:      f.sawTCP,
		SawUDP:      f.sawUDP,
		SawICMP:     f.sawICMP,
		SawARP:      f.sawARP,
		SawDHCP:     f.sawDHCP,
		SawIPv4:     f.sawIPv4,
		SawIPv6:     f.sawIPv6,
		MinTTL:      f.minTTL,
		Packets:     packets,
	}
}

func satAdd(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint64(0)
}
