package capture

import (
	"NetSentry/internal/model"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ParsePacket decodes a captured frame into a PacketInfo. Non-IP frames other
// than ARP are rejected; the caller counts them as parse drops.
func ParsePacket(packet gopacket.Packet) (*model.PacketInfo, error) {
	info := &model.PacketInfo{
		Timestamp: time.Now(),
		Length:    len(packet.Data()),
	}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		info.Timestamp = meta.Timestamp
	}

	if l := packet.Layer(layers.LayerTypeARP); l != nil {
		arp := l.(*layers.ARP)
		info.IsARP = true
		if src, ok := netip.AddrFromSlice(arp.SourceProtAddress); ok {
			info.FiveTuple.SrcIP = src
		}
		if dst, ok := netip.AddrFromSlice(arp.DstProtAddress); ok {
			info.FiveTuple.DstIP = dst
		}
		return info, nil
	}

	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		info.IsIPv4 = true
		info.TTL = ip.TTL
		info.FiveTuple.Protocol = uint8(ip.Protocol)
		if src, ok := netip.AddrFromSlice(ip.SrcIP.To4()); ok {
			info.FiveTuple.SrcIP = src
		}
		if dst, ok := netip.AddrFromSlice(ip.DstIP.To4()); ok {
			info.FiveTuple.DstIP = dst
		}
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		info.IsIPv6 = true
		info.FiveTuple.Protocol = uint8(ip.NextHeader)
		if src, ok := netip.AddrFromSlice(ip.SrcIP); ok {
			info.FiveTuple.SrcIP = src
		}
		if dst, ok := netip.AddrFromSlice(ip.DstIP); ok {
			info.FiveTuple.DstIP = dst
		}
	default:
		return nil, fmt.Errorf("not an IP or ARP packet")
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		info.FiveTuple.SrcPort = uint16(tcp.SrcPort)
		info.FiveTuple.DstPort = uint16(tcp.DstPort)
		info.TCPFlags = tcpFlagBits(tcp)
		// Synthesized packets may carry a zero data offset; assume the
		// minimal 20-byte header then.
		if tcp.DataOffset >= 5 {
			info.HeaderLength = int(tcp.DataOffset) * 4
		} else {
			info.HeaderLength = 20
		}
		info.PayloadLength = len(tcp.Payload)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		info.FiveTuple.SrcPort = uint16(udp.SrcPort)
		info.FiveTuple.DstPort = uint16(udp.DstPort)
		info.HeaderLength = 8
		info.PayloadLength = len(udp.Payload)
	} else if l := packet.Layer(layers.LayerTypeICMPv4); l != nil {
		info.HeaderLength = 8
		info.PayloadLength = len(l.LayerPayload())
	}

	return info, nil
}

func tcpFlagBits(tcp *layers.TCP) uint8 {
	var bits uint8
	if tcp.FIN {
		bits |= model.FlagFIN
	}
	if tcp.SYN {
		bits |= model.FlagSYN
	}
	if tcp.RST {
		bits |= model.FlagRST
	}
	if tcp.PSH {
		bits |= model.FlagPSH
	}
	if tcp.ACK {
		bits |= model.FlagACK
	}
	if tcp.URG {
		bits |= model.FlagURG
	}
	if tcp.ECE {
		bits |= model.FlagECE
	}
	if tcp.CWR {
		bits |= model.FlagCWR
	}
	return bits
}
