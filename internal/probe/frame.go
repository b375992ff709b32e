package probe

import (
	"bytes"
	"encoding/gob"
	"net/netip"
	"time"

	"NetSentry/internal/model"
)

// frame is the wire form of one packet record. Addresses travel as raw bytes
// because netip.Addr does not gob-encode its internal representation.
type frame struct {
	Timestamp     time.Time
	SrcIP         []byte
	DstIP         []byte
	Protocol      uint8
	SrcPort       uint16
	DstPort       uint16
	Length        int
	HeaderLength  int
	PayloadLength int
	TCPFlags      uint8
	TTL           uint8
	IsIPv4        bool
	IsIPv6        bool
	IsARP         bool
}

// encodeFrame serializes a packet record with gob.
func encodeFrame(info *model.PacketInfo) ([]byte, error) {
	f := frame{
		Timestamp:     info.Timestamp,
		SrcIP:         info.FiveTuple.SrcIP.AsSlice(),
		DstIP:         info.FiveTuple.DstIP.AsSlice(),
		Protocol:      info.FiveTuple.Protocol,
		SrcPort:       info.FiveTuple.SrcPort,
		DstPort:       info.FiveTuple.DstPort,
		Length:        info.Length,
		HeaderLength:  info.HeaderLength,
		PayloadLength: info.PayloadLength,
		TCPFlags:      info.TCPFlags,
		TTL:           info.TTL,
		IsIPv4:        info.IsIPv4,
		IsIPv6:        info.IsIPv6,
		IsARP:         info.IsARP,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrame deserializes one wire frame back into a packet record.
func decodeFrame(data []byte) (*model.PacketInfo, error) {
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, err
	}
	info := &model.PacketInfo{
		Timestamp:     f.Timestamp,
		Length:        f.Length,
		HeaderLength:  f.HeaderLength,
		PayloadLength: f.PayloadLength,
		TCPFlags:      f.TCPFlags,
		TTL:           f.TTL,
		IsIPv4:        f.IsIPv4,
		IsIPv6:        f.IsIPv6,
		IsARP:         f.IsARP,
	}
	info.FiveTuple.Protocol = f.Protocol
	info.FiveTuple.SrcPort = f.SrcPort
	info.FiveTuple.DstPort = f.DstPort
	if addr, ok := netip.AddrFromSlice(f.SrcIP); ok {
		info.FiveTuple.SrcIP = addr
	}
	if addr, ok := netip.AddrFromSlice(f.DstIP); ok {
		info.FiveTuple.DstIP = addr
	}
	return info, nil
}
