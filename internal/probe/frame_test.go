package probe

import (
	"net/netip"
	"testing"
	"time"

	"NetSentry/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	info := &model.PacketInfo{
		Timestamp: time.Unix(1700000000, 123456789),
		FiveTuple: model.FiveTuple{
			SrcIP:    netip.MustParseAddr("192.168.1.10"),
			DstIP:    netip.MustParseAddr("140.82.113.26"),
			Protocol: model.ProtoTCP,
			SrcPort:  54321,
			DstPort:  443,
		},
		Length:        1514,
		HeaderLength:  32,
		PayloadLength: 1448,
		TCPFlags:      model.FlagPSH | model.FlagACK,
		TTL:           64,
		IsIPv4:        true,
	}

	data, err := encodeFrame(info)
	if err != nil {
		t.Fatalf("encodeFrame failed: %v", err)
	}
	got, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}

	if !got.Timestamp.Equal(info.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, info.Timestamp)
	}
	if got.FiveTuple != info.FiveTuple {
		t.Errorf("FiveTuple = %v, want %v", got.FiveTuple, info.FiveTuple)
	}
	if got.Length != info.Length || got.HeaderLength != info.HeaderLength || got.PayloadLength != info.PayloadLength {
		t.Errorf("Lengths differ: %+v", got)
	}
	if got.TCPFlags != info.TCPFlags || got.TTL != info.TTL || !got.IsIPv4 {
		t.Errorf("Header fields differ: %+v", got)
	}
}

func TestFrameRoundTripIPv6(t *testing.T) {
	info := &model.PacketInfo{
		Timestamp: time.Unix(1700000000, 0),
		FiveTuple: model.FiveTuple{
			SrcIP:    netip.MustParseAddr("2001:db8::1"),
			DstIP:    netip.MustParseAddr("2001:db8::2"),
			Protocol: model.ProtoUDP,
			SrcPort:  5353,
			DstPort:  53,
		},
		Length: 80,
		IsIPv6: true,
	}

	data, err := encodeFrame(info)
	if err != nil {
		t.Fatalf("encodeFrame failed: %v", err)
	}
	got, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	if got.FiveTuple != info.FiveTuple {
		t.Errorf("FiveTuple = %v, want %v", got.FiveTuple, info.FiveTuple)
	}
	if !got.IsIPv6 {
		t.Error("IsIPv6 lost in transit")
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, err := decodeFrame([]byte("not a gob frame")); err == nil {
		t.Fatal("decodeFrame accepted garbage")
	}
}
