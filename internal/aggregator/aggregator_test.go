package aggregator

import (
	"net/netip"
	"testing"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

func testConfig() config.AggregatorConfig {
	return config.AggregatorConfig{
		IdleTimeout:    60,
		MaxFlows:       50000,
		ScoreEveryN:    10,
		EvictionPeriod: 10,
	}
}

func packet(src, dst string, srcPort, dstPort uint16, ts time.Time, flags uint8) *model.PacketInfo {
	return &model.PacketInfo{
		Timestamp: ts,
		FiveTuple: model.FiveTuple{
			SrcIP:    netip.MustParseAddr(src),
			DstIP:    netip.MustParseAddr(dst),
			Protocol: model.ProtoTCP,
			SrcPort:  srcPort,
			DstPort:  dstPort,
		},
		Length:       60,
		HeaderLength: 20,
		TCPFlags:     flags,
		IsIPv4:       true,
		TTL:          64,
	}
}

func TestCanonicalDirection(t *testing.T) {
	a := New(testConfig())
	base := time.Unix(1700000000, 0)

	// First packet fixes the canonical direction.
	a.ingest(packet("192.168.1.10", "140.82.113.26", 54321, 443, base, model.FlagSYN))
	// The reply must land on the same flow.
	a.ingest(packet("140.82.113.26", "192.168.1.10", 443, 54321, base.Add(time.Millisecond), model.FlagSYN|model.FlagACK))

	if len(a.flows) != 1 {
		t.Fatalf("Expected 1 flow, got %d", len(a.flows))
	}
	for key, f := range a.flows {
		if key.SrcIP.String() != "192.168.1.10" {
			t.Errorf("Canonical src is %s, want first-seen direction", key.SrcIP)
		}
		if f.packetCount() != 2 {
			t.Errorf("Flow has %d packets, want 2", f.packetCount())
		}
		if f.dstPackets != 1 {
			t.Errorf("dstPackets = %d, want 1", f.dstPackets)
		}
	}
}

func TestScoringThreshold(t *testing.T) {
	a := New(testConfig())
	base := time.Unix(1700000000, 0)

	// Nine packets: below the threshold, nothing scheduled.
	for i := 0; i < 9; i++ {
		a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base.Add(time.Duration(i)*time.Millisecond), model.FlagSYN))
	}
	select {
	case snap := <-a.scored:
		t.Fatalf("Unexpected scoring event at %d packets", snap.PacketCount)
	default:
	}

	// The tenth crosses it.
	a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base.Add(9*time.Millisecond), model.FlagSYN))
	select {
	case snap := <-a.scored:
		if snap.PacketCount != 10 {
			t.Errorf("Snapshot has %d packets, want 10", snap.PacketCount)
		}
	default:
		t.Fatal("Expected a scoring event after 10 packets")
	}
}

func TestSinglePacketFlowNeverScored(t *testing.T) {
	a := New(testConfig())
	base := time.Unix(1700000000, 0)

	a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base, model.FlagSYN))
	// Evict everything regardless of idleness.
	a.evictIdle(base.Add(time.Hour))

	select {
	case <-a.scored:
		t.Fatal("Single-packet flow must not be scored, even at eviction")
	default:
	}
	if len(a.flows) != 0 {
		t.Fatalf("Flow not evicted")
	}
}

func TestIdleEvictionFinalScoring(t *testing.T) {
	a := New(testConfig())
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base.Add(time.Duration(i)*time.Millisecond), model.FlagACK))
	}
	a.evictIdle(base.Add(2 * time.Minute))

	select {
	case snap := <-a.scored:
		if snap.PacketCount != 5 {
			t.Errorf("Final snapshot has %d packets, want 5", snap.PacketCount)
		}
	default:
		t.Fatal("Expected final scoring at idle eviction")
	}
	if len(a.flows) != 0 {
		t.Fatalf("Idle flow not evicted")
	}
}

func TestCapacityEvictionLRU(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFlows = 3
	a := New(cfg)
	base := time.Unix(1700000000, 0)

	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
	for i, src := range addrs {
		a.ingest(packet(src, "10.0.1.1", uint16(1000+i), 80, base.Add(time.Duration(i)*time.Second), 0))
	}

	if len(a.flows) != 3 {
		t.Fatalf("Table has %d flows, want 3", len(a.flows))
	}
	oldest := model.FiveTuple{
		SrcIP:    netip.MustParseAddr("10.0.0.1"),
		DstIP:    netip.MustParseAddr("10.0.1.1"),
		Protocol: model.ProtoTCP,
		SrcPort:  1000,
		DstPort:  80,
	}
	if _, ok := a.flows[oldest]; ok {
		t.Error("Least-recently-seen flow should have been evicted")
	}
}

func TestFlagCountsMatchIteration(t *testing.T) {
	a := New(testConfig())
	base := time.Unix(1700000000, 0)

	flagSets := []uint8{
		model.FlagSYN,
		model.FlagSYN | model.FlagACK,
		model.FlagPSH | model.FlagACK,
		model.FlagFIN | model.FlagACK,
		model.FlagRST,
	}
	for i, flags := range flagSets {
		a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base.Add(time.Duration(i)*time.Millisecond), flags))
	}

	var f *flow
	for _, fl := range a.flows {
		f = fl
	}
	snap := f.snapshot()

	// Recompute per-flag counts by direct iteration over retained summaries.
	var direct model.FlagCounts
	for _, p := range snap.Packets {
		direct.Add(p.TCPFlags)
	}
	if direct != snap.Flags {
		t.Fatalf("Incremental flag counts %v != iterated %v", snap.Flags, direct)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	a := New(testConfig())
	base := time.Unix(1700000000, 0)

	a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base, model.FlagSYN))
	a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base.Add(time.Millisecond), model.FlagACK))

	var f *flow
	for _, fl := range a.flows {
		f = fl
	}
	snap := f.snapshot()

	// Mutating the live flow must not affect the snapshot.
	a.ingest(packet("10.0.0.1", "10.0.0.2", 1111, 80, base.Add(2*time.Millisecond), model.FlagFIN))
	if snap.PacketCount != 2 || len(snap.Packets) != 2 {
		t.Fatalf("Snapshot mutated: count=%d len=%d", snap.PacketCount, len(snap.Packets))
	}
}

func TestSaturatingAdd(t *testing.T) {
	max := ^uint64(0)
	if got := satAdd(max-1, 5); got != max {
		t.Errorf("satAdd overflow = %d, want saturation", got)
	}
	if got := satAdd(3, 4); got != 7 {
		t.Errorf("satAdd(3,4) = %d", got)
	}
}
