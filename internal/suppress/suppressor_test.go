package suppress

import (
	"net/netip"
	"testing"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

func detectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		Mode:                          "threshold",
		ConfidenceThreshold:           0.95,
		MinPacketThreshold:            200,
		FilterPrivateNetworks:         true,
		WhitelistPorts:                []uint16{80, 443, 53, 22, 3389},
		CloudPrefixes:                 []string{"140.82.", "13.107."},
		LegitimatePortPacketThreshold: 500,
	}
}

func snapshot(src, dst string, dstPort uint16, packets uint64) *model.FlowSnapshot {
	now := time.Unix(1700000000, 0)
	return &model.FlowSnapshot{
		Key: model.FiveTuple{
			SrcIP:    netip.MustParseAddr(src),
			DstIP:    netip.MustParseAddr(dst),
			Protocol: model.ProtoTCP,
			SrcPort:  54321,
			DstPort:  dstPort,
		},
		FirstSeen:   now,
		LastSeen:    now.Add(2 * time.Second),
		PacketCount: packets,
	}
}

func threat(conf float64) model.Prediction {
	return model.Prediction{
		Label:      "DDoS-SYN_Flood",
		Severity:   model.SeverityMedium,
		Confidence: conf,
		Method:     "ensemble_weighted",
	}
}

// attackSnapshot passes every layer with the default test config: public
// endpoints, non-whitelisted port, plenty of packets.
func attackSnapshot() *model.FlowSnapshot {
	return snapshot("203.0.113.50", "198.51.100.10", 8080, 1000)
}

func TestLayer1NotAThreat(t *testing.T) {
	s := New(detectionConfig(), nil, nil)
	d := s.Evaluate(attackSnapshot(), model.Prediction{Label: model.BenignLabel, Confidence: 0.99})
	if d.Emit || d.Reason != ReasonNotAThreat {
		t.Fatalf("Decision = %+v, want suppress not_a_threat", d)
	}
}

func TestLayer1IgnoredAttackType(t *testing.T) {
	cfg := detectionConfig()
	cfg.IgnoredAttackTypes = []string{"DoS-TCP_Flood"}
	s := New(cfg, nil, nil)
	pred := model.Prediction{Label: "DoS-TCP_Flood", Confidence: 0.99}
	d := s.Evaluate(attackSnapshot(), pred)
	if d.Emit || d.Reason != ReasonNotAThreat {
		t.Fatalf("Decision = %+v, want suppress for ignored type", d)
	}
}

func TestLayer2ConfidenceBoundary(t *testing.T) {
	s := New(detectionConfig(), nil, nil)

	// Exactly at the threshold passes.
	if d := s.Evaluate(attackSnapshot(), threat(0.95)); !d.Emit {
		t.Fatalf("Confidence equal to threshold suppressed: %+v", d)
	}
	// Just below does not.
	if d := s.Evaluate(attackSnapshot(), threat(0.9499)); d.Emit || d.Reason != ReasonLowConfidence {
		t.Fatalf("Decision = %+v, want low_confidence", d)
	}
}

func TestLayer3PacketCountBoundary(t *testing.T) {
	s := New(detectionConfig(), nil, nil)

	snap := snapshot("203.0.113.50", "198.51.100.10", 8080, 199)
	d := s.Evaluate(snap, threat(0.99))
	if d.Emit || d.Reason != ReasonInsufficientTraffic {
		t.Fatalf("Decision = %+v, want insufficient_traffic at threshold-1", d)
	}

	snap.PacketCount = 200
	if d := s.Evaluate(snap, threat(0.99)); !d.Emit {
		t.Fatalf("Flow at exactly min_packet_threshold suppressed: %+v", d)
	}
}

func TestLayer4CloudPrefix(t *testing.T) {
	s := New(detectionConfig(), nil, nil)
	snap := snapshot("203.0.113.50", "140.82.113.26", 8080, 1000)
	d := s.Evaluate(snap, threat(0.99))
	if d.Emit || d.Reason != ReasonCloudTraffic {
		t.Fatalf("Decision = %+v, want cloud_traffic", d)
	}
}

func TestLayer45WhitelistCIDR(t *testing.T) {
	prefix := netip.MustParsePrefix("198.51.100.0/24")
	s := New(detectionConfig(), []netip.Prefix{prefix}, nil)

	// The network address itself is whitelisted.
	snap := snapshot("203.0.113.50", "198.51.100.0", 8080, 1000)
	d := s.Evaluate(snap, threat(0.99))
	if d.Emit || d.Reason != ReasonWhitelistedIP {
		t.Fatalf("Decision = %+v, want whitelisted_ip for first CIDR address", d)
	}
}

func TestLayer5PrivateNetworks(t *testing.T) {
	s := New(detectionConfig(), nil, nil)
	snap := snapshot("10.0.0.50", "10.0.0.100", 8080, 1000)
	d := s.Evaluate(snap, threat(0.99))
	if d.Emit || d.Reason != ReasonPrivateNetwork {
		t.Fatalf("Decision = %+v, want private_network", d)
	}

	// Disabled filter lets private pairs through.
	cfg := detectionConfig()
	cfg.FilterPrivateNetworks = false
	s = New(cfg, nil, nil)
	if d := s.Evaluate(snap, threat(0.99)); !d.Emit {
		t.Fatalf("Decision = %+v, want emit with filter disabled", d)
	}
}

func TestLayer5OnePublicEndpointPasses(t *testing.T) {
	s := New(detectionConfig(), nil, nil)
	snap := snapshot("10.0.0.50", "203.0.113.10", 8080, 1000)
	if d := s.Evaluate(snap, threat(0.99)); !d.Emit {
		t.Fatalf("Decision = %+v, want emit when one endpoint is public", d)
	}
}

func TestLayer6LegitimatePortLowVolume(t *testing.T) {
	s := New(detectionConfig(), nil, nil)

	snap := snapshot("203.0.113.50", "198.51.100.10", 443, 400)
	d := s.Evaluate(snap, threat(0.99))
	if d.Emit || d.Reason != ReasonLegitimateLowVolume {
		t.Fatalf("Decision = %+v, want legitimate_low_volume", d)
	}

	// High volume on a whitelisted port still emits.
	snap.PacketCount = 600
	if d := s.Evaluate(snap, threat(0.99)); !d.Emit {
		t.Fatalf("Decision = %+v, want emit for high volume on port 443", d)
	}
}

func TestLayer7BaselineMatch(t *testing.T) {
	bcfg := config.BaselineConfig{
		Enabled:        true,
		LearningPeriod: 0, // window already closed
		MinOccurrences: 3,
		PersistPath:    t.TempDir() + "/baseline.json",
	}
	b := NewBaseline(bcfg)
	// Seed the fingerprint map directly, as if learned before restart.
	snap := attackSnapshot()
	fp := Fingerprint(snap)
	b.counts[fp] = 5

	s := New(detectionConfig(), nil, b)
	d := s.Evaluate(snap, threat(0.99))
	if d.Emit || d.Reason != ReasonBaselineMatch {
		t.Fatalf("Decision = %+v, want baseline_match", d)
	}

	// A novel fingerprint emits.
	novel := snapshot("203.0.113.50", "198.51.100.10", 9999, 5000)
	if d := s.Evaluate(novel, threat(0.99)); !d.Emit {
		t.Fatalf("Decision = %+v, want emit for novel fingerprint", d)
	}
}

func TestPureMLModeSkipsThresholdLayers(t *testing.T) {
	cfg := detectionConfig()
	cfg.Mode = "pure_ml"
	s := New(cfg, nil, nil)

	// Low confidence, low packet count, private endpoints: only layer 1
	// applies in pure_ml mode.
	snap := snapshot("10.0.0.50", "10.0.0.100", 443, 3)
	if d := s.Evaluate(snap, threat(0.10)); !d.Emit {
		t.Fatalf("Decision = %+v, want emit in pure_ml mode", d)
	}
	// Benign still suppressed.
	if d := s.Evaluate(snap, model.Prediction{Label: model.BenignLabel}); d.Emit {
		t.Fatalf("Benign emitted in pure_ml mode")
	}
}

func TestFilterLocalhost(t *testing.T) {
	cfg := detectionConfig()
	cfg.FilterLocalhost = true
	cfg.FilterPrivateNetworks = false
	s := New(cfg, nil, nil)

	snap := snapshot("127.0.0.1", "203.0.113.10", 8080, 1000)
	d := s.Evaluate(snap, threat(0.99))
	if d.Emit || d.Reason != ReasonPrivateNetwork {
		t.Fatalf("Decision = %+v, want private_network for loopback", d)
	}
}

func TestDebugRing(t *testing.T) {
	s := New(detectionConfig(), nil, nil)
	s.Evaluate(attackSnapshot(), threat(0.10))
	s.Evaluate(attackSnapshot(), threat(0.20))

	recent := s.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Ring has %d records, want 2", len(recent))
	}
	// Newest first.
	if recent[0].Confidence != 0.20 {
		t.Errorf("Newest record confidence = %v, want 0.20", recent[0].Confidence)
	}
	if recent[0].Reason != ReasonLowConfidence {
		t.Errorf("Reason = %s", recent[0].Reason)
	}
}
