package suppress

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"
)

// Suppression reasons, one per cascade layer.
const (
	ReasonNotAThreat          = "not_a_threat"
	ReasonLowConfidence       = "low_confidence"
	ReasonInsufficientTraffic = "insufficient_traffic"
	ReasonCloudTraffic        = "cloud_traffic"
	ReasonWhitelistedIP       = "whitelisted_ip"
	ReasonPrivateNetwork      = "private_network"
	ReasonLegitimateLowVolume = "legitimate_low_volume"
	ReasonBaselineMatch       = "baseline_match"
)

// Decision is the outcome of the filter cascade for one scored flow.
type Decision struct {
	Emit   bool
	Reason string
}

func emit() Decision                  { return Decision{Emit: true} }
func suppress(reason string) Decision { return Decision{Reason: reason} }

// Record is one entry of the suppression debug ring.
type Record struct {
	Time       time.Time `json:"time"`
	Flow       string    `json:"flow"`
	Threat     string    `json:"threat"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

const ringSize = 1000

// Suppressor applies the layered filter cascade that stands between model
// predictions and operator-visible alerts.
type Suppressor struct {
	cfg        config.DetectionConfig
	baseline   *Baseline
	whitelists []netip.Prefix
	ports      map[uint16]bool
	ignored    map[string]bool

	mu   sync.Mutex
	ring []Record
	next int
}

// New builds the suppressor from its configuration slice. The baseline may be
// nil when the adaptive layer is disabled.
func New(cfg config.DetectionConfig, whitelists []netip.Prefix, baseline *Baseline) *Suppressor {
	ports := make(map[uint16]bool, len(cfg.WhitelistPorts))
	for _, p := range cfg.WhitelistPorts {
		ports[p] = true
	}
	ignored := make(map[string]bool, len(cfg.IgnoredAttackTypes))
	for _, label := range cfg.IgnoredAttackTypes {
		ignored[label] = true
	}
	return &Suppressor{
		cfg:        cfg,
		baseline:   baseline,
		whitelists: whitelists,
		ports:      ports,
		ignored:    ignored,
		ring:       make([]Record, 0, ringSize),
	}
}

// Evaluate runs the cascade. Layers short-circuit on the first suppression;
// in pure_ml mode only the threat-class layer applies. During the baseline's
// learning window every evaluated snapshot is also fed to the learner.
func (s *Suppressor) Evaluate(snap *model.FlowSnapshot, pred model.Prediction) Decision {
	if s.baseline != nil {
		s.baseline.Observe(snap)
	}

	d := s.evaluate(snap, pred)
	if !d.Emit {
		metrics.Suppressed.WithLabelValues(d.Reason).Inc()
		s.record(snap, pred, d.Reason)
	}
	return d
}

func (s *Suppressor) evaluate(snap *model.FlowSnapshot, pred model.Prediction) Decision {
	// Layer 1: threat class.
	if pred.IsBenign() || s.ignored[pred.Label] {
		return suppress(ReasonNotAThreat)
	}
	if s.cfg.Mode == "pure_ml" {
		return emit()
	}

	// Layer 2: confidence. Exact equality with the threshold passes.
	if pred.Confidence < s.cfg.ConfidenceThreshold {
		return suppress(ReasonLowConfidence)
	}

	// Layer 3: packet count.
	if snap.PacketCount < uint64(s.cfg.MinPacketThreshold) {
		return suppress(ReasonInsufficientTraffic)
	}

	// Layer 4: cloud-provider prefixes.
	if s.matchesCloudPrefix(snap.Key.SrcIP) || s.matchesCloudPrefix(snap.Key.DstIP) {
		return suppress(ReasonCloudTraffic)
	}

	// Layer 4.5: explicit CIDR whitelist.
	if s.whitelisted(snap.Key.SrcIP) || s.whitelisted(snap.Key.DstIP) {
		return suppress(ReasonWhitelistedIP)
	}

	// Layer 5: private-network filter.
	if s.cfg.FilterLocalhost && (snap.Key.SrcIP.IsLoopback() || snap.Key.DstIP.IsLoopback()) {
		return suppress(ReasonPrivateNetwork)
	}
	if s.cfg.FilterPrivateNetworks && isPrivate(snap.Key.SrcIP) && isPrivate(snap.Key.DstIP) {
		return suppress(ReasonPrivateNetwork)
	}

	// Layer 6: legitimate port with low volume.
	if s.ports[snap.Key.DstPort] && snap.PacketCount < uint64(s.cfg.LegitimatePortPacketThreshold) {
		return suppress(ReasonLegitimateLowVolume)
	}

	// Layer 7: adaptive baseline.
	if s.baseline != nil && s.baseline.Match(snap) {
		return suppress(ReasonBaselineMatch)
	}

	return emit()
}

// matchesCloudPrefix tests the dotted-decimal representation against the
// configured prefix strings.
func (s *Suppressor) matchesCloudPrefix(ip netip.Addr) bool {
	if len(s.cfg.CloudPrefixes) == 0 || !ip.Is4() {
		return false
	}
	text := ip.String()
	for _, prefix := range s.cfg.CloudPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

func (s *Suppressor) whitelisted(ip netip.Addr) bool {
	for _, prefix := range s.whitelists {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// isPrivate covers RFC1918, link-local, loopback and multicast ranges.
func isPrivate(ip netip.Addr) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}

// record appends to the bounded debug ring, overwriting the oldest entry once
// full.
func (s *Suppressor) record(snap *model.FlowSnapshot, pred model.Prediction, reason string) {
	rec := Record{
		Time:       time.Now(),
		Flow:       snap.Key.String(),
		Threat:     pred.Label,
		Confidence: pred.Confidence,
		Reason:     reason,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) < ringSize {
		s.ring = append(s.ring, rec)
		return
	}
	s.ring[s.next] = rec
	s.next = (s.next + 1) % ringSize
}

// Recent returns up to limit suppression records, newest first.
func (s *Suppressor) Recent(limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + n + n) % n
		out = append(out, s.ring[idx])
	}
	return out
}
