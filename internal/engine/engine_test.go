package engine

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"NetSentry/internal/alerts"
	"NetSentry/internal/config"
	"NetSentry/internal/ensemble"
	"NetSentry/internal/features"
	"NetSentry/internal/flowstore"
	"NetSentry/internal/model"

	jsoniter "github.com/json-iterator/go"
)

var testJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// testLabels is a reduced alphabet; the loader only requires internal
// consistency between mapping and model output widths.
var testLabels = []string{"BenignTraffic", "DDoS-SYN_Flood", "XSS"}

// writeTestArtifacts produces artifacts that classify everything as a
// high-confidence SYN flood with both models in agreement.
func writeTestArtifacts(t *testing.T, dir string) config.ModelsConfig {
	t.Helper()

	mapping := map[string]int{}
	for i, l := range testLabels {
		mapping[l] = i
	}
	writeTestJSON(t, filepath.Join(dir, "class_mapping.json"), mapping)

	scaler := ensemble.Scaler{
		Mean:  make([]float64, features.VectorSize),
		Scale: make([]float64, features.VectorSize),
	}
	for i := range scaler.Scale {
		scaler.Scale[i] = 1
	}
	writeTestJSON(t, filepath.Join(dir, "scaler.json"), scaler)

	tree := ensemble.TreeModel{
		NumClasses: len(testLabels),
		Trees: []ensemble.Tree{{
			Feature:   []int{0},
			Threshold: []float64{0},
			Left:      []int{-1},
			Right:     []int{-1},
			Value:     [][]float64{{0.01, 0.98, 0.01}},
		}},
	}
	writeTestJSON(t, filepath.Join(dir, "tree_model.json"), tree)

	weights := make([][]float64, features.VectorSize)
	for i := range weights {
		weights[i] = make([]float64, len(testLabels))
	}
	nn := ensemble.NeuralModel{Layers: []ensemble.DenseLayer{{
		Weights:    weights,
		Bias:       []float64{0, 30, 0},
		Activation: "softmax",
	}}}
	writeTestJSON(t, filepath.Join(dir, "neural_model.json"), nn)

	return config.ModelsConfig{
		MLPath:           filepath.Join(dir, "tree_model.json"),
		DLPath:           filepath.Join(dir, "neural_model.json"),
		ScalerPath:       filepath.Join(dir, "scaler.json"),
		ClassMappingPath: filepath.Join(dir, "class_mapping.json"),
		OptimalThreshold: 0.55,
		MLWeight:         0.6,
		DLWeight:         0.4,
		InferenceTimeout: 2,
		Workers:          2,
	}
}

func writeTestJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := testJSON.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func testEngineConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Network: config.NetworkConfig{Interface: "test0"},
		Detection: config.DetectionConfig{
			Mode:                          "threshold",
			ConfidenceThreshold:           0.95,
			MinPacketThreshold:            200,
			FilterPrivateNetworks:         false,
			WhitelistPorts:                []uint16{80, 443, 53, 22, 3389},
			LegitimatePortPacketThreshold: 500,
			AdaptiveBaseline: config.BaselineConfig{
				Enabled: false,
			},
		},
		Models: writeTestArtifacts(t, dir),
		Database: config.DatabaseConfig{
			Enabled:         true,
			Type:            "sqlite",
			Directory:       filepath.Join(dir, "flows"),
			SaveBenignFlows: true,
			SaveAttackFlows: true,
			QueueSize:       10000,
		},
		Alerts: config.AlertsConfig{
			LogPath:             filepath.Join(dir, "alerts.jsonl"),
			DedupeWindowSeconds: 10,
			MaxInMemory:         10000,
			SubscriberBuffer:    1024,
		},
		Aggregator: config.AggregatorConfig{
			IdleTimeout:    60,
			MaxFlows:       50000,
			ScoreEveryN:    10,
			EvictionPeriod: 10,
		},
		Stats: config.StatsConfig{
			SnapshotPath:   filepath.Join(dir, "statistics.json"),
			SnapshotPeriod: 60,
			TopK:           20,
		},
	}
}

// synFloodPackets synthesizes the scenario traffic: all-SYN packets from one
// source to one destination port 80 at 500 packets/s.
func synFloodPackets(n int, start time.Time) []*model.PacketInfo {
	out := make([]*model.PacketInfo, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &model.PacketInfo{
			Timestamp: start.Add(time.Duration(i) * 2 * time.Millisecond),
			FiveTuple: model.FiveTuple{
				SrcIP:    netip.MustParseAddr("10.0.0.50"),
				DstIP:    netip.MustParseAddr("10.0.0.100"),
				Protocol: model.ProtoTCP,
				SrcPort:  44321,
				DstPort:  80,
			},
			Length:       60,
			HeaderLength: 20,
			TCPFlags:     model.FlagSYN,
			IsIPv4:       true,
			TTL:          64,
		})
	}
	return out
}

func waitForAlerts(t *testing.T, m *alerts.Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d alerts, have %d", want, m.Count())
}

func TestSynFloodProducesSingleAlert(t *testing.T) {
	cfg := testEngineConfig(t)
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("Engine build failed: %v", err)
	}
	eng.Start()

	start := time.Now()
	for _, p := range synFloodPackets(1000, start) {
		eng.Input() <- p
	}
	waitForAlerts(t, eng.Alerts(), 1)

	// Give the remaining scoring events time to dedupe.
	time.Sleep(200 * time.Millisecond)
	eng.Stop()

	all := eng.Alerts().Query(alerts.QueryFilter{})
	if len(all) != 1 {
		t.Fatalf("Expected exactly 1 alert, got %d", len(all))
	}
	a := all[0]
	if a.ID != 1 {
		t.Errorf("Alert id = %d, want 1", a.ID)
	}
	if a.Threat != "DDoS-SYN_Flood" {
		t.Errorf("Threat = %s", a.Threat)
	}
	if a.Severity != model.SeverityMedium {
		t.Errorf("Severity = %s, want medium", a.Severity)
	}
	if a.Confidence < 0.95 {
		t.Errorf("Confidence = %v, want >= 0.95", a.Confidence)
	}
	if a.Status != model.StatusNew {
		t.Errorf("Status = %s, want new", a.Status)
	}
	if a.SrcIP != "10.0.0.50" || a.DstPort != 80 {
		t.Errorf("Flow fields wrong: %+v", a)
	}
}

func TestRepeatFloodDeduplicates(t *testing.T) {
	cfg := testEngineConfig(t)
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("Engine build failed: %v", err)
	}
	eng.Start()

	start := time.Now()
	for _, p := range synFloodPackets(1000, start) {
		eng.Input() <- p
	}
	waitForAlerts(t, eng.Alerts(), 1)
	created, err := eng.Alerts().Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Replay the same flood back-to-back within the dedupe window.
	for _, p := range synFloodPackets(1000, start.Add(2 * time.Second)) {
		eng.Input() <- p
	}
	time.Sleep(300 * time.Millisecond)
	eng.Stop()

	all := eng.Alerts().Query(alerts.QueryFilter{})
	if len(all) != 1 {
		t.Fatalf("Expected 1 deduplicated alert, got %d", len(all))
	}
	updated, err := eng.Alerts().Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if updated.LastUpdated < created.LastUpdated {
		t.Error("LastUpdated did not advance on dedupe refresh")
	}
	if updated.ID != 1 {
		t.Errorf("Alert id changed to %d", updated.ID)
	}
}

func TestAcknowledgementLifecycle(t *testing.T) {
	cfg := testEngineConfig(t)
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("Engine build failed: %v", err)
	}
	eng.Start()

	for _, p := range synFloodPackets(1000, time.Now()) {
		eng.Input() <- p
	}
	waitForAlerts(t, eng.Alerts(), 1)

	surface := eng.Surface()
	acked, err := surface.Acknowledge(1, "alice", "under review")
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !acked.Acknowledged || acked.AckUser != "alice" {
		t.Errorf("Acknowledge record wrong: %+v", acked)
	}

	resolved, err := surface.SetStatus(1, model.StatusResolved, "firewall blocked")
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if resolved.Status != model.StatusResolved {
		t.Errorf("Status = %s", resolved.Status)
	}

	reopened, err := surface.SetStatus(1, model.StatusNew, "")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if reopened.Status != model.StatusNew || reopened.ID != 1 {
		t.Errorf("Reopen wrong: %+v", reopened)
	}

	eng.Stop()
}

func TestScoredFlowsPersisted(t *testing.T) {
	cfg := testEngineConfig(t)
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("Engine build failed: %v", err)
	}
	eng.Start()

	for _, p := range synFloodPackets(1000, time.Now()) {
		eng.Input() <- p
	}
	waitForAlerts(t, eng.Alerts(), 1)
	eng.Stop()

	// Reopen the store directly and confirm scored flows landed.
	store2, err := flowstore.OpenSQLite(cfg.Database.Directory)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store2.Close()
	recs, err := store2.Recent(1000, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("No flow records persisted")
	}
	for _, rec := range recs {
		if rec.PredictedLabel != "DDoS-SYN_Flood" {
			t.Errorf("Persisted label = %s", rec.PredictedLabel)
		}
	}
}
