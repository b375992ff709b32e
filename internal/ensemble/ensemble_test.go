package ensemble

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"NetSentry/internal/config"
	"NetSentry/internal/features"
	"NetSentry/internal/model"
)

// labels is the full 34-class alphabet in canonical order.
var labels = []string{
	"BenignTraffic", "DDoS-ACK_Fragmentation", "DDoS-HTTP_Flood", "DDoS-ICMP_Flood",
	"DDoS-ICMP_Fragmentation", "DDoS-PSHACK_Flood", "DDoS-RSTFINFlood", "DDoS-SYN_Flood",
	"DDoS-SlowLoris", "DDoS-SynonymousIP_Flood", "DDoS-TCP_Flood", "DDoS-UDP_Flood",
	"DDoS-UDP_Fragmentation", "DoS-HTTP_Flood", "DoS-SYN_Flood", "DoS-TCP_Flood",
	"DoS-UDP_Flood", "Recon-HostDiscovery", "Recon-OSScan", "Recon-PingSweep",
	"Recon-PortScan", "Mirai-greeth_flood", "Mirai-greip_flood", "Mirai-udpplain",
	"SqlInjection", "XSS", "CommandInjection", "MITM-ArpSpoofing", "DNS_Spoofing",
	"DictionaryBruteForce", "Backdoor_Malware", "BrowserHijacking", "VulnerabilityScan",
	"Uploading_Attack",
}

const synFloodIdx = 7 // DDoS-SYN_Flood

// writeArtifacts builds a minimal but structurally real artifact set: an
// identity scaler, a one-leaf tree carrying a fixed distribution and a
// single-layer network whose bias logits dominate.
func writeArtifacts(t *testing.T, treeDist []float64, nnLogits []float64) config.ModelsConfig {
	t.Helper()
	dir := t.TempDir()

	mapping := make(map[string]int, len(labels))
	for i, l := range labels {
		mapping[l] = i
	}
	writeJSON(t, filepath.Join(dir, "class_mapping.json"), mapping)

	scaler := Scaler{
		Mean:  make([]float64, features.VectorSize),
		Scale: make([]float64, features.VectorSize),
	}
	for i := range scaler.Scale {
		scaler.Scale[i] = 1
	}
	writeJSON(t, filepath.Join(dir, "scaler.json"), scaler)

	tree := TreeModel{
		NumClasses: len(labels),
		Trees: []Tree{{
			Feature:   []int{0},
			Threshold: []float64{0},
			Left:      []int{-1},
			Right:     []int{-1},
			Value:     [][]float64{treeDist},
		}},
	}
	writeJSON(t, filepath.Join(dir, "tree_model.json"), tree)

	weights := make([][]float64, features.VectorSize)
	for i := range weights {
		weights[i] = make([]float64, len(labels))
	}
	nn := NeuralModel{Layers: []DenseLayer{{
		Weights:    weights,
		Bias:       nnLogits,
		Activation: "softmax",
	}}}
	writeJSON(t, filepath.Join(dir, "neural_model.json"), nn)

	return config.ModelsConfig{
		MLPath:           filepath.Join(dir, "tree_model.json"),
		DLPath:           filepath.Join(dir, "neural_model.json"),
		ScalerPath:       filepath.Join(dir, "scaler.json"),
		ClassMappingPath: filepath.Join(dir, "class_mapping.json"),
		OptimalThreshold: 0.55,
		MLWeight:         0.6,
		DLWeight:         0.4,
	}
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func dist(idx int, p float64) []float64 {
	d := make([]float64, len(labels))
	rest := (1 - p) / float64(len(labels)-1)
	for i := range d {
		d[i] = rest
	}
	d[idx] = p
	return d
}

func logits(idx int, strength float64) []float64 {
	l := make([]float64, len(labels))
	l[idx] = strength
	return l
}

func TestEnsembleConsensus(t *testing.T) {
	// Both models agree on DDoS-SYN_Flood with high confidence.
	cfg := writeArtifacts(t, dist(synFloodIdx, 0.95), logits(synFloodIdx, 20))
	e, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	pred, err := e.Predict(make([]float64, features.VectorSize))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if pred.Label != "DDoS-SYN_Flood" {
		t.Errorf("Label = %s, want DDoS-SYN_Flood", pred.Label)
	}
	if pred.Method != MethodConsensus {
		t.Errorf("Method = %s, want %s", pred.Method, MethodConsensus)
	}
	if pred.Severity != model.SeverityMedium {
		t.Errorf("Severity = %s, want medium", pred.Severity)
	}
	// 0.6*0.95 + 0.4*~1.0 ~= 0.97, boosted by 1.05.
	if pred.Confidence < 0.95 || pred.Confidence > 1 {
		t.Errorf("Confidence = %v, want boosted into [0.95, 1]", pred.Confidence)
	}
}

func TestEnsembleBenignFallback(t *testing.T) {
	// Spread distributions: the combined max stays under the threshold.
	uniform := make([]float64, len(labels))
	for i := range uniform {
		uniform[i] = 1.0 / float64(len(labels))
	}
	cfg := writeArtifacts(t, uniform, make([]float64, len(labels)))
	e, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	pred, err := e.Predict(make([]float64, features.VectorSize))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if pred.Label != model.BenignLabel {
		t.Errorf("Label = %s, want benign fallback below threshold", pred.Label)
	}
	if pred.Severity != model.SeverityLow {
		t.Errorf("Severity = %s, want low", pred.Severity)
	}
}

func TestEnsembleWeightedDisagreement(t *testing.T) {
	// Tree says SYN flood strongly; network says benign. The weighted
	// combination keeps the tree's class but without the consensus boost.
	cfg := writeArtifacts(t, dist(synFloodIdx, 0.99), logits(0, 20))
	e, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	pred, err := e.Predict(make([]float64, features.VectorSize))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if pred.Label != "DDoS-SYN_Flood" {
		t.Fatalf("Label = %s, want DDoS-SYN_Flood", pred.Label)
	}
	if pred.Method != MethodWeighted {
		t.Errorf("Method = %s, want %s", pred.Method, MethodWeighted)
	}
	// 0.6 * 0.99 with no meaningful NN contribution.
	if math.Abs(pred.Confidence-0.594) > 0.01 {
		t.Errorf("Confidence = %v, want ~0.594", pred.Confidence)
	}
}

func TestEnsembleConfidenceBounds(t *testing.T) {
	cfg := writeArtifacts(t, dist(synFloodIdx, 1.0), logits(synFloodIdx, 50))
	e, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	pred, err := e.Predict(make([]float64, features.VectorSize))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if pred.Confidence < 0 || pred.Confidence > 1 {
		t.Fatalf("Confidence %v out of [0,1] after consensus boost", pred.Confidence)
	}
}

func TestEnsembleScrubsNonFiniteInput(t *testing.T) {
	cfg := writeArtifacts(t, dist(synFloodIdx, 0.95), logits(synFloodIdx, 20))
	e, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	v := make([]float64, features.VectorSize)
	v[0] = math.NaN()
	v[1] = math.Inf(1)
	pred, err := e.Predict(v)
	if err != nil {
		t.Fatalf("Predict failed on non-finite input: %v", err)
	}
	if math.IsNaN(pred.Confidence) {
		t.Fatal("Confidence is NaN")
	}
}

func TestLoadRejectsDimensionMismatch(t *testing.T) {
	cfg := writeArtifacts(t, dist(synFloodIdx, 0.95), logits(synFloodIdx, 20))

	// Corrupt the scaler to the wrong width.
	bad := Scaler{Mean: []float64{0}, Scale: []float64{1}}
	writeJSON(t, cfg.ScalerPath, bad)

	if _, err := Load(cfg); err == nil {
		t.Fatal("Load accepted a scaler with wrong dimensionality")
	}
}

func TestLoadRejectsMissingArtifact(t *testing.T) {
	cfg := writeArtifacts(t, dist(synFloodIdx, 0.95), logits(synFloodIdx, 20))
	os.Remove(cfg.MLPath)
	if _, err := Load(cfg); err == nil {
		t.Fatal("Load accepted a missing tree model")
	}
}

func TestSyntheticBenign(t *testing.T) {
	pred := SyntheticBenign()
	if pred.Label != model.BenignLabel || pred.Confidence != 0 {
		t.Fatalf("Synthetic prediction wrong: %+v", pred)
	}
}
