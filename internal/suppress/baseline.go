package suppress

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fingerprint condenses a flow into the pattern tuple the baseline learns:
// protocol, destination port, and logarithmic buckets of packet rate and mean
// packet size. Bucketing is base-2; tests must not assume exact boundaries.
func Fingerprint(s *model.FlowSnapshot) string {
	duration := math.Max(s.Duration().Seconds(), 1e-6)
	rate := float64(s.PacketCount) / duration
	var meanSize float64
	if s.PacketCount > 0 {
		meanSize = float64(s.ByteCount) / float64(s.PacketCount)
	}
	return fmt.Sprintf("%d|%d|r%d|s%d", s.Key.Protocol, s.Key.DstPort, logBucket(rate), logBucket(meanSize))
}

func logBucket(v float64) int {
	if v < 1 {
		return 0
	}
	return int(math.Log2(v)) + 1
}

// baselineState is the persisted form of the learner.
type baselineState struct {
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	LearningPeriod int               `json:"learning_period"`
	Fingerprints   map[string]uint64 `json:"fingerprints"`
}

// Baseline learns normal-traffic fingerprints during a bounded window of
// uptime and afterwards serves as an allow-list of patterns to suppress.
// Elapsed learning time survives restarts through the persisted state, so a
// capture gap never extends the window.
type Baseline struct {
	cfg  config.BaselineConfig
	path string

	mu       sync.Mutex
	counts   map[string]uint64
	elapsed  time.Duration // learning time accumulated before this process
	started  time.Time
	observed uint64
}

// NewBaseline loads any persisted state and resumes the learning window from
// the recorded elapsed time.
func NewBaseline(cfg config.BaselineConfig) *Baseline {
	b := &Baseline{
		cfg:     cfg,
		path:    cfg.PersistPath,
		counts:  make(map[string]uint64),
		started: time.Now(),
	}
	b.load()
	if b.Learning() {
		log.Printf("Adaptive baseline learning for another %s", b.remaining().Round(time.Second))
	} else {
		log.Printf("Adaptive baseline active with %d learned fingerprints", len(b.counts))
	}
	return b
}

func (b *Baseline) elapsedNow() time.Duration {
	return b.elapsed + time.Since(b.started)
}

func (b *Baseline) remaining() time.Duration {
	return time.Duration(b.cfg.LearningPeriod)*time.Second - b.elapsedNow()
}

// Learning reports whether the learning window is still open.
func (b *Baseline) Learning() bool {
	return b.cfg.Enabled && b.remaining() > 0
}

// Observe records one flow fingerprint during the learning window. After the
// window it is a no-op.
func (b *Baseline) Observe(s *model.FlowSnapshot) {
	if !b.Learning() {
		return
	}
	fp := Fingerprint(s)
	b.mu.Lock()
	b.counts[fp]++
	b.observed++
	save := b.observed%100 == 0
	b.mu.Unlock()
	if save {
		if err := b.Save(); err != nil {
			log.Warnf("Failed to save baseline: %v", err)
		}
	}
}

// Match reports whether the flow's fingerprint was seen often enough during
// learning to count as normal. Always false while still learning.
func (b *Baseline) Match(s *model.FlowSnapshot) bool {
	if !b.cfg.Enabled || b.Learning() {
		return false
	}
	fp := Fingerprint(s)
	b.mu.Lock()
	count := b.counts[fp]
	b.mu.Unlock()
	return count >= uint64(b.cfg.MinOccurrences)
}

// Save persists the fingerprint map and elapsed learning time.
func (b *Baseline) Save() error {
	b.mu.Lock()
	state := baselineState{
		ElapsedSeconds: b.elapsedNow().Seconds(),
		LearningPeriod: b.cfg.LearningPeriod,
		Fingerprints:   make(map[string]uint64, len(b.counts)),
	}
	for k, v := range b.counts {
		state.Fingerprints[k] = v
	}
	b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}
	return os.Rename(tmp, b.path)
}

func (b *Baseline) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Failed to read baseline file %s: %v", b.path, err)
		}
		return
	}
	var state baselineState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warnf("Failed to parse baseline file %s, starting fresh: %v", b.path, err)
		return
	}
	b.elapsed = time.Duration(state.ElapsedSeconds * float64(time.Second))
	if state.Fingerprints != nil {
		b.counts = state.Fingerprints
	}
}

// FingerprintCount returns the number of distinct learned fingerprints.
func (b *Baseline) FingerprintCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.counts)
}
