package stats

import (
	"fmt"
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

// Window names accepted by Summary.
const (
	WindowHour = "hour"
	WindowDay  = "day"
	WindowWeek = "week"
	WindowAll  = "all"
)

// event is the residue of one emitted alert the rolling windows count.
type event struct {
	Time     float64        `json:"time"`
	Severity model.Severity `json:"severity"`
	Threat   string         `json:"threat"`
	SrcIP    string         `json:"src_ip"`
}

// window maintains incrementally evicted aggregates over one duration.
type window struct {
	dur        time.Duration
	head       int // index into the tracker's shared event slice
	total      int64
	bySeverity map[model.Severity]int64
	threats    *FreqCounter
	srcIPs     *FreqCounter
}

func newWindow(dur time.Duration) *window {
	return &window{
		dur:        dur,
		bySeverity: make(map[model.Severity]int64),
		threats:    NewFreqCounter(0),
		srcIPs:     NewFreqCounter(0),
	}
}

func (w *window) add(e event) {
	w.total++
	w.bySeverity[e.Severity]++
	w.threats.Inc(e.Threat)
	w.srcIPs.Inc(e.SrcIP)
}

func (w *window) remove(e event) {
	w.total--
	w.bySeverity[e.Severity]--
	if w.bySeverity[e.Severity] <= 0 {
		delete(w.bySeverity, e.Severity)
	}
	w.threats.Dec(e.Threat)
	w.srcIPs.Dec(e.SrcIP)
}

// Summary is the query result for one window.
type Summary struct {
	Window     string                   `json:"window"`
	Total      int64                    `json:"total"`
	BySeverity map[model.Severity]int64 `json:"by_severity"`
	TopThreats []Entry                  `json:"top_threats"`
	TopSources []Entry                  `json:"top_sources"`
	UptimeSecs float64                  `json:"uptime_seconds"`
}

// Tracker keeps the four rolling counters and snapshots them to disk.
type Tracker struct {
	cfg       config.StatsConfig
	startTime time.Time

	mu      sync.Mutex
	events  []event
	hour    *window
	day     *window
	week    *window
	allTime *allTimeWindow

	stop chan struct{}
	wg   sync.WaitGroup
}

// allTimeWindow never evicts; its top-K counters degrade to frequency
// counting once capacity is exceeded.
type allTimeWindow struct {
	total      int64
	bySeverity map[model.Severity]int64
	threats    *FreqCounter
	srcIPs     *FreqCounter
}

// NewTracker loads any persisted snapshot and resumes from it.
func NewTracker(cfg config.StatsConfig) *Tracker {
	t := &Tracker{
		cfg:       cfg,
		startTime: time.Now(),
		hour:      newWindow(time.Hour),
		day:       newWindow(24 * time.Hour),
		week:      newWindow(7 * 24 * time.Hour),
		allTime: &allTimeWindow{
			bySeverity: make(map[model.Severity]int64),
			threats:    NewFreqCounter(cfg.TopK),
			srcIPs:     NewFreqCounter(cfg.TopK),
		},
		stop: make(chan struct{}),
	}
	t.load()
	return t
}

// Start launches the periodic snapshot writer.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.snapshotLoop()
}

// Stop takes a final snapshot and stops the writer.
func (t *Tracker) Stop() {
	close(t.stop)
	t.wg.Wait()
	if err := t.save(); err != nil {
		log.Warnf("Failed to save statistics: %v", err)
	}
}

// Record folds one emitted alert into every window and evicts whatever has
// rolled out.
func (t *Tracker) Record(a model.Alert) {
	e := event{Time: a.Timestamp, Severity: a.Severity, Threat: a.Threat, SrcIP: a.SrcIP}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, e)
	t.hour.add(e)
	t.day.add(e)
	t.week.add(e)

	t.allTime.total++
	t.allTime.bySeverity[e.Severity]++
	t.allTime.threats.Inc(e.Threat)
	t.allTime.srcIPs.Inc(e.SrcIP)

	t.rollover(time.Now())
}

// rollover evicts events older than each window. The shared slice is
// compacted once the week window has consumed a large prefix.
func (t *Tracker) rollover(now time.Time) {
	wall := model.WallSeconds(now)
	for _, w := range []*window{t.hour, t.day, t.week} {
		cutoff := wall - w.dur.Seconds()
		for w.head < len(t.events) && t.events[w.head].Time < cutoff {
			w.remove(t.events[w.head])
			w.head++
		}
	}
	if t.week.head > 4096 {
		n := t.week.head
		t.events = append([]event(nil), t.events[n:]...)
		t.hour.head -= n
		t.day.head -= n
		t.week.head = 0
	}
}

// Summary returns the current counters for the named window.
func (t *Tracker) Summary(windowName string) (Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())

	s := Summary{
		Window:     windowName,
		BySeverity: make(map[model.Severity]int64),
		UptimeSecs: time.Since(t.startTime).Seconds(),
	}
	var w *window
	switch windowName {
	case WindowHour:
		w = t.hour
	case WindowDay:
		w = t.day
	case WindowWeek:
		w = t.week
	case WindowAll:
		s.Total = t.allTime.total
		for k, v := range t.allTime.bySeverity {
			s.BySeverity[k] = v
		}
		s.TopThreats = t.allTime.threats.Top(t.cfg.TopK)
		s.TopSources = t.allTime.srcIPs.Top(t.cfg.TopK)
		return s, nil
	default:
		return s, fmt.Errorf("unknown statistics window %q", windowName)
	}
	s.Total = w.total
	for k, v := range w.bySeverity {
		s.BySeverity[k] = v
	}
	s.TopThreats = w.threats.Top(t.cfg.TopK)
	s.TopSources = w.srcIPs.Top(t.cfg.TopK)
	return s, nil
}

func (t *Tracker) snapshotLoop() {
	defer t.wg.Done()
	period := time.Duration(t.cfg.SnapshotPeriod) * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.save(); err != nil {
				log.Warnf("Failed to save statistics: %v", err)
			}
		case <-t.stop:
			return
		}
	}
}

// snapshotFile is the persisted form: the all-time aggregates plus the raw
// events still inside the week window, from which the finite windows rebuild.
type snapshotFile struct {
	StartTime  float64                  `json:"start_time"`
	Total      int64                    `json:"total_alerts"`
	BySeverity map[model.Severity]int64 `json:"alerts_by_severity"`
	ByThreat   map[string]int64         `json:"alerts_by_type"`
	BySource   map[string]int64         `json:"alerts_by_source"`
	Events     []event                  `json:"recent_events"`
	LastSaved  float64                  `json:"last_updated"`
}

func (t *Tracker) save() error {
	t.mu.Lock()
	t.rollover(time.Now())
	snap := snapshotFile{
		StartTime:  model.WallSeconds(t.startTime),
		Total:      t.allTime.total,
		BySeverity: t.allTime.bySeverity,
		ByThreat:   t.allTime.threats.Counts(),
		BySource:   t.allTime.srcIPs.Counts(),
		Events:     t.events[t.week.head:],
		LastSaved:  model.WallSeconds(time.Now()),
	}
	data, err := json.Marshal(snap)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.cfg.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("failed to create statistics directory: %w", err)
	}
	tmp := t.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write statistics: %w", err)
	}
	return os.Rename(tmp, t.cfg.SnapshotPath)
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.cfg.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Failed to read statistics snapshot: %v", err)
		}
		return
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warnf("Failed to parse statistics snapshot, starting fresh: %v", err)
		return
	}

	t.allTime.total = snap.Total
	if snap.BySeverity != nil {
		t.allTime.bySeverity = snap.BySeverity
	}
	t.allTime.threats.Restore(snap.ByThreat)
	t.allTime.srcIPs.Restore(snap.BySource)

	// Rebuild the finite windows from the persisted events.
	for _, e := range snap.Events {
		t.events = append(t.events, e)
		t.hour.add(e)
		t.day.add(e)
		t.week.add(e)
	}
	t.rollover(time.Now())
	log.Printf("Statistics resumed: %d all-time alerts, %d recent events", snap.Total, len(snap.Events))
}
