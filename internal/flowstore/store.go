package flowstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/features"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"

	log "github.com/sirupsen/logrus"
)

// bypass thresholds: this many consecutive failures inside the window flips
// the store into bypass mode.
const (
	bypassFailures = 5
	bypassWindow   = time.Minute
)

// Store decouples flow persistence from the scoring hot path. Records enter
// through a bounded queue; a single writer goroutine commits them. Repeated
// storage failures flip the store into bypass mode, where records are
// accepted and discarded so scoring stays live.
type Store struct {
	cfg     config.DatabaseConfig
	backend Backend

	queue chan *model.FlowRecord
	stop  chan struct{}
	wg    sync.WaitGroup

	mu           sync.Mutex
	bypass       bool
	failCount    int
	firstFailure time.Time
	onBypass     func()
}

// Open builds the configured backend and starts nothing yet; call Start.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var backend Backend
	var err error
	switch cfg.Type {
	case "sqlite":
		backend, err = OpenSQLite(cfg.Directory)
	case "postgresql":
		backend, err = OpenPostgres(cfg.URL)
	case "clickhouse":
		backend, err = OpenClickHouse(cfg.URL)
	default:
		err = fmt.Errorf("unknown database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:     cfg,
		backend: backend,
		queue:   make(chan *model.FlowRecord, cfg.QueueSize),
		stop:    make(chan struct{}),
	}, nil
}

// OnBypass registers a callback fired exactly once when the store degrades
// into bypass mode. Used to raise the operational alert.
func (s *Store) OnBypass(fn func()) {
	s.mu.Lock()
	s.onBypass = fn
	s.mu.Unlock()
}

// Start launches the writer goroutine and the retention sweeper.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.writeLoop()
	if s.cfg.RetentionDays > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	log.Printf("Flow store started (%s, retention %dd)", s.cfg.Type, s.cfg.RetentionDays)
}

// Add enqueues one scored flow for persistence. Ingest filters apply here;
// a full queue drops the record rather than blocking the caller.
func (s *Store) Add(snap *model.FlowSnapshot, featureVec []float64, pred model.Prediction, emitted bool) {
	if !s.shouldSave(pred) {
		return
	}
	rec := &model.FlowRecord{
		Timestamp:      model.WallSeconds(snap.LastSeen),
		SrcIP:          snap.Key.SrcIP.String(),
		DstIP:          snap.Key.DstIP.String(),
		Protocol:       snap.Key.Protocol,
		SrcPort:        snap.Key.SrcPort,
		DstPort:        snap.Key.DstPort,
		Features:       featureVec,
		PredictedLabel: pred.Label,
		Severity:       pred.Severity,
		Confidence:     pred.Confidence,
		Method:         pred.Method,
		Emitted:        emitted,
	}
	select {
	case s.queue <- rec:
	default:
		metrics.FlowStoreDropped.Inc()
	}
}

func (s *Store) shouldSave(pred model.Prediction) bool {
	if pred.IsBenign() && !s.cfg.SaveBenignFlows {
		return false
	}
	if !pred.IsBenign() && !s.cfg.SaveAttackFlows {
		return false
	}
	return pred.Confidence >= s.cfg.MinConfidenceToSave || pred.IsBenign()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			s.write(rec)
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain commits what it can before the shutdown deadline.
func (s *Store) drain() {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-deadline:
			n := len(s.queue)
			if n > 0 {
				metrics.ShutdownDropped.Add(float64(n))
				log.Warnf("Flow store dropped %d records at shutdown deadline", n)
			}
			return
		default:
			return
		}
	}
}

func (s *Store) write(rec *model.FlowRecord) {
	s.mu.Lock()
	if s.bypass {
		s.mu.Unlock()
		metrics.FlowStoreDropped.Inc()
		return
	}
	s.mu.Unlock()

	if err := s.backend.Insert(rec); err != nil {
		metrics.FlowStoreErrors.Inc()
		log.Warnf("Flow store write failed: %v", err)
		s.noteFailure()
		return
	}
	s.noteSuccess()
}

func (s *Store) noteFailure() {
	s.mu.Lock()
	now := time.Now()
	if s.failCount == 0 || now.Sub(s.firstFailure) > bypassWindow {
		s.failCount = 1
		s.firstFailure = now
		s.mu.Unlock()
		return
	}
	s.failCount++
	trip := s.failCount >= bypassFailures && !s.bypass
	if trip {
		s.bypass = true
	}
	fn := s.onBypass
	s.mu.Unlock()

	if trip {
		log.Errorf("Flow store entering bypass mode after %d consecutive failures", bypassFailures)
		if fn != nil {
			fn()
		}
	}
}

func (s *Store) noteSuccess() {
	s.mu.Lock()
	s.failCount = 0
	s.mu.Unlock()
}

// Bypassed reports whether the store is discarding records.
func (s *Store) Bypassed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bypass
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
			n, err := s.backend.Sweep(cutoff)
			if err != nil {
				log.Warnf("Retention sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Retention sweep deleted %d flow records", n)
			}
		case <-s.stop:
			return
		}
	}
}

// Recent returns the newest persisted flows since the given time.
func (s *Store) Recent(limit int, since time.Time) ([]model.FlowRecord, error) {
	return s.backend.Recent(limit, since)
}

// ByAttack returns the newest flows predicted as the given label.
func (s *Store) ByAttack(label string, limit int) ([]model.FlowRecord, error) {
	return s.backend.ByAttack(label, limit)
}

// Statistics aggregates counts over the trailing window.
func (s *Store) Statistics(hours int) (Stats, error) {
	return s.backend.Statistics(hours)
}

// Export streams matching records as CSV with the canonical training header.
func (s *Store) Export(w io.Writer, filter ExportFilter) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "timestamp", "src_ip", "dst_ip", "protocol", "src_port", "dst_port"}
	header = append(header, features.Names[:]...)
	header = append(header, "predicted_label", "severity", "confidence", "method", "ground_truth_label", "label_verified")
	if err := cw.Write(header); err != nil {
		return err
	}

	err := s.backend.Each(filter, func(rec *model.FlowRecord) error {
		row := make([]string, 0, len(header))
		row = append(row,
			strconv.FormatInt(rec.ID, 10),
			strconv.FormatFloat(rec.Timestamp, 'f', -1, 64),
			rec.SrcIP, rec.DstIP,
			strconv.Itoa(int(rec.Protocol)),
			strconv.Itoa(int(rec.SrcPort)),
			strconv.Itoa(int(rec.DstPort)),
		)
		for _, v := range rec.Features {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		row = append(row, rec.PredictedLabel, string(rec.Severity),
			strconv.FormatFloat(rec.Confidence, 'f', -1, 64), rec.Method,
			rec.GroundTruthLabel, strconv.FormatBool(rec.LabelVerified))
		return cw.Write(row)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Stop drains the queue within the shutdown deadline and closes the backend.
func (s *Store) Stop() {
	close(s.stop)
	s.wg.Wait()
	if err := s.backend.Close(); err != nil {
		log.Warnf("Failed to close flow store backend: %v", err)
	}
}
