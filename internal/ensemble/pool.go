package ensemble

import (
	"sync"
	"time"

	"NetSentry/internal/features"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"

	log "github.com/sirupsen/logrus"
)

// ScoredFlow pairs a snapshot with its extracted features and prediction.
// Features holds the raw (pre-scaling) vector so the flow store persists the
// values the extractor produced.
type ScoredFlow struct {
	Snapshot   *model.FlowSnapshot
	Features   []float64
	Prediction model.Prediction
}

// Pool runs inference on a fixed set of workers so capture never stalls on
// model calls. Scoring events for one flow arrive pre-serialized from the
// aggregator; cross-flow ordering is not guaranteed.
type Pool struct {
	ensemble *Ensemble
	workers  int
	timeout  time.Duration

	in  <-chan *model.FlowSnapshot
	out chan *ScoredFlow
	wg  sync.WaitGroup
}

// NewPool wires the ensemble to its input channel.
func NewPool(e *Ensemble, workers int, timeout time.Duration, in <-chan *model.FlowSnapshot) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		ensemble: e,
		workers:  workers,
		timeout:  timeout,
		in:       in,
		out:      make(chan *ScoredFlow, 1024),
	}
}

// Scored returns the output channel. Closed once the input closes and every
// worker drains.
func (p *Pool) Scored() <-chan *ScoredFlow {
	return p.out
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.out)
	}()
	log.Printf("Inference pool started with %d workers", p.workers)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for snap := range p.in {
		p.out <- p.score(snap)
	}
}

// score extracts features and runs the ensemble with a deadline. A failed or
// overdue call yields the synthetic benign prediction.
func (p *Pool) score(snap *model.FlowSnapshot) *ScoredFlow {
	vector := features.Extract(snap)

	scaled := make([]float64, len(vector))
	copy(scaled, vector)

	type result struct {
		pred model.Prediction
		err  error
	}
	done := make(chan result, 1)
	go func() {
		pred, err := p.ensemble.Predict(scaled)
		done <- result{pred, err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			metrics.InferenceErrors.Inc()
			log.Warnf("Inference failed for %s: %v", snap.Key, r.err)
			return &ScoredFlow{Snapshot: snap, Features: vector, Prediction: SyntheticBenign()}
		}
		return &ScoredFlow{Snapshot: snap, Features: vector, Prediction: r.pred}
	case <-timer.C:
		metrics.InferenceErrors.Inc()
		log.Warnf("Inference timed out for %s after %s", snap.Key, p.timeout)
		return &ScoredFlow{Snapshot: snap, Features: vector, Prediction: SyntheticBenign()}
	}
}
