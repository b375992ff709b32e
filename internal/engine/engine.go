package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"NetSentry/internal/aggregator"
	"NetSentry/internal/alerts"
	"NetSentry/internal/config"
	"NetSentry/internal/ensemble"
	"NetSentry/internal/flowstore"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"
	"NetSentry/internal/notification"
	"NetSentry/internal/query"
	"NetSentry/internal/response"
	"NetSentry/internal/stats"
	"NetSentry/internal/suppress"

	log "github.com/sirupsen/logrus"
)

// Error classes the composition root maps onto process exit codes.
var (
	ErrModelArtifact = errors.New("model artifact")
	ErrStorage       = errors.New("storage")
)

// Engine is the composition of the detection pipeline behind capture: flow
// aggregation, inference, suppression, alerting, persistence and statistics.
// Capture (live, replay or probe) is wired in by the caller, which feeds
// Input().
type Engine struct {
	cfg *config.Config

	agg        *aggregator.Aggregator
	pool       *ensemble.Pool
	suppressor *suppress.Suppressor
	baseline   *suppress.Baseline
	alerts     *alerts.Manager
	store      *flowstore.Store
	tracker    *stats.Tracker
	surface    *query.Surface

	wg sync.WaitGroup
}

// New loads the model artifacts and builds every component. Artifact or
// storage failures here are fatal; the caller maps them onto exit codes.
func New(cfg *config.Config) (*Engine, error) {
	ens, err := ensemble.Load(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelArtifact, err)
	}

	agg := aggregator.New(cfg.Aggregator)
	pool := ensemble.NewPool(ens, cfg.Models.Workers,
		time.Duration(cfg.Models.InferenceTimeout*float64(time.Second)), agg.Scored())

	var baseline *suppress.Baseline
	if cfg.Detection.AdaptiveBaseline.Enabled {
		baseline = suppress.NewBaseline(cfg.Detection.AdaptiveBaseline)
	}
	suppressor := suppress.New(cfg.Detection, cfg.WhitelistPrefixes(), baseline)

	manager, err := alerts.NewManager(cfg.Alerts)
	if err != nil {
		return nil, fmt.Errorf("%w: alert log: %v", ErrStorage, err)
	}

	var store *flowstore.Store
	if cfg.Database.Enabled {
		store, err = flowstore.Open(cfg.Database)
		if err != nil {
			manager.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		store.OnBypass(func() {
			manager.Operational("StorageDegraded",
				"flow store switched to bypass mode after repeated write failures")
		})
	}

	tracker := stats.NewTracker(cfg.Stats)

	e := &Engine{
		cfg:        cfg,
		agg:        agg,
		pool:       pool,
		suppressor: suppressor,
		baseline:   baseline,
		alerts:     manager,
		store:      store,
		tracker:    tracker,
		surface:    query.New(manager, agg, store, tracker),
	}
	e.wireSinks()
	return e, nil
}

func (e *Engine) wireSinks() {
	var notifier model.Notifier
	if e.cfg.Notifications.Email.Enabled {
		notifier = notification.NewEmailNotifier(e.cfg.Notifications.Email)
	}
	var responder model.Responder
	if e.cfg.Response.Enabled {
		if e.cfg.Response.BlockCommand != "" {
			responder = response.NewExecResponder(e.cfg.Response)
		} else {
			responder = response.LogResponder{}
		}
	}
	e.alerts.SetSinks(notifier, model.Severity(e.cfg.Notifications.Email.MinSeverity), responder)
}

// Input returns the packet channel feeding the aggregator.
func (e *Engine) Input() chan<- *model.PacketInfo {
	return e.agg.Input()
}

// Surface exposes the read-only query contract.
func (e *Engine) Surface() *query.Surface {
	return e.surface
}

// Suppressor exposes the cascade for debug-ring queries.
func (e *Engine) Suppressor() *suppress.Suppressor {
	return e.suppressor
}

// Alerts exposes the alert manager.
func (e *Engine) Alerts() *alerts.Manager {
	return e.alerts
}

// Store exposes the flow store; nil when the database is disabled.
func (e *Engine) Store() *flowstore.Store {
	return e.store
}

// Start launches every pipeline stage.
func (e *Engine) Start() {
	if e.store != nil {
		e.store.Start()
	}
	e.tracker.Start()
	e.agg.Start()
	e.pool.Start()
	e.wg.Add(1)
	go e.consume()
	log.Printf("Detection engine started (mode=%s)", e.cfg.Detection.Mode)
}

// consume drains scored flows through suppression and into the sinks.
func (e *Engine) consume() {
	defer e.wg.Done()
	for scored := range e.pool.Scored() {
		decision := e.suppressor.Evaluate(scored.Snapshot, scored.Prediction)
		if decision.Emit {
			context := fmt.Sprintf("detected by %s over %d packets",
				scored.Prediction.Method, scored.Snapshot.PacketCount)
			alert, created := e.alerts.Ingest(scored.Snapshot, scored.Prediction, context)
			if created {
				e.tracker.Record(alert)
			}
		}
		if e.store != nil {
			e.store.Add(scored.Snapshot, scored.Features, scored.Prediction, decision.Emit)
		}
	}
}

// Stop shuts the pipeline down cooperatively: the aggregator finalizes every
// flow (triggering final scoring), the pool and consumer drain, then the
// stores flush within their deadlines.
func (e *Engine) Stop() {
	log.Println("Stopping detection engine...")
	e.agg.Stop()

	deadline := time.Duration(e.cfg.Aggregator.ShutdownTimeout) * time.Second
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		metrics.ShutdownDropped.Inc()
		log.Warnf("Shutdown deadline %s exceeded, dropping in-flight work", deadline)
	}

	if e.baseline != nil {
		if err := e.baseline.Save(); err != nil {
			log.Warnf("Failed to save baseline: %v", err)
		}
	}
	if e.store != nil {
		e.store.Stop()
	}
	e.tracker.Stop()
	if err := e.alerts.Close(); err != nil {
		log.Warnf("Failed to close alert manager: %v", err)
	}
	log.Println("Detection engine stopped")
}
