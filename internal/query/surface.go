package query

import (
	"errors"
	"fmt"
	"time"

	"NetSentry/internal/aggregator"
	"NetSentry/internal/alerts"
	"NetSentry/internal/flowstore"
	"NetSentry/internal/model"
	"NetSentry/internal/stats"
)

// ErrorKind tags every error the query surface returns; transports map the
// tags onto their own status codes without inspecting internals.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindInvalidInput ErrorKind = "invalid_input"
	KindUnavailable  ErrorKind = "unavailable"
)

// Error is the tagged error type of the surface.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func notFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func invalidInput(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

func unavailable(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// Surface is the read-mostly contract external transports consume. It never
// exposes component internals or stack traces.
type Surface struct {
	alerts  *alerts.Manager
	agg     *aggregator.Aggregator
	store   *flowstore.Store
	tracker *stats.Tracker
}

// New wires the surface over its collaborators. store may be nil when the
// database is disabled.
func New(am *alerts.Manager, agg *aggregator.Aggregator, store *flowstore.Store, tracker *stats.Tracker) *Surface {
	return &Surface{alerts: am, agg: agg, store: store, tracker: tracker}
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Surface) ListAlerts(f alerts.QueryFilter) []model.Alert {
	return s.alerts.Query(f)
}

// Alert returns one alert by id.
func (s *Surface) Alert(id int64) (model.Alert, error) {
	a, err := s.alerts.Get(id)
	if err != nil {
		return model.Alert{}, notFound("alert %d", id)
	}
	return a, nil
}

// Acknowledge marks an alert acknowledged on behalf of a user.
func (s *Surface) Acknowledge(id int64, user, notes string) (model.Alert, error) {
	if user == "" {
		return model.Alert{}, invalidInput("user is required")
	}
	a, err := s.alerts.Acknowledge(id, user, notes)
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			return model.Alert{}, notFound("alert %d", id)
		}
		return model.Alert{}, unavailable("acknowledge failed")
	}
	return a, nil
}

// SetStatus transitions an alert's lifecycle state.
func (s *Surface) SetStatus(id int64, status model.AlertStatus, notes string) (model.Alert, error) {
	if !model.ValidStatus(status) {
		return model.Alert{}, invalidInput("unknown status %q", status)
	}
	a, err := s.alerts.SetStatus(id, status, notes)
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			return model.Alert{}, notFound("alert %d", id)
		}
		return model.Alert{}, unavailable("set_status failed")
	}
	return a, nil
}

// ListFlows returns the current aggregator snapshot, capped at limit.
func (s *Surface) ListFlows(limit int) []aggregator.FlowSummary {
	flows := s.agg.Snapshot()
	if limit > 0 && len(flows) > limit {
		flows = flows[:limit]
	}
	return flows
}

// RecentFlows queries the flow store.
func (s *Surface) RecentFlows(limit int, since time.Time) ([]model.FlowRecord, error) {
	if s.store == nil {
		return nil, unavailable("flow store disabled")
	}
	if s.store.Bypassed() {
		return nil, unavailable("flow store in bypass mode")
	}
	recs, err := s.store.Recent(limit, since)
	if err != nil {
		return nil, unavailable("flow store query failed")
	}
	return recs, nil
}

// Statistics returns the tracker summary for a window name.
func (s *Surface) Statistics(window string) (stats.Summary, error) {
	sum, err := s.tracker.Summary(window)
	if err != nil {
		return stats.Summary{}, invalidInput("unknown window %q", window)
	}
	return sum, nil
}

// SubscribeAlerts yields newly created alerts from this point forward.
func (s *Surface) SubscribeAlerts() *alerts.Subscription {
	return s.alerts.Subscribe()
}

// FlowStream pushes a flow-table snapshot on every tick until stop is
// closed. The default period is one second.
func (s *Surface) FlowStream(period time.Duration, stop <-chan struct{}) <-chan []aggregator.FlowSummary {
	if period <= 0 {
		period = time.Second
	}
	out := make(chan []aggregator.FlowSummary, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case out <- s.agg.Snapshot():
				default:
				}
			}
		}
	}()
	return out
}
