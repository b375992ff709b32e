package alerts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"

	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned for operations on an unknown alert id.
var ErrNotFound = errors.New("alert not found")

// QueryFilter narrows the result of Query. Zero values mean "any".
type QueryFilter struct {
	Severity     model.Severity
	Threat       string
	Status       model.AlertStatus
	Acknowledged *bool
	Limit        int
}

// Subscription is one subscriber's view of newly created alerts. Alerts
// arrive in id order; when the subscriber falls more than the buffer size
// behind, the oldest pending alerts are dropped and Degraded is set.
type Subscription struct {
	C      <-chan model.Alert
	ch     chan model.Alert
	cancel func()

	mu       sync.Mutex
	degraded bool
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Degraded reports whether this subscriber has lost alerts to overflow.
func (s *Subscription) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Subscription) markDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

type dedupeKey struct {
	key    model.FiveTuple
	threat string
}

// Manager owns the monotonic id counter, the bounded in-memory alert table
// and the subscriber fan-out. All writes are serialized through its mutex;
// queries hand out copies.
type Manager struct {
	cfg       config.AlertsConfig
	notifier  model.Notifier
	responder model.Responder
	minNotify model.Severity

	mu      sync.Mutex
	nextID  int64
	alerts  map[int64]*model.Alert
	dedupe  map[dedupeKey]int64
	journal *journal
	subs    map[*Subscription]struct{}
}

// NewManager replays the append log and resumes the id counter past the
// highest persisted alert.
func NewManager(cfg config.AlertsConfig) (*Manager, error) {
	replayed, maxID, err := replayJournal(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	j, err := openJournal(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		nextID:  maxID,
		alerts:  replayed,
		dedupe:  make(map[dedupeKey]int64),
		journal: j,
		subs:    make(map[*Subscription]struct{}),
	}
	return m, nil
}

// SetSinks attaches the optional notification and response sinks. Sinks fire
// on alert creation only, never on dedupe refresh.
func (m *Manager) SetSinks(notifier model.Notifier, minSeverity model.Severity, responder model.Responder) {
	m.mu.Lock()
	m.notifier = notifier
	m.minNotify = minSeverity
	m.responder = responder
	m.mu.Unlock()
}

// Ingest records an emitted detection. A repeat of the same (flow key,
// threat) inside the dedupe window refreshes the existing alert instead of
// creating a new one. Returns the alert copy and whether it was newly
// created.
func (m *Manager) Ingest(snap *model.FlowSnapshot, pred model.Prediction, context string) (model.Alert, bool) {
	now := time.Now()
	wall := model.WallSeconds(now)

	m.mu.Lock()

	dk := dedupeKey{key: snap.Key, threat: pred.Label}
	if id, ok := m.dedupe[dk]; ok {
		if existing, ok := m.alerts[id]; ok && wall-existing.LastUpdated <= float64(m.cfg.DedupeWindowSeconds) {
			if pred.Confidence > existing.Confidence {
				existing.Confidence = pred.Confidence
			}
			existing.LastUpdated = wall
			existing.PacketCount = int(snap.PacketCount)
			out := *existing
			m.mu.Unlock()
			return out, false
		}
	}

	m.nextID++
	a := &model.Alert{
		ID:          m.nextID,
		Timestamp:   wall,
		SrcIP:       snap.Key.SrcIP.String(),
		DstIP:       snap.Key.DstIP.String(),
		SrcPort:     snap.Key.SrcPort,
		DstPort:     snap.Key.DstPort,
		Protocol:    snap.Key.Protocol,
		Threat:      pred.Label,
		Severity:    pred.Severity,
		Confidence:  pred.Confidence,
		Context:     context,
		Status:      model.StatusNew,
		LastUpdated: wall,
		PacketCount: int(snap.PacketCount),
	}
	m.alerts[a.ID] = a
	m.dedupe[dk] = a.ID
	m.evictOverCapacity()
	m.journal.append(a)
	metrics.AlertsEmitted.Inc()

	out := *a
	m.broadcastLocked(out)
	notifier, minSev, responder := m.notifier, m.minNotify, m.responder
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"id":         out.ID,
		"threat":     out.Threat,
		"severity":   out.Severity,
		"confidence": out.Confidence,
		"flow":       snap.Key.String(),
	}).Warn("ALERT")

	m.invokeSinks(out, notifier, minSev, responder)
	return out, true
}

// invokeSinks runs outside the lock; sink failures are logged, never
// propagated.
func (m *Manager) invokeSinks(a model.Alert, notifier model.Notifier, minSev model.Severity, responder model.Responder) {
	if notifier != nil && severityRank(a.Severity) >= severityRank(minSev) {
		subject := fmt.Sprintf("NetSentry alert #%d: %s (%s)", a.ID, a.Threat, a.Severity)
		body := fmt.Sprintf("Threat: %s\nSeverity: %s\nConfidence: %.2f\nFlow: %s:%d -> %s:%d\nContext: %s\n",
			a.Threat, a.Severity, a.Confidence, a.SrcIP, a.SrcPort, a.DstIP, a.DstPort, a.Context)
		if err := notifier.Send(subject, body); err != nil {
			log.Warnf("Failed to send notification for alert %d: %v", a.ID, err)
		}
	}
	if responder != nil {
		if err := responder.React(&a); err != nil {
			log.Warnf("Response action failed for alert %d: %v", a.ID, err)
		}
	}
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityLow:
		return 0
	case model.SeverityMedium:
		return 1
	case model.SeverityHigh:
		return 2
	}
	return 0
}

// evictOverCapacity trims the table to the configured bound, removing the
// oldest non-new alerts first. Caller holds the lock.
func (m *Manager) evictOverCapacity() {
	if m.cfg.MaxInMemory <= 0 {
		return
	}
	for len(m.alerts) > m.cfg.MaxInMemory {
		victim := m.oldestLocked(false)
		if victim == 0 {
			victim = m.oldestLocked(true)
		}
		if victim == 0 {
			return
		}
		delete(m.alerts, victim)
	}
}

func (m *Manager) oldestLocked(includeNew bool) int64 {
	var victim int64
	var oldest float64
	for id, a := range m.alerts {
		if !includeNew && a.Status == model.StatusNew {
			continue
		}
		if victim == 0 || a.Timestamp < oldest {
			victim = id
			oldest = a.Timestamp
		}
	}
	return victim
}

// Operational raises a high-severity alert about the system itself, such as
// the flow store degrading into bypass mode. No flow key, no dedupe.
func (m *Manager) Operational(threat, context string) model.Alert {
	wall := model.WallSeconds(time.Now())
	m.mu.Lock()
	m.nextID++
	a := &model.Alert{
		ID:          m.nextID,
		Timestamp:   wall,
		Threat:      threat,
		Severity:    model.SeverityHigh,
		Confidence:  1,
		Context:     context,
		Status:      model.StatusNew,
		LastUpdated: wall,
	}
	m.alerts[a.ID] = a
	m.journal.append(a)
	out := *a
	m.broadcastLocked(out)
	m.mu.Unlock()
	log.WithFields(log.Fields{"id": out.ID, "threat": threat}).Error("OPERATIONAL ALERT")
	return out
}

// Acknowledge marks an alert acknowledged. Idempotent: repeating the call
// leaves the record unchanged.
func (m *Manager) Acknowledge(id int64, user, notes string) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if a.Acknowledged && a.AckUser == user {
		return *a, nil
	}
	a.Acknowledged = true
	a.AckUser = user
	ackTime := model.WallSeconds(time.Now())
	a.AckTime = &ackTime
	if notes != "" {
		a.Notes = notes
	}
	m.journal.append(a)
	return *a, nil
}

// SetStatus transitions the alert's lifecycle state. Idempotent per status.
// Leaving a terminal state is an explicit operator override and is recorded
// in the notes.
func (m *Manager) SetStatus(id int64, status model.AlertStatus, notes string) (model.Alert, error) {
	if !model.ValidStatus(status) {
		return model.Alert{}, fmt.Errorf("invalid status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if a.Status == status {
		return *a, nil
	}
	if a.Status.Terminal() {
		override := fmt.Sprintf("reopened from %s by operator", a.Status)
		if a.Notes != "" {
			a.Notes += "; "
		}
		a.Notes += override
	}
	a.Status = status
	if notes != "" {
		if a.Notes != "" {
			a.Notes += "; "
		}
		a.Notes += notes
	}
	m.journal.append(a)
	return *a, nil
}

// Get returns one alert by id.
func (m *Manager) Get(id int64) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return *a, nil
}

// Query returns matching alerts sorted newest-first.
func (m *Manager) Query(f QueryFilter) []model.Alert {
	m.mu.Lock()
	out := make([]model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Threat != "" && a.Threat != f.Threat {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
			continue
		}
		out = append(out, *a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Subscribe registers a new subscriber. Alerts created after this call are
// delivered in id order on the returned channel.
func (m *Manager) Subscribe() *Subscription {
	buf := m.cfg.SubscriberBuffer
	if buf <= 0 {
		buf = 1024
	}
	ch := make(chan model.Alert, buf)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		m.mu.Lock()
		if _, ok := m.subs[sub]; ok {
			delete(m.subs, sub)
			close(ch)
		}
		m.mu.Unlock()
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// broadcastLocked fans an alert out to every subscriber, dropping that
// subscriber's oldest pending alert on overflow. Caller holds the lock.
func (m *Manager) broadcastLocked(a model.Alert) {
	for sub := range m.subs {
		select {
		case sub.ch <- a:
		default:
			select {
			case <-sub.ch:
				metrics.SubscriberDrops.Inc()
				sub.markDegraded()
			default:
			}
			select {
			case sub.ch <- a:
			default:
			}
		}
	}
}

// Count returns the number of alerts in the table.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// Close cancels every subscription and closes the journal.
func (m *Manager) Close() error {
	m.mu.Lock()
	for sub := range m.subs {
		delete(m.subs, sub)
		close(sub.ch)
	}
	m.mu.Unlock()
	return m.journal.close()
}
