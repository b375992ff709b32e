package aggregator

import (
	"container/list"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"

	log "github.com/sirupsen/logrus"
)

// FlowSummary is the lightweight per-flow view handed to the UI surface.
type FlowSummary struct {
	Key         model.FiveTuple `json:"-"`
	SrcIP       string          `json:"src_ip"`
	DstIP       string          `json:"dst_ip"`
	SrcPort     uint16          `json:"src_port"`
	DstPort     uint16          `json:"dst_port"`
	Protocol    uint8           `json:"protocol"`
	PacketCount uint64          `json:"packet_count"`
	ByteCount   uint64          `json:"byte_count"`
	LastSeen    float64         `json:"last_seen"`
}

// Aggregator owns the flow table. A single goroutine performs every mutation;
// snapshots for the UI are copy-on-read via a request channel, and scoring
// events leave through a bounded channel that drops when the inference side
// cannot keep up.
type Aggregator struct {
	cfg config.AggregatorConfig

	input   chan *model.PacketInfo
	scored  chan *model.FlowSnapshot
	snapReq chan chan []FlowSummary
	stop    chan struct{}
	wg      sync.WaitGroup

	flows map[model.FiveTuple]*flow
	// lru orders flows by last_seen, oldest at the front. Values are
	// *flow; elems maps each key to its element for O(1) MoveToBack.
	lru   *list.List
	elems map[model.FiveTuple]*list.Element
}

// New creates an Aggregator with an empty flow table.
func New(cfg config.AggregatorConfig) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		input:   make(chan *model.PacketInfo, 4096),
		scored:  make(chan *model.FlowSnapshot, 1024),
		snapReq: make(chan chan []FlowSummary),
		stop:    make(chan struct{}),
		flows:   make(map[model.FiveTuple]*flow),
		lru:     list.New(),
		elems:   make(map[model.FiveTuple]*list.Element),
	}
}

// Input returns the channel packets are ingested from.
func (a *Aggregator) Input() chan<- *model.PacketInfo {
	return a.input
}

// Scored returns the channel of flow snapshots due for scoring. Closed after
// Stop once every remaining flow has been finalized.
func (a *Aggregator) Scored() <-chan *model.FlowSnapshot {
	return a.scored
}

// Start launches the aggregator goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
	log.Printf("Aggregator started (idle_timeout=%ds, max_flows=%d)", a.cfg.IdleTimeout, a.cfg.MaxFlows)
}

// Stop signals the aggregator goroutine, which finalizes every remaining flow
// and closes the scoring channel. The input channel is left open.
func (a *Aggregator) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	defer close(a.scored)

	ticker := time.NewTicker(time.Duration(a.cfg.EvictionPeriod) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			a.finalizeAll()
			return
		case info, ok := <-a.input:
			if !ok {
				a.finalizeAll()
				return
			}
			a.ingest(info)
		case <-ticker.C:
			a.evictIdle(time.Now())
		case reply := <-a.snapReq:
			reply <- a.summaries()
		}
	}
}

// ingest locates or creates the flow for the packet's canonical tuple and
// folds the packet in. Crossing the scoring threshold schedules a snapshot.
func (a *Aggregator) ingest(info *model.PacketInfo) {
	f := a.lookup(info.FiveTuple)
	if f == nil {
		f = newFlow(info.FiveTuple, info.Timestamp)
		a.flows[f.key] = f
		a.elems[f.key] = a.lru.PushBack(f)
		a.evictToCapacity()
	}

	f.addPacket(info)
	a.lru.MoveToBack(a.elems[f.key])

	if f.packetCount()-f.lastScored >= uint64(a.cfg.ScoreEveryN) {
		a.submitScore(f)
	}
}

// lookup resolves a tuple against the table in either direction.
func (a *Aggregator) lookup(t model.FiveTuple) *flow {
	if f, ok := a.flows[t]; ok {
		return f
	}
	if f, ok := a.flows[t.Reverse()]; ok {
		return f
	}
	return nil
}

func (a *Aggregator) submitScore(f *flow) {
	f.lastScored = f.packetCount()
	select {
	case a.scored <- f.snapshot():
		metrics.ScoringEvents.Inc()
	default:
		metrics.ScoringDropped.Inc()
	}
}

// evictIdle removes flows idle longer than the configured timeout, scoring
// each one last time when it carries at least two packets.
func (a *Aggregator) evictIdle(now time.Time) {
	idle := time.Duration(a.cfg.IdleTimeout) * time.Second
	for e := a.lru.Front(); e != nil; {
		f := e.Value.(*flow)
		if now.Sub(f.lastSeen) <= idle {
			break
		}
		next := e.Next()
		a.remove(f, "idle")
		e = next
	}
}

// evictToCapacity trims least-recently-seen flows until the table fits.
func (a *Aggregator) evictToCapacity() {
	for len(a.flows) > a.cfg.MaxFlows {
		e := a.lru.Front()
		if e == nil {
			return
		}
		a.remove(e.Value.(*flow), "capacity")
	}
}

// remove finalizes and deletes one flow.
func (a *Aggregator) remove(f *flow, reason string) {
	if f.packetCount() >= 2 && f.packetCount() > f.lastScored {
		a.submitScore(f)
	}
	a.lru.Remove(a.elems[f.key])
	delete(a.elems, f.key)
	delete(a.flows, f.key)
	metrics.FlowsEvicted.WithLabelValues(reason).Inc()
}

// finalizeAll drains the table at shutdown, triggering final scoring.
func (a *Aggregator) finalizeAll() {
	log.Printf("Aggregator finalizing %d flows", len(a.flows))
	for e := a.lru.Front(); e != nil; {
		next := e.Next()
		a.remove(e.Value.(*flow), "shutdown")
		e = next
	}
}

// Snapshot returns a copy-on-read view of the flow table for the UI. Safe to
// call from any goroutine; returns nil after Stop.
func (a *Aggregator) Snapshot() []FlowSummary {
	reply := make(chan []FlowSummary, 1)
	select {
	case a.snapReq <- reply:
		return <-reply
	case <-a.stop:
		return nil
	}
}

func (a *Aggregator) summaries() []FlowSummary {
	out := make([]FlowSummary, 0, len(a.flows))
	for _, f := range a.flows {
		out = append(out, FlowSummary{
			Key:         f.key,
			SrcIP:       f.key.SrcIP.String(),
			DstIP:       f.key.DstIP.String(),
			SrcPort:     f.key.SrcPort,
			DstPort:     f.key.DstPort,
			Protocol:    f.key.Protocol,
			PacketCount: f.packetCount(),
			ByteCount:   f.byteCount,
			LastSeen:    model.WallSeconds(f.lastSeen),
		})
	}
	return out
}
