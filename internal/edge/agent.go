package edge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/trustlab/clarion/internal/features"
	"github.com/trustlab/clarion/internal/sketch"
	"github.com/trustlab/clarion/internal/telemetry"
	"github.com/trustlab/clarion/pkg/models"
)

// Agent is the single-process edge summarizer: one ingest task applying flow
// records to the sketch store, one periodic local clustering task, one
// periodic sync task. All tasks share the store (single writer, snapshot
// readers) and quiesce together when the context is cancelled.
type Agent struct {
	SwitchID string
	Store    *sketch.Store

	ClusterInterval time.Duration
	ClusterK        int
	SyncInterval    time.Duration

	syncClient *SyncClient
	metrics    *telemetry.EdgeMetrics
	flowIn     chan models.FlowRecord
	wg         sync.WaitGroup

	// localIPs maps source IPs seen on this switch to their MAC so flows
	// addressed to a local endpoint feed its inbound view. Only the updater
	// task touches it.
	localIPs map[string]string
	evicted  uint64 // last observed store eviction count
}

// AgentConfig wires an Agent; zero intervals fall back to defaults.
type AgentConfig struct {
	SwitchID        string
	StoreCapacity   int
	SketchConfig    sketch.Config
	ClusterInterval time.Duration
	ClusterK        int
	SyncInterval    time.Duration
	FlowBuffer      int
}

// NewAgent assembles the edge process.
func NewAgent(cfg AgentConfig, syncClient *SyncClient, metrics *telemetry.EdgeMetrics) *Agent {
	if cfg.ClusterInterval <= 0 {
		cfg.ClusterInterval = 5 * time.Minute
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.ClusterK <= 0 {
		cfg.ClusterK = 5
	}
	if cfg.FlowBuffer <= 0 {
		cfg.FlowBuffer = 1024
	}
	return &Agent{
		SwitchID:        cfg.SwitchID,
		Store:           sketch.NewStore(cfg.StoreCapacity, cfg.SketchConfig),
		ClusterInterval: cfg.ClusterInterval,
		ClusterK:        cfg.ClusterK,
		SyncInterval:    cfg.SyncInterval,
		syncClient:      syncClient,
		metrics:         metrics,
		flowIn:          make(chan models.FlowRecord, cfg.FlowBuffer),
		localIPs:        make(map[string]string),
	}
}

// Submit hands a decoded flow record to the updater task. Non-blocking: a
// full buffer drops the record and counts it rather than stalling the
// collector.
func (a *Agent) Submit(rec models.FlowRecord) {
	select {
	case a.flowIn <- rec:
	default:
		if a.metrics != nil {
			a.metrics.FlowsDropped.WithLabelValues("buffer_full").Inc()
		}
	}
}

// Run starts the three tasks and blocks until the context is cancelled and
// all tasks have quiesced.
func (a *Agent) Run(ctx context.Context) {
	log.Printf("[Edge] agent starting on switch %s (capacity %d)", a.SwitchID, a.Store.Capacity())

	a.wg.Add(3)
	go a.updaterLoop(ctx)
	go a.clusterLoop(ctx)
	go a.syncLoop(ctx)
	a.wg.Wait()

	log.Printf("[Edge] agent on switch %s stopped", a.SwitchID)
}

// updaterLoop applies flow records to the store in arrival order.
func (a *Agent) updaterLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.flowIn:
			a.applyFlow(rec)
		}
	}
}

// applyFlow validates and folds one record. The source endpoint gets the
// outbound view; when the destination IP belongs to an endpoint this switch
// has already seen as a source, that endpoint's inbound view updates too.
func (a *Agent) applyFlow(rec models.FlowRecord) {
	if rec.SrcMAC == "" {
		if a.metrics != nil {
			a.metrics.FlowsDropped.WithLabelValues("missing_mac").Inc()
		}
		return
	}
	if !rec.Valid() {
		if a.metrics != nil {
			a.metrics.FlowsDropped.WithLabelValues("malformed").Inc()
		}
		return
	}

	s := a.Store.GetOrCreate(rec.SrcMAC, a.SwitchID)
	s.RecordOutbound(rec.DstIP, rec.DstPort, rec.Protocol, rec.Bytes, rec.Packets, rec.Timestamp, wellKnownService(rec.Protocol, rec.DstPort))

	if rec.SrcIP != "" {
		a.localIPs[rec.SrcIP] = s.EndpointID
	}
	if mac, ok := a.localIPs[rec.DstIP]; ok && mac != s.EndpointID {
		if dst := a.Store.Get(mac); dst != nil {
			dst.RecordInbound(rec.SrcIP, rec.SrcPort, rec.DstPort, rec.Protocol, rec.Bytes, rec.Packets, rec.Timestamp)
		}
	}

	if a.metrics != nil {
		a.metrics.FlowsIngested.Inc()
		a.metrics.SketchesActive.Set(float64(a.Store.Len()))
		if evicted := a.Store.Evicted(); evicted > a.evicted {
			a.metrics.Evictions.Add(float64(evicted - a.evicted))
			a.evicted = evicted
		}
	}
}

// clusterLoop periodically re-runs the local k-means and stamps labels back
// onto the sketches.
func (a *Agent) clusterLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.ClusterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runLocalClustering(ctx)
		}
	}
}

func (a *Agent) runLocalClustering(ctx context.Context) {
	snapshot := a.Store.Snapshot()
	if len(snapshot) < 2 {
		return
	}

	X := make([][]float64, 0, len(snapshot))
	ids := make([]string, 0, len(snapshot))
	for _, s := range snapshot {
		summary := s.Summary()
		v, err := features.Extract(&summary)
		if err != nil {
			continue
		}
		X = append(X, v)
		ids = append(ids, s.EndpointID)
	}

	km := NewKMeans(a.ClusterK, 10, time.Now().UnixNano())
	result, err := km.Fit(ctx, X)
	if err != nil {
		log.Printf("[Edge] local clustering aborted: %v", err)
		return
	}

	for i, id := range ids {
		a.Store.SetLocalCluster(id, result.Labels[i])
	}
	if a.metrics != nil {
		a.metrics.ClusterRuns.Inc()
	}
	log.Printf("[Edge] local clustering: %d endpoints, k=%d, %d iterations", len(ids), a.ClusterK, result.Iters)
}

// syncLoop periodically ships a snapshot to the backend.
func (a *Agent) syncLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.syncClient == nil {
				continue
			}
			results := a.syncClient.SyncAll(ctx, a.Store.Snapshot())
			ok, failed := 0, 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				} else {
					ok++
				}
			}
			if failed > 0 {
				log.Printf("[Edge] sync cycle: %d batches ok, %d failed, %d sketches retained", ok, failed, a.syncClient.RetainedCount())
			}
		}
	}
}

// wellKnownService maps common destination ports to service names so the
// service sketches fill without a resolver on the switch.
func wellKnownService(proto string, port uint16) string {
	if proto != "tcp" && proto != "udp" {
		return ""
	}
	switch port {
	case 53:
		return "dns"
	case 80:
		return "http"
	case 88:
		return "kerberos"
	case 123:
		return "ntp"
	case 389:
		return "ldap"
	case 443:
		return "https"
	case 445:
		return "smb"
	case 636:
		return "ldaps"
	case 3389:
		return "rdp"
	case 22:
		return "ssh"
	case 25:
		return "smtp"
	case 1433:
		return "mssql"
	case 3306:
		return "mysql"
	case 5432:
		return "postgres"
	}
	return ""
}
