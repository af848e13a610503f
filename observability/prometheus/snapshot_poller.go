package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-command-pool/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// PoolSnapshotProvider provides current pool stats snapshots.
// *core.CommandPool satisfies it.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

var _ PoolSnapshotProvider = (*core.CommandPool)(nil)

// poolGauge maps one PoolStats field to a gauge named pool_<name>.
type poolGauge struct {
	name  string
	help  string
	value func(core.PoolStats) float64
}

var poolGauges = []poolGauge{
	{"queued", "Queued tasks per pool.", func(s core.PoolStats) float64 { return float64(s.Queued) }},
	{"delayed", "Tasks waiting for their delay per pool.", func(s core.PoolStats) float64 { return float64(s.Delayed) }},
	{"active", "Executing tasks per pool.", func(s core.PoolStats) float64 { return float64(s.Active) }},
	{"workers", "Worker count per pool.", func(s core.PoolStats) float64 { return float64(s.Workers) }},
	{"running", "Pool running state (1=running, 0=stopped).", func(s core.PoolStats) float64 { return boolGauge(s.Running) }},
	{"completed", "Completed task count snapshot.", func(s core.PoolStats) float64 { return float64(s.Completed) }},
	{"failed", "Failed task count snapshot.", func(s core.PoolStats) float64 { return float64(s.Failed) }},
	{"rejected", "Rejected task count snapshot.", func(s core.PoolStats) float64 { return float64(s.Rejected) }},
	{"throttle_in_use", "Held concurrency permits per pool.", func(s core.PoolStats) float64 { return float64(s.ThrottleInUse) }},
	{"resident_live", "Live resident worker processes per pool.", func(s core.PoolStats) float64 { return float64(s.ResidentLive) }},
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SnapshotPoller periodically exports pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	gauges map[string]*prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauges := make(map[string]*prom.GaugeVec, len(poolGauges))
	for _, g := range poolGauges {
		vec := prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: DefaultNamespace,
			Name:      "pool_" + g.name,
			Help:      g.help,
		}, []string{"pool", "mode"})

		registered, err := registerCollector(reg, vec)
		if err != nil {
			return nil, err
		}
		gauges[g.name] = registered
	}

	return &SnapshotPoller{
		interval: interval,
		pools:    make(map[string]PoolSnapshotProvider),
		gauges:   gauges,
	}, nil
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// RemovePool stops exporting name and drops its series.
func (p *SnapshotPoller) RemovePool(name string) {
	if p == nil {
		return
	}
	p.poolsMu.Lock()
	delete(p.pools, name)
	p.poolsMu.Unlock()

	for _, vec := range p.gauges {
		vec.DeletePartialMatch(prom.Labels{"pool": name})
	}
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce exports one snapshot of every registered pool.
func (p *SnapshotPoller) CollectOnce() {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()

	for name, provider := range p.pools {
		stats := provider.Stats()
		mode := stats.Mode.String()
		for _, g := range poolGauges {
			p.gauges[g.name].WithLabelValues(name, mode).Set(g.value(stats))
		}
	}
}
