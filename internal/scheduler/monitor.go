package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"

	"github.com/MrWong99/scribax/pkg/fault"
)

// Defaults applied by NewMonitor and NewCPUGauge for zero config fields.
const (
	defaultSampleInterval = 30 * time.Second
	defaultCPUCacheTTL    = 5 * time.Second
	defaultHistorySize    = 120
	defaultWarnBelow      = 70.0
	defaultDiskPath       = "/"
)

// ───────────────────────── CPU gauge ─────────────────────────

// CPUGauge caches a system-wide CPU utilisation sample so that callers on
// hot paths (the adaptive queue strategy) never trigger a sampling storm.
type CPUGauge struct {
	ttl    time.Duration
	sample func() (float64, error)

	mu  sync.Mutex
	val float64
	at  time.Time
}

// NewCPUGauge creates a gauge whose reading stays fresh for ttl. A zero or
// negative ttl selects the default of 5 seconds.
func NewCPUGauge(ttl time.Duration) *CPUGauge {
	if ttl <= 0 {
		ttl = defaultCPUCacheTTL
	}
	return &CPUGauge{ttl: ttl, sample: sampleCPU}
}

// Percent returns the cached CPU utilisation, refreshing it when stale.
// Sampling failures keep the previous reading and are logged at debug.
func (g *CPUGauge) Percent() float64 {
	g.mu.Lock()
	if !g.at.IsZero() && time.Since(g.at) < g.ttl {
		v := g.val
		g.mu.Unlock()
		return v
	}
	g.mu.Unlock()

	v, err := g.sample()
	if err != nil {
		slog.Debug("cpu sample failed", "error", err)
		g.mu.Lock()
		v = g.val
		g.mu.Unlock()
		return v
	}

	g.mu.Lock()
	g.val, g.at = v, time.Now()
	g.mu.Unlock()
	return v
}

// sampleCPU reads the instantaneous system-wide CPU utilisation. Interval
// zero makes gopsutil compare against its previous call instead of
// sleeping.
func sampleCPU() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fault.New(fault.Internal, "scheduler", "cpu sampler returned no values")
	}
	return pcts[0], nil
}

// ───────────────────────── System probe ─────────────────────────

// systemProbe abstracts the host metric sources so tests can substitute
// fixed readings.
type systemProbe interface {
	memoryPercent(ctx context.Context) (float64, error)
	diskPercent(ctx context.Context) (float64, error)
	netCounters(ctx context.Context) (sent, recv uint64, err error)
}

// gopsutilProbe reads host metrics through gopsutil.
type gopsutilProbe struct {
	diskPath string
}

var _ systemProbe = gopsutilProbe{}

func (p gopsutilProbe) memoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (p gopsutilProbe) diskPercent(ctx context.Context) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

func (p gopsutilProbe) netCounters(ctx context.Context) (uint64, uint64, error) {
	counters, err := gnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, nil
	}
	return counters[0].BytesSent, counters[0].BytesRecv, nil
}

// ───────────────────────── Monitor ─────────────────────────

// SystemMetrics is one monitor sample: host readings plus the scheduler's
// own queue state at that instant.
type SystemMetrics struct {
	// Timestamp is when the sample was taken.
	Timestamp time.Time

	// CPUPercent is the cached system-wide CPU utilisation.
	CPUPercent float64

	// MemoryPercent is the used fraction of physical memory.
	MemoryPercent float64

	// DiskPercent is the used fraction of the monitored filesystem.
	DiskPercent float64

	// NetBytesSent and NetBytesRecv are cumulative interface counters.
	NetBytesSent uint64
	NetBytesRecv uint64

	// QueueDepths maps each priority to its queue length.
	QueueDepths map[Priority]int

	// ActiveTasks counts tasks handed out and not yet resolved.
	ActiveTasks int

	// AgentLoads is the load-balancer utilisation table.
	AgentLoads map[string]int

	// HealthScore is the 0–100 composite computed from CPU, memory,
	// response time, and failure rate.
	HealthScore float64

	// Custom holds the outputs of registered collectors, keyed by name.
	Custom map[string]any
}

// Collector produces one custom metric value per sample. Collectors take no
// arguments; anything they need must be captured at registration.
type Collector func() any

// MonitorConfig holds monitor settings.
type MonitorConfig struct {
	// Interval is the sampling period. Defaults to 30 seconds.
	Interval time.Duration

	// HistorySize bounds the retained sample ring. Defaults to 120.
	HistorySize int

	// WarnBelow is the health score under which each sample logs a
	// warning. Defaults to 70.
	WarnBelow float64

	// DiskPath is the filesystem whose usage is sampled. Defaults to "/".
	DiskPath string

	// Gauge supplies CPU readings. When nil, the monitor creates its own
	// gauge with the default TTL. Share one gauge between the monitor and
	// an adaptive [Scheduler] so both see the same cached value.
	Gauge *CPUGauge
}

// Validate checks the configuration for contradictions.
func (c MonitorConfig) Validate() error {
	if c.Interval < 0 {
		return fault.New(fault.Validation, "scheduler", "Interval must not be negative, got %v", c.Interval)
	}
	if c.HistorySize < 0 {
		return fault.New(fault.Validation, "scheduler", "HistorySize must not be negative, got %d", c.HistorySize)
	}
	if c.WarnBelow < 0 || c.WarnBelow > 100 {
		return fault.New(fault.Validation, "scheduler", "WarnBelow must be between 0 and 100, got %v", c.WarnBelow)
	}
	return nil
}

// Monitor periodically samples host and scheduler metrics, keeps a bounded
// history, and logs a warning whenever the health score drops below the
// configured floor.
//
// The zero value is not usable; create instances with [NewMonitor]. Call
// [Monitor.Start] to run the sampling loop.
type Monitor struct {
	cfg   MonitorConfig
	sched *Scheduler
	gauge *CPUGauge
	probe systemProbe

	mu         sync.Mutex
	collectors map[string]Collector
	history    []SystemMetrics
	next       int
	count      int

	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a Monitor watching sched.
func NewMonitor(sched *Scheduler, cfg MonitorConfig) (*Monitor, error) {
	if sched == nil {
		return nil, fault.New(fault.Validation, "scheduler", "monitor requires a scheduler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultSampleInterval
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.WarnBelow == 0 {
		cfg.WarnBelow = defaultWarnBelow
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = defaultDiskPath
	}
	gauge := cfg.Gauge
	if gauge == nil {
		gauge = NewCPUGauge(0)
	}
	return &Monitor{
		cfg:        cfg,
		sched:      sched,
		gauge:      gauge,
		probe:      gopsutilProbe{diskPath: cfg.DiskPath},
		collectors: make(map[string]Collector),
		history:    make([]SystemMetrics, cfg.HistorySize),
		done:       make(chan struct{}),
	}, nil
}

// RegisterCollector adds a named custom collector evaluated on every
// sample. Registration fails for empty names, nil funcs, and duplicates.
func (m *Monitor) RegisterCollector(name string, fn Collector) error {
	if name == "" {
		return fault.New(fault.Validation, "scheduler", "collector name must not be empty")
	}
	if fn == nil {
		return fault.New(fault.Validation, "scheduler", "collector %q must not be nil", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collectors[name]; ok {
		return fault.New(fault.Validation, "scheduler", "collector %q is already registered", name)
	}
	m.collectors[name] = fn
	return nil
}

// Start begins the sampling loop in a background goroutine. The loop runs
// until [Monitor.Stop] is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.sampleLoop(ctx)
}

// Stop shuts the sampling loop down. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// sampleLoop takes one sample per interval until stopped.
func (m *Monitor) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.collect(ctx)
		}
	}
}

// collect takes one sample, records it, and warns on a degraded score.
// Probe failures leave the affected fields at their zero value; the sample
// is recorded regardless so queue metrics stay observable.
func (m *Monitor) collect(ctx context.Context) {
	sample, err := m.Sample(ctx)
	if err != nil {
		slog.Warn("metrics sample incomplete", "error", err)
	}
	m.record(sample)

	if sample.HealthScore < m.cfg.WarnBelow {
		slog.Warn("system health degraded",
			"score", sample.HealthScore,
			"cpu_percent", sample.CPUPercent,
			"memory_percent", sample.MemoryPercent,
			"active_tasks", sample.ActiveTasks,
		)
	}
}

// Sample takes one metrics sample without recording it. The returned error
// joins any probe failures; the sample is still populated with whatever
// could be read.
func (m *Monitor) Sample(ctx context.Context) (SystemMetrics, error) {
	sample := SystemMetrics{
		Timestamp:  time.Now(),
		CPUPercent: m.gauge.Percent(),
	}

	var errs []error
	var err error
	if sample.MemoryPercent, err = m.probe.memoryPercent(ctx); err != nil {
		errs = append(errs, fault.Wrap(fault.Transient, "scheduler", "memory sample failed", err))
	}
	if sample.DiskPercent, err = m.probe.diskPercent(ctx); err != nil {
		errs = append(errs, fault.Wrap(fault.Transient, "scheduler", "disk sample failed", err))
	}
	if sample.NetBytesSent, sample.NetBytesRecv, err = m.probe.netCounters(ctx); err != nil {
		errs = append(errs, fault.Wrap(fault.Transient, "scheduler", "network sample failed", err))
	}

	stats := m.sched.Stats()
	sample.QueueDepths = stats.QueueDepths
	sample.ActiveTasks = stats.Active
	sample.AgentLoads = stats.AgentLoads
	sample.HealthScore = healthScore(sample.CPUPercent, sample.MemoryPercent, stats.AvgResponse, stats.FailureRate)
	sample.Custom = m.runCollectors()

	return sample, errors.Join(errs...)
}

// runCollectors evaluates every registered collector. A panicking collector
// is logged and skipped; it stays registered.
func (m *Monitor) runCollectors() map[string]any {
	m.mu.Lock()
	collectors := make(map[string]Collector, len(m.collectors))
	for name, fn := range m.collectors {
		collectors[name] = fn
	}
	m.mu.Unlock()

	if len(collectors) == 0 {
		return nil
	}
	out := make(map[string]any, len(collectors))
	for name, fn := range collectors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("custom collector panicked", "collector", name, "panic", r)
				}
			}()
			out[name] = fn()
		}()
	}
	return out
}

// record appends a sample to the history ring.
func (m *Monitor) record(sample SystemMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[m.next] = sample
	m.next = (m.next + 1) % len(m.history)
	if m.count < len(m.history) {
		m.count++
	}
}

// Latest returns the most recent recorded sample. The second return is
// false before the first sample.
func (m *Monitor) Latest() (SystemMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return SystemMetrics{}, false
	}
	idx := m.next - 1
	if idx < 0 {
		idx += len(m.history)
	}
	return m.history[idx], true
}

// History returns retained samples oldest-first, capped at limit when
// limit > 0.
func (m *Monitor) History(limit int) []SystemMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SystemMetrics, 0, m.count)
	start := m.next - m.count
	if start < 0 {
		start += len(m.history)
	}
	for i := 0; i < m.count; i++ {
		out = append(out, m.history[(start+i)%len(m.history)])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ───────────────────────── Health score ─────────────────────────

// healthScore composes a 0–100 score from resource pressure and queue
// behaviour. Each input deducts from 100 in bands; the floor is 0.
func healthScore(cpuPct, memPct float64, avgResponse time.Duration, failureRate float64) float64 {
	score := 100.0

	switch {
	case cpuPct >= 90:
		score -= 30
	case cpuPct >= 75:
		score -= 20
	case cpuPct >= 60:
		score -= 10
	}

	switch {
	case memPct >= 90:
		score -= 30
	case memPct >= 75:
		score -= 20
	case memPct >= 60:
		score -= 10
	}

	switch {
	case avgResponse >= 5*time.Second:
		score -= 20
	case avgResponse >= 2*time.Second:
		score -= 10
	case avgResponse >= time.Second:
		score -= 5
	}

	switch {
	case failureRate >= 0.5:
		score -= 30
	case failureRate >= 0.2:
		score -= 15
	case failureRate >= 0.05:
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	return score
}
