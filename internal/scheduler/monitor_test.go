package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
)

// stubProbe returns fixed host readings, optionally failing per subsystem.
type stubProbe struct {
	mem, disk  float64
	sent, recv uint64

	memErr  error
	diskErr error
	netErr  error
}

var _ systemProbe = stubProbe{}

func (p stubProbe) memoryPercent(context.Context) (float64, error) { return p.mem, p.memErr }
func (p stubProbe) diskPercent(context.Context) (float64, error)   { return p.disk, p.diskErr }
func (p stubProbe) netCounters(context.Context) (uint64, uint64, error) {
	return p.sent, p.recv, p.netErr
}

// newTestMonitor builds a monitor over a fresh scheduler with deterministic
// host readings.
func newTestMonitor(t *testing.T, probe stubProbe, cpu float64) (*Monitor, *Scheduler) {
	t.Helper()
	sched := newScheduler(t, Config{})
	m, err := NewMonitor(sched, MonitorConfig{Interval: time.Minute})
	must(t, err)
	m.probe = probe
	m.gauge.sample = func() (float64, error) { return cpu, nil }
	return m, sched
}

// ───────────────────────── Construction ─────────────────────────

// TestMonitorConfigValidate exercises the monitor configuration rules.
func TestMonitorConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     MonitorConfig
		wantErr bool
	}{
		{"zero config", MonitorConfig{}, false},
		{"negative interval", MonitorConfig{Interval: -time.Second}, true},
		{"negative history", MonitorConfig{HistorySize: -1}, true},
		{"warn floor above 100", MonitorConfig{WarnBelow: 120}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr && !fault.IsValidation(err) {
				t.Fatalf("expected a validation fault, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestNewMonitorRequiresScheduler verifies the nil-scheduler rejection.
func TestNewMonitorRequiresScheduler(t *testing.T) {
	t.Parallel()

	_, err := NewMonitor(nil, MonitorConfig{})
	if !fault.IsValidation(err) {
		t.Fatalf("expected a validation fault, got %v", err)
	}
}

// TestRegisterCollectorValidation exercises the custom-collector
// registration rules.
func TestRegisterCollectorValidation(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, stubProbe{}, 0)

	if err := m.RegisterCollector("", func() any { return nil }); !fault.IsValidation(err) {
		t.Errorf("empty name: expected a validation fault, got %v", err)
	}
	if err := m.RegisterCollector("depth", nil); !fault.IsValidation(err) {
		t.Errorf("nil func: expected a validation fault, got %v", err)
	}
	must(t, m.RegisterCollector("depth", func() any { return 0 }))
	if err := m.RegisterCollector("depth", func() any { return 0 }); !fault.IsValidation(err) {
		t.Errorf("duplicate name: expected a validation fault, got %v", err)
	}
}

// ───────────────────────── Sampling ─────────────────────────

// TestSampleReadsProbe verifies that one sample carries host readings,
// scheduler state, and the composite health score.
func TestSampleReadsProbe(t *testing.T) {
	t.Parallel()

	probe := stubProbe{mem: 61.5, disk: 72.25, sent: 4096, recv: 8192}
	m, sched := newTestMonitor(t, probe, 42.5)

	_, err := sched.Enqueue(Task{Kind: "running", Priority: PriorityLow})
	must(t, err)
	_, err = sched.Enqueue(Task{Kind: "queued", Priority: PriorityHigh})
	must(t, err)
	_, _ = sched.Dequeue()

	sample, err := m.Sample(context.Background())
	must(t, err)

	if sample.CPUPercent != 42.5 {
		t.Errorf("CPUPercent = %v, want 42.5", sample.CPUPercent)
	}
	if sample.MemoryPercent != 61.5 {
		t.Errorf("MemoryPercent = %v, want 61.5", sample.MemoryPercent)
	}
	if sample.DiskPercent != 72.25 {
		t.Errorf("DiskPercent = %v, want 72.25", sample.DiskPercent)
	}
	if sample.NetBytesSent != 4096 || sample.NetBytesRecv != 8192 {
		t.Errorf("net counters = %d/%d, want 4096/8192", sample.NetBytesSent, sample.NetBytesRecv)
	}
	if sample.QueueDepths[PriorityHigh] != 1 {
		t.Errorf("QueueDepths[HIGH] = %d, want 1", sample.QueueDepths[PriorityHigh])
	}
	if sample.ActiveTasks != 1 {
		t.Errorf("ActiveTasks = %d, want 1", sample.ActiveTasks)
	}
	// Memory in the 60–75 band deducts 10 from an otherwise clean score.
	if sample.HealthScore != 90 {
		t.Errorf("HealthScore = %v, want 90", sample.HealthScore)
	}
	if sample.Timestamp.IsZero() {
		t.Error("sample has no timestamp")
	}
}

// TestSampleProbeFailure verifies that a failing subsystem leaves its field
// zero, surfaces in the joined error, and does not block the rest of the
// sample.
func TestSampleProbeFailure(t *testing.T) {
	t.Parallel()

	probe := stubProbe{disk: 30, memErr: errors.New("proc unavailable")}
	m, sched := newTestMonitor(t, probe, 10)

	_, err := sched.Enqueue(Task{Kind: "queued", Priority: PriorityNormal})
	must(t, err)

	sample, err := m.Sample(context.Background())
	if err == nil {
		t.Fatal("expected an error from the failing memory probe")
	}
	assertContains(t, err.Error(), "memory sample failed")

	if sample.MemoryPercent != 0 {
		t.Errorf("MemoryPercent = %v, want 0 on probe failure", sample.MemoryPercent)
	}
	if sample.DiskPercent != 30 {
		t.Errorf("DiskPercent = %v, want 30 despite the memory failure", sample.DiskPercent)
	}
	if sample.QueueDepths[PriorityNormal] != 1 {
		t.Error("queue depths missing from a partially failed sample")
	}
}

// TestCustomCollectors verifies that collector outputs land in the sample
// and that a panicking collector is skipped without poisoning the rest.
func TestCustomCollectors(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, stubProbe{}, 0)
	must(t, m.RegisterCollector("open_sessions", func() any { return 7 }))
	must(t, m.RegisterCollector("haunted", func() any { panic("scripted panic") }))

	sample, err := m.Sample(context.Background())
	must(t, err)

	if got := sample.Custom["open_sessions"]; got != 7 {
		t.Errorf("Custom[open_sessions] = %v, want 7", got)
	}
	if _, ok := sample.Custom["haunted"]; ok {
		t.Error("panicking collector produced a value")
	}

	// The panicking collector stays registered and is retried next sample.
	sample, err = m.Sample(context.Background())
	must(t, err)
	if got := sample.Custom["open_sessions"]; got != 7 {
		t.Errorf("second sample Custom[open_sessions] = %v, want 7", got)
	}
}

// ───────────────────────── CPU gauge ─────────────────────────

// TestCPUGaugeCaches verifies that readings within the TTL reuse the cached
// sample.
func TestCPUGaugeCaches(t *testing.T) {
	t.Parallel()

	g := NewCPUGauge(time.Hour)
	calls := 0
	g.sample = func() (float64, error) {
		calls++
		return 55, nil
	}

	if got := g.Percent(); got != 55 {
		t.Fatalf("first Percent() = %v, want 55", got)
	}
	if got := g.Percent(); got != 55 {
		t.Fatalf("second Percent() = %v, want 55", got)
	}
	if calls != 1 {
		t.Fatalf("sample calls = %d, want 1 within the TTL", calls)
	}
}

// TestCPUGaugeRefreshesAfterTTL verifies re-sampling once the cached value
// goes stale.
func TestCPUGaugeRefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	g := NewCPUGauge(time.Nanosecond)
	readings := []float64{10, 20}
	calls := 0
	g.sample = func() (float64, error) {
		v := readings[calls]
		calls++
		return v, nil
	}

	if got := g.Percent(); got != 10 {
		t.Fatalf("first Percent() = %v, want 10", got)
	}
	time.Sleep(time.Millisecond)
	if got := g.Percent(); got != 20 {
		t.Fatalf("stale Percent() = %v, want 20", got)
	}
	if calls != 2 {
		t.Fatalf("sample calls = %d, want 2 after expiry", calls)
	}
}

// TestCPUGaugeKeepsStaleOnError verifies that sampling failures fall back
// to the previous reading.
func TestCPUGaugeKeepsStaleOnError(t *testing.T) {
	t.Parallel()

	g := NewCPUGauge(time.Nanosecond)
	calls := 0
	g.sample = func() (float64, error) {
		calls++
		if calls == 1 {
			return 33, nil
		}
		return 0, errors.New("sampler broke")
	}

	if got := g.Percent(); got != 33 {
		t.Fatalf("first Percent() = %v, want 33", got)
	}
	time.Sleep(time.Millisecond)
	if got := g.Percent(); got != 33 {
		t.Fatalf("Percent() after failure = %v, want stale 33", got)
	}
}

// ───────────────────────── Health score ─────────────────────────

// TestHealthScore exercises the deduction bands.
func TestHealthScore(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		cpu, mem float64
		resp     time.Duration
		failRate float64
		want     float64
	}{
		{"idle system", 0, 0, 0, 0, 100},
		{"hot cpu", 95, 10, 0, 0, 70},
		{"warm cpu and memory", 65, 80, 0, 0, 70},
		{"slow responses", 10, 10, 1500 * time.Millisecond, 0, 95},
		{"very slow responses", 10, 10, 6 * time.Second, 0, 80},
		{"failing queue", 10, 10, 0, 0.25, 85},
		{"everything on fire", 95, 95, 6 * time.Second, 0.6, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := healthScore(tc.cpu, tc.mem, tc.resp, tc.failRate); got != tc.want {
				t.Errorf("healthScore(%v, %v, %v, %v) = %v, want %v",
					tc.cpu, tc.mem, tc.resp, tc.failRate, got, tc.want)
			}
		})
	}
}

// ───────────────────────── History ─────────────────────────

// TestHistoryRing verifies oldest-first ordering, capacity eviction, and
// the limit cap.
func TestHistoryRing(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, Config{})
	m, err := NewMonitor(sched, MonitorConfig{HistorySize: 3})
	must(t, err)

	for i := 1; i <= 4; i++ {
		m.record(SystemMetrics{HealthScore: float64(i)})
	}

	all := m.History(0)
	if len(all) != 3 {
		t.Fatalf("History(0) returned %d samples, want 3", len(all))
	}
	for i, want := range []float64{2, 3, 4} {
		if all[i].HealthScore != want {
			t.Errorf("History(0)[%d].HealthScore = %v, want %v", i, all[i].HealthScore, want)
		}
	}

	latest, ok := m.Latest()
	if !ok || latest.HealthScore != 4 {
		t.Fatalf("Latest() = %v, %v, want score 4", latest.HealthScore, ok)
	}

	capped := m.History(2)
	if len(capped) != 2 || capped[0].HealthScore != 3 {
		t.Fatalf("History(2) = %v, want the newest two samples", capped)
	}
}

// TestLatestEmpty verifies the not-ok return before any sample.
func TestLatestEmpty(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, stubProbe{}, 0)
	if _, ok := m.Latest(); ok {
		t.Fatal("Latest() reported a sample before any were recorded")
	}
}

// ───────────────────────── Sampling loop ─────────────────────────

// TestMonitorLoopRecords verifies that the background loop records samples
// and that Stop is idempotent.
func TestMonitorLoopRecords(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, Config{})
	m, err := NewMonitor(sched, MonitorConfig{Interval: 5 * time.Millisecond})
	must(t, err)
	m.probe = stubProbe{mem: 20, disk: 20}
	m.gauge.sample = func() (float64, error) { return 15, nil }

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := m.Latest(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no sample recorded before the deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
	m.Stop()
}
