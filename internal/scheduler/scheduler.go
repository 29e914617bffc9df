// Package scheduler provides priority task queues and the system monitor
// that watches them.
//
// A [Scheduler] holds one bounded-discipline queue per priority level and
// hands tasks out according to a configured [Strategy]: plain arrival order,
// strict priority, load-balanced agent assignment, or an adaptive mix that
// switches on CPU pressure. Failed tasks are retried until a budget is
// exhausted, then dropped.
//
// A [Monitor] samples system metrics (CPU, memory, disk, network) together
// with the scheduler's own queue depths and load table on a fixed interval,
// computes a health score, and warns when the score degrades.
//
// Typical wiring:
//
//	gauge := scheduler.NewCPUGauge(0)
//	sched, err := scheduler.New(scheduler.Config{
//		Strategy:   scheduler.StrategyAdaptive,
//		CPUPercent: gauge.Percent,
//	})
//	if err != nil { ... }
//	_ = sched.RegisterAgent("npc-elara")
//
//	task, _ := sched.Enqueue(scheduler.Task{Kind: "npc_response", Priority: scheduler.PriorityHigh})
//	if next, ok := sched.Dequeue(); ok {
//		// ... run next, then:
//		sched.Complete(next, time.Since(start))
//	}
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scribax/pkg/fault"
)

// Priority orders tasks from least to most urgent. Higher values win under
// [StrategyPriority].
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// numPriorities is the size of the per-priority queue array.
const numPriorities = int(PriorityCritical) + 1

// String returns the priority name, e.g. "NORMAL".
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// IsValid reports whether p is one of the defined priority levels.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Strategy selects how tasks are ordered and assigned.
type Strategy string

const (
	// StrategyFIFO hands tasks out in arrival order, ignoring priority.
	StrategyFIFO Strategy = "fifo"

	// StrategyPriority hands the highest-priority queued task out first.
	StrategyPriority Strategy = "priority"

	// StrategyLoadBalance stamps each task with the least-utilised
	// registered agent at enqueue time and hands tasks out in arrival
	// order.
	StrategyLoadBalance Strategy = "load_balance"

	// StrategyAdaptive behaves like [StrategyPriority] while the CPU gauge
	// reads above 80% and like [StrategyLoadBalance] otherwise.
	StrategyAdaptive Strategy = "adaptive"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyFIFO, StrategyPriority, StrategyLoadBalance, StrategyAdaptive:
		return true
	}
	return false
}

// adaptiveCPUThreshold is the CPU percentage above which the adaptive
// strategy falls back to strict priority ordering.
const adaptiveCPUThreshold = 80.0

// Defaults applied by New for zero Config fields.
const (
	defaultMaxRetries     = 3
	defaultResponseWindow = 64
)

// Task is one unit of queued work. The scheduler treats the payload as
// opaque; Kind exists for logging and metrics only.
type Task struct {
	// ID uniquely identifies the task. Enqueue assigns one when empty.
	ID string

	// Kind labels the work, e.g. "npc_response" or "session_cleanup".
	Kind string

	// Priority orders the task relative to others. Defaults to
	// [PriorityLow] (the zero value).
	Priority Priority

	// Payload carries the work itself. Never inspected by the scheduler.
	Payload any

	// AssignedAgent is the agent stamped at enqueue time under
	// [StrategyLoadBalance]. Empty under other strategies or when no
	// agents are registered.
	AssignedAgent string

	// Retries counts how many times Fail has re-enqueued the task.
	Retries int

	// EnqueuedAt is when the task first entered the scheduler.
	EnqueuedAt time.Time

	// seq preserves arrival order across the per-priority queues.
	seq uint64
}

// Config holds scheduler settings.
type Config struct {
	// Strategy selects the queueing discipline. Defaults to
	// [StrategyFIFO].
	Strategy Strategy

	// MaxRetries is how many times a failed task is re-enqueued before it
	// is dropped. Defaults to 3.
	MaxRetries int

	// CPUPercent supplies the cached CPU gauge consulted by
	// [StrategyAdaptive]. Required for that strategy, ignored otherwise.
	// See [CPUGauge].
	CPUPercent func() float64
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Strategy != "" && !c.Strategy.IsValid() {
		return fault.New(fault.Validation, "scheduler", "unknown strategy %q", c.Strategy)
	}
	if c.MaxRetries < 0 {
		return fault.New(fault.Validation, "scheduler", "MaxRetries must not be negative, got %d", c.MaxRetries)
	}
	if c.Strategy == StrategyAdaptive && c.CPUPercent == nil {
		return fault.New(fault.Validation, "scheduler", "adaptive strategy requires a CPUPercent gauge")
	}
	return nil
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	// Enqueued counts every task accepted, including re-enqueues.
	Enqueued uint64

	// Completed counts tasks finished successfully.
	Completed uint64

	// Failed counts every Fail call, whether the task was retried or
	// dropped.
	Failed uint64

	// Dropped counts tasks discarded after exhausting their retries.
	Dropped uint64

	// Retried counts re-enqueues performed by Fail.
	Retried uint64

	// Active counts tasks handed out by Dequeue and not yet completed,
	// re-enqueued, or dropped.
	Active int

	// QueueDepths maps each priority to its current queue length.
	QueueDepths map[Priority]int

	// AgentLoads maps each registered agent to its in-flight stamped
	// task count.
	AgentLoads map[string]int

	// AvgResponse is the mean task duration over the recent completion
	// window. Zero before the first completion.
	AvgResponse time.Duration

	// FailureRate is Failed / (Completed + Failed), or zero before any
	// outcome has been recorded.
	FailureRate float64
}

// Scheduler queues tasks by priority and hands them out per its strategy.
//
// The zero value is not usable; create instances with [New]. All methods
// are safe for concurrent use.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	queues [numPriorities][]Task
	seq    uint64
	agents map[string]int

	enqueued  uint64
	completed uint64
	failed    uint64
	dropped   uint64
	retried   uint64
	active    int

	responses []time.Duration
	respNext  int
	respCount int
}

// New creates a Scheduler with the given configuration.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFIFO
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Scheduler{
		cfg:       cfg,
		agents:    make(map[string]int),
		responses: make([]time.Duration, defaultResponseWindow),
	}, nil
}

// ───────────────────────── Agent load table ─────────────────────────

// RegisterAgent adds an agent to the load-balancing table with zero load.
func (s *Scheduler) RegisterAgent(id string) error {
	if id == "" {
		return fault.New(fault.Validation, "scheduler", "agent id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; ok {
		return fault.New(fault.Validation, "scheduler", "agent %q is already registered", id)
	}
	s.agents[id] = 0
	return nil
}

// RemoveAgent removes an agent from the load-balancing table. Tasks already
// stamped with the agent keep their stamp.
func (s *Scheduler) RemoveAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
}

// leastLoadedLocked returns the registered agent with the fewest in-flight
// stamped tasks, ties broken by lexicographically smallest id. Empty when
// no agents are registered. Caller holds s.mu.
func (s *Scheduler) leastLoadedLocked() string {
	best := ""
	bestLoad := 0
	for id, load := range s.agents {
		if best == "" || load < bestLoad || (load == bestLoad && id < best) {
			best, bestLoad = id, load
		}
	}
	return best
}

// ───────────────────────── Queue operations ─────────────────────────

// Enqueue accepts a task, stamping its ID, arrival time, and (under
// load-balancing) assigned agent. The stamped task is returned; hold on to
// it for the matching [Scheduler.Complete] or [Scheduler.Fail] call.
func (s *Scheduler) Enqueue(task Task) (Task, error) {
	if !task.Priority.IsValid() {
		return Task{}, fault.New(fault.Validation, "scheduler", "priority %d out of range", task.Priority)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	// Resolve the strategy before taking the lock: the adaptive gauge may
	// refresh its sample.
	strategy := s.effectiveStrategy()

	s.mu.Lock()
	defer s.mu.Unlock()

	if strategy == StrategyLoadBalance && task.AssignedAgent == "" {
		if agent := s.leastLoadedLocked(); agent != "" {
			task.AssignedAgent = agent
			s.agents[agent]++
		}
	}

	s.seq++
	task.seq = s.seq
	s.queues[task.Priority] = append(s.queues[task.Priority], task)
	s.enqueued++
	return task, nil
}

// Dequeue hands out the next task per the configured strategy. The second
// return is false when every queue is empty.
func (s *Scheduler) Dequeue() (Task, bool) {
	strategy := s.effectiveStrategy()

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		task Task
		ok   bool
	)
	if strategy == StrategyPriority {
		task, ok = s.popHighestLocked()
	} else {
		task, ok = s.popOldestLocked()
	}
	if ok {
		s.active++
	}
	return task, ok
}

// popHighestLocked removes the head of the highest non-empty priority
// queue. Caller holds s.mu.
func (s *Scheduler) popHighestLocked() (Task, bool) {
	for p := numPriorities - 1; p >= 0; p-- {
		if len(s.queues[p]) > 0 {
			return s.popLocked(p), true
		}
	}
	return Task{}, false
}

// popOldestLocked removes the queued task with the earliest arrival
// sequence across all priorities. Caller holds s.mu.
func (s *Scheduler) popOldestLocked() (Task, bool) {
	bestP := -1
	var bestSeq uint64
	for p := 0; p < numPriorities; p++ {
		if len(s.queues[p]) == 0 {
			continue
		}
		if head := s.queues[p][0]; bestP < 0 || head.seq < bestSeq {
			bestP, bestSeq = p, head.seq
		}
	}
	if bestP < 0 {
		return Task{}, false
	}
	return s.popLocked(bestP), true
}

// popLocked removes and returns the head of queue p. Caller holds s.mu and
// guarantees the queue is non-empty.
func (s *Scheduler) popLocked(p int) Task {
	task := s.queues[p][0]
	s.queues[p] = s.queues[p][1:]
	return task
}

// Complete records a successful task outcome and releases the assigned
// agent's load slot.
func (s *Scheduler) Complete(task Task, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed++
	if s.active > 0 {
		s.active--
	}
	s.releaseLocked(task)

	s.responses[s.respNext] = elapsed
	s.respNext = (s.respNext + 1) % len(s.responses)
	if s.respCount < len(s.responses) {
		s.respCount++
	}
}

// Fail records a failed task outcome. The task is re-enqueued at the back
// of its priority queue until it has been retried MaxRetries times, then
// dropped. Reports whether the task was re-enqueued.
func (s *Scheduler) Fail(task Task, err error) bool {
	task.Retries++

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed++
	if s.active > 0 {
		s.active--
	}

	if task.Retries > s.cfg.MaxRetries {
		s.dropped++
		s.releaseLocked(task)
		slog.Warn("task dropped after retry budget",
			"task_id", task.ID,
			"kind", task.Kind,
			"retries", task.Retries-1,
			"error", err,
		)
		return false
	}

	s.seq++
	task.seq = s.seq
	s.queues[task.Priority] = append(s.queues[task.Priority], task)
	s.enqueued++
	s.retried++
	slog.Debug("task re-enqueued after failure",
		"task_id", task.ID,
		"kind", task.Kind,
		"retry", task.Retries,
		"error", err,
	)
	return true
}

// releaseLocked returns the task's load-balancer slot, if any. Caller holds
// s.mu.
func (s *Scheduler) releaseLocked(task Task) {
	if task.AssignedAgent == "" {
		return
	}
	if load, ok := s.agents[task.AssignedAgent]; ok && load > 0 {
		s.agents[task.AssignedAgent] = load - 1
	}
}

// effectiveStrategy resolves the adaptive strategy against the CPU gauge.
func (s *Scheduler) effectiveStrategy() Strategy {
	if s.cfg.Strategy != StrategyAdaptive {
		return s.cfg.Strategy
	}
	if s.cfg.CPUPercent() > adaptiveCPUThreshold {
		return StrategyPriority
	}
	return StrategyLoadBalance
}

// ───────────────────────── Introspection ─────────────────────────

// Len returns the total number of queued tasks across all priorities.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := 0; p < numPriorities; p++ {
		n += len(s.queues[p])
	}
	return n
}

// Depths returns the current queue length per priority.
func (s *Scheduler) Depths() map[Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthsLocked()
}

func (s *Scheduler) depthsLocked() map[Priority]int {
	depths := make(map[Priority]int, numPriorities)
	for p := 0; p < numPriorities; p++ {
		depths[Priority(p)] = len(s.queues[p])
	}
	return depths
}

// Stats returns a snapshot of the scheduler's counters, queue depths, and
// agent load table.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	loads := make(map[string]int, len(s.agents))
	for id, load := range s.agents {
		loads[id] = load
	}

	var avg time.Duration
	if s.respCount > 0 {
		var sum time.Duration
		for i := 0; i < s.respCount; i++ {
			sum += s.responses[i]
		}
		avg = sum / time.Duration(s.respCount)
	}

	var rate float64
	if outcomes := s.completed + s.failed; outcomes > 0 {
		rate = float64(s.failed) / float64(outcomes)
	}

	return Stats{
		Enqueued:    s.enqueued,
		Completed:   s.completed,
		Failed:      s.failed,
		Dropped:     s.dropped,
		Retried:     s.retried,
		Active:      s.active,
		QueueDepths: s.depthsLocked(),
		AgentLoads:  loads,
		AvgResponse: avg,
		FailureRate: rate,
	}
}
