// Package maintain implements the Maintainer: a background scheduler that
// runs named, interval-driven upkeep tasks (memory consolidation, stale-
// data cleanup, index optimization, backup, health checks) against a
// bounded goroutine pool separate from the request-handling path (spec
// §4.13, §5). Grounded on original_source/recall/utils/auto_maintain.py's
// AutoMaintainer (named-task/interval/enabled-flag scheduler shape) and
// task_manager.py's Task dataclass (progress/status/elapsed bookkeeping,
// folded here into MaintenanceTask's run bookkeeping instead of kept as a
// separate tracker, since this repo has no API surface for querying
// in-flight sub-task progress).
package maintain

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Type is one of the five maintenance task categories.
type Type string

const (
	TypeConsolidate Type = "consolidate"
	TypeCleanup     Type = "cleanup"
	TypeOptimize    Type = "optimize"
	TypeBackup      Type = "backup"
	TypeHealthCheck Type = "health_check"
)

// Handler runs one maintenance pass. Errors are logged, not propagated —
// a failed pass simply waits for its next scheduled run.
type Handler func(ctx context.Context) error

// Task is one registered, recurring maintenance job.
type Task struct {
	Name     string
	Type     Type
	Interval time.Duration
	Enabled  bool

	handler  Handler
	lastRun  time.Time
	nextRun  time.Time
	lastErr  error
}

// Status is a Task snapshot safe to hand out of the Maintainer.
type Status struct {
	Name           string
	Type           Type
	Enabled        bool
	IntervalHours  float64
	LastRun        *time.Time
	NextRun        *time.Time
	UntilNextMin   *float64
	LastError      string
}

// Config tunes the scheduler's poll cadence and worker pool size.
type Config struct {
	PollInterval time.Duration // default 1 minute, matches the source's 60s poll
	PoolSize     int           // default 4
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
}

// Maintainer runs registered Tasks on their own schedule via a bounded
// ants.Pool, kept separate from the HTTP request-handling goroutines per
// spec §5's pool-isolation requirement.
type Maintainer struct {
	mu      sync.Mutex
	cfg     Config
	tasks   map[string]*Task
	pool    *ants.Pool
	log     zerolog.Logger
	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool
}

// New builds a Maintainer. Call Start to begin the scheduler loop.
func New(cfg Config, log zerolog.Logger) (*Maintainer, error) {
	cfg.applyDefaults()
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Maintainer{
		cfg:   cfg,
		tasks: make(map[string]*Task),
		pool:  pool,
		log:   log.With().Str("component", "Maintainer").Logger(),
	}, nil
}

// Register adds a recurring task, scheduled to first run one interval
// from now (matching AutoMaintainer.register's next_run initialization).
func (m *Maintainer) Register(name string, taskType Type, handler Handler, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = &Task{
		Name:     name,
		Type:     taskType,
		Interval: interval,
		Enabled:  true,
		handler:  handler,
		nextRun:  time.Now().Add(interval),
	}
}

// Start launches the scheduler loop as a background goroutine. A no-op if
// already running.
func (m *Maintainer) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ticker = time.NewTicker(m.cfg.PollInterval)
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.log.Info().Msg("maintainer started")
	go m.loop(ctx)
}

// Stop halts the scheduler loop and releases the worker pool. The
// Maintainer cannot be restarted after Stop.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.ticker.Stop()
	m.mu.Unlock()

	m.pool.Release()
	m.log.Info().Msg("maintainer stopped")
}

func (m *Maintainer) loop(ctx context.Context) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-m.ticker.C:
			m.runDue(ctx)
		}
	}
}

// runDue submits every enabled, overdue task to the pool. Pool
// submission is non-blocking per task: a full pool simply leaves a task
// for the next tick rather than stalling the scheduler loop.
func (m *Maintainer) runDue(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var due []*Task
	for _, t := range m.tasks {
		if t.Enabled && !t.nextRun.IsZero() && !t.nextRun.After(now) {
			due = append(due, t)
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		task := t
		err := m.pool.Submit(func() { m.runOne(ctx, task) })
		if err != nil {
			m.log.Warn().Str("task", task.Name).Err(err).Msg("maintenance task dropped, pool full")
		}
	}
}

func (m *Maintainer) runOne(ctx context.Context, t *Task) {
	start := time.Now()
	m.log.Debug().Str("task", t.Name).Msg("running maintenance task")

	err := t.handler(ctx)

	m.mu.Lock()
	t.lastRun = start
	t.nextRun = start.Add(t.Interval)
	t.lastErr = err
	m.mu.Unlock()

	recordTaskDuration(string(t.Type), time.Since(start).Seconds())
	if err != nil {
		recordTaskFailed(string(t.Type))
		m.log.Warn().Str("task", t.Name).Err(err).Msg("maintenance task failed")
		return
	}
	recordTaskSucceeded(string(t.Type))
	m.log.Debug().Str("task", t.Name).Dur("elapsed", time.Since(start)).Msg("maintenance task completed")
}

// RunNow executes a registered task immediately, synchronously, bypassing
// its schedule. Returns false if the task is unknown.
func (m *Maintainer) RunNow(ctx context.Context, name string) bool {
	m.mu.Lock()
	t, ok := m.tasks[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.runOne(ctx, t)
	return true
}

// Enable/Disable toggle a task without unregistering it.
func (m *Maintainer) Enable(name string)  { m.setEnabled(name, true) }
func (m *Maintainer) Disable(name string) { m.setEnabled(name, false) }

func (m *Maintainer) setEnabled(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[name]; ok {
		t.Enabled = enabled
	}
}

// StatusAll returns a snapshot of every registered task; Engine.Stats
// reports it.
func (m *Maintainer) StatusAll() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	statuses := make([]Status, 0, len(m.tasks))
	for _, t := range m.tasks {
		s := Status{
			Name:          t.Name,
			Type:          t.Type,
			Enabled:       t.Enabled,
			IntervalHours: t.Interval.Hours(),
		}
		if !t.lastRun.IsZero() {
			lr := t.lastRun
			s.LastRun = &lr
		}
		if !t.nextRun.IsZero() {
			nr := t.nextRun
			s.NextRun = &nr
			until := nr.Sub(now).Minutes()
			if until < 0 {
				until = 0
			}
			s.UntilNextMin = &until
		}
		if t.lastErr != nil {
			s.LastError = t.lastErr.Error()
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// IsRunning reports whether the scheduler loop is active.
func (m *Maintainer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
