// Package orchestrator runs the per-chain scanner and pipeline loops.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// RetryPolicy maps a failure kind to the pause before the next iteration
type RetryPolicy struct {
	Default time.Duration
	ByKind  map[utils.ErrorKind]time.Duration
}

// Cooldown returns the pause after err
func (p RetryPolicy) Cooldown(err error) time.Duration {
	if d, ok := p.ByKind[utils.KindOf(err)]; ok {
		return d
	}
	return p.Default
}

// PolicyFromConfig builds the loop retry policy
func PolicyFromConfig(cfg config.OrchestratorConfig) RetryPolicy {
	return RetryPolicy{
		Default: cfg.ErrorCooldown,
		ByKind: map[utils.ErrorKind]time.Duration{
			utils.KindFatal:              cfg.ErrorCooldown,
			utils.KindThrottled:          cfg.ThrottleCooldown,
			utils.KindPersistenceFailure: cfg.PersistenceCooldown,
			utils.KindRetryable:          cfg.PersistenceCooldown,
		},
	}
}

// Task is one periodic loop
type Task struct {
	Name    string
	Cadence time.Duration
	Run     func(ctx context.Context) error
	Retry   RetryPolicy
}

// TaskStatus reports the state of a loop
type TaskStatus struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	Runs      uint64     `json:"runs"`
	Failures  uint64     `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	LastKind  string     `json:"last_kind,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

// Orchestrator runs every registered task as an independent loop
type Orchestrator struct {
	tasks   []Task
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
	sleep   func(context.Context, time.Duration) error

	mu     sync.RWMutex
	status map[string]*TaskStatus
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSleep replaces the sleep between iterations
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// New creates an orchestrator
func New(m *metrics.PrometheusMetrics, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		metrics: m,
		logger:  utils.ComponentLogger("orchestrator"),
		sleep:   utils.Sleep,
		status:  make(map[string]*TaskStatus),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a task. Names must be unique.
func (o *Orchestrator) Register(task Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if task.Name == "" || task.Run == nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Task needs a name and a run function")
	}
	if _, exists := o.status[task.Name]; exists {
		return utils.NewAppError(utils.ErrCodeValidation, "Task already registered", task.Name)
	}
	o.tasks = append(o.tasks, task)
	o.status[task.Name] = &TaskStatus{Name: task.Name}
	return nil
}

// Run blocks until ctx is done and every loop has returned
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.RLock()
	tasks := append([]Task(nil), o.tasks...)
	o.mu.RUnlock()

	if len(tasks) == 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "No tasks registered")
	}

	o.logger.WithField("tasks", len(tasks)).Info("Starting loops")

	var wg conc.WaitGroup
	for _, task := range tasks {
		wg.Go(func() {
			o.loop(ctx, task)
		})
	}
	wg.Wait()

	o.logger.Info("All loops stopped")
	return ctx.Err()
}

func (o *Orchestrator) loop(ctx context.Context, task Task) {
	log := o.logger.WithField("task", task.Name)
	log.WithField("cadence", task.Cadence.String()).Info("Loop started")

	for {
		err := o.iterate(ctx, task)
		if ctx.Err() != nil {
			log.Info("Loop stopped")
			return
		}

		pause := task.Cadence
		if err != nil {
			kind := utils.KindOf(err)
			pause = task.Retry.Cooldown(err)
			o.metrics.RecordLoopError(task.Name, string(kind))
			log.WithFields(logrus.Fields{
				"kind":     kind,
				"cooldown": pause.String(),
			}).WithError(err).Error("Loop iteration failed")
		}

		next := time.Now().Add(pause)
		o.update(task.Name, func(s *TaskStatus) { s.NextRun = &next })

		if err := o.sleep(ctx, pause); err != nil {
			log.Info("Loop stopped")
			return
		}
	}
}

// iterate runs one cycle, converting a panic into a fatal error
func (o *Orchestrator) iterate(ctx context.Context, task Task) error {
	o.update(task.Name, func(s *TaskStatus) { s.Running = true })

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = task.Run(ctx)
	})
	if recovered := pc.Recovered(); recovered != nil {
		err = utils.WrapError(utils.KindFatal, utils.ErrCodeInternal,
			fmt.Sprintf("Task %s panicked", task.Name), recovered.AsError())
	}

	now := time.Now()
	status := "success"
	if err != nil {
		status = "error"
	}
	if ctx.Err() != nil {
		status = "canceled"
	}
	o.metrics.RecordLoopCycle(task.Name, status)

	o.update(task.Name, func(s *TaskStatus) {
		s.Running = false
		s.Runs++
		s.LastRun = &now
		s.LastError, s.LastKind = "", ""
		if err != nil {
			s.Failures++
			s.LastError = err.Error()
			s.LastKind = string(utils.KindOf(err))
		}
	})
	return err
}

func (o *Orchestrator) update(name string, fn func(*TaskStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.status[name]; ok {
		fn(s)
	}
}

// Status returns the state of every loop, sorted by name
func (o *Orchestrator) Status() []TaskStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]TaskStatus, 0, len(o.status))
	for _, s := range o.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
