// Package scheduler implements the dependency scheduler (C5): given a
// static task-class DAG and an account, it resolves or creates an
// Execution, drives wave-by-wave concurrent execution through the
// executor, and finalizes the run (§4.5).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
	"github.com/FELIPEACASTRO/finops-orchestrator-core/executor"
	"github.com/FELIPEACASTRO/finops-orchestrator-core/state"
)

// TaskRegistration binds one DAG node to its executable function. A
// REPORT_GENERATION node is registered like any other, with Dependencies
// naming every other service, so it simply runs last as the wave loop
// naturally drains (§4.5 "optional REPORT_GENERATION task").
type TaskRegistration struct {
	ServiceName  string
	TaskClass    core.TaskClass
	Category     core.ServiceCategory
	Dependencies []string
	Fn           executor.TaskFunc
}

// Scheduler owns the static DAG and drives executions of it to completion.
type Scheduler struct {
	tasks  map[string]TaskRegistration
	order  []string // insertion order, for deterministic iteration in tests
	store  state.Store
	exec   *executor.Executor
	config *core.Config
	logger core.Logger
}

// NewScheduler validates the dependency graph (no cycles, no dangling
// references) and builds a Scheduler over it.
func NewScheduler(store state.Store, exec *executor.Executor, tasks []TaskRegistration, config *core.Config, logger core.Logger) (*Scheduler, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/scheduler")
	}

	byName := make(map[string]TaskRegistration, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.ServiceName == "" {
			return nil, fmt.Errorf("scheduler: task registration missing service name")
		}
		if _, exists := byName[t.ServiceName]; exists {
			return nil, fmt.Errorf("scheduler: duplicate service name %q", t.ServiceName)
		}
		byName[t.ServiceName] = t
		order = append(order, t.ServiceName)
	}

	for name, t := range byName {
		for _, dep := range t.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("scheduler: %q depends on unregistered service %q", name, dep)
			}
		}
	}
	if err := detectCycle(byName); err != nil {
		return nil, err
	}

	return &Scheduler{tasks: byName, order: order, store: store, exec: exec, config: config, logger: logger}, nil
}

func detectCycle(tasks map[string]TaskRegistration) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	visitState := make(map[string]int, len(tasks))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch visitState[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("scheduler: circular dependency detected: %v", append(path, name))
		}
		visitState[name] = visiting
		for _, dep := range tasks[name].Dependencies {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		visitState[name] = visited
		return nil
	}

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Run drives accountID's execution to completion (§4.5 steps 1-3). It
// returns the final Execution snapshot even on partial failure or deadlock;
// callers distinguish outcomes via the returned error and execution.Status.
func (s *Scheduler) Run(ctx context.Context, accountID, region string) (*core.Execution, error) {
	execution, err := s.resolveOrCreateExecution(ctx, accountID, region)
	if err != nil {
		return nil, err
	}

	for {
		if ctx.Err() != nil {
			return execution, fmt.Errorf("scheduler: %w", core.ErrCancelled)
		}

		pendingRemains := false
		var ready []string
		for _, name := range s.order {
			cp := execution.Checkpoints[name]
			if cp == nil || cp.Status != core.CheckpointPending {
				continue
			}
			pendingRemains = true
			if s.dependenciesSatisfied(execution, name) {
				ready = append(ready, name)
			}
		}

		if !pendingRemains {
			break
		}
		if len(ready) == 0 {
			s.logger.Error("dependency scheduler deadlocked", map[string]interface{}{"execution_id": execution.ID})
			return execution, fmt.Errorf("scheduler: execution %s: %w", execution.ID, core.ErrDeadlock)
		}

		s.runWave(ctx, execution, ready)

		if ctx.Err() != nil {
			return execution, fmt.Errorf("scheduler: %w", core.ErrCancelled)
		}
	}

	execution.Finalize(time.Now())
	if err := s.store.Update(ctx, execution, nil); err != nil {
		return execution, fmt.Errorf("scheduler: persist finalize for %s: %w", execution.ID, err)
	}
	return execution, nil
}

// dependenciesSatisfied applies the §4.5 policy: a dependency is satisfied
// whether its parent completed, failed, or was skipped. A failed parent
// never cascades an automatic skip onto dependents, unlike the simpler
// single-failure-propagation DAGs this scheduler's wave loop is modeled on.
func (s *Scheduler) dependenciesSatisfied(execution *core.Execution, name string) bool {
	for _, dep := range s.tasks[name].Dependencies {
		cp := execution.Checkpoints[dep]
		if cp == nil || !cp.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// runWave submits every ready task through a max_concurrent-bounded gate
// and blocks until the whole wave finishes (§4.5 "Wait for the wave to
// finish before computing the next one").
func (s *Scheduler) runWave(ctx context.Context, execution *core.Execution, ready []string) {
	maxConcurrent := s.config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	done := make(chan struct{}, len(ready))

	for _, name := range ready {
		name := name
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			done <- struct{}{}
			continue
		}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			s.runOne(ctx, execution, name)
		}()
	}

	for i := 0; i < len(ready); i++ {
		<-done
	}
}

func (s *Scheduler) runOne(ctx context.Context, execution *core.Execution, name string) {
	reg := s.tasks[name]
	_, err := s.exec.Execute(ctx, execution, name, reg.Fn, s.config.PerTaskTimeout)
	if err != nil && !core.IsCancellation(err) {
		s.logger.Warn("task did not complete successfully", map[string]interface{}{
			"execution_id": execution.ID,
			"service":      name,
			"error":        err.Error(),
		})
	}
}

// resolveOrCreateExecution implements §4.5 step 1: resume a fresh RUNNING
// execution, replace a stale one, or start from scratch.
func (s *Scheduler) resolveOrCreateExecution(ctx context.Context, accountID, region string) (*core.Execution, error) {
	now := time.Now()

	existing, err := s.store.GetLatestByAccount(ctx, accountID)
	if err != nil && !core.IsNotFound(err) {
		return nil, fmt.Errorf("scheduler: look up latest execution for %s: %w", accountID, err)
	}

	if err == nil && existing.Status == core.ExecutionRunning {
		if now.Sub(existing.LastUpdated) < s.config.StaleThreshold() {
			if resetInterruptedCheckpoints(existing, now) {
				if err := s.store.Update(ctx, existing, nil); err != nil {
					return nil, fmt.Errorf("scheduler: persist resume reset for %s: %w", existing.ID, err)
				}
			}
			return existing, nil
		}

		existing.Status = core.ExecutionFailed
		if existing.Metadata == nil {
			existing.Metadata = map[string]string{}
		}
		existing.Metadata["error_summary"] = "Execution timeout - replaced by new execution"
		existing.Touch(now)
		if err := s.store.Update(ctx, existing, nil); err != nil {
			s.logger.Warn("failed to mark stale execution failed", map[string]interface{}{
				"execution_id": existing.ID,
				"error":        err.Error(),
			})
		}
	}

	execution := core.NewExecution(accountID, region, now, s.config.TTL(), nil)
	for _, name := range s.order {
		t := s.tasks[name]
		execution.AddCheckpoint(t.ServiceName, t.TaskClass, t.Category)
	}
	if err := s.store.Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("scheduler: create execution for %s: %w", accountID, err)
	}
	return execution, nil
}

// resetInterruptedCheckpoints rewinds any checkpoint a crashed process left
// RUNNING or RETRYING back to PENDING, so the wave loop picks it up as ready
// again instead of leaving it stuck forever (§4.3 "the task will re-run
// because its checkpoint still reads RUNNING"; §8 Resume law; S4). The
// executor's idempotency short-circuit only fires on CheckpointCompleted, so
// re-entering at PENDING is safe: the task function is invoked from
// scratch and StartedAt is left untouched since the executor only sets it
// when nil. Reports whether anything was actually reset.
func resetInterruptedCheckpoints(execution *core.Execution, now time.Time) bool {
	reset := false
	for _, cp := range execution.Checkpoints {
		if cp.Status == core.CheckpointRunning || cp.Status == core.CheckpointRetrying {
			cp.Status = core.CheckpointPending
			cp.ErrorMessage = ""
			cp.LastCheckpointAt = now.UTC()
			reset = true
		}
	}
	if reset {
		execution.Touch(now)
	}
	return reset
}

// Progress reconstructs the external progress surface for execution (§6.3).
func Progress(execution *core.Execution) core.Progress {
	return core.BuildProgress(execution, time.Now())
}
