package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/bifrost/pkg/metrics"
	"github.com/cuemby/bifrost/pkg/types"
)

// monitorLoop runs at ~1Hz: it SIGTERMs then SIGKILLs timed-out workers
// and respawns to min, treats dead-but-not-timed-out containers as
// crashes and respawns to min, and scales idle workers down to min. All
// three passes run every tick, in that order, per the spec.
func (p *Pool) monitorLoop(ctx context.Context) {
	defer p.wg.Done()
	defer recoverLoop(p.logger, "monitor")

	interval := p.cfg.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.monitorTick(ctx)
			p.reportGauges()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) monitorTick(ctx context.Context) {
	p.handleTimeouts(ctx)
	p.handleCrashes(ctx)
	p.scaleDown(ctx)
}

// handleTimeouts terminates every BUSY worker whose current execution has
// exceeded its timeout, then tops the pool back up to min_workers.
func (p *Pool) handleTimeouts(ctx context.Context) {
	grace := time.Duration(p.cfg.GracefulShutdownSeconds) * time.Second

	p.mu.Lock()
	var timedOut []string
	execs := make(map[string]*types.CurrentExecution, len(p.workers))
	for id, entry := range p.workers {
		if entry.record.State == types.WorkerBUSY && entry.record.CurrentExec != nil && entry.record.CurrentExec.IsTimedOut() {
			timedOut = append(timedOut, id)
			execs[id] = entry.record.CurrentExec
		}
	}
	p.mu.Unlock()

	for _, id := range timedOut {
		p.logger.Warn().Str("worker_id", id).Msg("execution timed out, terminating worker")
		p.terminateWorker(ctx, id, grace)
		metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
		exec := execs[id]
		p.deliverResult(ctx, &types.ExecutionResult{
			ExecutionID:  exec.ExecutionID,
			Success:      false,
			ErrorKind:    types.ErrorKindTimeout,
			ErrorMessage: fmt.Sprintf("execution exceeded its %ds timeout", exec.TimeoutSeconds),
			DurationMS:   time.Since(exec.StartedAt).Milliseconds(),
		})
	}

	p.respawnToMin(ctx)
}

// handleCrashes removes any worker whose container the runtime no longer
// reports as running (and which wasn't already removed by a timeout in
// this tick), then tops back up to min_workers.
func (p *Pool) handleCrashes(ctx context.Context) {
	p.mu.Lock()
	var dead []string
	execs := make(map[string]*types.CurrentExecution, len(p.workers))
	for id, entry := range p.workers {
		if !p.spawner.IsRunning(ctx, entry.containerID) {
			dead = append(dead, id)
			execs[id] = entry.record.CurrentExec
		}
	}
	for _, id := range dead {
		delete(p.workers, id)
	}
	p.mu.Unlock()

	for _, id := range dead {
		p.logger.Error().Str("worker_id", id).Msg("worker process crashed")
		metrics.ExecutionsTotal.WithLabelValues("crash").Inc()
		if exec := execs[id]; exec != nil {
			p.deliverResult(ctx, &types.ExecutionResult{
				ExecutionID:  exec.ExecutionID,
				Success:      false,
				ErrorKind:    types.ErrorKindProcessCrash,
				ErrorMessage: "worker process crashed",
				DurationMS:   time.Since(exec.StartedAt).Milliseconds(),
			})
		}
	}

	if len(dead) > 0 {
		p.cond.Broadcast()
	}

	p.respawnToMin(ctx)
}

// respawnToMin tops the pool back up to min_workers, recomputing the
// current count itself so it's correct regardless of what else may have
// changed the worker map since the caller last measured it.
func (p *Pool) respawnToMin(ctx context.Context) {
	for {
		p.mu.Lock()
		current, min := len(p.workers), p.cfg.MinWorkers
		p.mu.Unlock()

		if current >= min {
			return
		}
		if _, err := p.spawnWorker(ctx); err != nil {
			p.logger.Error().Err(err).Msg("failed to respawn worker to min_workers")
			return
		}
	}
}

// scaleDown terminates the oldest IDLE workers, never a BUSY one, until
// the pool is back at min_workers, publishing a scaling event with
// per-step progress as it goes.
func (p *Pool) scaleDown(ctx context.Context) {
	p.mu.Lock()
	min := p.cfg.MinWorkers
	total := len(p.workers)
	if total <= min {
		p.mu.Unlock()
		return
	}

	var idle []*types.WorkerRecord
	for _, entry := range p.workers {
		if entry.record.State == types.WorkerIDLE && !entry.record.PendingRecycle {
			idle = append(idle, entry.record)
		}
	}
	p.mu.Unlock()

	if len(idle) == 0 {
		return
	}

	sortByOldest(idle)

	toRemove := total - min
	if toRemove > len(idle) {
		toRemove = len(idle)
	}

	grace := time.Duration(p.cfg.GracefulShutdownSeconds) * time.Second
	for i := 0; i < toRemove; i++ {
		id := idle[i].ID
		p.terminateWorker(ctx, id, grace)
		p.publishScaling(ctx, "scale_down", i+1, toRemove)
	}
}

func sortByOldest(records []*types.WorkerRecord) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].StartedAt.Before(records[j-1].StartedAt); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

// reportGauges refreshes the pool-size Prometheus gauges from the
// current worker-state counts.
func (p *Pool) reportGauges() {
	p.mu.Lock()
	var idle, busy, killed int
	for _, entry := range p.workers {
		switch entry.record.State {
		case types.WorkerIDLE:
			idle++
		case types.WorkerBUSY:
			busy++
		case types.WorkerKILLED:
			killed++
		}
	}
	p.mu.Unlock()

	metrics.WorkersTotal.WithLabelValues("idle").Set(float64(idle))
	metrics.WorkersTotal.WithLabelValues("busy").Set(float64(busy))
	metrics.WorkersTotal.WithLabelValues("killed").Set(float64(killed))
}
