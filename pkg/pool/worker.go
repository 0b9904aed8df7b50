package pool

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/cuemby/bifrost/pkg/types"
	"github.com/cuemby/bifrost/pkg/workerproc"
)

// spawnWorker creates a new worker container and registers it, acquiring
// p.mu itself. Used at startup and by the monitor loop's respawn passes.
func (p *Pool) spawnWorker(ctx context.Context) (*workerEntry, error) {
	entry, err := p.createWorker(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.workers[entry.record.ID] = entry
	p.mu.Unlock()

	p.startResultReader(entry)
	return entry, nil
}

// spawnWorkerHeld is spawnWorker's variant for callers that already hold
// p.mu (Route's saturated-but-under-max path): it releases the lock for
// the actual container creation, since that can block on I/O, then
// reacquires it before returning so the caller's deferred unlock stays
// correct.
func (p *Pool) spawnWorkerHeld(ctx context.Context) (*workerEntry, error) {
	p.mu.Unlock()
	entry, err := p.createWorker(ctx)
	p.mu.Lock()
	if err != nil {
		return nil, err
	}

	p.workers[entry.record.ID] = entry
	p.startResultReader(entry)
	return entry, nil
}

// createWorker does the actual container spawn and frame-stream wiring,
// without touching the workers map.
func (p *Pool) createWorker(ctx context.Context) (*workerEntry, error) {
	id := newWorkerID()

	handle, err := p.spawner.SpawnWorker(ctx, id, p.cfg.Image, p.cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("spawn worker container: %w", err)
	}

	entry := &workerEntry{
		record: &types.WorkerRecord{
			ID:        id,
			OSPID:     int(handle.PID),
			State:     types.WorkerIDLE,
			StartedAt: time.Now(),
		},
		containerID: handle.ContainerID,
		writer:      workerproc.NewFrameWriter(handle.Stdin),
		reader:      workerproc.NewFrameReader(handle.Stdout),
	}

	p.logger.Info().Str("worker_id", id).Int("pid", entry.record.OSPID).Msg("worker spawned")
	return entry, nil
}

// startResultReader launches the goroutine that drains one worker's
// result frames and forwards them to the pool's fan-in result channel.
func (p *Pool) startResultReader(entry *workerEntry) {
	go func() {
		for {
			frame, err := entry.reader.ReadResult()
			select {
			case p.resultCh <- workerResult{workerID: entry.record.ID, frame: frame, err: err}:
			case <-p.stopCh:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// terminateWorker signals SIGTERM, waits up to grace, then SIGKILLs and
// removes the worker from the pool. It is used both for ordinary timeout
// handling and for shutdown.
func (p *Pool) terminateWorker(ctx context.Context, workerID string, grace time.Duration) {
	p.mu.Lock()
	entry, ok := p.workers[workerID]
	if ok {
		delete(p.workers, workerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.spawner.Stop(ctx, entry.containerID, grace); err != nil {
		p.logger.Warn().Err(err).Str("worker_id", workerID).Msg("graceful stop failed, forcing kill")
		_ = p.spawner.Signal(ctx, entry.containerID, syscall.SIGKILL)
	}
	_ = p.spawner.Delete(ctx, entry.containerID)

	p.cond.Broadcast()
	p.logger.Info().Str("worker_id", workerID).Msg("worker terminated")
}
