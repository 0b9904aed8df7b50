package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/cuemby/bifrost/pkg/bus"
	"github.com/cuemby/bifrost/pkg/metrics"
	"github.com/cuemby/bifrost/pkg/types"
)

// resultLoop drains the fan-in result channel at a higher frequency than
// the monitor loop: every completed execution frees its worker back to
// IDLE (or marks it PendingRecycle and recycles it if it just crossed the
// recycle threshold), and a read error or EOF from a worker's stdout is
// only logged: a worker that died is cleaned up by the next monitor
// tick's crash pass.
func (p *Pool) resultLoop(ctx context.Context) {
	defer p.wg.Done()
	defer recoverLoop(p.logger, "result")

	for {
		select {
		case res := <-p.resultCh:
			p.handleResult(ctx, res)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) handleResult(ctx context.Context, res workerResult) {
	if res.err != nil {
		if res.err != io.EOF {
			p.logger.Warn().Err(res.err).Str("worker_id", res.workerID).Msg("worker result stream error")
		}
		return
	}

	p.mu.Lock()
	entry, ok := p.workers[res.workerID]
	if !ok {
		p.mu.Unlock()
		return
	}

	var startedAt time.Time
	if entry.record.CurrentExec != nil {
		startedAt = entry.record.CurrentExec.StartedAt
	}
	entry.record.CompletedCount++
	entry.record.CurrentExec = nil

	outcome := "success"
	if res.frame.Result != nil && !res.frame.Result.Success {
		outcome = "error"
	}

	recycle := p.cfg.RecycleAfterExecutions > 0 && entry.record.CompletedCount >= p.cfg.RecycleAfterExecutions
	if recycle {
		entry.record.PendingRecycle = true
	} else {
		entry.record.State = types.WorkerIDLE
	}
	p.mu.Unlock()

	metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	p.cond.Broadcast()

	if res.frame.Result != nil {
		result := *res.frame.Result
		if result.DurationMS == 0 && !startedAt.IsZero() {
			result.DurationMS = time.Since(startedAt).Milliseconds()
		}
		p.deliverResult(ctx, &result)
	}

	if recycle {
		p.recycleWorker(ctx, res.workerID)
	}
}

// recycleWorker spawns a replacement before tearing down the outgoing
// worker, so pool capacity never dips during a recycle.
func (p *Pool) recycleWorker(ctx context.Context, workerID string) {
	p.logger.Info().Str("worker_id", workerID).Msg("recycling worker after execution limit")
	if _, err := p.spawnWorker(ctx); err != nil {
		p.logger.Error().Err(err).Msg("failed to spawn replacement before recycling worker")
		return
	}
	grace := time.Duration(p.cfg.GracefulShutdownSeconds) * time.Second
	p.terminateWorker(ctx, workerID, grace)
}

// cancelListener subscribes to the global cancel channel; cancellation is
// OS-process-termination granularity only, so a cancel for an execution
// terminates whichever worker is running it.
func (p *Pool) cancelListener(ctx context.Context) {
	defer p.wg.Done()
	defer recoverLoop(p.logger, "cancel")

	sub, err := p.bus.Subscribe(ctx, bus.ChannelCancel)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to subscribe to cancel channel")
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			p.handleCancel(ctx, msg.Payload)
		case <-p.stopCh:
			return
		}
	}
}

type cancelRequest struct {
	ExecutionID string `json:"execution_id"`
}

func (p *Pool) handleCancel(ctx context.Context, payload []byte) {
	var req cancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		p.logger.Warn().Err(err).Msg("malformed cancel message")
		return
	}

	p.mu.Lock()
	var target string
	var exec *types.CurrentExecution
	for id, entry := range p.workers {
		if entry.record.CurrentExec != nil && entry.record.CurrentExec.ExecutionID == req.ExecutionID {
			target = id
			exec = entry.record.CurrentExec
			break
		}
	}
	p.mu.Unlock()

	if target == "" {
		return
	}

	p.logger.Info().Str("execution_id", req.ExecutionID).Str("worker_id", target).Msg("cancelling execution")
	grace := time.Duration(p.cfg.GracefulShutdownSeconds) * time.Second
	p.terminateWorker(ctx, target, grace)
	metrics.ExecutionsTotal.WithLabelValues("cancelled").Inc()
	p.deliverResult(ctx, &types.ExecutionResult{
		ExecutionID:  req.ExecutionID,
		Success:      false,
		ErrorKind:    types.ErrorKindCancelled,
		ErrorMessage: "execution cancelled",
		DurationMS:   time.Since(exec.StartedAt).Milliseconds(),
	})
}

// commandListener subscribes to this pool's per-instance command channel
// for operator-issued recycle_process, recycle_all, and resize commands.
func (p *Pool) commandListener(ctx context.Context) {
	defer p.wg.Done()
	defer recoverLoop(p.logger, "command")

	sub, err := p.bus.Subscribe(ctx, bus.WorkerCommandChannel(p.ID))
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to subscribe to command channel")
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			p.handleCommand(ctx, msg.Payload)
		case <-p.stopCh:
			return
		}
	}
}

type workerCommand struct {
	Command    string `json:"command"`
	PID        string `json:"pid,omitempty"`
	Reason     string `json:"reason,omitempty"`
	MinWorkers int    `json:"min_workers,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty"`
}

func (p *Pool) handleCommand(ctx context.Context, payload []byte) {
	var cmd workerCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		p.logger.Warn().Err(err).Msg("malformed worker command")
		return
	}

	switch cmd.Command {
	case "recycle_process":
		if cmd.PID == "" {
			return
		}
		target := cmd.PID
		p.mu.Lock()
		for id, entry := range p.workers {
			if strconv.Itoa(entry.record.OSPID) == cmd.PID {
				target = id
				break
			}
		}
		p.mu.Unlock()
		p.recycleWorker(ctx, target)
	case "recycle_all":
		p.mu.Lock()
		ids := make([]string, 0, len(p.workers))
		for id := range p.workers {
			ids = append(ids, id)
		}
		p.mu.Unlock()
		p.logger.Info().Str("reason", cmd.Reason).Int("count", len(ids)).Msg("recycling entire pool")
		for _, id := range ids {
			p.recycleWorker(ctx, id)
		}
	case "resize":
		if cmd.MinWorkers < 2 {
			p.logger.Warn().Int("min_workers", cmd.MinWorkers).Msg("rejected resize: min_workers must be >= 2")
			return
		}
		if cmd.MaxWorkers < cmd.MinWorkers {
			p.logger.Warn().Int("min_workers", cmd.MinWorkers).Int("max_workers", cmd.MaxWorkers).Msg("rejected resize: max_workers must be >= min_workers")
			return
		}
		p.mu.Lock()
		p.cfg.MinWorkers = cmd.MinWorkers
		p.cfg.MaxWorkers = cmd.MaxWorkers
		p.mu.Unlock()
		if p.bounds != nil {
			if err := p.bounds.SaveBounds(ctx, p.ID, cmd.MinWorkers, cmd.MaxWorkers); err != nil {
				p.logger.Warn().Err(err).Msg("failed to persist resized pool bounds")
			}
		}
	default:
		p.logger.Warn().Str("command", cmd.Command).Msg("unknown worker command")
	}
}

// heartbeatLoop publishes a PoolSnapshot on worker:heartbeat and, when
// the bus backend supports it, registers the same snapshot in a
// TTL-bounded KV hash so a late-joining reader can poll instead of
// waiting for the next broadcast.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	defer recoverLoop(p.logger, "heartbeat")

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.publishHeartbeat(ctx)
		case <-p.stopCh:
			return
		}
	}
}

// heartbeatRegistrar is implemented by bus.RedisBus for multi-node
// deployments; the in-process Broker doesn't satisfy it, so publishing
// alone carries heartbeats for single-node deployments and tests.
type heartbeatRegistrar interface {
	RegisterPoolHeartbeat(ctx context.Context, poolID string, snapshotJSON []byte, ttl time.Duration) error
}

func (p *Pool) publishHeartbeat(ctx context.Context) {
	snapshot := p.snapshot()

	data, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal pool snapshot")
		return
	}

	if err := p.bus.Publish(ctx, bus.ChannelWorkerHeartbeat, data); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish heartbeat")
	}

	if registrar, ok := p.bus.(heartbeatRegistrar); ok {
		ttl := p.cfg.HeartbeatInterval * 3
		if err := registrar.RegisterPoolHeartbeat(ctx, p.ID, data, ttl); err != nil {
			p.logger.Warn().Err(err).Msg("failed to register pool heartbeat")
		}
	}
}

func (p *Pool) snapshot() types.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := make([]types.WorkerSnapshot, 0, len(p.workers))
	for _, entry := range p.workers {
		ws := types.WorkerSnapshot{
			ID:             entry.record.ID,
			PID:            entry.record.OSPID,
			State:          entry.record.State,
			UptimeSeconds:  time.Since(entry.record.StartedAt).Seconds(),
			CompletedCount: entry.record.CompletedCount,
		}
		if entry.record.CurrentExec != nil {
			ws.ElapsedOfCurrent = entry.record.CurrentExec.ElapsedSeconds()
		}
		workers = append(workers, ws)
	}

	return types.PoolSnapshot{
		PoolID:            p.ID,
		Hostname:          p.Hostname,
		StartedAt:         p.started,
		Min:               p.cfg.MinWorkers,
		Max:               p.cfg.MaxWorkers,
		Workers:           workers,
		InstalledPackages: buildInfoModules(),
	}
}

func (p *Pool) publishScaling(ctx context.Context, event string, step, total int) {
	payload := fmt.Sprintf(`{"pool_id":%q,"event":%q,"step":%d,"total":%d}`, p.ID, event, step, total)
	if err := p.bus.Publish(ctx, bus.ChannelWorkerScaling, []byte(payload)); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish scaling event")
	}
}

// buildInfoModules lists the module's own dependency versions, the Go
// equivalent of the original implementation's pip-freeze-style package
// list in a heartbeat payload.
func buildInfoModules() []string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	mods := make([]string, 0, len(info.Deps))
	for _, dep := range info.Deps {
		mods = append(mods, dep.Path+"@"+dep.Version)
	}
	return mods
}
