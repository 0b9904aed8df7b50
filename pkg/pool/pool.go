// Package pool implements the process pool manager (C10): it spawns
// worker processes, routes executions to idle workers, watches for
// timeouts and crashes, scales the pool between configured bounds, and
// publishes pool state to the bus. The monitor, result, cancel, command,
// and heartbeat loops each run in their own goroutine, not on a single
// event-loop goroutine; they share the worker map and config under one
// mutex, whose condition variable is the idle-worker condition routing
// blocks on, matching the teacher's scheduler's lock-then-scan style
// rather than a fully channel-driven design.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/bus"
	"github.com/cuemby/bifrost/pkg/log"
	"github.com/cuemby/bifrost/pkg/metrics"
	"github.com/cuemby/bifrost/pkg/runtime"
	"github.com/cuemby/bifrost/pkg/types"
	"github.com/cuemby/bifrost/pkg/workerproc"
)

// Spawner is the slice of pkg/runtime.ContainerdRuntime the pool needs to
// create, signal, and tear down worker containers.
type Spawner interface {
	SpawnWorker(ctx context.Context, workerID, image string, env []string) (*runtime.WorkerHandle, error)
	Signal(ctx context.Context, containerID string, sig syscall.Signal) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Delete(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) bool
}

// ContextWriter is the slice of pkg/exectx.Store the pool needs to
// register an execution's context before handing it to a worker.
type ContextWriter interface {
	Set(ctx context.Context, ec *types.ExecutionContext) error
}

// BoundsStore persists the pool's {min, max} across restarts, read back
// at startup and reconciled against whatever the pool was spawned with.
type BoundsStore interface {
	LoadBounds(ctx context.Context, poolID string) (min, max int, found bool, err error)
	SaveBounds(ctx context.Context, poolID string, min, max int) error
}

// ResultCallback is invoked exactly once per dispatched execution, carrying
// the worker's own result frame for a normal completion or a result
// synthesized by the pool for a timeout, cancellation, or crash.
type ResultCallback func(ctx context.Context, result *types.ExecutionResult)

// Config bounds and times the pool's behavior.
type Config struct {
	Image                   string
	Env                     []string
	MinWorkers              int
	MaxWorkers              int
	GracefulShutdownSeconds int
	RouteWaitSeconds        int
	RecycleAfterExecutions  int
	MonitorInterval         time.Duration // ~1Hz per the spec
	HeartbeatInterval       time.Duration
}

// DefaultConfig fills in the spec's nominal frequencies.
func DefaultConfig() Config {
	return Config{
		MinWorkers:              2,
		MaxWorkers:              10,
		GracefulShutdownSeconds: 10,
		RouteWaitSeconds:        30,
		RecycleAfterExecutions:  200,
		MonitorInterval:         time.Second,
		HeartbeatInterval:       10 * time.Second,
	}
}

// workerEntry is one worker's bookkeeping plus the frame protocol streams
// and container handle needed to talk to and supervise it.
type workerEntry struct {
	record      *types.WorkerRecord
	containerID string
	writer      *workerproc.FrameWriter
	reader      *workerproc.FrameReader
}

// Pool is the C10 process pool manager.
type Pool struct {
	ID       string
	Hostname string

	cfg      Config
	spawner  Spawner
	bus      bus.Bus
	execCtx  ContextWriter
	bounds   BoundsStore
	onResult ResultCallback
	logger   zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	workers map[string]*workerEntry
	started time.Time

	resultCh  chan workerResult
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type workerResult struct {
	workerID string
	frame    workerproc.ResultFrame
	err      error
}

// New wires a Pool from its dependencies. poolID identifies this pool
// manager instance in heartbeats and KV registration. onResult may be nil,
// in which case every execution's result is computed but discarded; a real
// caller always supplies one so dispatch(execution_id, ctx) actually
// resolves to something (§6).
func New(poolID, hostname string, cfg Config, spawner Spawner, b bus.Bus, execCtx ContextWriter, bounds BoundsStore, onResult ResultCallback) *Pool {
	p := &Pool{
		ID:       poolID,
		Hostname: hostname,
		cfg:      cfg,
		spawner:  spawner,
		bus:      b,
		execCtx:  execCtx,
		bounds:   bounds,
		onResult: onResult,
		logger:   log.WithComponent("pool"),
		workers:  make(map[string]*workerEntry),
		resultCh: make(chan workerResult, 64),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// deliverResult invokes the configured result callback, if any. It is the
// single path every terminal outcome (success, timeout, cancellation,
// crash) funnels through, satisfying the exactly-once delivery contract.
func (p *Pool) deliverResult(ctx context.Context, result *types.ExecutionResult) {
	if p.onResult == nil {
		return
	}
	p.onResult(ctx, result)
}

// Start spawns min_workers, reconciles against any persisted bounds, and
// launches the monitor, result, cancel, command, and heartbeat loops.
func (p *Pool) Start(ctx context.Context) error {
	p.started = time.Now()

	for i := 0; i < p.cfg.MinWorkers; i++ {
		if _, err := p.spawnWorker(ctx); err != nil {
			return fmt.Errorf("spawn initial worker: %w", err)
		}
	}

	if p.bounds != nil {
		min, max, found, err := p.bounds.LoadBounds(ctx, p.ID)
		if err != nil {
			p.logger.Warn().Err(err).Msg("failed to load persisted pool bounds, keeping configured bounds")
		} else if found {
			p.reconcileBounds(ctx, min, max)
		} else if err := p.bounds.SaveBounds(ctx, p.ID, p.cfg.MinWorkers, p.cfg.MaxWorkers); err != nil {
			p.logger.Warn().Err(err).Msg("failed to persist initial pool bounds")
		}
	}

	p.wg.Add(4)
	go p.monitorLoop(ctx)
	go p.resultLoop(ctx)
	go p.cancelListener(ctx)
	go p.commandListener(ctx)

	if p.cfg.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop(ctx)
	}

	p.logger.Info().Int("min", p.cfg.MinWorkers).Int("max", p.cfg.MaxWorkers).Msg("pool started")
	return nil
}

// reconcileBounds applies a persisted {min, max} pair, scaling to match
// min by spawning or noting the surplus for the next scale-down pass.
func (p *Pool) reconcileBounds(ctx context.Context, min, max int) {
	p.mu.Lock()
	p.cfg.MinWorkers = min
	p.cfg.MaxWorkers = max
	current := len(p.workers)
	p.mu.Unlock()

	for i := current; i < min; i++ {
		if _, err := p.spawnWorker(ctx); err != nil {
			p.logger.Error().Err(err).Msg("failed to reconcile pool to persisted min_workers")
			return
		}
	}
}

// Stop halts every loop, terminates every worker gracefully-then-forcefully,
// and publishes a pool-offline event. It does not delete this pool's KV
// heartbeat registration; that key is left to expire with its TTL.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	grace := time.Duration(p.cfg.GracefulShutdownSeconds) * time.Second
	for _, id := range ids {
		p.terminateWorker(ctx, id, grace)
	}

	if err := p.bus.Publish(ctx, bus.ChannelWorkerScaling, []byte(fmt.Sprintf(`{"pool_id":%q,"event":"offline"}`, p.ID))); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish pool-offline event")
	}

	return nil
}

// Route writes ec to the execution context store, finds (or spawns) an
// idle worker, and hands it the execution id. It blocks up to
// RouteWaitSeconds for a worker to free up before returning
// bferrors.ErrNoWorkerAvailable.
func (p *Pool) Route(ctx context.Context, ec *types.ExecutionContext) error {
	routeTimer := metrics.NewTimer()
	defer routeTimer.ObserveDuration(metrics.RoutingLatency)

	if err := p.execCtx.Set(ctx, ec); err != nil {
		return fmt.Errorf("register execution context: %w", err)
	}

	deadline := time.Now().Add(time.Duration(p.cfg.RouteWaitSeconds) * time.Second)

	// A worker freeing up (handleResult) or dying (handleCrashes,
	// terminateWorker) broadcasts on p.cond; the deadline timer and a
	// ctx-cancellation watcher broadcast too, so Wait below never blocks
	// past whichever comes first.
	deadlineTimer := time.AfterFunc(time.Until(deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer deadlineTimer.Stop()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stopWatch:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if entry := p.findIdleLocked(); entry != nil {
			return p.dispatchLocked(entry, ec)
		}

		if len(p.workers) < p.cfg.MaxWorkers {
			entry, err := p.spawnWorkerHeld(ctx)
			if err != nil {
				return fmt.Errorf("spawn worker for routing: %w", err)
			}
			return p.dispatchLocked(entry, ec)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: pool %s saturated at %d workers", bferrors.ErrNoWorkerAvailable, p.ID, p.cfg.MaxWorkers)
		}

		p.cond.Wait()
	}
}

// findIdleLocked returns the first IDLE, non-recycling worker, or nil.
// Callers must hold p.mu.
func (p *Pool) findIdleLocked() *workerEntry {
	for _, entry := range p.workers {
		if entry.record.State == types.WorkerIDLE && !entry.record.PendingRecycle {
			return entry
		}
	}
	return nil
}

// dispatchLocked marks entry BUSY and writes its work frame. Callers must
// hold p.mu.
func (p *Pool) dispatchLocked(entry *workerEntry, ec *types.ExecutionContext) error {
	entry.record.State = types.WorkerBUSY
	entry.record.CurrentExec = &types.CurrentExecution{
		ExecutionID:    ec.ExecutionID,
		StartedAt:      time.Now(),
		TimeoutSeconds: ec.TimeoutSeconds,
	}
	if err := entry.writer.WriteWork(workerproc.WorkFrame{ExecutionID: ec.ExecutionID}); err != nil {
		entry.record.State = types.WorkerKILLED
		delete(p.workers, entry.record.ID)
		return fmt.Errorf("write work frame to worker %s: %w", entry.record.ID, err)
	}
	return nil
}

func newWorkerID() string {
	return "w-" + uuid.NewString()[:8]
}

// recoverLoop logs and continues instead of letting a background loop's
// panic take the whole pool manager down.
func recoverLoop(logger zerolog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error().Interface("panic", r).Str("loop", name).Bytes("stack", debug.Stack()).Msg("pool loop recovered from panic")
	}
}
