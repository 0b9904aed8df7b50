package pool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/bus"
	"github.com/cuemby/bifrost/pkg/runtime"
	"github.com/cuemby/bifrost/pkg/types"
	"github.com/cuemby/bifrost/pkg/workerproc"
)

// fakeSpawner simulates containerd workers with in-memory pipes. When
// autoRespond is set, each spawned worker answers every work frame with a
// successful result frame; otherwise it never responds, which is how the
// saturation and timeout tests hold a worker BUSY on purpose.
type fakeSpawner struct {
	mu          sync.Mutex
	running     map[string]bool
	spawnCount  int
	stopped     []string
	signalled   []string
	autoRespond bool
}

func newFakeSpawner(autoRespond bool) *fakeSpawner {
	return &fakeSpawner{running: make(map[string]bool), autoRespond: autoRespond}
}

func (f *fakeSpawner) SpawnWorker(ctx context.Context, workerID, image string, env []string) (*runtime.WorkerHandle, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	f.mu.Lock()
	f.running[workerID] = true
	f.spawnCount++
	f.mu.Unlock()

	if f.autoRespond {
		go func() {
			reader := workerproc.NewFrameReader(stdinR)
			writer := workerproc.NewFrameWriter(stdoutW)
			for {
				wf, err := reader.ReadWork()
				if err != nil {
					return
				}
				_ = writer.WriteResult(workerproc.ResultFrame{
					Result: &types.ExecutionResult{ExecutionID: wf.ExecutionID, Success: true},
				})
			}
		}()
	}

	return &runtime.WorkerHandle{
		ContainerID: workerID,
		PID:         1,
		Stdin:       stdinW,
		Stdout:      stdoutR,
	}, nil
}

func (f *fakeSpawner) Signal(ctx context.Context, containerID string, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signalled = append(f.signalled, containerID)
	return nil
}

func (f *fakeSpawner) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeSpawner) Delete(ctx context.Context, containerID string) error {
	return nil
}

func (f *fakeSpawner) IsRunning(ctx context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[containerID]
}

func (f *fakeSpawner) markCrashed(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawnCount
}

type fakeContextWriter struct {
	mu   sync.Mutex
	sets []*types.ExecutionContext
}

func (f *fakeContextWriter) Set(ctx context.Context, ec *types.ExecutionContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, ec)
	return nil
}

type fakeBoundsStore struct {
	mu           sync.Mutex
	min, max     int
	found        bool
	savedMin     int
	savedMax     int
	saveCount    int
}

func (f *fakeBoundsStore) LoadBounds(ctx context.Context, poolID string) (int, int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.min, f.max, f.found, nil
}

func (f *fakeBoundsStore) SaveBounds(ctx context.Context, poolID string, min, max int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedMin, f.savedMax = min, max
	f.saveCount++
	return nil
}

// fakeResultSink collects every ExecutionResult delivered through a
// pool's result callback, for tests asserting exactly-once delivery.
type fakeResultSink struct {
	mu      sync.Mutex
	results []*types.ExecutionResult
}

func (f *fakeResultSink) callback(ctx context.Context, result *types.ExecutionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func (f *fakeResultSink) get() []*types.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ExecutionResult, len(f.results))
	copy(out, f.results)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Image = "bifrost-worker:test"
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 0
	cfg.RouteWaitSeconds = 1
	cfg.GracefulShutdownSeconds = 0
	return cfg
}

// waitFor polls cond every tick until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestPoolRouteDispatchesToIdleWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()
	ctxWriter := &fakeContextWriter{}

	p := New("pool-1", "host-1", cfg, spawner, b, ctxWriter, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	ec := &types.ExecutionContext{ExecutionID: "exec-1", WorkflowName: "demo", TimeoutSeconds: 5}
	if err := p.Route(ctx, ec); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		snap := p.snapshot()
		for _, w := range snap.Workers {
			if w.CompletedCount > 0 {
				return true
			}
		}
		return false
	})

	if len(ctxWriter.sets) != 1 || ctxWriter.sets[0].ExecutionID != "exec-1" {
		t.Fatalf("expected execution context to be registered once, got %+v", ctxWriter.sets)
	}
}

func TestPoolRouteSpawnsUnderMax(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 0
	cfg.MaxWorkers = 1

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-2", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	if spawner.count() != 0 {
		t.Fatalf("expected no workers spawned at start with min_workers=0, got %d", spawner.count())
	}

	ec := &types.ExecutionContext{ExecutionID: "exec-2", WorkflowName: "demo", TimeoutSeconds: 5}
	if err := p.Route(ctx, ec); err != nil {
		t.Fatalf("Route: %v", err)
	}

	if spawner.count() != 1 {
		t.Fatalf("expected Route to spawn a worker under max, spawned=%d", spawner.count())
	}
}

func TestPoolRouteSaturatedReturnsNoWorkerAvailable(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	cfg.RouteWaitSeconds = 1

	spawner := newFakeSpawner(false) // never responds, so the one worker stays BUSY
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-3", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	first := &types.ExecutionContext{ExecutionID: "exec-a", WorkflowName: "demo", TimeoutSeconds: 30}
	if err := p.Route(ctx, first); err != nil {
		t.Fatalf("first Route: %v", err)
	}

	second := &types.ExecutionContext{ExecutionID: "exec-b", WorkflowName: "demo", TimeoutSeconds: 30}
	start := time.Now()
	err := p.Route(ctx, second)
	if err == nil {
		t.Fatal("expected second Route on a saturated pool to fail")
	}
	if !errors.Is(err, bferrors.ErrNoWorkerAvailable) {
		t.Fatalf("expected ErrNoWorkerAvailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Duration(cfg.RouteWaitSeconds)*time.Second {
		t.Fatalf("expected Route to wait out the full deadline, elapsed=%s", elapsed)
	}
}

func TestPoolMonitorRespawnsAfterCrash(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-4", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	p.mu.Lock()
	var deadID string
	for id, entry := range p.workers {
		deadID = id
		spawner.markCrashed(entry.containerID)
	}
	p.mu.Unlock()

	p.handleCrashes(ctx)

	p.mu.Lock()
	_, stillThere := p.workers[deadID]
	count := len(p.workers)
	p.mu.Unlock()

	if stillThere {
		t.Fatal("crashed worker should have been removed")
	}
	if count != cfg.MinWorkers {
		t.Fatalf("expected pool respawned back to min_workers=%d, got %d", cfg.MinWorkers, count)
	}
}

func TestPoolScaleDownRemovesOnlyIdleWorkersToMin(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 5

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-5", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	for i := 0; i < 3; i++ {
		if _, err := p.spawnWorker(ctx); err != nil {
			t.Fatalf("spawnWorker: %v", err)
		}
	}

	p.scaleDown(ctx)

	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()

	if count != cfg.MinWorkers {
		t.Fatalf("expected scale-down to min_workers=%d, got %d", cfg.MinWorkers, count)
	}
}

func TestPoolScaleDownNeverTerminatesBusyWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 5

	spawner := newFakeSpawner(false)
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-6", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	ec := &types.ExecutionContext{ExecutionID: "busy-exec", WorkflowName: "demo", TimeoutSeconds: 30}
	if err := p.Route(ctx, ec); err != nil {
		t.Fatalf("Route: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.spawnWorker(ctx); err != nil {
			t.Fatalf("spawnWorker: %v", err)
		}
	}

	p.scaleDown(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	var busyCount int
	for _, entry := range p.workers {
		if entry.record.State == types.WorkerBUSY {
			busyCount++
		}
	}
	if busyCount != 1 {
		t.Fatalf("expected the busy worker to survive scale-down, busyCount=%d total=%d", busyCount, len(p.workers))
	}
}

func TestPoolHandleResultRecyclesAtThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2
	cfg.RecycleAfterExecutions = 1

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-7", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	p.mu.Lock()
	var workerID string
	for id := range p.workers {
		workerID = id
	}
	p.mu.Unlock()

	p.handleResult(ctx, workerResult{
		workerID: workerID,
		frame:    workerproc.ResultFrame{Result: &types.ExecutionResult{ExecutionID: "exec-recycle", Success: true}},
	})

	waitFor(t, 2*time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, stillThere := p.workers[workerID]
		return !stillThere && len(p.workers) == cfg.MinWorkers
	})
}

func TestPoolRouteDeliversExecutionResultOnSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()
	sink := &fakeResultSink{}

	p := New("pool-7b", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, sink.callback)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	ec := &types.ExecutionContext{ExecutionID: "exec-delivered", WorkflowName: "demo", TimeoutSeconds: 5}
	if err := p.Route(ctx, ec); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(sink.get()) == 1 })

	results := sink.get()
	if results[0].ExecutionID != "exec-delivered" || !results[0].Success {
		t.Fatalf("expected one successful result for exec-delivered, got %+v", results[0])
	}
}

func TestPoolHandleCancelTerminatesRunningWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1

	spawner := newFakeSpawner(false)
	b := bus.NewBroker()
	defer b.Close()
	sink := &fakeResultSink{}

	p := New("pool-8", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, sink.callback)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	ec := &types.ExecutionContext{ExecutionID: "cancel-me", WorkflowName: "demo", TimeoutSeconds: 30}
	if err := p.Route(ctx, ec); err != nil {
		t.Fatalf("Route: %v", err)
	}

	payload, _ := json.Marshal(cancelRequest{ExecutionID: "cancel-me"})
	p.handleCancel(ctx, payload)

	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected cancelled worker to be removed, remaining=%d", count)
	}

	results := sink.get()
	if len(results) != 1 {
		t.Fatalf("expected exactly one delivered result, got %d", len(results))
	}
	if results[0].ExecutionID != "cancel-me" || results[0].Success || results[0].ErrorKind != types.ErrorKindCancelled {
		t.Fatalf("expected a CancelledError result for cancel-me, got %+v", results[0])
	}
}

func TestPoolHandleTimeoutsDeliversTimeoutError(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1

	spawner := newFakeSpawner(false)
	b := bus.NewBroker()
	defer b.Close()
	sink := &fakeResultSink{}

	p := New("pool-13", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, sink.callback)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	ec := &types.ExecutionContext{ExecutionID: "exec-timeout", WorkflowName: "demo", TimeoutSeconds: 0}
	if err := p.Route(ctx, ec); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(sink.get()) == 1 })

	results := sink.get()
	if results[0].ExecutionID != "exec-timeout" || results[0].Success || results[0].ErrorKind != types.ErrorKindTimeout {
		t.Fatalf("expected a TimeoutError result for exec-timeout, got %+v", results[0])
	}

	waitFor(t, 2*time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.workers) == cfg.MinWorkers
	})
}

func TestPoolHandleCrashesDeliversProcessCrashError(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1

	spawner := newFakeSpawner(false)
	b := bus.NewBroker()
	defer b.Close()
	sink := &fakeResultSink{}

	p := New("pool-14", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, sink.callback)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	ec := &types.ExecutionContext{ExecutionID: "exec-crash", WorkflowName: "demo", TimeoutSeconds: 30}
	if err := p.Route(ctx, ec); err != nil {
		t.Fatalf("Route: %v", err)
	}

	p.mu.Lock()
	for _, entry := range p.workers {
		spawner.markCrashed(entry.containerID)
	}
	p.mu.Unlock()

	p.handleCrashes(ctx)

	results := sink.get()
	if len(results) != 1 {
		t.Fatalf("expected exactly one delivered result, got %d", len(results))
	}
	if results[0].ExecutionID != "exec-crash" || results[0].Success || results[0].ErrorKind != types.ErrorKindProcessCrash {
		t.Fatalf("expected a ProcessCrashError result for exec-crash, got %+v", results[0])
	}
}

func TestPoolHandleCommandResizeValidatesAndPersists(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 4

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()
	bounds := &fakeBoundsStore{}

	p := New("pool-9", "host-1", cfg, spawner, b, &fakeContextWriter{}, bounds, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	// Rejected: min_workers below the floor of 2.
	bad, _ := json.Marshal(workerCommand{Command: "resize", MinWorkers: 1, MaxWorkers: 4})
	p.handleCommand(ctx, bad)
	if p.cfg.MinWorkers != 2 {
		t.Fatalf("expected invalid resize to be rejected, got min=%d", p.cfg.MinWorkers)
	}

	good, _ := json.Marshal(workerCommand{Command: "resize", MinWorkers: 3, MaxWorkers: 6})
	p.handleCommand(ctx, good)

	p.mu.Lock()
	min, max := p.cfg.MinWorkers, p.cfg.MaxWorkers
	p.mu.Unlock()
	if min != 3 || max != 6 {
		t.Fatalf("expected resize to apply, got min=%d max=%d", min, max)
	}
	// Start saved the initial bounds once (no row existed); the resize saves again.
	if bounds.saveCount != 2 || bounds.savedMin != 3 || bounds.savedMax != 6 {
		t.Fatalf("expected resize to persist bounds, got %+v", bounds)
	}
}

func TestPoolHeartbeatPublishesSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-10", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, bus.ChannelWorkerHeartbeat)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	p.publishHeartbeat(ctx)

	select {
	case msg := <-sub.Messages():
		var snap types.PoolSnapshot
		if err := json.Unmarshal(msg.Payload, &snap); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		if snap.PoolID != "pool-10" {
			t.Fatalf("expected pool id pool-10, got %q", snap.PoolID)
		}
		if len(snap.Workers) != 1 {
			t.Fatalf("expected 1 worker in snapshot, got %d", len(snap.Workers))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat message")
	}
}

func TestPoolStartReconcilesPersistedBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()
	bounds := &fakeBoundsStore{min: 2, max: 3, found: true}

	p := New("pool-11", "host-1", cfg, spawner, b, &fakeContextWriter{}, bounds, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	p.mu.Lock()
	min, max, count := p.cfg.MinWorkers, p.cfg.MaxWorkers, len(p.workers)
	p.mu.Unlock()

	if min != 2 || max != 3 {
		t.Fatalf("expected persisted bounds {2,3} to win, got {%d,%d}", min, max)
	}
	if count != 2 {
		t.Fatalf("expected pool to scale up to the reconciled min_workers=2, got %d", count)
	}
}

func TestPoolStopTerminatesAllWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 2

	spawner := newFakeSpawner(true)
	b := bus.NewBroker()
	defer b.Close()

	p := New("pool-12", "host-1", cfg, spawner, b, &fakeContextWriter{}, nil, nil)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected all workers terminated after Stop, remaining=%d", count)
	}
	if len(spawner.stopped) != 2 {
		t.Fatalf("expected 2 workers stopped, got %d", len(spawner.stopped))
	}
}
