package workerproc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/modcache"
	"github.com/cuemby/bifrost/pkg/types"
)

type fakeEntities struct {
	byName map[string]*types.Entity
}

func (f *fakeEntities) GetActiveByName(ctx context.Context, name string) (*types.Entity, error) {
	e, ok := f.byName[name]
	if !ok {
		return nil, &bferrors.NotFoundError{Key: name}
	}
	return e, nil
}

type fakeExecCtx struct {
	byID   map[string]*types.ExecutionContext
	deletes []string
}

func (f *fakeExecCtx) Get(ctx context.Context, executionID string) (*types.ExecutionContext, error) {
	ec, ok := f.byID[executionID]
	if !ok {
		return nil, &bferrors.NotFoundError{Key: executionID}
	}
	return ec, nil
}

func (f *fakeExecCtx) Delete(ctx context.Context, executionID string) error {
	f.deletes = append(f.deletes, executionID)
	return nil
}

type fakeModCache struct {
	entries map[string]modcache.Entry
	gets    int
}

func (f *fakeModCache) Get(ctx context.Context, path string) (modcache.Entry, bool, error) {
	f.gets++
	e, ok := f.entries[path]
	return e, ok, nil
}

func (f *fakeModCache) Set(ctx context.Context, path string, entry modcache.Entry) error {
	if f.entries == nil {
		f.entries = make(map[string]modcache.Entry)
	}
	f.entries[path] = entry
	return nil
}

type fakeExecutor struct {
	outcome *InvokeOutcome
	err     error
	calls   int
}

func (f *fakeExecutor) Invoke(ctx context.Context, req InvokeRequest) (*InvokeOutcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func TestWorkerRunSuccess(t *testing.T) {
	ent := &fakeEntities{byName: map[string]*types.Entity{
		"greet": {FunctionSymbol: "run", Path: "tools/greet.py"},
	}}
	execCtx := &fakeExecCtx{byID: map[string]*types.ExecutionContext{
		"exec-1": {ExecutionID: "exec-1", WorkflowName: "greet", TimeoutSeconds: 30, Deadline: time.Now().Add(30 * time.Second)},
	}}
	mc := &fakeModCache{entries: map[string]modcache.Entry{
		"tools/greet.py": {ContentHash: "h1", Content: []byte("def run(): pass")},
	}}
	exec := &fakeExecutor{outcome: &InvokeOutcome{Value: "hi", InputTokens: 1, OutputTokens: 2}}

	var out bytes.Buffer
	in := bytes.NewBufferString("")
	w := NewWorker("worker-1", NewFrameReader(in), NewFrameWriter(&out), ent, execCtx, mc, nil, exec)

	result := w.handleOne(context.Background(), "exec-1")

	if !result.Success {
		t.Fatalf("result.Success = false, error = %s", result.ErrorMessage)
	}
	if result.Value != "hi" {
		t.Errorf("result.Value = %v, want hi", result.Value)
	}
	if result.InputTokens != 1 || result.OutputTokens != 2 {
		t.Errorf("token counts = %d/%d, want 1/2", result.InputTokens, result.OutputTokens)
	}
	if exec.calls != 1 {
		t.Errorf("executor invoked %d times, want 1", exec.calls)
	}
}

func TestWorkerHandleOneMissingContext(t *testing.T) {
	execCtx := &fakeExecCtx{byID: map[string]*types.ExecutionContext{}}
	w := NewWorker("worker-1", nil, nil, &fakeEntities{}, execCtx, &fakeModCache{}, nil, &fakeExecutor{})

	result := w.handleOne(context.Background(), "missing")

	if result.Success {
		t.Fatal("expected failure for missing execution context")
	}
	if result.ErrorKind != types.ErrorKindExecutionFailed {
		t.Errorf("ErrorKind = %s, want ExecutionError", result.ErrorKind)
	}
}

func TestWorkerHandleOneUnknownWorkflow(t *testing.T) {
	execCtx := &fakeExecCtx{byID: map[string]*types.ExecutionContext{
		"exec-1": {ExecutionID: "exec-1", WorkflowName: "nope", Deadline: time.Now().Add(time.Minute)},
	}}
	w := NewWorker("worker-1", nil, nil, &fakeEntities{byName: map[string]*types.Entity{}}, execCtx, &fakeModCache{}, nil, &fakeExecutor{})

	result := w.handleOne(context.Background(), "exec-1")

	if result.Success {
		t.Fatal("expected failure for unresolved workflow name")
	}
}

func TestWorkerHandleOneExecutorTimeout(t *testing.T) {
	ent := &fakeEntities{byName: map[string]*types.Entity{
		"slow": {FunctionSymbol: "run", Path: "tools/slow.py"},
	}}
	execCtx := &fakeExecCtx{byID: map[string]*types.ExecutionContext{
		"exec-1": {ExecutionID: "exec-1", WorkflowName: "slow", Deadline: time.Now().Add(-time.Second)},
	}}
	mc := &fakeModCache{entries: map[string]modcache.Entry{
		"tools/slow.py": {ContentHash: "h1", Content: []byte("def run(): pass")},
	}}
	exec := &fakeExecutor{err: context.DeadlineExceeded}
	w := NewWorker("worker-1", nil, nil, ent, execCtx, mc, nil, exec)

	result := w.handleOne(context.Background(), "exec-1")

	if result.Success {
		t.Fatal("expected failure on executor timeout")
	}
	if result.ErrorKind != types.ErrorKindTimeout {
		t.Errorf("ErrorKind = %s, want TimeoutError", result.ErrorKind)
	}
}

func TestWorkerRunDrainsWorkFramesUntilEOF(t *testing.T) {
	ent := &fakeEntities{byName: map[string]*types.Entity{
		"greet": {FunctionSymbol: "run", Path: "tools/greet.py"},
	}}
	execCtx := &fakeExecCtx{byID: map[string]*types.ExecutionContext{
		"exec-1": {ExecutionID: "exec-1", WorkflowName: "greet", Deadline: time.Now().Add(time.Minute)},
		"exec-2": {ExecutionID: "exec-2", WorkflowName: "greet", Deadline: time.Now().Add(time.Minute)},
	}}
	mc := &fakeModCache{entries: map[string]modcache.Entry{
		"tools/greet.py": {ContentHash: "h1", Content: []byte("def run(): pass")},
	}}
	exec := &fakeExecutor{outcome: &InvokeOutcome{Value: "hi"}}

	var in bytes.Buffer
	writer := NewFrameWriter(&in)
	if err := writer.WriteWork(WorkFrame{ExecutionID: "exec-1"}); err != nil {
		t.Fatalf("WriteWork() error = %v", err)
	}
	if err := writer.WriteWork(WorkFrame{ExecutionID: "exec-2"}); err != nil {
		t.Fatalf("WriteWork() error = %v", err)
	}

	var out bytes.Buffer
	w := NewWorker("worker-1", NewFrameReader(&in), NewFrameWriter(&out), ent, execCtx, mc, nil, exec)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	reader := NewFrameReader(&out)
	first, err := reader.ReadResult()
	if err != nil {
		t.Fatalf("ReadResult() error = %v", err)
	}
	if !first.Result.Success {
		t.Errorf("first result Success = false, error = %s", first.Result.ErrorMessage)
	}
	second, err := reader.ReadResult()
	if err != nil {
		t.Fatalf("ReadResult() error = %v", err)
	}
	if second.Result.ExecutionID != "exec-2" {
		t.Errorf("second result ExecutionID = %s, want exec-2", second.Result.ExecutionID)
	}
	if len(execCtx.deletes) != 2 {
		t.Errorf("execution contexts deleted = %d, want 2", len(execCtx.deletes))
	}
}

func TestWorkerReusesCompiledUnitAcrossExecutions(t *testing.T) {
	ent := &fakeEntities{byName: map[string]*types.Entity{
		"greet": {FunctionSymbol: "run", Path: "tools/greet.py"},
	}}
	execCtx := &fakeExecCtx{byID: map[string]*types.ExecutionContext{
		"exec-1": {ExecutionID: "exec-1", WorkflowName: "greet", Deadline: time.Now().Add(time.Minute)},
		"exec-2": {ExecutionID: "exec-2", WorkflowName: "greet", Deadline: time.Now().Add(time.Minute)},
	}}
	mc := &fakeModCache{entries: map[string]modcache.Entry{
		"tools/greet.py": {ContentHash: "h1", Content: []byte("def run(): pass")},
	}}
	exec := &fakeExecutor{outcome: &InvokeOutcome{Value: "hi"}}
	w := NewWorker("worker-1", nil, nil, ent, execCtx, mc, nil, exec)

	w.handleOne(context.Background(), "exec-1")
	w.handleOne(context.Background(), "exec-2")

	if len(w.compiled) != 1 {
		t.Errorf("compiled cache size = %d, want 1", len(w.compiled))
	}
	if exec.calls != 2 {
		t.Errorf("executor invoked %d times, want 2", exec.calls)
	}
}
