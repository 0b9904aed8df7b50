package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/blobstore"
	"github.com/cuemby/bifrost/pkg/metrics"
	"github.com/cuemby/bifrost/pkg/modcache"
	"github.com/cuemby/bifrost/pkg/types"
)

// compiledUnit is a cached, validated source body keyed by content hash;
// the worker never re-validates a body it has already served once.
type compiledUnit struct {
	contentHash string
	source      []byte
}

// EntityResolver is the slice of entities.Store the worker needs to turn
// a workflow name into the entity that defines it.
type EntityResolver interface {
	GetActiveByName(ctx context.Context, name string) (*types.Entity, error)
}

// ContextStore is the slice of exectx.Store the worker needs.
type ContextStore interface {
	Get(ctx context.Context, executionID string) (*types.ExecutionContext, error)
	Delete(ctx context.Context, executionID string) error
}

// ModuleCache is the slice of modcache.Cache the worker needs.
type ModuleCache interface {
	Get(ctx context.Context, path string) (modcache.Entry, bool, error)
	Set(ctx context.Context, path string, entry modcache.Entry) error
}

// Worker runs the C9 main loop: block on the work channel for an
// execution id, resolve and load the target, invoke it, and emit exactly
// one ExecutionResult before looping back for the next one.
type Worker struct {
	ID string

	Reader *FrameReader
	Writer *FrameWriter

	Entities EntityResolver
	ExecCtx  ContextStore
	ModCache ModuleCache
	Blobs    blobstore.Store
	Executor Executor

	// resolvedPath caches workflow name -> path for the lifetime of the
	// process, since the entity table rarely renames a path mid-flight.
	resolvedPath map[string]string

	// compiled caches validated unit bodies by path, reused across
	// executions on this worker as long as the content hash matches.
	compiled map[string]compiledUnit
}

// NewWorker constructs a Worker around the given frame streams and stores.
func NewWorker(id string, r *FrameReader, w *FrameWriter, ent EntityResolver, ec ContextStore, mc ModuleCache, blobs blobstore.Store, exec Executor) *Worker {
	return &Worker{
		ID:           id,
		Reader:       r,
		Writer:       w,
		Entities:     ent,
		ExecCtx:      ec,
		ModCache:     mc,
		Blobs:        blobs,
		Executor:     exec,
		resolvedPath: make(map[string]string),
		compiled:     make(map[string]compiledUnit),
	}
}

// Run blocks on the work channel until it's closed (io.EOF), handling one
// execution per frame. It never returns a non-nil error for a failed
// execution: every failure becomes a typed ExecutionResult on the result
// channel instead, per the execution pipeline's never-raise contract.
func (w *Worker) Run(ctx context.Context) error {
	for {
		frame, err := w.Reader.ReadWork()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read work frame: %w", err)
		}

		result := w.handleOne(ctx, frame.ExecutionID)

		if err := w.Writer.WriteResult(ResultFrame{Result: result}); err != nil {
			return fmt.Errorf("write result frame: %w", err)
		}

		_ = w.ExecCtx.Delete(ctx, frame.ExecutionID)

		outcome := "success"
		if !result.Success {
			outcome = "error"
		}
		metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (w *Worker) handleOne(ctx context.Context, executionID string) *types.ExecutionResult {
	start := time.Now()
	fail := func(kind types.ErrorKind, err error) *types.ExecutionResult {
		return &types.ExecutionResult{
			ExecutionID:  executionID,
			Success:      false,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
			DurationMS:   time.Since(start).Milliseconds(),
		}
	}

	execCtx, err := w.ExecCtx.Get(ctx, executionID)
	if err != nil {
		return fail(types.ErrorKindExecutionFailed, fmt.Errorf("fetch execution context: %w", err))
	}

	entity, err := w.resolveEntity(ctx, execCtx.WorkflowName)
	if err != nil {
		return fail(types.ErrorKindExecutionFailed, fmt.Errorf("resolve target: %w", err))
	}

	unit, err := w.loadCompiled(ctx, entity.Path)
	if err != nil {
		return fail(types.ErrorKindExecutionFailed, fmt.Errorf("load source: %w", err))
	}

	deadline := execCtx.Deadline
	if deadline.IsZero() {
		deadline = start.Add(time.Duration(execCtx.TimeoutSeconds) * time.Second)
	}

	invokeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	outcome, err := w.Executor.Invoke(invokeCtx, InvokeRequest{
		Path:           entity.Path,
		FunctionSymbol: entity.FunctionSymbol,
		Source:         unit.source,
		Parameters:     execCtx.Parameters,
		Deadline:       deadline,
	})
	if err != nil {
		if invokeCtx.Err() == context.DeadlineExceeded {
			return fail(types.ErrorKindTimeout, err)
		}
		if invokeCtx.Err() == context.Canceled {
			return fail(types.ErrorKindCancelled, err)
		}
		return fail(types.ErrorKindExecutionFailed, err)
	}

	return &types.ExecutionResult{
		ExecutionID:  executionID,
		Success:      true,
		Value:        outcome.Value,
		DurationMS:   time.Since(start).Milliseconds(),
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
	}
}

// resolveEntity maps a workflow name to its active entity, caching the
// path for the lifetime of this worker process.
func (w *Worker) resolveEntity(ctx context.Context, workflowName string) (*types.Entity, error) {
	entity, err := w.Entities.GetActiveByName(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	w.resolvedPath[workflowName] = entity.Path
	return entity, nil
}

// loadCompiled returns the validated source for path, preferring the
// module cache (C3), falling back to the blob store (C1) on a miss, and
// reusing the in-process compiled unit across executions on this worker
// as long as the content hash still matches.
func (w *Worker) loadCompiled(ctx context.Context, path string) (*compiledUnit, error) {
	entry, hit, err := w.ModCache.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	var source []byte
	var contentHash string

	if hit {
		source = entry.Content
		contentHash = entry.ContentHash
	} else {
		blob, err := w.Blobs.Get(ctx, "repo/"+path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", bferrors.ErrNotFound, path)
		}
		source = blob.Bytes
		contentHash = blob.ContentHash
		if contentHash == "" {
			sum := sha256.Sum256(source)
			contentHash = hex.EncodeToString(sum[:])
		}
		_ = w.ModCache.Set(ctx, path, modcache.Entry{ContentHash: contentHash, Content: source})
	}

	if cached, ok := w.compiled[path]; ok && cached.contentHash == contentHash {
		return &cached, nil
	}

	unit := compiledUnit{contentHash: contentHash, source: source}
	w.compiled[path] = unit
	return &unit, nil
}
