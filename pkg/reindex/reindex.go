// Package reindex implements the reindexer (C12): a bulk reconciliation
// sweep that walks the blob store, rebuilds the text index and entity
// table to match it, reports dangling references without rewriting
// them, and
// deactivates entities whose backing file is gone.
package reindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cuemby/bifrost/pkg/blobstore"
	"github.com/cuemby/bifrost/pkg/entities"
	"github.com/cuemby/bifrost/pkg/log"
	"github.com/cuemby/bifrost/pkg/metrics"
	"github.com/cuemby/bifrost/pkg/pyast"
	"github.com/cuemby/bifrost/pkg/textindex"
	"github.com/cuemby/bifrost/pkg/types"
)

const repoPrefix = "repo/"

// entityStore is the slice of *entities.Store the reindexer needs.
type entityStore interface {
	GetByID(ctx context.Context, id string) (*types.Entity, error)
	ListAllActivePaths(ctx context.Context) ([]string, error)
	DeactivateAllAtPath(ctx context.Context, path string) (int, error)
}

// formLister is the slice of *entities.FormStore the reindexer needs.
type formLister interface {
	ListActive(ctx context.Context) ([]*types.Form, error)
}

// agentLister is the slice of *entities.AgentStore the reindexer needs.
type agentLister interface {
	ListActive(ctx context.Context) ([]*types.Agent, error)
	GetByID(ctx context.Context, id string) (*types.Agent, error)
}

// ingester is the slice of *entities.Indexer the reindexer needs.
type ingester interface {
	Ingest(ctx context.Context, path string, metas []entities.Metadata) (*entities.IngestResult, error)
}

// Reindexer drives a full reconciliation sweep. It shares its dependencies
// with the write pipeline (C7) rather than duplicating their logic.
type Reindexer struct {
	blobs   blobstore.Store
	index   textindex.Index
	store   entityStore
	forms   formLister
	agents  agentLister
	indexer ingester
}

// New wires a Reindexer from the same component set the write pipeline uses.
func New(blobs blobstore.Store, index textindex.Index, store entityStore, forms formLister, agents agentLister, indexer ingester) *Reindexer {
	return &Reindexer{blobs: blobs, index: index, store: store, forms: forms, agents: agents, indexer: indexer}
}

// Sweep runs one full reconciliation pass.
func (r *Reindexer) Sweep(ctx context.Context) (*types.ReindexReport, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReindexDuration)

	report := &types.ReindexReport{StartedAt: time.Now()}

	keys, err := r.blobs.List(ctx, repoPrefix)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(keys))
	for _, key := range keys {
		path := strings.TrimPrefix(key, repoPrefix)
		present[path] = true

		if err := r.reconcileOne(ctx, key, path, report); err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("reindex: failed to reconcile file")
			metrics.ReindexFilesTotal.WithLabelValues("error").Inc()
			report.Errors = append(report.Errors, types.ReindexError{
				Path:    path,
				Message: "failed to reconcile: " + err.Error(),
			})
			continue
		}
		report.FilesIndexed++
		metrics.ReindexFilesTotal.WithLabelValues("indexed").Inc()
	}

	removed, err := r.deactivateOrphanedPaths(ctx, present)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("reindex: failed to deactivate orphaned paths")
	}
	report.FilesRemoved = removed.removedPaths
	report.WorkflowsDeactivated = removed.deactivated

	r.crossCheckForms(ctx, report)
	r.crossCheckAgents(ctx, report)

	report.FinishedAt = time.Now()
	log.Logger.Info().
		Int("files_indexed", report.FilesIndexed).
		Int("files_removed", report.FilesRemoved).
		Int("workflows_deactivated", report.WorkflowsDeactivated).
		Int("ids_corrected", report.IDsCorrected).
		Int("errors", len(report.Errors)).
		Msg("reindex sweep complete")

	return report, nil
}

// reconcileOne ensures the text index has a matching row for one blob
// key, and re-runs entity ingest for executable artifacts.
func (r *Reindexer) reconcileOne(ctx context.Context, key, path string, report *types.ReindexReport) error {
	blob, err := r.blobs.Get(ctx, key)
	if err != nil {
		return err
	}
	contentHash := blob.ContentHash
	if contentHash == "" {
		sum := sha256.Sum256(blob.Bytes)
		contentHash = hex.EncodeToString(sum[:])
	}

	row, err := r.index.Get(ctx, path)
	if err != nil || row.ContentHash != contentHash {
		if err := r.index.Upsert(ctx, path, string(blob.Bytes), contentHash, time.Now()); err != nil {
			return err
		}
	}

	switch {
	case strings.HasSuffix(path, ".py"):
		return r.reindexPython(ctx, path, blob.Bytes)
	}
	return nil
}

func (r *Reindexer) reindexPython(ctx context.Context, path string, content []byte) error {
	scan, err := pyast.Scan(path, content)
	if err != nil {
		return err
	}
	if scan.EntityType != "workflow" {
		return nil
	}

	metas := make([]entities.Metadata, 0, len(scan.Functions))
	for _, fn := range scan.Functions {
		metas = append(metas, pyast.ToMetadata(fn))
	}
	_, err = r.indexer.Ingest(ctx, path, metas)
	return err
}

type orphanResult struct {
	removedPaths int
	deactivated  int
}

// deactivateOrphanedPaths marks every entity whose path no longer has a
// blob under repo/ as inactive (step 3: "mark entities whose path is
// absent from C1 as inactive").
func (r *Reindexer) deactivateOrphanedPaths(ctx context.Context, present map[string]bool) (orphanResult, error) {
	paths, err := r.store.ListAllActivePaths(ctx)
	if err != nil {
		return orphanResult{}, err
	}

	var result orphanResult
	for _, path := range paths {
		if present[path] {
			continue
		}
		n, err := r.store.DeactivateAllAtPath(ctx, path)
		if err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("reindex: failed to deactivate orphaned path")
			continue
		}
		if n > 0 {
			result.removedPaths++
			result.deactivated += n
		}
	}
	return result, nil
}

// crossCheckForms validates that every active form's workflow_ref,
// launch_workflow_ref, and per-field data_provider_ref still resolve to
// an entity. A dangling reference is reported as a ReindexError: the
// only information available to repair it is the stale id itself, with
// no recoverable name to match against, so silent rewriting is not
// attempted here (see DESIGN.md).
func (r *Reindexer) crossCheckForms(ctx context.Context, report *types.ReindexReport) {
	forms, err := r.forms.ListActive(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("reindex: failed to list active forms")
		return
	}

	for _, f := range forms {
		if f.WorkflowRef != "" {
			if _, err := r.store.GetByID(ctx, f.WorkflowRef); err != nil {
				report.Errors = append(report.Errors, types.ReindexError{
					Path: f.Path, Field: "workflow_ref", ReferencedID: f.WorkflowRef,
					Message: "referenced workflow entity no longer exists",
				})
			}
		}
		if f.LaunchWorkflowRef != "" {
			if _, err := r.store.GetByID(ctx, f.LaunchWorkflowRef); err != nil {
				report.Errors = append(report.Errors, types.ReindexError{
					Path: f.Path, Field: "launch_workflow_ref", ReferencedID: f.LaunchWorkflowRef,
					Message: "referenced launch workflow entity no longer exists",
				})
			}
		}
		for _, field := range f.Fields {
			if field.DataProviderRef == "" {
				continue
			}
			if _, err := r.store.GetByID(ctx, field.DataProviderRef); err != nil {
				report.Errors = append(report.Errors, types.ReindexError{
					Path: f.Path, Field: "fields[" + field.Name + "].data_provider_ref", ReferencedID: field.DataProviderRef,
					Message: "referenced data provider entity no longer exists",
				})
			}
		}
	}
}

// crossCheckAgents validates that every active agent's tool_refs and
// delegated_agent_refs still resolve, same caveat as crossCheckForms.
func (r *Reindexer) crossCheckAgents(ctx context.Context, report *types.ReindexReport) {
	agents, err := r.agents.ListActive(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("reindex: failed to list active agents")
		return
	}

	for _, a := range agents {
		for _, ref := range a.ToolRefs {
			if _, err := r.store.GetByID(ctx, ref); err != nil {
				report.Errors = append(report.Errors, types.ReindexError{
					Path: a.Path, Field: "tool_refs", ReferencedID: ref,
					Message: "referenced tool entity no longer exists",
				})
			}
		}
		for _, ref := range a.DelegatedAgentRefs {
			if _, err := r.agents.GetByID(ctx, ref); err != nil {
				report.Errors = append(report.Errors, types.ReindexError{
					Path: a.Path, Field: "delegated_agent_refs", ReferencedID: ref,
					Message: "referenced delegated agent no longer exists",
				})
			}
		}
	}
}
