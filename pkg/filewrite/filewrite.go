// Package filewrite implements the file write pipeline (C7): the single
// top-level operation that accepts a path and its new bytes, runs the
// deactivation guard, and then drives the blob store, text index,
// module cache, and entity indexer in the order the rest of the
// platform depends on for recoverability.
package filewrite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/blobstore"
	"github.com/cuemby/bifrost/pkg/deactivation"
	"github.com/cuemby/bifrost/pkg/entities"
	"github.com/cuemby/bifrost/pkg/log"
	"github.com/cuemby/bifrost/pkg/metrics"
	"github.com/cuemby/bifrost/pkg/modcache"
	"github.com/cuemby/bifrost/pkg/pyast"
	"github.com/cuemby/bifrost/pkg/textindex"
	"github.com/cuemby/bifrost/pkg/types"
)

// excludedPrefixes are system paths the pipeline refuses to write,
// mirroring the platform's own cache and metadata namespaces.
var excludedPrefixes = []string{"_repo/", "_cache/", ".bifrost/"}

// Request is the argument bundle for Write.
type Request struct {
	Path             string
	Content          []byte
	UpdatedBy        string
	ForceDeactivation bool
	Replacements     map[string]string // old entity id -> new function symbol
}

// Result is everything the caller needs after a successful write.
type Result struct {
	Diagnostics []types.Diagnostic
	Entities    []*types.Entity
	Deactivated int
}

// Pipeline wires together the components a write touches.
type Pipeline struct {
	blobs    blobstore.Store
	index    textindex.Index
	cache    *modcache.Cache
	indexer  *entities.Indexer
	guard    *deactivation.Guard
	knownSDK []string
}

// New wires a Pipeline from its component dependencies. knownSDKSymbols
// is the list of symbols ScanUnexposedSymbols treats as legitimately
// exported, used for the step-8 diagnostic scan.
func New(blobs blobstore.Store, index textindex.Index, cache *modcache.Cache, indexer *entities.Indexer, guard *deactivation.Guard, knownSDKSymbols []string) *Pipeline {
	return &Pipeline{blobs: blobs, index: index, cache: cache, indexer: indexer, guard: guard, knownSDK: knownSDKSymbols}
}

func isExcluded(path string) bool {
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isExecutable(path string) bool {
	return strings.HasSuffix(path, ".py")
}

func isForm(path string) bool   { return strings.HasSuffix(path, ".form.yaml") }
func isAgent(path string) bool  { return strings.HasSuffix(path, ".agent.yaml") }

// Write runs the full pipeline. A PendingDeactivation error carries the
// lists the caller must present to the user before retrying with either
// replacements or force_deactivation=true.
func (p *Pipeline) Write(ctx context.Context, req Request) (*Result, error) {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.WritePipelineDuration) }()

	if isExcluded(req.Path) {
		metrics.WritesTotal.WithLabelValues("invalid").Inc()
		return nil, &bferrors.InvalidError{Reason: "path is reserved for system use: " + req.Path}
	}

	var scan *pyast.ScanResult
	var diagnostics []types.Diagnostic

	if isExecutable(req.Path) {
		var err error
		scan, err = pyast.Scan(req.Path, req.Content)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", req.Path, err)
		}
		diagnostics = append(diagnostics, scan.Diagnostics...)

		if len(req.Replacements) > 0 {
			if errs := p.guard.ApplyReplacements(ctx, req.Replacements); len(errs) > 0 {
				for _, e := range errs {
					log.Logger.Warn().Err(e).Str("path", req.Path).Msg("failed to apply deactivation replacement")
				}
			}
		}

		newSymbols := make(map[string]struct{}, len(scan.Functions))
		decoratorInfo := make(map[string]deactivation.DecoratorInfo, len(scan.Functions))
		for _, fn := range scan.Functions {
			newSymbols[fn.Name] = struct{}{}
			decoratorInfo[fn.Name] = deactivation.DecoratorInfo{Kind: kindFromDecorator(fn.Decorator.Name), Name: fn.Name}
		}

		pending, replacements, err := p.guard.Detect(ctx, req.Path, newSymbols, decoratorInfo)
		if err != nil {
			return nil, fmt.Errorf("deactivation guard for %s: %w", req.Path, err)
		}
		if len(pending) > 0 && !req.ForceDeactivation && len(req.Replacements) == 0 {
			metrics.DeactivationGuardDecisions.WithLabelValues("blocked").Inc()
			metrics.WritesTotal.WithLabelValues("pending_deactivation").Inc()
			return nil, &PendingDeactivationError{Pending: pending, Replacements: replacements}
		}
		if len(pending) > 0 {
			decision := "force_deactivated"
			if len(req.Replacements) > 0 {
				decision = "replaced"
			}
			metrics.DeactivationGuardDecisions.WithLabelValues(decision).Inc()
		}
	}

	blob, err := p.blobs.Put(ctx, "repo/"+req.Path, req.Content, contentTypeFor(req.Path))
	if err != nil {
		return nil, fmt.Errorf("blob put %s: %w", req.Path, err)
	}

	if err := p.index.Upsert(ctx, req.Path, string(req.Content), blob.ContentHash, time.Now()); err != nil {
		log.Logger.Error().Err(err).Str("path", req.Path).
			Msg("text index upsert failed after blob write; reindexer will repair")
	}

	if isExecutable(req.Path) {
		if err := p.cache.Set(ctx, req.Path, modcache.Entry{ContentHash: blob.ContentHash, Content: req.Content}); err != nil {
			log.Logger.Warn().Err(err).Str("path", req.Path).Msg("module cache set failed")
		}
	}

	result := &Result{Diagnostics: diagnostics}

	switch {
	case isExecutable(req.Path) && scan != nil && scan.EntityType == "workflow":
		metas := make([]entities.Metadata, 0, len(scan.Functions))
		for _, fn := range scan.Functions {
			metas = append(metas, pyast.ToMetadata(fn))
		}
		ingestResult, err := p.indexer.Ingest(ctx, req.Path, metas)
		if err != nil {
			diagnostics = append(diagnostics, types.Diagnostic{
				Severity: types.SeverityError,
				Path:     req.Path,
				Message:  "entity ingest failed, content stored but not indexed: " + err.Error(),
			})
		} else {
			result.Entities = ingestResult.Upserted
			if req.ForceDeactivation {
				result.Deactivated = ingestResult.Deactivated
			}
		}

	case isForm(req.Path):
		if _, rewritten, _, err := p.indexer.IngestForm(ctx, req.Path, req.Content); err != nil {
			diagnostics = append(diagnostics, types.Diagnostic{Severity: types.SeverityError, Path: req.Path, Message: err.Error()})
		} else if len(rewritten) > 0 {
			if _, err := p.blobs.Put(ctx, "repo/"+req.Path, rewritten, contentTypeFor(req.Path)); err != nil {
				log.Logger.Warn().Err(err).Str("path", req.Path).Msg("failed to persist injected form id")
			}
		}

	case isAgent(req.Path):
		if _, rewritten, _, err := p.indexer.IngestAgent(ctx, req.Path, req.Content); err != nil {
			diagnostics = append(diagnostics, types.Diagnostic{Severity: types.SeverityError, Path: req.Path, Message: err.Error()})
		} else if len(rewritten) > 0 {
			if _, err := p.blobs.Put(ctx, "repo/"+req.Path, rewritten, contentTypeFor(req.Path)); err != nil {
				log.Logger.Warn().Err(err).Str("path", req.Path).Msg("failed to persist injected agent id")
			}
		}
	}

	result.Diagnostics = diagnostics

	if isExecutable(req.Path) && scan != nil {
		unexposed := pyast.ScanUnexposedSymbols(req.Path, req.Content, p.knownSDK)
		result.Diagnostics = append(result.Diagnostics, unexposed...)
	}

	metrics.WritesTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// Delete removes an artifact: the blob is deleted and every entity
// declared at path is soft-deactivated.
func (p *Pipeline) Delete(ctx context.Context, path string) error {
	if err := p.blobs.Delete(ctx, "repo/"+path); err != nil {
		return fmt.Errorf("blob delete %s: %w", path, err)
	}
	if err := p.index.Delete(ctx, path); err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("text index delete failed")
	}
	if isExecutable(path) {
		if _, err := p.indexer.RemovePath(ctx, path); err != nil {
			return fmt.Errorf("deactivate entities at %s: %w", path, err)
		}
	}
	return nil
}

func kindFromDecorator(name string) types.EntityKind {
	switch name {
	case "tool":
		return types.EntityKindTool
	case "data_provider":
		return types.EntityKindDataProvider
	default:
		return types.EntityKindWorkflow
	}
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".py"):
		return "text/x-python"
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return "application/yaml"
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// PendingDeactivationError is returned when a write would deactivate an
// active workflow without the caller having opted into that outcome.
type PendingDeactivationError struct {
	Pending      []types.PendingDeactivation
	Replacements []types.AvailableReplacement
}

func (e *PendingDeactivationError) Error() string {
	return fmt.Sprintf("write blocked: %d entities would be deactivated", len(e.Pending))
}

func (e *PendingDeactivationError) Unwrap() error {
	return bferrors.ErrPendingDeactivation
}
