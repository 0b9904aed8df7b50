package entities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/log"
	"github.com/cuemby/bifrost/pkg/types"
)

// Metadata is the per-function record the AST inspector (C4) extracts
// from a decorated Python definition. It is the input Ingest upserts.
type Metadata struct {
	FunctionSymbol   string
	Name             string
	Kind             types.EntityKind
	Description      string
	Category         string
	Tags             []string
	ParametersSchema []types.ParameterSpec
	EndpointEnabled  bool
	AllowedMethods   []string
	ExecutionMode    types.ExecutionMode
	TimeoutSeconds   int
	CacheTTLSeconds  int
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Upserted     []*types.Entity
	Deactivated  int
}

// Indexer ties the entity/form/agent stores together for a single file
// write (C7 step 5-7) or a full reindex pass (C12).
type Indexer struct {
	entities *Store
	forms    *FormStore
	agents   *AgentStore
}

// NewIndexer wires the three Postgres-backed stores together.
func NewIndexer(entities *Store, forms *FormStore, agents *AgentStore) *Indexer {
	return &Indexer{entities: entities, forms: forms, agents: agents}
}

// Ingest upserts every decorated function found at path and deactivates
// any previously-active entity at path whose function_symbol is no
// longer present, preserving ids for symbols that remain (identity
// survives a rename only via deactivation.Guard.ApplyReplacements, not
// via this call).
func (ix *Indexer) Ingest(ctx context.Context, path string, metas []Metadata) (*IngestResult, error) {
	result := &IngestResult{}
	keep := make([]string, 0, len(metas))
	now := time.Now().UTC()

	for _, m := range metas {
		e := &types.Entity{
			ID:               uuid.New().String(),
			Name:             m.Name,
			FunctionSymbol:   m.FunctionSymbol,
			Path:             path,
			Kind:             m.Kind,
			Description:      m.Description,
			Category:         m.Category,
			Tags:             m.Tags,
			ParametersSchema: m.ParametersSchema,
			EndpointEnabled:  m.EndpointEnabled,
			AllowedMethods:   m.AllowedMethods,
			ExecutionMode:    m.ExecutionMode,
			TimeoutSeconds:   m.TimeoutSeconds,
			CacheTTLSeconds:  m.CacheTTLSeconds,
			LastSeenAt:       now,
		}
		upserted, err := ix.entities.Upsert(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("ingest %s#%s: %w", path, m.FunctionSymbol, err)
		}
		result.Upserted = append(result.Upserted, upserted)
		keep = append(keep, m.FunctionSymbol)
	}

	n, err := ix.entities.DeactivateMissing(ctx, path, keep)
	if err != nil {
		return nil, fmt.Errorf("deactivate missing at %s: %w", path, err)
	}
	result.Deactivated = n

	log.Logger.Debug().Str("path", path).Int("upserted", len(result.Upserted)).
		Int("deactivated", n).Msg("entity ingest complete")
	return result, nil
}

// RemovePath deactivates every entity declared at path, used when the
// backing file itself is deleted rather than rewritten.
func (ix *Indexer) RemovePath(ctx context.Context, path string) (int, error) {
	return ix.entities.DeactivateAllAtPath(ctx, path)
}

// IngestForm parses and upserts a form document, resolving
// linked_workflow-by-name into a workflow_ref UUID when the YAML uses
// the legacy name-based field instead of workflow_id.
func (ix *Indexer) IngestForm(ctx context.Context, path string, content []byte) (*types.Form, []byte, bool, error) {
	form, rewritten, modified, err := ParseForm(path, content)
	if err != nil {
		return nil, nil, false, err
	}

	// A legacy document names its workflow in linked_workflow instead of
	// workflow_id; the ref stays empty when no active workflow has that name.
	if form.WorkflowRef == "" {
		var legacy formDoc
		if err := yaml.Unmarshal(content, &legacy); err == nil && legacy.LinkedWorkflow != "" {
			id, err := ix.ResolveWorkflowName(ctx, legacy.LinkedWorkflow)
			if err != nil {
				return nil, nil, false, fmt.Errorf("resolve linked_workflow %q in %s: %w", legacy.LinkedWorkflow, path, err)
			}
			form.WorkflowRef = id
		}
	}

	if err := ix.forms.Upsert(ctx, form); err != nil {
		return nil, nil, false, fmt.Errorf("upsert form %s: %w", path, err)
	}
	return form, rewritten, modified, nil
}

// ResolveWorkflowName looks up the active workflow entity with the given
// display name, for forms still using the legacy linked_workflow field.
// A miss is not fatal: the caller clears the reference rather than
// failing the whole write.
func (ix *Indexer) ResolveWorkflowName(ctx context.Context, name string) (string, error) {
	e, err := ix.entities.GetActiveByName(ctx, name)
	if err != nil {
		var nf *bferrors.NotFoundError
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", err
	}
	return e.ID, nil
}

// IngestAgent parses and upserts an agent document, silently dropping
// tool_refs and delegated_agent_refs that do not resolve to an existing
// entity/agent rather than failing the write.
func (ix *Indexer) IngestAgent(ctx context.Context, path string, content []byte) (*types.Agent, []byte, bool, error) {
	agent, rewritten, modified, err := ParseAgent(path, content)
	if err != nil {
		return nil, nil, false, err
	}

	resolvedTools := make([]string, 0, len(agent.ToolRefs))
	for _, ref := range agent.ToolRefs {
		if _, err := ix.entities.GetByID(ctx, ref); err != nil {
			log.Logger.Warn().Str("agent", agent.ID).Str("tool_ref", ref).
				Msg("dropping agent tool_ref that does not resolve")
			continue
		}
		resolvedTools = append(resolvedTools, ref)
	}
	agent.ToolRefs = resolvedTools

	resolvedDelegates := make([]string, 0, len(agent.DelegatedAgentRefs))
	for _, ref := range agent.DelegatedAgentRefs {
		if _, err := ix.agents.GetByID(ctx, ref); err != nil {
			log.Logger.Warn().Str("agent", agent.ID).Str("delegated_agent_ref", ref).
				Msg("dropping delegated_agent_ref that does not resolve")
			continue
		}
		resolvedDelegates = append(resolvedDelegates, ref)
	}
	agent.DelegatedAgentRefs = resolvedDelegates

	if err := ix.agents.Upsert(ctx, agent); err != nil {
		return nil, nil, false, fmt.Errorf("upsert agent %s: %w", path, err)
	}
	return agent, rewritten, modified, nil
}
