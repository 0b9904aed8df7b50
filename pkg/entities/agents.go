package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/types"
)

// agentDoc mirrors the on-disk agents/<uuid>.agent.yaml shape.
type agentDoc struct {
	ID                 string   `yaml:"id,omitempty"`
	Name               string   `yaml:"name"`
	SystemPrompt       string   `yaml:"system_prompt,omitempty"`
	ToolRefs           []string `yaml:"tool_refs,omitempty"`
	DelegatedAgentRefs []string `yaml:"delegated_agent_refs,omitempty"`
	Channels           []string `yaml:"channels,omitempty"`
}

// ParseAgent decodes an agents/<uuid>.agent.yaml body, injecting an id
// when the document omits one, same as ParseForm.
func ParseAgent(path string, content []byte) (agent *types.Agent, rewritten []byte, contentModified bool, err error) {
	var doc agentDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, nil, false, fmt.Errorf("parse agent yaml: %w", err)
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
		contentModified = true
		rewritten, err = yaml.Marshal(doc)
		if err != nil {
			return nil, nil, false, fmt.Errorf("re-serialize agent yaml: %w", err)
		}
	} else if _, err := uuid.Parse(doc.ID); err != nil {
		return nil, nil, false, &bferrors.InvalidError{Reason: "agent id is not a UUID: " + doc.ID}
	}

	return &types.Agent{
		ID:                 doc.ID,
		Name:               doc.Name,
		SystemPrompt:       doc.SystemPrompt,
		ToolRefs:           doc.ToolRefs,
		DelegatedAgentRefs: doc.DelegatedAgentRefs,
		Channels:           doc.Channels,
		IsActive:           true,
		Path:               path,
	}, rewritten, contentModified, nil
}

// agentRow is the sqlx scan target for the agents table.
type agentRow struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	SystemPrompt       string `db:"system_prompt"`
	ToolRefs           []byte `db:"tool_refs"`
	DelegatedAgentRefs []byte `db:"delegated_agent_refs"`
	Channels           []byte `db:"channels"`
	IsActive           bool   `db:"is_active"`
	Path               string `db:"path"`
}

func (r *agentRow) toAgent() (*types.Agent, error) {
	var toolRefs, delegated, channels []string
	if len(r.ToolRefs) > 0 {
		if err := json.Unmarshal(r.ToolRefs, &toolRefs); err != nil {
			return nil, err
		}
	}
	if len(r.DelegatedAgentRefs) > 0 {
		if err := json.Unmarshal(r.DelegatedAgentRefs, &delegated); err != nil {
			return nil, err
		}
	}
	if len(r.Channels) > 0 {
		if err := json.Unmarshal(r.Channels, &channels); err != nil {
			return nil, err
		}
	}
	return &types.Agent{
		ID:                 r.ID,
		Name:               r.Name,
		SystemPrompt:       r.SystemPrompt,
		ToolRefs:           toolRefs,
		DelegatedAgentRefs: delegated,
		Channels:           channels,
		IsActive:           r.IsActive,
		Path:               r.Path,
	}, nil
}

// AgentStore persists Agent records.
type AgentStore struct {
	db *sqlx.DB
}

// NewAgentStore wraps an already-connected sqlx handle.
func NewAgentStore(db *sqlx.DB) *AgentStore { return &AgentStore{db: db} }

// Upsert inserts or updates an agent keyed by its embedded UUID. toolRefs
// and delegatedAgentRefs are expected to have already been filtered to
// references that resolve (unresolved refs are dropped by the indexer,
// not here).
func (s *AgentStore) Upsert(ctx context.Context, a *types.Agent) error {
	toolRefs, err := json.Marshal(nonNilStrings(a.ToolRefs))
	if err != nil {
		return err
	}
	delegated, err := json.Marshal(nonNilStrings(a.DelegatedAgentRefs))
	if err != nil {
		return err
	}
	channels, err := json.Marshal(nonNilStrings(a.Channels))
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO agents (id, name, system_prompt, tool_refs, delegated_agent_refs, channels, is_active, path)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			system_prompt = EXCLUDED.system_prompt,
			tool_refs = EXCLUDED.tool_refs,
			delegated_agent_refs = EXCLUDED.delegated_agent_refs,
			channels = EXCLUDED.channels,
			is_active = TRUE,
			path = EXCLUDED.path`
	_, err = s.db.ExecContext(ctx, q, a.ID, a.Name, a.SystemPrompt, toolRefs, delegated, channels, a.Path)
	return err
}

// GetByID reads a single agent.
func (s *AgentStore) GetByID(ctx context.Context, id string) (*types.Agent, error) {
	var row agentRow
	const q = `SELECT * FROM agents WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &bferrors.NotFoundError{Key: id}
		}
		return nil, err
	}
	return row.toAgent()
}

// ListReferencingTool returns active agents whose tool_refs include toolID.
func (s *AgentStore) ListReferencingTool(ctx context.Context, toolID string) ([]*types.Agent, error) {
	var rows []agentRow
	const q = `
		SELECT * FROM agents
		WHERE is_active = TRUE AND tool_refs @> $1::jsonb`
	needle, err := json.Marshal([]string{toolID})
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &rows, q, string(needle)); err != nil {
		return nil, err
	}
	out := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		ag, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, ag)
	}
	return out, nil
}

// ListActive returns every active agent, used by the reindexer to
// cross-check tool_refs and delegated_agent_refs in bulk.
func (s *AgentStore) ListActive(ctx context.Context) ([]*types.Agent, error) {
	var rows []agentRow
	const q = `SELECT * FROM agents WHERE is_active = TRUE`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	out := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		ag, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, ag)
	}
	return out, nil
}

// DropToolRef removes toolID from an agent's tool_refs, used when a
// referenced tool is deactivated and the reference must not dangle.
func (s *AgentStore) DropToolRef(ctx context.Context, agentID, toolID string) error {
	ag, err := s.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(ag.ToolRefs))
	for _, ref := range ag.ToolRefs {
		if ref != toolID {
			kept = append(kept, ref)
		}
	}
	ag.ToolRefs = kept
	return s.Upsert(ctx, ag)
}
