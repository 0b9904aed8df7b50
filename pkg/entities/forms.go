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

// formDoc mirrors the on-disk forms/<uuid>.form.yaml shape.
type formDoc struct {
	ID               string          `yaml:"id,omitempty"`
	Name             string          `yaml:"name"`
	Description      string          `yaml:"description,omitempty"`
	LinkedWorkflow   string          `yaml:"linked_workflow,omitempty"` // legacy: resolve by name
	WorkflowID       string          `yaml:"workflow_id,omitempty"`
	LaunchWorkflowID string          `yaml:"launch_workflow_id,omitempty"`
	Fields           []formFieldDoc  `yaml:"fields,omitempty"`
	OrganizationID   string          `yaml:"organization_id,omitempty"`
}

type formFieldDoc struct {
	Name            string `yaml:"name"`
	Label           string `yaml:"label,omitempty"`
	Type            string `yaml:"type,omitempty"`
	Required        bool   `yaml:"required,omitempty"`
	DataProviderRef string `yaml:"data_provider_ref,omitempty"`
}

// ParseForm decodes a forms/<uuid>.form.yaml body. If the body lacks an
// id field, one is injected and contentModified is returned true so the
// caller re-persists the rewritten bytes (§4.5).
func ParseForm(path string, content []byte) (form *types.Form, rewritten []byte, contentModified bool, err error) {
	var doc formDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, nil, false, fmt.Errorf("parse form yaml: %w", err)
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
		contentModified = true
		rewritten, err = yaml.Marshal(doc)
		if err != nil {
			return nil, nil, false, fmt.Errorf("re-serialize form yaml: %w", err)
		}
	} else {
		if _, err := uuid.Parse(doc.ID); err != nil {
			return nil, nil, false, &bferrors.InvalidError{Reason: "form id is not a UUID: " + doc.ID}
		}
	}

	fields := make([]types.FormField, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		fields = append(fields, types.FormField{
			Name:            f.Name,
			Label:           f.Label,
			Type:            f.Type,
			Required:        f.Required,
			DataProviderRef: f.DataProviderRef,
		})
	}

	return &types.Form{
		ID:                doc.ID,
		Name:              doc.Name,
		Description:       doc.Description,
		WorkflowRef:       doc.WorkflowID,
		LaunchWorkflowRef: doc.LaunchWorkflowID,
		Fields:            fields,
		OrganizationID:     doc.OrganizationID,
		IsActive:          true,
		Path:              path,
	}, rewritten, contentModified, nil
}

// formRow is the sqlx scan target for the forms table.
type formRow struct {
	ID                string `db:"id"`
	Name              string `db:"name"`
	Description       string `db:"description"`
	WorkflowRef       sql.NullString `db:"workflow_ref"`
	LaunchWorkflowRef sql.NullString `db:"launch_workflow_ref"`
	Fields            []byte `db:"fields"`
	OrganizationID    string `db:"organization_id"`
	IsActive          bool   `db:"is_active"`
	Path              string `db:"path"`
}

func (r *formRow) toForm() (*types.Form, error) {
	var fields []types.FormField
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &fields); err != nil {
			return nil, err
		}
	}
	return &types.Form{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		WorkflowRef:       r.WorkflowRef.String,
		LaunchWorkflowRef: r.LaunchWorkflowRef.String,
		Fields:            fields,
		OrganizationID:    r.OrganizationID,
		IsActive:          r.IsActive,
		Path:              r.Path,
	}, nil
}

// FormStore persists Form records.
type FormStore struct {
	db *sqlx.DB
}

// NewFormStore wraps an already-connected sqlx handle.
func NewFormStore(db *sqlx.DB) *FormStore { return &FormStore{db: db} }

// Upsert inserts or updates a form keyed by its embedded UUID.
func (s *FormStore) Upsert(ctx context.Context, f *types.Form) error {
	fields, err := json.Marshal(f.Fields)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO forms (id, name, description, workflow_ref, launch_workflow_ref, fields, organization_id, is_active, path)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, TRUE, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			workflow_ref = EXCLUDED.workflow_ref,
			launch_workflow_ref = EXCLUDED.launch_workflow_ref,
			fields = EXCLUDED.fields,
			organization_id = EXCLUDED.organization_id,
			is_active = TRUE,
			path = EXCLUDED.path`
	_, err = s.db.ExecContext(ctx, q, f.ID, f.Name, f.Description, f.WorkflowRef, f.LaunchWorkflowRef, fields, f.OrganizationID, f.Path)
	return err
}

// GetByID reads a single form.
func (s *FormStore) GetByID(ctx context.Context, id string) (*types.Form, error) {
	var row formRow
	const q = `SELECT * FROM forms WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &bferrors.NotFoundError{Key: id}
		}
		return nil, err
	}
	return row.toForm()
}

// ListReferencing returns active forms that reference workflowID as main
// or launch workflow, or via a field's data_provider_ref.
func (s *FormStore) ListReferencing(ctx context.Context, workflowID string) ([]*types.Form, error) {
	var rows []formRow
	const q = `
		SELECT * FROM forms
		WHERE is_active = TRUE AND (
			workflow_ref = $1 OR launch_workflow_ref = $1
			OR fields @> ('[{"data_provider_ref":"' || $1 || '"}]')::jsonb
		)`
	if err := s.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, err
	}
	out := make([]*types.Form, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toForm()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ListActive returns every active form, used by the reindexer to
// cross-check workflow/data-provider references in bulk.
func (s *FormStore) ListActive(ctx context.Context) ([]*types.Form, error) {
	var rows []formRow
	const q = `SELECT * FROM forms WHERE is_active = TRUE`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	out := make([]*types.Form, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toForm()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ClearWorkflowRef nulls out a dangling workflow_ref (used when resolution fails).
func (s *FormStore) ClearWorkflowRef(ctx context.Context, formID string) error {
	const q = `UPDATE forms SET workflow_ref = NULL WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, formID)
	return err
}

// ClearLaunchWorkflowRef nulls out a dangling launch_workflow_ref.
func (s *FormStore) ClearLaunchWorkflowRef(ctx context.Context, formID string) error {
	const q = `UPDATE forms SET launch_workflow_ref = NULL WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, formID)
	return err
}
