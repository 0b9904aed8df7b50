// Package deactivation implements the deactivation guard (C6): before a
// file write drops a previously-declared workflow, it detects the
// impending deactivation, surfaces entities that still reference it,
// and suggests replacement candidates among the newly-declared
// functions by name similarity.
package deactivation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/bifrost/pkg/entities"
	"github.com/cuemby/bifrost/pkg/types"
)

const replacementThreshold = 0.2

// Guard computes pending deactivations against the entity, form, and
// agent stores.
type Guard struct {
	entities *entities.Store
	forms    *entities.FormStore
	agents   *entities.AgentStore
}

// NewGuard wires the guard to the stores it reads cross-references from.
func NewGuard(entityStore *entities.Store, formStore *entities.FormStore, agentStore *entities.AgentStore) *Guard {
	return &Guard{entities: entityStore, forms: formStore, agents: agentStore}
}

// DecoratorInfo is the (kind, display name) pair a caller supplies per
// newly-declared function symbol, used to label replacement candidates.
type DecoratorInfo struct {
	Kind types.EntityKind
	Name string
}

// Detect compares the entities currently active at path against the set
// of function symbols found in the new content and returns every
// workflow that would be deactivated plus the new functions that look
// like plausible replacements for one of them.
func (g *Guard) Detect(
	ctx context.Context,
	path string,
	newFunctionSymbols map[string]struct{},
	newDecoratorInfo map[string]DecoratorInfo,
) ([]types.PendingDeactivation, []types.AvailableReplacement, error) {
	existing, err := g.entities.ListActiveByPath(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("list active entities at %s: %w", path, err)
	}

	existingSymbols := make(map[string]struct{}, len(existing))
	var pending []types.PendingDeactivation

	for _, e := range existing {
		existingSymbols[e.FunctionSymbol] = struct{}{}
		if _, stillPresent := newFunctionSymbols[e.FunctionSymbol]; stillPresent {
			continue
		}

		affected, err := g.findAffectedEntities(ctx, e.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("find affected entities for %s: %w", e.ID, err)
		}

		pending = append(pending, types.PendingDeactivation{
			ID:               e.ID,
			Name:             e.Name,
			FunctionSymbol:   e.FunctionSymbol,
			Path:             e.Path,
			Description:      e.Description,
			Kind:             e.Kind,
			AffectedEntities: affected,
			EndpointEnabled:  e.EndpointEnabled,
		})
	}

	var replacements []types.AvailableReplacement
	if len(pending) > 0 {
		for symbol := range newFunctionSymbols {
			if _, alreadyKnown := existingSymbols[symbol]; alreadyKnown {
				continue
			}

			info, ok := newDecoratorInfo[symbol]
			if !ok {
				info = DecoratorInfo{Kind: types.EntityKindWorkflow, Name: symbol}
			}

			best := 0.0
			for _, pd := range pending {
				score := ComputeSimilarity(pd.FunctionSymbol, symbol)
				if score > best {
					best = score
				}
			}

			if best >= replacementThreshold {
				replacements = append(replacements, types.AvailableReplacement{
					FunctionSymbol:  symbol,
					Name:            info.Name,
					Kind:            info.Kind,
					SimilarityScore: round2(best),
				})
			}
		}

		sort.SliceStable(replacements, func(i, j int) bool {
			return replacements[i].SimilarityScore > replacements[j].SimilarityScore
		})
	}

	return pending, replacements, nil
}

func (g *Guard) findAffectedEntities(ctx context.Context, entityID string) ([]types.AffectedEntity, error) {
	var affected []types.AffectedEntity

	forms, err := g.forms.ListReferencing(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for _, f := range forms {
		var refs []string
		if f.WorkflowRef == entityID {
			refs = append(refs, "workflow")
		}
		if f.LaunchWorkflowRef == entityID {
			refs = append(refs, "launch_workflow")
		}
		for _, field := range f.Fields {
			if field.DataProviderRef == entityID {
				refs = append(refs, "data_provider")
				break
			}
		}
		if len(refs) == 0 {
			continue
		}
		affected = append(affected, types.AffectedEntity{
			EntityType:    "form",
			ID:            f.ID,
			Name:          f.Name,
			ReferenceType: strings.Join(refs, ", "),
		})
	}

	agentRefs, err := g.agents.ListReferencingTool(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for _, a := range agentRefs {
		affected = append(affected, types.AffectedEntity{
			EntityType:    "agent",
			ID:            a.ID,
			Name:          a.Name,
			ReferenceType: "tool",
		})
	}

	return affected, nil
}

// ApplyReplacements rewrites the function_symbol of each pending
// deactivation onto its chosen replacement, preserving id (and with it
// execution history and schedules). Invalid ids are skipped with a
// log-worthy error collected rather than aborting the batch.
func (g *Guard) ApplyReplacements(ctx context.Context, replacements map[string]string) []error {
	var errs []error
	for oldID, newSymbol := range replacements {
		if err := g.entities.RenameFunctionSymbol(ctx, oldID, newSymbol); err != nil {
			errs = append(errs, fmt.Errorf("apply replacement %s -> %s: %w", oldID, newSymbol, err))
		}
	}
	return errs
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
