package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
	"github.com/picklr-io/tierctl/internal/state"
)

// Reconciliation is the result of comparing desired descriptors with the
// recorded state.
type Reconciliation struct {
	Graph    *DAG
	Apply    *ir.Plan
	Teardown *ir.Plan

	// Changes previews the apply plan followed by teardown deletions.
	Changes []*ir.ResourceChange

	// Drift lists stored ids that are neither declared nor marked removed.
	Drift   []string
	Summary ir.PlanSummary
}

// Reconciler turns desired descriptors and stored state into plans.
type Reconciler struct {
	cfg GraphConfig
}

func NewReconciler(cfg GraphConfig) *Reconciler {
	return &Reconciler{cfg: cfg}
}

// Reconcile builds the apply plan for every non-removed descriptor and a
// teardown plan for removed descriptors that still exist in the store.
// Nothing is applied.
func (r *Reconciler) Reconcile(ctx context.Context, desired []*ir.Resource, store state.Store) (*Reconciliation, error) {
	logging.Debug("reconciling", "desired", len(desired))

	var active []*ir.Resource
	removed := make(map[string]bool)
	declared := make(map[string]bool)
	for _, res := range desired {
		if res == nil {
			continue
		}
		if res.Removed {
			removed[res.ID] = true
			continue
		}
		active = append(active, res)
		declared[res.ID] = true
	}
	for id := range removed {
		if declared[id] {
			return nil, &DuplicateIDError{ID: id}
		}
	}

	dag, err := BuildGraph(active, r.cfg)
	if err != nil {
		return nil, err
	}

	stored, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	byID := make(map[string]*ir.ResourceState, len(stored))
	for _, rs := range stored {
		byID[rs.ID] = rs
	}

	external := make(map[string]bool, len(r.cfg.External))
	for _, id := range r.cfg.External {
		external[id] = true
	}

	lookup := func(id string) (*ir.Handle, error) {
		if rs, ok := byID[id]; ok {
			return rs.Handle, nil
		}
		return nil, nil
	}
	if err := checkExternalRefs(active, external, lookup); err != nil {
		return nil, err
	}

	rec := &Reconciliation{Graph: dag, Apply: dag.Plan()}

	var teardownIDs []string
	for _, rs := range stored {
		switch {
		case removed[rs.ID]:
			teardownIDs = append(teardownIDs, rs.ID)
		case !declared[rs.ID] && !external[rs.ID]:
			rec.Drift = append(rec.Drift, rs.ID)
			logging.Warn("resource in state is no longer declared; leaving it in place", "id", rs.ID, "kind", rs.Kind)
		}
	}

	rec.Teardown, err = teardownPlan(stored, teardownIDs)
	if err != nil {
		return nil, err
	}

	for _, res := range rec.Apply.Resources() {
		change := previewChange(res, byID[res.ID], lookup)
		switch change.Action {
		case ir.ActionCreate:
			rec.Summary.Create++
		case ir.ActionUpdate:
			rec.Summary.Update++
		default:
			rec.Summary.NoOp++
		}
		rec.Changes = append(rec.Changes, change)
	}
	for _, res := range rec.Teardown.Resources() {
		rec.Changes = append(rec.Changes, &ir.ResourceChange{
			ID:     res.ID,
			Kind:   res.Kind,
			Action: ir.ActionDelete,
			Diff:   buildDeleteDiff(res.Properties),
		})
		rec.Summary.Delete++
	}
	rec.Summary.Drift = len(rec.Drift)

	return rec, nil
}

// ReconcileTeardown returns a teardown plan for the given ids, or for every
// stored id when ids is empty. Ids without stored state are ignored.
func (r *Reconciler) ReconcileTeardown(ctx context.Context, ids []string, store state.Store) (*ir.Plan, error) {
	stored, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}

	if len(ids) == 0 {
		for _, rs := range stored {
			ids = append(ids, rs.ID)
		}
	}
	return teardownPlan(stored, ids)
}

// teardownPlan orders ids by the dependencies recorded in state. Stored
// dependencies on ids no longer in state are treated as external. A stored
// dependent outside ids fails the plan with *TeardownBlockedError.
func teardownPlan(stored []*ir.ResourceState, ids []string) (*ir.Plan, error) {
	present := make(map[string]bool, len(stored))
	for _, rs := range stored {
		present[rs.ID] = true
	}

	resources := make([]*ir.Resource, 0, len(stored))
	var missing []string
	seen := make(map[string]bool)
	for _, rs := range stored {
		resources = append(resources, rs.AsResource())
		for _, dep := range rs.DependsOn {
			if !present[dep] && !seen[dep] {
				seen[dep] = true
				missing = append(missing, dep)
			}
		}
	}

	for _, id := range ids {
		if !present[id] {
			logging.Debug("no state recorded; nothing to tear down", "id", id)
		}
	}

	dag, err := BuildGraph(resources, GraphConfig{External: missing})
	if err != nil {
		return nil, fmt.Errorf("invalid dependency graph in state: %w", err)
	}

	subset := make(map[string]bool, len(ids))
	for _, id := range ids {
		subset[id] = true
	}
	for _, id := range ids {
		var blocking []string
		for _, dep := range dag.TransitiveDependents(id) {
			if !subset[dep] {
				blocking = append(blocking, dep)
			}
		}
		if len(blocking) > 0 {
			return nil, &TeardownBlockedError{ID: id, Dependents: blocking}
		}
	}
	return dag.TeardownPlanFor(ids), nil
}

// previewChange predicts what the engine will do for one descriptor.
// References to resources that have not been applied yet stay unresolved.
func previewChange(res *ir.Resource, prior *ir.ResourceState, lookup HandleLookup) *ir.ResourceChange {
	change := &ir.ResourceChange{ID: res.ID, Kind: res.Kind}

	props, err := ResolveRefs(res.Properties, lookup)
	resolved := err == nil
	if !resolved {
		props = ir.CopyProperties(res.Properties)
	}

	if prior == nil || prior.Handle == nil {
		change.Action = ir.ActionCreate
		change.Diff = buildCreateDiff(props)
		return change
	}

	if resolved && prior.Status == ir.StatusApplied {
		if same, err := sameProperties(props, prior.LastAppliedProperties); err == nil && same {
			change.Action = ir.ActionNoOp
			return change
		}
	}

	change.Action = ir.ActionUpdate
	change.Diff = buildPropertyDiff(prior.LastAppliedProperties, props)
	return change
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		if !inPrior {
			diff[k] = &ir.PropertyDiff{
				After:  desiredVal,
				Action: "create",
			}
		} else if !inDesired {
			diff[k] = &ir.PropertyDiff{
				Before: priorVal,
				Action: "delete",
			}
		} else if !valuesEqual(priorVal, desiredVal) {
			diff[k] = &ir.PropertyDiff{
				Before: priorVal,
				After:  desiredVal,
				Action: "update",
			}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			After:  v,
			Action: "create",
		}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			Before: v,
			Action: "delete",
		}
	}
	return diff
}

func valuesEqual(a, b any) bool {
	ja, errA := json.Marshal(ir.NormalizeValue(a))
	jb, errB := json.Marshal(ir.NormalizeValue(b))
	if errA != nil || errB != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return bytes.Equal(ja, jb)
}

// checkExternalRefs fails when a resource references an external id that
// has no recorded handle. Such a reference can never resolve during apply.
func checkExternalRefs(resources []*ir.Resource, external map[string]bool, lookup HandleLookup) error {
	for _, res := range resources {
		for _, ref := range ExtractRefs(res.Properties) {
			target := RefTarget(ref)
			if !external[target] {
				continue
			}
			h, err := lookup(target)
			if err != nil {
				return err
			}
			if h == nil {
				return &InvalidResourceError{
					ID:     res.ID,
					Reason: fmt.Sprintf("reference %s targets external %q, which has no recorded handle", ref, target),
				}
			}
		}
	}
	return nil
}
