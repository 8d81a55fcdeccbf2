package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// PreoptimizationKey marks the dependency that preoptimizes the input
// geometry before the grid is entered.
const PreoptimizationKey = "preoptimization"

// SerializeKey turns a grid index into the string used to key state maps and
// dependency extras. Canonical JSON, so [1,2] always serializes the same way.
func SerializeKey(point []int) string {
	b, _ := json.Marshal(point)
	return string(b)
}

// DeserializeKey parses a serialized grid index
func DeserializeKey(key string) ([]int, error) {
	var point []int
	if err := json.Unmarshal([]byte(key), &point); err != nil {
		return nil, fmt.Errorf("malformed grid key %q: %w", key, err)
	}
	return point, nil
}

// GridPair links a newly emitted grid point to the completed seed point
// whose geometry it starts from.
type GridPair struct {
	Parent []int
	Child  []int
}

// ExpandGrid emits the next frontier of an n-dimensional grid. For every
// seed and axis, both one-step displacements are considered; points outside
// the grid, already complete, or already emitted are skipped. Each emitted
// child is paired with exactly one seed.
func ExpandGrid(dims []int, seeds, complete [][]int) []GridPair {
	skip := make(map[string]bool, len(complete)+len(seeds))
	for _, p := range complete {
		skip[SerializeKey(p)] = true
	}
	for _, p := range seeds {
		skip[SerializeKey(p)] = true
	}

	var pairs []GridPair
	for d := range dims {
		for _, seed := range seeds {
			for _, delta := range []int{-1, 1} {
				next := seed[d] + delta
				if next < 0 || next >= dims[d] {
					continue
				}
				child := make([]int, len(seed))
				copy(child, seed)
				child[d] = next
				key := SerializeKey(child)
				if skip[key] {
					continue
				}
				skip[key] = true
				pairs = append(pairs, GridPair{Parent: seed, Child: child})
			}
		}
	}
	return pairs
}

// constraintTemplate carries the per-dimension constraint shape; the value
// is supplied per grid point at wave time.
type constraintTemplate struct {
	Type    types.ScanType `json:"type"`
	Indices []int          `json:"indices"`
}

// gridoptimizationState is the checkpoint for one grid optimization service.
//
// Iteration values:
//
//	-2  preoptimization requested, not yet submitted
//	-1  preoptimization in flight or ready to consume
//	 0  no preoptimization; starting point not yet submitted
//	>=1 frontier expansion
type gridoptimizationState struct {
	Iteration          int                  `json:"iteration"`
	Complete           []string             `json:"complete"`
	Dimensions         []int                `json:"dimensions"`
	ConstraintTemplate []constraintTemplate `json:"constraint_template"`
	StartingMeasures   []float64            `json:"starting_measures,omitempty"`
}

// GridoptimizationDriver walks an n-dimensional grid of constrained
// optimizations outward from the starting geometry's grid point.
type GridoptimizationDriver struct {
	log zerolog.Logger
}

// NewGridoptimizationDriver builds the grid optimization driver
func NewGridoptimizationDriver(logger zerolog.Logger) *GridoptimizationDriver {
	return &GridoptimizationDriver{log: logger}
}

// RecordType reports which service records this driver handles
func (d *GridoptimizationDriver) RecordType() types.RecordType {
	return types.TypeGridoptimization
}

// Iterate advances the service by one wave
func (d *GridoptimizationDriver) Iterate(ctx context.Context, tx storage.Transaction, svc *types.Service) (bool, error) {
	detail, err := tx.GetGridoptimizationDetail(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}

	var state gridoptimizationState
	if svc.ServiceState == nil {
		if err := d.start(ctx, tx, svc, detail, &state); err != nil {
			return false, err
		}
	} else if err := json.Unmarshal(svc.ServiceState, &state); err != nil {
		return false, fmt.Errorf("failed to decode grid optimization state: %w", err)
	}

	switch {
	case state.Iteration == -2:
		return false, d.submitPreoptimization(ctx, tx, svc, detail, &state)
	case state.Iteration == -1:
		return false, d.consumePreoptimization(ctx, tx, svc, detail, &state)
	case state.Iteration == 0:
		return false, d.submitStartingPoint(ctx, tx, svc, detail, &state, detail.InitialMoleculeID)
	default:
		return d.expandFrontier(ctx, tx, svc, detail, &state)
	}
}

func (d *GridoptimizationDriver) start(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.GridoptimizationDetail, state *gridoptimizationState) error {
	if err := tx.StartServiceRecord(ctx, svc.RecordID, "qcfabric.services.gridoptimization"); err != nil {
		return err
	}

	scans := detail.Specification.Keywords.Scans
	state.Dimensions = make([]int, len(scans))
	state.ConstraintTemplate = make([]constraintTemplate, len(scans))
	for i, scan := range scans {
		state.Dimensions[i] = len(scan.Steps)
		state.ConstraintTemplate[i] = constraintTemplate{Type: scan.Type, Indices: scan.Indices}
	}
	state.Complete = []string{}
	if detail.Specification.Keywords.Preoptimization {
		state.Iteration = -2
	} else {
		state.Iteration = 0
	}

	total := 1
	for _, n := range state.Dimensions {
		total *= n
	}
	return tx.AppendServiceStdout(ctx, svc.RecordID, fmt.Sprintf(
		"Created grid optimization over %d dimensions (%d grid points total)\n",
		len(state.Dimensions), total))
}

func (d *GridoptimizationDriver) submitPreoptimization(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.GridoptimizationDetail, state *gridoptimizationState) error {
	mol, err := tx.GetMolecule(ctx, detail.InitialMoleculeID)
	if err != nil {
		return err
	}

	spec := detail.Specification.OptimizationSpecification
	_, ids, err := tx.AddOptimizationRecords(ctx, &spec, []*types.Molecule{mol}, svc.Tag, svc.Priority)
	if err != nil {
		return err
	}
	if len(ids) != 1 {
		return fmt.Errorf("expected one preoptimization child, got %d: %w", len(ids), storage.ErrDeveloper)
	}

	if err := tx.AddServiceChildAssociation(ctx, svc.RecordID, ids[0], PreoptimizationKey); err != nil {
		return err
	}
	deps := []*types.ServiceDependency{{
		ServiceID: svc.ID,
		RecordID:  ids[0],
		Extras:    map[string]string{"key": PreoptimizationKey},
	}}
	if err := tx.SetServiceDependencies(ctx, svc.ID, deps); err != nil {
		return err
	}

	state.Iteration = -1
	if err := tx.SaveServiceState(ctx, svc.ID, state); err != nil {
		return err
	}
	return tx.AppendServiceStdout(ctx, svc.RecordID, "Starting preoptimization\n")
}

func (d *GridoptimizationDriver) consumePreoptimization(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.GridoptimizationDetail, state *gridoptimizationState) error {
	if len(svc.Dependencies) != 1 {
		return fmt.Errorf("preoptimization wave has %d dependencies: %w", len(svc.Dependencies), storage.ErrDeveloper)
	}
	optDetail, err := tx.GetOptimizationDetail(ctx, svc.Dependencies[0].RecordID)
	if err != nil {
		return err
	}
	if optDetail.FinalMoleculeID == nil {
		return fmt.Errorf("preoptimization %d finished without a final geometry: %w",
			optDetail.RecordID, storage.ErrComputationFailed)
	}
	return d.submitStartingPoint(ctx, tx, svc, detail, state, *optDetail.FinalMoleculeID)
}

// submitStartingPoint computes the grid point nearest the starting geometry
// and submits its constrained optimization.
func (d *GridoptimizationDriver) submitStartingPoint(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.GridoptimizationDetail, state *gridoptimizationState, startingMoleculeID int64) error {
	startMol, err := tx.GetMolecule(ctx, startingMoleculeID)
	if err != nil {
		return err
	}

	scans := detail.Specification.Keywords.Scans
	state.StartingMeasures = make([]float64, len(scans))
	startingGrid := make([]int, len(scans))
	for dim, scan := range scans {
		measure, err := startMol.Measure(scan.Indices)
		if err != nil {
			return fmt.Errorf("failed to measure scan dimension %d: %w", dim, err)
		}
		state.StartingMeasures[dim] = measure
		startingGrid[dim] = startingGridIndex(scan, measure)
	}

	if err := tx.UpdateGridoptimizationStart(ctx, svc.RecordID, startingMoleculeID, startingGrid); err != nil {
		return err
	}

	key := SerializeKey(startingGrid)
	if err := d.submitGridChildren(ctx, tx, svc, detail, state, map[string]*types.Molecule{key: startMol}); err != nil {
		return err
	}

	state.Iteration = 1
	if err := tx.SaveServiceState(ctx, svc.ID, state); err != nil {
		return err
	}
	return tx.AppendServiceStdout(ctx, svc.RecordID, fmt.Sprintf("Starting grid point: %s\n", key))
}

// startingGridIndex picks the step index whose coordinate is nearest the
// measured value. Relative scans measure offsets from the starting geometry,
// so the nearest step is the one closest to zero.
func startingGridIndex(scan types.ScanDimension, measure float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, step := range scan.Steps {
		target := step
		if scan.StepType == types.StepAbsolute {
			target = step - measure
		}
		if d := math.Abs(target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func (d *GridoptimizationDriver) expandFrontier(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.GridoptimizationDetail, state *gridoptimizationState) (bool, error) {
	var seeds [][]int
	seedMols := map[string]*types.Molecule{}
	for _, dep := range svc.Dependencies {
		key := dep.Key()
		point, err := DeserializeKey(key)
		if err != nil {
			return false, err
		}
		optDetail, err := tx.GetOptimizationDetail(ctx, dep.RecordID)
		if err != nil {
			return false, err
		}
		if optDetail.FinalMoleculeID == nil {
			return false, fmt.Errorf("optimization %d finished without a final geometry: %w",
				optDetail.RecordID, storage.ErrComputationFailed)
		}
		mol, err := tx.GetMolecule(ctx, *optDetail.FinalMoleculeID)
		if err != nil {
			return false, err
		}
		seeds = append(seeds, point)
		seedMols[key] = mol
		state.Complete = append(state.Complete, key)
	}
	sort.Strings(state.Complete)

	complete := make([][]int, 0, len(state.Complete))
	for _, key := range state.Complete {
		point, err := DeserializeKey(key)
		if err != nil {
			return false, err
		}
		complete = append(complete, point)
	}

	pairs := ExpandGrid(state.Dimensions, seeds, complete)
	if len(pairs) == 0 {
		if err := tx.SetServiceDependencies(ctx, svc.ID, nil); err != nil {
			return false, err
		}
		if err := tx.SaveServiceState(ctx, svc.ID, state); err != nil {
			return false, err
		}
		if err := tx.AppendServiceStdout(ctx, svc.RecordID,
			fmt.Sprintf("All %d grid points complete\nGrid optimization finished successfully!\n",
				len(state.Complete))); err != nil {
			return false, err
		}
		return true, tx.CompleteServiceRecord(ctx, svc.RecordID)
	}

	next := map[string]*types.Molecule{}
	for _, pair := range pairs {
		next[SerializeKey(pair.Child)] = seedMols[SerializeKey(pair.Parent)]
	}
	if err := d.submitGridChildren(ctx, tx, svc, detail, state, next); err != nil {
		return false, err
	}

	state.Iteration++
	if err := tx.SaveServiceState(ctx, svc.ID, state); err != nil {
		return false, err
	}
	return false, nil
}

// submitGridChildren creates one constrained optimization per grid point,
// seeded from the given geometry, and re-links the dependency set.
func (d *GridoptimizationDriver) submitGridChildren(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.GridoptimizationDetail, state *gridoptimizationState, points map[string]*types.Molecule) error {
	keys := make([]string, 0, len(points))
	for key := range points {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var deps []*types.ServiceDependency
	for _, key := range keys {
		point, err := DeserializeKey(key)
		if err != nil {
			return err
		}
		spec, err := constrainedSpecification(&detail.Specification, state, point)
		if err != nil {
			return err
		}
		_, ids, err := tx.AddOptimizationRecords(ctx, spec, []*types.Molecule{points[key]}, svc.Tag, svc.Priority)
		if err != nil {
			return err
		}
		if len(ids) != 1 {
			return fmt.Errorf("expected one child per grid point, got %d: %w", len(ids), storage.ErrDeveloper)
		}
		if err := tx.AddServiceChildAssociation(ctx, svc.RecordID, ids[0], key); err != nil {
			return err
		}
		deps = append(deps, &types.ServiceDependency{
			ServiceID: svc.ID,
			RecordID:  ids[0],
			Extras:    map[string]string{"key": key},
		})
	}

	if err := tx.SetServiceDependencies(ctx, svc.ID, deps); err != nil {
		return err
	}
	return tx.AppendServiceStdout(ctx, svc.RecordID,
		fmt.Sprintf("Submitted %d optimizations: %s\n", len(keys), strings.Join(keys, " ")))
}

// constrainedSpecification copies the child optimization specification and
// pins each scanned coordinate to the grid point's value.
func constrainedSpecification(spec *types.GridoptimizationSpecification, state *gridoptimizationState, point []int) (*types.OptimizationSpecification, error) {
	if len(point) != len(spec.Keywords.Scans) {
		return nil, fmt.Errorf("grid point has %d coordinates for %d scans: %w",
			len(point), len(spec.Keywords.Scans), storage.ErrDeveloper)
	}

	set := make([]map[string]any, len(point))
	for dim, idx := range point {
		scan := spec.Keywords.Scans[dim]
		if idx < 0 || idx >= len(scan.Steps) {
			return nil, fmt.Errorf("grid coordinate %d out of range for dimension %d: %w",
				idx, dim, storage.ErrDeveloper)
		}
		value := scan.Steps[idx]
		if scan.StepType == types.StepRelative {
			value += state.StartingMeasures[dim]
		}
		set[dim] = map[string]any{
			"type":    string(state.ConstraintTemplate[dim].Type),
			"indices": state.ConstraintTemplate[dim].Indices,
			"value":   value,
		}
	}

	child := spec.OptimizationSpecification
	child.ID = 0
	keywords := make(map[string]any, len(child.Keywords)+1)
	for k, v := range child.Keywords {
		keywords[k] = v
	}
	keywords["constraints"] = map[string]any{"set": set}
	child.Keywords = keywords
	return &child, nil
}
