package services

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

func TestGridKeyRoundTrip(t *testing.T) {
	key := SerializeKey([]int{1, 2, 0})
	assert.Equal(t, "[1,2,0]", key)

	point, err := DeserializeKey(key)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, point)

	_, err = DeserializeKey("preoptimization")
	assert.Error(t, err)
}

func childKeysOf(pairs []GridPair) []string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = SerializeKey(p.Child)
	}
	sort.Strings(keys)
	return keys
}

// Expansion from the center of a 3x3 grid: the first wave is the four cross
// neighbours, the second the four corners, the third is empty.
func TestExpandGridFromCenter(t *testing.T) {
	dims := []int{3, 3}
	center := [][]int{{1, 1}}

	wave1 := ExpandGrid(dims, center, nil)
	assert.Equal(t, []string{"[0,1]", "[1,0]", "[1,2]", "[2,1]"}, childKeysOf(wave1))
	for _, p := range wave1 {
		assert.Equal(t, []int{1, 1}, p.Parent)
	}

	seeds := make([][]int, len(wave1))
	complete := [][]int{{1, 1}}
	for i, p := range wave1 {
		seeds[i] = p.Child
	}
	complete = append(complete, seeds...)

	wave2 := ExpandGrid(dims, seeds, complete)
	assert.Equal(t, []string{"[0,0]", "[0,2]", "[2,0]", "[2,2]"}, childKeysOf(wave2))

	// Each corner has two completed cross neighbours but is emitted once
	seen := map[string]int{}
	for _, p := range wave2 {
		seen[SerializeKey(p.Child)]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}

	for i, p := range wave2 {
		seeds[i] = p.Child
	}
	complete = append(complete, seeds...)
	assert.Empty(t, ExpandGrid(dims, seeds, complete))
}

func TestExpandGridRespectsBounds(t *testing.T) {
	pairs := ExpandGrid([]int{2}, [][]int{{0}}, nil)
	require.Len(t, pairs, 1)
	assert.Equal(t, []int{1}, pairs[0].Child)
}

func TestStartingGridIndex(t *testing.T) {
	abs := types.ScanDimension{
		Type: types.ScanDistance, Indices: []int{0, 1},
		Steps: []float64{1.0, 2.0, 3.0}, StepType: types.StepAbsolute,
	}
	assert.Equal(t, 1, startingGridIndex(abs, 2.2))
	assert.Equal(t, 0, startingGridIndex(abs, 0.1))
	assert.Equal(t, 2, startingGridIndex(abs, 10.0))

	// Relative steps are offsets from the starting geometry, so the nearest
	// step is the one closest to zero no matter what was measured.
	rel := types.ScanDimension{
		Type: types.ScanDistance, Indices: []int{0, 1},
		Steps: []float64{-0.5, 0, 0.5}, StepType: types.StepRelative,
	}
	assert.Equal(t, 1, startingGridIndex(rel, 2.2))
	assert.Equal(t, 1, startingGridIndex(rel, 0.0))
}

func gridoptSpec(scans ...types.ScanDimension) types.GridoptimizationSpecification {
	return types.GridoptimizationSpecification{
		Program: "gridoptimization",
		Keywords: types.GridoptimizationKeywords{
			Scans: scans,
		},
		OptimizationSpecification: types.OptimizationSpecification{
			Program: "geometric",
			QCSpecification: types.QCSpecification{
				Program: "psi4", Driver: types.DriverGradient, Method: "hf", Basis: "sto-3g",
			},
		},
	}
}

func TestConstrainedSpecification(t *testing.T) {
	spec := gridoptSpec(
		types.ScanDimension{Type: types.ScanDistance, Indices: []int{0, 1},
			Steps: []float64{1.5, 2.0}, StepType: types.StepAbsolute},
		types.ScanDimension{Type: types.ScanDihedral, Indices: []int{0, 1, 2, 3},
			Steps: []float64{-15, 0, 15}, StepType: types.StepRelative},
	)
	spec.OptimizationSpecification.ID = 42
	spec.OptimizationSpecification.Keywords = map[string]any{"maxiter": 100}

	state := &gridoptimizationState{
		ConstraintTemplate: []constraintTemplate{
			{Type: types.ScanDistance, Indices: []int{0, 1}},
			{Type: types.ScanDihedral, Indices: []int{0, 1, 2, 3}},
		},
		StartingMeasures: []float64{0, 120},
	}

	child, err := constrainedSpecification(&spec, state, []int{1, 2})
	require.NoError(t, err)

	assert.Zero(t, child.ID)
	assert.Equal(t, 100, child.Keywords["maxiter"])

	constraints, ok := child.Keywords["constraints"].(map[string]any)
	require.True(t, ok)
	set, ok := constraints["set"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, set, 2)

	assert.Equal(t, "distance", set[0]["type"])
	assert.InDelta(t, 2.0, set[0]["value"].(float64), 1e-12)
	// Relative dihedral step 15 on top of the measured 120 degrees
	assert.Equal(t, "dihedral", set[1]["type"])
	assert.InDelta(t, 135.0, set[1]["value"].(float64), 1e-12)

	// The parent specification's keywords must be untouched
	_, polluted := spec.OptimizationSpecification.Keywords["constraints"]
	assert.False(t, polluted)

	_, err = constrainedSpecification(&spec, state, []int{1})
	assert.Error(t, err)
	_, err = constrainedSpecification(&spec, state, []int{1, 9})
	assert.Error(t, err)
}

func diatomic(distance float64) *types.Molecule {
	return &types.Molecule{
		Symbols:      []string{"O", "H"},
		Geometry:     []float64{0, 0, 0, distance, 0, 0},
		Multiplicity: 1,
	}
}

func TestGridoptimizationFirstIteration(t *testing.T) {
	tx := newFakeTx()
	tx.molecules[1] = diatomic(1.8)
	tx.gridDetails[100] = &storage.GridoptimizationDetail{
		RecordID: 100,
		Specification: gridoptSpec(types.ScanDimension{
			Type: types.ScanDistance, Indices: []int{0, 1},
			Steps: []float64{1.5, 2.0}, StepType: types.StepAbsolute,
		}),
		InitialMoleculeID: 1,
	}
	svc := &types.Service{ID: 10, RecordID: 100, RecordType: types.TypeGridoptimization, Tag: "*"}

	driver := NewGridoptimizationDriver(zerolog.Nop())
	done, err := driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.False(t, done)

	assert.Equal(t, "qcfabric.services.gridoptimization", tx.startedRoutine)
	// 1.8 bohr is nearer the 2.0 step than the 1.5 step
	assert.Equal(t, []int{1}, tx.gridStart)
	assert.Equal(t, int64(1), tx.gridStartMol)

	require.Len(t, tx.deps, 1)
	assert.Equal(t, "[1]", tx.deps[0].Key())
	assert.Equal(t, "[1]", tx.childKeys[tx.deps[0].RecordID])

	spec := tx.optSpecs[tx.deps[0].RecordID]
	require.NotNil(t, spec)
	set := spec.Keywords["constraints"].(map[string]any)["set"].([]map[string]any)
	require.Len(t, set, 1)
	assert.InDelta(t, 2.0, set[0]["value"].(float64), 1e-12)

	var state gridoptimizationState
	require.NoError(t, json.Unmarshal(tx.savedState, &state))
	assert.Equal(t, 1, state.Iteration)

	assert.Contains(t, tx.stdout.String(), "Starting grid point: [1]")
}

func TestGridoptimizationPreoptBoundary(t *testing.T) {
	tx := newFakeTx()
	tx.molecules[1] = diatomic(1.8)
	detail := &storage.GridoptimizationDetail{
		RecordID: 100,
		Specification: gridoptSpec(types.ScanDimension{
			Type: types.ScanDistance, Indices: []int{0, 1},
			Steps: []float64{1.5, 2.0}, StepType: types.StepAbsolute,
		}),
		InitialMoleculeID: 1,
	}
	detail.Specification.Keywords.Preoptimization = true
	tx.gridDetails[100] = detail
	svc := &types.Service{ID: 10, RecordID: 100, RecordType: types.TypeGridoptimization, Tag: "*"}

	driver := NewGridoptimizationDriver(zerolog.Nop())
	done, err := driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.False(t, done)

	require.Len(t, tx.deps, 1)
	assert.Equal(t, PreoptimizationKey, tx.deps[0].Key())
	// The preoptimization runs unconstrained
	preoptSpec := tx.optSpecs[tx.deps[0].RecordID]
	require.NotNil(t, preoptSpec)
	_, constrained := preoptSpec.Keywords["constraints"]
	assert.False(t, constrained)

	var state gridoptimizationState
	require.NoError(t, json.Unmarshal(tx.savedState, &state))
	assert.Equal(t, -1, state.Iteration)
	assert.Contains(t, tx.stdout.String(), "Starting preoptimization")

	// Preoptimization finished without a final geometry: the iteration fails
	svc.ServiceState = tx.savedState
	svc.Dependencies = tx.deps
	tx.optDetails[tx.deps[0].RecordID] = &storage.OptimizationDetail{RecordID: tx.deps[0].RecordID}

	_, err = driver.Iterate(context.Background(), tx, svc)
	assert.ErrorIs(t, err, storage.ErrComputationFailed)

	// With a final geometry the grid is entered from the preoptimized molecule
	tx.molecules[2] = diatomic(1.55)
	finalID := int64(2)
	tx.optDetails[svc.Dependencies[0].RecordID].FinalMoleculeID = &finalID

	done, err = driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(2), tx.gridStartMol)
	// 1.55 bohr is nearer the 1.5 step
	assert.Equal(t, []int{0}, tx.gridStart)
}
