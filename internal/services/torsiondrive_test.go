package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

func TestWrapAngle(t *testing.T) {
	cases := map[int]int{
		0:    0,
		90:   90,
		180:  -180,
		-180: -180,
		190:  -170,
		-190: 170,
		360:  0,
		-360: 0,
		540:  -180,
	}
	for in, want := range cases {
		assert.Equal(t, want, wrapAngle(in), "wrapAngle(%d)", in)
	}
}

func TestSnapAngle(t *testing.T) {
	assert.Equal(t, 15, snapAngle(14.9, 15))
	assert.Equal(t, 0, snapAngle(7.4, 15))
	assert.Equal(t, -180, snapAngle(-178.0, 15))
	// 172.6 snaps to 180, which wraps to -180
	assert.Equal(t, -180, snapAngle(172.6, 15))
	assert.Equal(t, -90, snapAngle(-88.3, 30))
}

func torsionSpec(spacing int) types.TorsiondriveSpecification {
	return types.TorsiondriveSpecification{
		Program: "torsiondrive",
		Keywords: types.TorsiondriveKeywords{
			Dihedrals:   [][4]int{{0, 1, 2, 3}},
			GridSpacing: []int{spacing},
		},
		OptimizationSpecification: types.OptimizationSpecification{
			Program: "geometric",
			QCSpecification: types.QCSpecification{
				Program: "psi4", Driver: types.DriverGradient, Method: "hf", Basis: "sto-3g",
			},
		},
	}
}

func TestDihedralConstrainedSpecification(t *testing.T) {
	spec := torsionSpec(15)
	spec.OptimizationSpecification.ID = 7

	child, err := dihedralConstrainedSpecification(&spec, [][4]int{{0, 1, 2, 3}}, []int{30})
	require.NoError(t, err)

	assert.Zero(t, child.ID)
	set := child.Keywords["constraints"].(map[string]any)["set"].([]map[string]any)
	require.Len(t, set, 1)
	assert.Equal(t, "dihedral", set[0]["type"])
	assert.Equal(t, []int{0, 1, 2, 3}, set[0]["indices"])
	assert.InDelta(t, 30.0, set[0]["value"].(float64), 1e-12)

	_, err = dihedralConstrainedSpecification(&spec, [][4]int{{0, 1, 2, 3}}, []int{30, 45})
	assert.Error(t, err)
}

// butaneLike is a four atom chain with a 90 degree dihedral
func butaneLike() *types.Molecule {
	return &types.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			1, 0, 0,
			0, 0, 0,
			0, 1, 0,
			0, 1, 1,
		},
		Multiplicity: 1,
	}
}

func TestTorsiondriveFullScan(t *testing.T) {
	tx := newFakeTx()
	tx.molecules[1] = butaneLike()
	tx.torsDetails[100] = &storage.TorsiondriveDetail{
		RecordID:           100,
		Specification:      torsionSpec(180),
		InitialMoleculeIDs: []int64{1},
	}
	svc := &types.Service{ID: 10, RecordID: 100, RecordType: types.TypeTorsiondrive, Tag: "*"}

	driver := NewTorsiondriveDriver(zerolog.Nop())

	// Wave 1: the 90 degree conformer snaps to 180, which wraps to -180
	done, err := driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "qcfabric.services.torsiondrive", tx.startedRoutine)
	require.Len(t, tx.deps, 1)
	assert.Equal(t, "[-180]", tx.deps[0].Key())

	// Wave 2: the only neighbour on a 180 degree grid is 0
	svc.ServiceState = tx.savedState
	svc.Dependencies = tx.deps
	finalID := int64(1)
	tx.optDetails[tx.deps[0].RecordID] = &storage.OptimizationDetail{
		RecordID:        tx.deps[0].RecordID,
		FinalMoleculeID: &finalID,
		Energies:        []float64{-2.0, -2.5},
	}

	done, err = driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, tx.deps, 1)
	assert.Equal(t, "[0]", tx.deps[0].Key())

	var state torsiondriveState
	require.NoError(t, json.Unmarshal(tx.savedState, &state))
	assert.InDelta(t, -2.5, state.MinimumEnergy["[-180]"], 1e-12)
	assert.Equal(t, svc.Dependencies[0].RecordID, state.MinimumOpt["[-180]"])

	// Wave 3: both neighbours of 0 wrap back to the visited -180, so the
	// scan is finished.
	svc.ServiceState = tx.savedState
	svc.Dependencies = tx.deps
	tx.optDetails[tx.deps[0].RecordID] = &storage.OptimizationDetail{
		RecordID:        tx.deps[0].RecordID,
		FinalMoleculeID: &finalID,
		Energies:        []float64{-1.9},
	}

	done, err = driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []int64{100}, tx.completed)
	assert.Contains(t, tx.stdout.String(), "Torsion drive finished successfully!")

	require.NoError(t, json.Unmarshal(tx.savedState, &state))
	assert.Len(t, state.TorsionGrid, 2)
	assert.InDelta(t, -1.9, state.MinimumEnergy["[0]"], 1e-12)
}
