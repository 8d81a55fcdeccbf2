package services

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

func TestNEBWaveAndCollect(t *testing.T) {
	tx := newFakeTx()
	for i := int64(1); i <= 3; i++ {
		tx.molecules[i] = diatomic(1.5 + 0.2*float64(i))
	}
	tx.nebDetails[100] = &storage.NEBDetail{
		RecordID: 100,
		Specification: types.NEBSpecification{
			Program:  "geodesic",
			Keywords: types.NEBKeywords{Images: 3, SpringConstant: 0.1},
			QCSpecification: types.QCSpecification{
				Program: "psi4", Driver: types.DriverEnergy, Method: "hf", Basis: "sto-3g",
			},
		},
		ChainMoleculeIDs: []int64{1, 2, 3},
	}
	svc := &types.Service{ID: 10, RecordID: 100, RecordType: types.TypeNEB, Tag: "*"}

	driver := NewNEBDriver(zerolog.Nop())

	// Wave 1 submits one gradient singlepoint per image
	done, err := driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "qcfabric.services.neb", tx.startedRoutine)
	require.Len(t, tx.deps, 3)
	for i, dep := range tx.deps {
		assert.Equal(t, []string{"image_0", "image_1", "image_2"}[i], dep.Key())
		spec := tx.spSpecs[dep.RecordID]
		require.NotNil(t, spec)
		assert.Equal(t, types.DriverGradient, spec.Driver)
	}

	// Wave 2 collects the band energies and completes
	svc.ServiceState = tx.savedState
	svc.Dependencies = tx.deps
	tx.spResults[svc.Dependencies[0].RecordID] = []byte(`{"energy": -1.5}`)
	tx.spResults[svc.Dependencies[1].RecordID] = []byte(`{"energy": -1.2}`)
	tx.spResults[svc.Dependencies[2].RecordID] = []byte(`{"return_result": []}`)

	done, err = driver.Iterate(context.Background(), tx, svc)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []int64{100}, tx.completed)

	out := tx.stdout.String()
	assert.Contains(t, out, "image_0=-1.50000000")
	assert.Contains(t, out, "image_1=-1.20000000")
	// An image without a parseable energy is reported, not fatal
	assert.Contains(t, out, "image_2=?")
	assert.Contains(t, out, "NEB finished successfully!")
}
