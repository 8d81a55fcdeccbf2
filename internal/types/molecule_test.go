package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func water() *Molecule {
	// O at origin, two H roughly along x and y
	return &Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0, 0, 0,
			1.8, 0, 0,
			0, 1.8, 0,
		},
		Multiplicity: 1,
	}
}

func TestMoleculeValidate(t *testing.T) {
	mol := water()
	require.NoError(t, mol.Validate())

	bad := water()
	bad.Geometry = bad.Geometry[:5]
	assert.Error(t, bad.Validate())

	bad = water()
	bad.Geometry[0] = math.NaN()
	assert.Error(t, bad.Validate())

	bad = water()
	bad.Connectivity = []Bond{{Atom1: 0, Atom2: 7, Order: 1}}
	assert.Error(t, bad.Validate())

	bad = water()
	bad.Multiplicity = 0
	assert.Error(t, bad.Validate())
}

func TestMoleculeHashInsensitiveToAnnotations(t *testing.T) {
	a := water()
	b := water()
	b.Name = "water"
	b.Identifiers = map[string]string{"smiles": "O"}
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
}

func TestMoleculeHashSymbolCase(t *testing.T) {
	a := water()
	b := water()
	b.Symbols = []string{"o", "h", "H"}
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
}

func TestMoleculeHashNegativeZeroAndNoise(t *testing.T) {
	a := water()
	b := water()
	b.Geometry[2] = math.Copysign(0, -1)
	b.Geometry[3] += 1e-12 // below hashing precision
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())

	c := water()
	c.Geometry[3] += 1e-6 // above hashing precision
	assert.NotEqual(t, a.ComputeHash(), c.ComputeHash())
}

func TestMoleculeHashBondOrderInsensitive(t *testing.T) {
	a := water()
	a.Connectivity = []Bond{{Atom1: 0, Atom2: 1, Order: 1}, {Atom1: 0, Atom2: 2, Order: 1}}
	b := water()
	b.Connectivity = []Bond{{Atom1: 2, Atom2: 0, Order: 1}, {Atom1: 1, Atom2: 0, Order: 1}}
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
}

func TestMeasureDistance(t *testing.T) {
	mol := water()
	d, err := mol.Measure([]int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.8, d, 1e-12)
}

func TestMeasureAngle(t *testing.T) {
	mol := water()
	a, err := mol.Measure([]int{1, 0, 2})
	require.NoError(t, err)
	assert.InDelta(t, 90.0, a, 1e-9)
}

func TestMeasureDihedral(t *testing.T) {
	// Four atoms in a staggered arrangement with a 90 degree dihedral
	mol := &Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			1, 0, 0,
			0, 0, 0,
			0, 1, 0,
			0, 1, 1,
		},
		Multiplicity: 1,
	}
	d, err := mol.Measure([]int{0, 1, 2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 90.0, math.Abs(d), 1e-9)
}

func TestMeasureErrors(t *testing.T) {
	mol := water()
	_, err := mol.Measure([]int{0})
	assert.Error(t, err)
	_, err = mol.Measure([]int{0, 9})
	assert.Error(t, err)
}

func TestWithGeometryCopies(t *testing.T) {
	mol := water()
	copyMol := mol.WithGeometry([]float64{0, 0, 0, 2, 0, 0, 0, 2, 0})
	copyMol.Symbols[0] = "N"
	assert.Equal(t, "O", mol.Symbols[0])
	assert.InDelta(t, 1.8, mol.Geometry[3], 1e-12)
	assert.InDelta(t, 2.0, copyMol.Geometry[3], 1e-12)
}
