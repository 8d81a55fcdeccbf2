package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQCSpecificationNormalize(t *testing.T) {
	spec := QCSpecification{Program: "Psi4", Driver: "Energy", Method: "B3LYP", Basis: "Def2-SVP"}
	spec.Normalize()
	assert.Equal(t, "psi4", spec.Program)
	assert.Equal(t, DriverEnergy, spec.Driver)
	assert.Equal(t, "b3lyp", spec.Method)
	assert.Equal(t, "def2-svp", spec.Basis)
	require.NoError(t, spec.Validate())
}

func TestQCSpecificationValidate(t *testing.T) {
	spec := QCSpecification{Program: "psi4", Driver: "energy", Method: "hf"}
	require.NoError(t, spec.Validate())

	assert.Error(t, (&QCSpecification{Driver: "energy", Method: "hf"}).Validate())
	assert.Error(t, (&QCSpecification{Program: "psi4", Driver: "bogus", Method: "hf"}).Validate())
	assert.Error(t, (&QCSpecification{Program: "psi4", Driver: "energy"}).Validate())
}

func TestOptimizationSpecificationNormalizeRecurses(t *testing.T) {
	spec := OptimizationSpecification{
		Program:         "GeomeTRIC",
		QCSpecification: QCSpecification{Program: "PSI4", Driver: "Gradient", Method: "HF", Basis: "STO-3G"},
	}
	spec.Normalize()
	assert.Equal(t, "geometric", spec.Program)
	assert.Equal(t, "psi4", spec.QCSpecification.Program)
	assert.Equal(t, DriverGradient, spec.QCSpecification.Driver)
}

func TestScanDimensionValidate(t *testing.T) {
	ok := ScanDimension{Type: ScanDistance, Indices: []int{0, 1}, Steps: []float64{1, 2}, StepType: StepAbsolute}
	require.NoError(t, ok.Validate())

	cases := []ScanDimension{
		{Type: "bogus", Indices: []int{0, 1}, Steps: []float64{1}, StepType: StepAbsolute},
		{Type: ScanDistance, Indices: []int{0, 1, 2}, Steps: []float64{1}, StepType: StepAbsolute},
		{Type: ScanAngle, Indices: []int{0, 1}, Steps: []float64{1}, StepType: StepAbsolute},
		{Type: ScanDihedral, Indices: []int{0, 1, 2}, Steps: []float64{1}, StepType: StepAbsolute},
		{Type: ScanDistance, Indices: []int{0, 1}, Steps: nil, StepType: StepAbsolute},
		{Type: ScanDistance, Indices: []int{0, 1}, Steps: []float64{1}, StepType: "sideways"},
	}
	for i, c := range cases {
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestTorsiondriveKeywordsValidate(t *testing.T) {
	ok := TorsiondriveKeywords{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{15}}
	require.NoError(t, ok.Validate())

	assert.Error(t, (&TorsiondriveKeywords{GridSpacing: []int{15}}).Validate())
	assert.Error(t, (&TorsiondriveKeywords{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{15, 30}}).Validate())
	// 7 does not divide 360
	assert.Error(t, (&TorsiondriveKeywords{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{7}}).Validate())
	assert.Error(t, (&TorsiondriveKeywords{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{0}}).Validate())
}

func TestNEBKeywordsValidate(t *testing.T) {
	require.NoError(t, (&NEBKeywords{Images: 5, SpringConstant: 0.1}).Validate())
	assert.Error(t, (&NEBKeywords{Images: 2, SpringConstant: 0.1}).Validate())
	assert.Error(t, (&NEBKeywords{Images: 5, SpringConstant: 0}).Validate())
}

func TestGridoptimizationSpecificationDefaultsProgram(t *testing.T) {
	spec := GridoptimizationSpecification{
		Keywords: GridoptimizationKeywords{
			Scans: []ScanDimension{{Type: ScanDistance, Indices: []int{0, 1}, Steps: []float64{1.5, 2.0}, StepType: StepAbsolute}},
		},
		OptimizationSpecification: OptimizationSpecification{
			Program:         "geometric",
			QCSpecification: QCSpecification{Program: "psi4", Driver: "gradient", Method: "hf", Basis: "sto-3g"},
		},
	}
	require.NoError(t, spec.Validate())
	assert.Equal(t, "gridoptimization", spec.Program)
}

func TestStatusAndTypeEnums(t *testing.T) {
	assert.True(t, StatusWaiting.IsValid())
	assert.False(t, RecordStatus("unknown").IsValid())

	assert.True(t, StatusComplete.IsFinished())
	assert.True(t, StatusCancelled.IsFinished())
	assert.False(t, StatusRunning.IsFinished())
	assert.False(t, StatusWaiting.IsFinished())

	assert.True(t, TypeGridoptimization.IsService())
	assert.False(t, TypeSinglepoint.IsService())

	assert.True(t, PriorityHigh.IsValid())
	assert.False(t, Priority(7).IsValid())
}
