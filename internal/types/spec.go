package types

import (
	"fmt"
	"strings"
)

// SpecDriver selects what a singlepoint computation produces
type SpecDriver string

// Driver constants
const (
	DriverEnergy     SpecDriver = "energy"
	DriverGradient   SpecDriver = "gradient"
	DriverHessian    SpecDriver = "hessian"
	DriverProperties SpecDriver = "properties"
)

// IsValid checks if the driver value is valid
func (d SpecDriver) IsValid() bool {
	switch d {
	case DriverEnergy, DriverGradient, DriverHessian, DriverProperties:
		return true
	}
	return false
}

// QCSpecification is the content-addressed description of a singlepoint
// computation. Program, driver, method and basis are lowercased at the
// boundary; the store enforces the lowercase invariant with a check constraint.
type QCSpecification struct {
	ID        int64          `json:"id,omitempty"`
	Program   string         `json:"program"`
	Driver    SpecDriver     `json:"driver"`
	Method    string         `json:"method"`
	Basis     string         `json:"basis"`
	Keywords  map[string]any `json:"keywords,omitempty"`
	Protocols map[string]any `json:"protocols,omitempty"`
}

// Normalize lowercases the case-insensitive enumeration fields in place
func (s *QCSpecification) Normalize() {
	s.Program = strings.ToLower(s.Program)
	s.Driver = SpecDriver(strings.ToLower(string(s.Driver)))
	s.Method = strings.ToLower(s.Method)
	s.Basis = strings.ToLower(s.Basis)
}

// Validate checks field values after normalization
func (s *QCSpecification) Validate() error {
	if s.Program == "" {
		return fmt.Errorf("program is required")
	}
	if !s.Driver.IsValid() {
		return fmt.Errorf("invalid driver: %s", s.Driver)
	}
	if s.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}

// OptimizationSpecification describes a geometry optimization. The embedded
// QCSpecification is the gradient computation run at each optimization step.
type OptimizationSpecification struct {
	ID              int64           `json:"id,omitempty"`
	Program         string          `json:"program"`
	Keywords        map[string]any  `json:"keywords,omitempty"`
	Protocols       map[string]any  `json:"protocols,omitempty"`
	QCSpecification QCSpecification `json:"qc_specification"`
}

// Normalize lowercases enumeration fields, recursing into the child spec
func (s *OptimizationSpecification) Normalize() {
	s.Program = strings.ToLower(s.Program)
	s.QCSpecification.Normalize()
}

// Validate checks field values after normalization
func (s *OptimizationSpecification) Validate() error {
	if s.Program == "" {
		return fmt.Errorf("program is required")
	}
	if err := s.QCSpecification.Validate(); err != nil {
		return fmt.Errorf("qc_specification: %w", err)
	}
	return nil
}

// ScanType is the kind of internal coordinate a grid dimension scans
type ScanType string

// Scan type constants
const (
	ScanDistance ScanType = "distance"
	ScanAngle    ScanType = "angle"
	ScanDihedral ScanType = "dihedral"
)

// StepType selects how scan step values are interpreted
type StepType string

// Step type constants
const (
	// StepAbsolute steps are absolute coordinate values
	StepAbsolute StepType = "absolute"
	// StepRelative steps are offsets from the starting molecule's coordinate
	StepRelative StepType = "relative"
)

// ScanDimension is one axis of a grid optimization
type ScanDimension struct {
	Type     ScanType  `json:"type"`
	Indices  []int     `json:"indices"`
	Steps    []float64 `json:"steps"`
	StepType StepType  `json:"step_type"`
}

// Validate checks the dimension is well formed
func (d *ScanDimension) Validate() error {
	var want int
	switch d.Type {
	case ScanDistance:
		want = 2
	case ScanAngle:
		want = 3
	case ScanDihedral:
		want = 4
	default:
		return fmt.Errorf("invalid scan type: %s", d.Type)
	}
	if len(d.Indices) != want {
		return fmt.Errorf("%s scan requires %d indices (got %d)", d.Type, want, len(d.Indices))
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("scan requires at least one step")
	}
	if d.StepType != StepAbsolute && d.StepType != StepRelative {
		return fmt.Errorf("invalid step type: %s", d.StepType)
	}
	return nil
}

// GridoptimizationKeywords parameterize the grid optimization driver
type GridoptimizationKeywords struct {
	Scans           []ScanDimension `json:"scans"`
	Preoptimization bool            `json:"preoptimization"`
}

// Validate checks the keywords are well formed
func (k *GridoptimizationKeywords) Validate() error {
	if len(k.Scans) == 0 {
		return fmt.Errorf("at least one scan dimension is required")
	}
	for i := range k.Scans {
		if err := k.Scans[i].Validate(); err != nil {
			return fmt.Errorf("scan %d: %w", i, err)
		}
	}
	return nil
}

// GridoptimizationSpecification describes a grid optimization service
type GridoptimizationSpecification struct {
	ID                        int64                     `json:"id,omitempty"`
	Program                   string                    `json:"program"`
	Keywords                  GridoptimizationKeywords  `json:"keywords"`
	OptimizationSpecification OptimizationSpecification `json:"optimization_specification"`
}

// Normalize lowercases enumeration fields, recursing into child specs
func (s *GridoptimizationSpecification) Normalize() {
	s.Program = strings.ToLower(s.Program)
	s.OptimizationSpecification.Normalize()
}

// Validate checks field values after normalization
func (s *GridoptimizationSpecification) Validate() error {
	if s.Program == "" {
		s.Program = "gridoptimization"
	}
	if err := s.Keywords.Validate(); err != nil {
		return fmt.Errorf("keywords: %w", err)
	}
	if err := s.OptimizationSpecification.Validate(); err != nil {
		return fmt.Errorf("optimization_specification: %w", err)
	}
	return nil
}

// TorsiondriveKeywords parameterize the torsion drive driver
type TorsiondriveKeywords struct {
	Dihedrals            [][4]int `json:"dihedrals"`
	GridSpacing          []int    `json:"grid_spacing"`
	DihedralRanges       [][2]int `json:"dihedral_ranges,omitempty"`
	EnergyDecreaseThresh *float64 `json:"energy_decrease_thresh,omitempty"`
	EnergyUpperLimit     *float64 `json:"energy_upper_limit,omitempty"`
}

// Validate checks the keywords are well formed
func (k *TorsiondriveKeywords) Validate() error {
	if len(k.Dihedrals) == 0 {
		return fmt.Errorf("at least one dihedral is required")
	}
	if len(k.GridSpacing) != len(k.Dihedrals) {
		return fmt.Errorf("grid_spacing must match dihedrals (%d != %d)", len(k.GridSpacing), len(k.Dihedrals))
	}
	for i, gs := range k.GridSpacing {
		if gs <= 0 || 360%gs != 0 {
			return fmt.Errorf("grid_spacing[%d] must evenly divide 360 (got %d)", i, gs)
		}
	}
	return nil
}

// TorsiondriveSpecification describes a torsion drive service
type TorsiondriveSpecification struct {
	ID                        int64                     `json:"id,omitempty"`
	Program                   string                    `json:"program"`
	Keywords                  TorsiondriveKeywords      `json:"keywords"`
	OptimizationSpecification OptimizationSpecification `json:"optimization_specification"`
}

// Normalize lowercases enumeration fields, recursing into child specs
func (s *TorsiondriveSpecification) Normalize() {
	s.Program = strings.ToLower(s.Program)
	s.OptimizationSpecification.Normalize()
}

// Validate checks field values after normalization
func (s *TorsiondriveSpecification) Validate() error {
	if s.Program == "" {
		s.Program = "torsiondrive"
	}
	if err := s.Keywords.Validate(); err != nil {
		return fmt.Errorf("keywords: %w", err)
	}
	if err := s.OptimizationSpecification.Validate(); err != nil {
		return fmt.Errorf("optimization_specification: %w", err)
	}
	return nil
}

// NEBKeywords parameterize the nudged elastic band driver
type NEBKeywords struct {
	Images         int     `json:"images"`
	SpringConstant float64 `json:"spring_constant"`
	MaximumCycles  int     `json:"maximum_cycles,omitempty"`
}

// Validate checks the keywords are well formed
func (k *NEBKeywords) Validate() error {
	if k.Images < 3 {
		return fmt.Errorf("at least 3 images are required (got %d)", k.Images)
	}
	if k.SpringConstant <= 0 {
		return fmt.Errorf("spring_constant must be positive")
	}
	return nil
}

// NEBSpecification describes a nudged elastic band service. The embedded
// QCSpecification computes energies and gradients of the chain images.
type NEBSpecification struct {
	ID              int64           `json:"id,omitempty"`
	Program         string          `json:"program"`
	Keywords        NEBKeywords     `json:"keywords"`
	QCSpecification QCSpecification `json:"qc_specification"`
}

// Normalize lowercases enumeration fields, recursing into the child spec
func (s *NEBSpecification) Normalize() {
	s.Program = strings.ToLower(s.Program)
	s.QCSpecification.Normalize()
}

// Validate checks field values after normalization
func (s *NEBSpecification) Validate() error {
	if s.Program == "" {
		s.Program = "neb"
	}
	if err := s.Keywords.Validate(); err != nil {
		return fmt.Errorf("keywords: %w", err)
	}
	if err := s.QCSpecification.Validate(); err != nil {
		return fmt.Errorf("qc_specification: %w", err)
	}
	return nil
}
