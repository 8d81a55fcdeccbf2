package types

import (
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
)

// Bond is one connectivity entry between two atoms
type Bond struct {
	Atom1 int     `json:"atom1"`
	Atom2 int     `json:"atom2"`
	Order float64 `json:"order"`
}

// Molecule is an immutable, content-addressed geometry. Geometry is a flat
// (x, y, z) triple per atom in bohr. Interned molecules are never mutated.
type Molecule struct {
	ID           int64             `json:"id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Symbols      []string          `json:"symbols"`
	Geometry     []float64         `json:"geometry"`
	Connectivity []Bond            `json:"connectivity,omitempty"`
	Charge       int               `json:"molecular_charge"`
	Multiplicity int               `json:"molecular_multiplicity"`
	Identifiers  map[string]string `json:"identifiers,omitempty"`
}

// Validate checks the molecule is well formed
func (m *Molecule) Validate() error {
	if len(m.Symbols) == 0 {
		return fmt.Errorf("at least one atom is required")
	}
	if len(m.Geometry) != 3*len(m.Symbols) {
		return fmt.Errorf("geometry must have 3 values per atom (got %d for %d atoms)",
			len(m.Geometry), len(m.Symbols))
	}
	for _, g := range m.Geometry {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return fmt.Errorf("geometry contains non-finite values")
		}
	}
	for _, b := range m.Connectivity {
		if b.Atom1 < 0 || b.Atom1 >= len(m.Symbols) || b.Atom2 < 0 || b.Atom2 >= len(m.Symbols) {
			return fmt.Errorf("connectivity references atom out of range")
		}
	}
	if m.Multiplicity < 1 {
		return fmt.Errorf("multiplicity must be at least 1")
	}
	return nil
}

// hashGeometryPrecision rounds coordinates before hashing so that molecules
// differing only below this precision intern to the same row.
const hashGeometryPrecision = 1e-8

// ComputeHash returns the canonical content hash of the molecule. The hash
// covers normalized symbols, rounded geometry, sorted connectivity, charge
// and multiplicity. Name and identifiers are annotations, not identity.
func (m *Molecule) ComputeHash() string {
	h := sha256.New()
	for _, s := range m.Symbols {
		h.Write([]byte(normalizeSymbol(s)))
		h.Write([]byte{0})
	}
	for _, g := range m.Geometry {
		r := math.Round(g/hashGeometryPrecision) * hashGeometryPrecision
		if r == 0 {
			r = 0 // collapse -0
		}
		fmt.Fprintf(h, "%.8f", r)
		h.Write([]byte{0})
	}
	for _, b := range sortedBonds(m.Connectivity) {
		fmt.Fprintf(h, "%d:%d:%g", b.Atom1, b.Atom2, b.Order)
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%d|%d", m.Charge, m.Multiplicity)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// normalizeSymbol canonicalizes an element symbol ("CL" -> "Cl")
func normalizeSymbol(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedBonds(bonds []Bond) []Bond {
	out := make([]Bond, len(bonds))
	for i, b := range bonds {
		if b.Atom1 > b.Atom2 {
			b.Atom1, b.Atom2 = b.Atom2, b.Atom1
		}
		out[i] = b
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && bondLess(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func bondLess(a, b Bond) bool {
	if a.Atom1 != b.Atom1 {
		return a.Atom1 < b.Atom1
	}
	return a.Atom2 < b.Atom2
}

// Measure computes an internal coordinate from atom indices:
// two indices give a distance in bohr, three an angle in degrees,
// four a dihedral in degrees. This is what grid scan dimensions measure.
func (m *Molecule) Measure(indices []int) (float64, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= len(m.Symbols) {
			return 0, fmt.Errorf("atom index %d out of range (%d atoms)", idx, len(m.Symbols))
		}
	}
	switch len(indices) {
	case 2:
		return dist(m.atom(indices[0]), m.atom(indices[1])), nil
	case 3:
		return angle(m.atom(indices[0]), m.atom(indices[1]), m.atom(indices[2])), nil
	case 4:
		return dihedral(m.atom(indices[0]), m.atom(indices[1]), m.atom(indices[2]), m.atom(indices[3])), nil
	default:
		return 0, fmt.Errorf("measure requires 2, 3 or 4 indices (got %d)", len(indices))
	}
}

func (m *Molecule) atom(i int) [3]float64 {
	return [3]float64{m.Geometry[3*i], m.Geometry[3*i+1], m.Geometry[3*i+2]}
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}

func dist(a, b [3]float64) float64 {
	return norm(sub(a, b))
}

func angle(a, b, c [3]float64) float64 {
	u := sub(a, b)
	v := sub(c, b)
	cosv := dot(u, v) / (norm(u) * norm(v))
	cosv = math.Max(-1, math.Min(1, cosv))
	return math.Acos(cosv) * 180 / math.Pi
}

func dihedral(a, b, c, d [3]float64) float64 {
	b1 := sub(b, a)
	b2 := sub(c, b)
	b3 := sub(d, c)
	n1 := cross(b1, b2)
	n2 := cross(b2, b3)
	m1 := cross(n1, scale(b2, 1/norm(b2)))
	x := dot(n1, n2)
	y := dot(m1, n2)
	return math.Atan2(y, x) * 180 / math.Pi
}

func scale(a [3]float64, s float64) [3]float64 {
	return [3]float64{a[0] * s, a[1] * s, a[2] * s}
}

// WithGeometry returns a copy of the molecule carrying new coordinates.
// Used when seeding a child optimization from a completed neighbour.
func (m *Molecule) WithGeometry(geometry []float64) *Molecule {
	out := &Molecule{
		Name:         m.Name,
		Symbols:      append([]string(nil), m.Symbols...),
		Geometry:     append([]float64(nil), geometry...),
		Connectivity: append([]Bond(nil), m.Connectivity...),
		Charge:       m.Charge,
		Multiplicity: m.Multiplicity,
	}
	return out
}
