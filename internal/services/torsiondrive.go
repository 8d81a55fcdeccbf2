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

// torsiondriveState is the checkpoint for one torsion drive service.
// TorsionGrid maps a serialized angle tuple to the optimization records run
// at that point; MinimumEnergy/MinimumOpt track the best result per point.
type torsiondriveState struct {
	Iteration     int                `json:"iteration"`
	TorsionGrid   map[string][]int64 `json:"torsion_grid"`
	MinimumEnergy map[string]float64 `json:"minimum_energy"`
	MinimumOpt    map[string]int64   `json:"minimum_opt"`
	Dihedrals     [][4]int           `json:"dihedrals"`
	GridSpacing   []int              `json:"grid_spacing"`
}

// TorsiondriveDriver scans the dihedral grid outward from the starting
// conformers, one constrained optimization per visited angle tuple.
type TorsiondriveDriver struct {
	log zerolog.Logger
}

// NewTorsiondriveDriver builds the torsion drive driver
func NewTorsiondriveDriver(logger zerolog.Logger) *TorsiondriveDriver {
	return &TorsiondriveDriver{log: logger}
}

// RecordType reports which service records this driver handles
func (d *TorsiondriveDriver) RecordType() types.RecordType {
	return types.TypeTorsiondrive
}

// Iterate advances the service by one wave
func (d *TorsiondriveDriver) Iterate(ctx context.Context, tx storage.Transaction, svc *types.Service) (bool, error) {
	detail, err := tx.GetTorsiondriveDetail(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}

	var state torsiondriveState
	if svc.ServiceState == nil {
		if err := d.start(ctx, tx, svc, detail, &state); err != nil {
			return false, err
		}
	} else if err := json.Unmarshal(svc.ServiceState, &state); err != nil {
		return false, fmt.Errorf("failed to decode torsion drive state: %w", err)
	}

	if state.Iteration == 0 {
		return false, d.submitStartingConformers(ctx, tx, svc, detail, &state)
	}
	return d.expandFrontier(ctx, tx, svc, detail, &state)
}

func (d *TorsiondriveDriver) start(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.TorsiondriveDetail, state *torsiondriveState) error {
	if err := tx.StartServiceRecord(ctx, svc.RecordID, "qcfabric.services.torsiondrive"); err != nil {
		return err
	}
	state.Iteration = 0
	state.TorsionGrid = map[string][]int64{}
	state.MinimumEnergy = map[string]float64{}
	state.MinimumOpt = map[string]int64{}
	state.Dihedrals = detail.Specification.Keywords.Dihedrals
	state.GridSpacing = detail.Specification.Keywords.GridSpacing

	total := 1
	for _, gs := range state.GridSpacing {
		total *= 360 / gs
	}
	return tx.AppendServiceStdout(ctx, svc.RecordID, fmt.Sprintf(
		"Created torsion drive over %d dihedrals (%d grid points total)\n",
		len(state.Dihedrals), total))
}

// submitStartingConformers snaps each starting conformer onto the dihedral
// grid and submits one constrained optimization per distinct grid point.
func (d *TorsiondriveDriver) submitStartingConformers(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.TorsiondriveDetail, state *torsiondriveState) error {
	points := map[string]*types.Molecule{}
	for _, molID := range detail.InitialMoleculeIDs {
		mol, err := tx.GetMolecule(ctx, molID)
		if err != nil {
			return err
		}
		angles := make([]int, len(state.Dihedrals))
		for dim, dih := range state.Dihedrals {
			measure, err := mol.Measure(dih[:])
			if err != nil {
				return fmt.Errorf("failed to measure dihedral %d: %w", dim, err)
			}
			angles[dim] = snapAngle(measure, state.GridSpacing[dim])
		}
		key := SerializeKey(angles)
		if _, ok := points[key]; !ok {
			points[key] = mol
		}
	}

	if err := d.submitTorsionChildren(ctx, tx, svc, detail, state, points); err != nil {
		return err
	}
	state.Iteration = 1
	return tx.SaveServiceState(ctx, svc.ID, state)
}

// snapAngle maps a measured dihedral (degrees) to the nearest grid angle in
// [-180, 180).
func snapAngle(measure float64, spacing int) int {
	snapped := int(math.Round(measure/float64(spacing))) * spacing
	return wrapAngle(snapped)
}

func wrapAngle(angle int) int {
	a := ((angle+180)%360 + 360) % 360
	return a - 180
}

func (d *TorsiondriveDriver) expandFrontier(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.TorsiondriveDetail, state *torsiondriveState) (bool, error) {
	seedMols := map[string]*types.Molecule{}
	var seedKeys []string
	for _, dep := range svc.Dependencies {
		key := dep.Key()
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

		state.TorsionGrid[key] = append(state.TorsionGrid[key], dep.RecordID)
		if n := len(optDetail.Energies); n > 0 {
			final := optDetail.Energies[n-1]
			if best, ok := state.MinimumEnergy[key]; !ok || final < best {
				state.MinimumEnergy[key] = final
				state.MinimumOpt[key] = dep.RecordID
			}
		}
		seedMols[key] = mol
		seedKeys = append(seedKeys, key)
	}
	sort.Strings(seedKeys)

	// Frontier: one spacing step along each dihedral, wrapped, skipping
	// points already visited.
	next := map[string]*types.Molecule{}
	for _, key := range seedKeys {
		angles, err := DeserializeKey(key)
		if err != nil {
			return false, err
		}
		for dim := range angles {
			for _, direction := range []int{-1, 1} {
				neighbour := make([]int, len(angles))
				copy(neighbour, angles)
				neighbour[dim] = wrapAngle(angles[dim] + direction*state.GridSpacing[dim])
				nkey := SerializeKey(neighbour)
				if _, visited := state.TorsionGrid[nkey]; visited {
					continue
				}
				if _, queued := next[nkey]; queued {
					continue
				}
				next[nkey] = seedMols[key]
			}
		}
	}

	if len(next) == 0 {
		if err := tx.SetServiceDependencies(ctx, svc.ID, nil); err != nil {
			return false, err
		}
		if err := tx.SaveServiceState(ctx, svc.ID, state); err != nil {
			return false, err
		}
		if err := tx.AppendServiceStdout(ctx, svc.RecordID, fmt.Sprintf(
			"All %d grid points visited\nTorsion drive finished successfully!\n",
			len(state.TorsionGrid))); err != nil {
			return false, err
		}
		return true, tx.CompleteServiceRecord(ctx, svc.RecordID)
	}

	if err := d.submitTorsionChildren(ctx, tx, svc, detail, state, next); err != nil {
		return false, err
	}
	state.Iteration++
	return false, tx.SaveServiceState(ctx, svc.ID, state)
}

func (d *TorsiondriveDriver) submitTorsionChildren(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.TorsiondriveDetail, state *torsiondriveState, points map[string]*types.Molecule) error {
	keys := make([]string, 0, len(points))
	for key := range points {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var deps []*types.ServiceDependency
	for _, key := range keys {
		angles, err := DeserializeKey(key)
		if err != nil {
			return err
		}
		spec, err := dihedralConstrainedSpecification(&detail.Specification, state.Dihedrals, angles)
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

// dihedralConstrainedSpecification pins every driven dihedral to the grid
// point's angles.
func dihedralConstrainedSpecification(spec *types.TorsiondriveSpecification, dihedrals [][4]int, angles []int) (*types.OptimizationSpecification, error) {
	if len(angles) != len(dihedrals) {
		return nil, fmt.Errorf("grid point has %d angles for %d dihedrals: %w",
			len(angles), len(dihedrals), storage.ErrDeveloper)
	}

	set := make([]map[string]any, len(angles))
	for dim, angle := range angles {
		set[dim] = map[string]any{
			"type":    string(types.ScanDihedral),
			"indices": dihedrals[dim][:],
			"value":   float64(angle),
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
