package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// nebState is the checkpoint for one nudged elastic band service
type nebState struct {
	Iteration int     `json:"iteration"`
	Chain     []int64 `json:"chain"`
}

// NEBDriver runs gradient waves over a chain of images. Each wave submits
// one singlepoint per image; the band energies are collected when the wave
// finishes.
type NEBDriver struct {
	log zerolog.Logger
}

// NewNEBDriver builds the nudged elastic band driver
func NewNEBDriver(logger zerolog.Logger) *NEBDriver {
	return &NEBDriver{log: logger}
}

// RecordType reports which service records this driver handles
func (d *NEBDriver) RecordType() types.RecordType {
	return types.TypeNEB
}

// Iterate advances the service by one wave
func (d *NEBDriver) Iterate(ctx context.Context, tx storage.Transaction, svc *types.Service) (bool, error) {
	detail, err := tx.GetNEBDetail(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}

	var state nebState
	if svc.ServiceState == nil {
		if err := d.start(ctx, tx, svc, detail, &state); err != nil {
			return false, err
		}
		return false, d.submitChainWave(ctx, tx, svc, detail, &state)
	}
	if err := json.Unmarshal(svc.ServiceState, &state); err != nil {
		return false, fmt.Errorf("failed to decode neb state: %w", err)
	}
	return d.collectWave(ctx, tx, svc, &state)
}

func (d *NEBDriver) start(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.NEBDetail, state *nebState) error {
	if err := tx.StartServiceRecord(ctx, svc.RecordID, "qcfabric.services.neb"); err != nil {
		return err
	}
	state.Iteration = 0
	state.Chain = detail.ChainMoleculeIDs
	return tx.AppendServiceStdout(ctx, svc.RecordID, fmt.Sprintf(
		"Created neb service over a chain of %d images\n", len(state.Chain)))
}

// submitChainWave submits one gradient singlepoint per chain image
func (d *NEBDriver) submitChainWave(ctx context.Context, tx storage.Transaction, svc *types.Service, detail *storage.NEBDetail, state *nebState) error {
	mols := make([]*types.Molecule, len(state.Chain))
	for i, molID := range state.Chain {
		mol, err := tx.GetMolecule(ctx, molID)
		if err != nil {
			return err
		}
		mols[i] = mol
	}

	spec := detail.Specification.QCSpecification
	spec.ID = 0
	spec.Driver = types.DriverGradient
	_, ids, err := tx.AddSinglepointRecords(ctx, &spec, mols, svc.Tag, svc.Priority)
	if err != nil {
		return err
	}

	deps := make([]*types.ServiceDependency, len(ids))
	for i, childID := range ids {
		key := fmt.Sprintf("image_%d", i)
		if err := tx.AddServiceChildAssociation(ctx, svc.RecordID, childID, key); err != nil {
			return err
		}
		deps[i] = &types.ServiceDependency{
			ServiceID: svc.ID,
			RecordID:  childID,
			Extras:    map[string]string{"key": key},
		}
	}
	if err := tx.SetServiceDependencies(ctx, svc.ID, deps); err != nil {
		return err
	}

	state.Iteration = 1
	if err := tx.SaveServiceState(ctx, svc.ID, state); err != nil {
		return err
	}
	return tx.AppendServiceStdout(ctx, svc.RecordID,
		fmt.Sprintf("Submitted gradients for %d images\n", len(ids)))
}

// singlepointEnergy is the energy portion of a singlepoint result payload
type singlepointEnergy struct {
	Energy *float64 `json:"energy"`
}

// collectWave gathers the band energies from the finished wave and completes
// the service.
func (d *NEBDriver) collectWave(ctx context.Context, tx storage.Transaction, svc *types.Service, state *nebState) (bool, error) {
	energies := make([]string, 0, len(svc.Dependencies))
	for _, dep := range svc.Dependencies {
		raw, err := tx.GetSinglepointReturnResult(ctx, dep.RecordID)
		if err != nil {
			return false, fmt.Errorf("image %s: %w", dep.Key(), err)
		}
		var res singlepointEnergy
		if err := json.Unmarshal(raw, &res); err != nil || res.Energy == nil {
			energies = append(energies, fmt.Sprintf("%s=?", dep.Key()))
			continue
		}
		energies = append(energies, fmt.Sprintf("%s=%.8f", dep.Key(), *res.Energy))
	}

	if err := tx.SetServiceDependencies(ctx, svc.ID, nil); err != nil {
		return false, err
	}
	if err := tx.SaveServiceState(ctx, svc.ID, state); err != nil {
		return false, err
	}
	if err := tx.AppendServiceStdout(ctx, svc.RecordID, fmt.Sprintf(
		"Band energies: %s\nNEB finished successfully!\n",
		strings.Join(energies, " "))); err != nil {
		return false, err
	}
	return true, tx.CompleteServiceRecord(ctx, svc.RecordID)
}
