package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// fakeTx is an in-memory storage.Transaction for driver tests. Child records
// created through it get sequential ids starting at 1000.
type fakeTx struct {
	services    map[int64]*types.Service
	records     map[int64]*types.Record
	molecules   map[int64]*types.Molecule
	gridDetails map[int64]*storage.GridoptimizationDetail
	optDetails  map[int64]*storage.OptimizationDetail
	torsDetails map[int64]*storage.TorsiondriveDetail
	nebDetails  map[int64]*storage.NEBDetail
	spResults   map[int64][]byte

	nextRecordID int64

	stdout         strings.Builder
	startedRoutine string
	completed      []int64
	failures       []types.ErrorPayload
	deps           []*types.ServiceDependency
	savedState     []byte
	childKeys      map[int64]string
	optSpecs       map[int64]*types.OptimizationSpecification
	spSpecs        map[int64]*types.QCSpecification
	gridStartMol   int64
	gridStart      []int
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		services:     map[int64]*types.Service{},
		records:      map[int64]*types.Record{},
		molecules:    map[int64]*types.Molecule{},
		gridDetails:  map[int64]*storage.GridoptimizationDetail{},
		optDetails:   map[int64]*storage.OptimizationDetail{},
		torsDetails:  map[int64]*storage.TorsiondriveDetail{},
		nebDetails:   map[int64]*storage.NEBDetail{},
		spResults:    map[int64][]byte{},
		nextRecordID: 1000,
		childKeys:    map[int64]string{},
		optSpecs:     map[int64]*types.OptimizationSpecification{},
		spSpecs:      map[int64]*types.QCSpecification{},
	}
}

func (f *fakeTx) LockService(ctx context.Context, serviceID int64) (*types.Service, error) {
	svc, ok := f.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("service %d: %w", serviceID, storage.ErrNotFound)
	}
	return svc, nil
}

func (f *fakeTx) GetRecord(ctx context.Context, id int64) (*types.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, storage.ErrNotFound)
	}
	return rec, nil
}

func (f *fakeTx) GetMolecule(ctx context.Context, id int64) (*types.Molecule, error) {
	mol, ok := f.molecules[id]
	if !ok {
		return nil, fmt.Errorf("molecule %d: %w", id, storage.ErrNotFound)
	}
	return mol, nil
}

func (f *fakeTx) StartServiceRecord(ctx context.Context, recordID int64, routine string) error {
	f.startedRoutine = routine
	return nil
}

func (f *fakeTx) CompleteServiceRecord(ctx context.Context, recordID int64) error {
	f.completed = append(f.completed, recordID)
	return nil
}

func (f *fakeTx) FailServiceRecord(ctx context.Context, recordID int64, payload types.ErrorPayload) error {
	f.failures = append(f.failures, payload)
	return nil
}

func (f *fakeTx) AppendServiceStdout(ctx context.Context, recordID int64, text string) error {
	f.stdout.WriteString(text)
	return nil
}

func (f *fakeTx) GetOptimizationDetail(ctx context.Context, recordID int64) (*storage.OptimizationDetail, error) {
	d, ok := f.optDetails[recordID]
	if !ok {
		return nil, fmt.Errorf("optimization record %d: %w", recordID, storage.ErrNotFound)
	}
	return d, nil
}

func (f *fakeTx) GetGridoptimizationDetail(ctx context.Context, recordID int64) (*storage.GridoptimizationDetail, error) {
	d, ok := f.gridDetails[recordID]
	if !ok {
		return nil, fmt.Errorf("grid optimization record %d: %w", recordID, storage.ErrNotFound)
	}
	return d, nil
}

func (f *fakeTx) UpdateGridoptimizationStart(ctx context.Context, recordID int64, startingMoleculeID int64, startingGrid []int) error {
	f.gridStartMol = startingMoleculeID
	f.gridStart = startingGrid
	return nil
}

func (f *fakeTx) GetTorsiondriveDetail(ctx context.Context, recordID int64) (*storage.TorsiondriveDetail, error) {
	d, ok := f.torsDetails[recordID]
	if !ok {
		return nil, fmt.Errorf("torsion drive record %d: %w", recordID, storage.ErrNotFound)
	}
	return d, nil
}

func (f *fakeTx) GetNEBDetail(ctx context.Context, recordID int64) (*storage.NEBDetail, error) {
	d, ok := f.nebDetails[recordID]
	if !ok {
		return nil, fmt.Errorf("neb record %d: %w", recordID, storage.ErrNotFound)
	}
	return d, nil
}

func (f *fakeTx) GetSinglepointReturnResult(ctx context.Context, recordID int64) ([]byte, error) {
	raw, ok := f.spResults[recordID]
	if !ok {
		return nil, fmt.Errorf("singlepoint record %d: %w", recordID, storage.ErrNotFound)
	}
	return raw, nil
}

func (f *fakeTx) AddServiceChildAssociation(ctx context.Context, parentID, childID int64, key string) error {
	f.childKeys[childID] = key
	return nil
}

func (f *fakeTx) AddSinglepointRecords(ctx context.Context, spec *types.QCSpecification, mols []*types.Molecule, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	meta := &types.InsertMetadata{}
	ids := make([]int64, len(mols))
	for i := range mols {
		ids[i] = f.nextRecordID
		f.spSpecs[f.nextRecordID] = spec
		f.nextRecordID++
		meta.InsertedIdx = append(meta.InsertedIdx, i)
	}
	return meta, ids, nil
}

func (f *fakeTx) AddOptimizationRecords(ctx context.Context, spec *types.OptimizationSpecification, mols []*types.Molecule, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	meta := &types.InsertMetadata{}
	ids := make([]int64, len(mols))
	for i := range mols {
		ids[i] = f.nextRecordID
		f.optSpecs[f.nextRecordID] = spec
		f.nextRecordID++
		meta.InsertedIdx = append(meta.InsertedIdx, i)
	}
	return meta, ids, nil
}

func (f *fakeTx) SetServiceDependencies(ctx context.Context, serviceID int64, deps []*types.ServiceDependency) error {
	f.deps = deps
	return nil
}

func (f *fakeTx) SaveServiceState(ctx context.Context, serviceID int64, state any) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	f.savedState = b
	return nil
}

var _ storage.Transaction = (*fakeTx)(nil)
