package api

import (
	"context"
	"fmt"
	"time"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// fakeStore is a storage.Storage whose behavior is overridden per test via
// the function fields. Unset methods report not found.
type fakeStore struct {
	addSinglepoint func(spec *types.QCSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)
	getRecord      func(id int64, includeHistory bool) (*types.Record, error)
	modifyStatus   func(ids []int64, action storage.RecordAction) (*types.UpdateMetadata, error)
	claimTasks     func(manager string, tags, programs []string, limit int) ([]*types.Task, error)
	returnTasks    func(manager string, results []*types.TaskResult) (*types.UpdateMetadata, error)
	activate       func(m *types.Manager) (*types.Manager, error)
	getOutput      func(id int64) (*types.OutputStore, error)
}

func errNotImplemented(op string) error {
	return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
}

func (f *fakeStore) AddQCSpecification(ctx context.Context, spec *types.QCSpecification) (*types.InsertMetadata, int64, error) {
	return nil, 0, errNotImplemented("AddQCSpecification")
}

func (f *fakeStore) AddOptimizationSpecification(ctx context.Context, spec *types.OptimizationSpecification) (*types.InsertMetadata, int64, error) {
	return nil, 0, errNotImplemented("AddOptimizationSpecification")
}

func (f *fakeStore) AddMolecules(ctx context.Context, mols []*types.Molecule) (*types.InsertMetadata, []int64, error) {
	return nil, nil, errNotImplemented("AddMolecules")
}

func (f *fakeStore) AddMixedMolecules(ctx context.Context, refs []storage.MoleculeRef) (*types.InsertMetadata, []int64, error) {
	return nil, nil, errNotImplemented("AddMixedMolecules")
}

func (f *fakeStore) GetMolecule(ctx context.Context, id int64) (*types.Molecule, error) {
	return nil, errNotImplemented("GetMolecule")
}

func (f *fakeStore) AddSinglepointRecords(ctx context.Context, spec *types.QCSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	if f.addSinglepoint == nil {
		return nil, nil, errNotImplemented("AddSinglepointRecords")
	}
	return f.addSinglepoint(spec, mols, tag, priority)
}

func (f *fakeStore) AddOptimizationRecords(ctx context.Context, spec *types.OptimizationSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	return nil, nil, errNotImplemented("AddOptimizationRecords")
}

func (f *fakeStore) AddGridoptimizationRecords(ctx context.Context, spec *types.GridoptimizationSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	return nil, nil, errNotImplemented("AddGridoptimizationRecords")
}

func (f *fakeStore) AddTorsiondriveRecords(ctx context.Context, spec *types.TorsiondriveSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	return nil, nil, errNotImplemented("AddTorsiondriveRecords")
}

func (f *fakeStore) AddNEBRecords(ctx context.Context, spec *types.NEBSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	return nil, nil, errNotImplemented("AddNEBRecords")
}

func (f *fakeStore) GetRecord(ctx context.Context, id int64, includeHistory bool) (*types.Record, error) {
	if f.getRecord == nil {
		return nil, errNotImplemented("GetRecord")
	}
	return f.getRecord(id, includeHistory)
}

func (f *fakeStore) QueryRecords(ctx context.Context, filter types.RecordQueryFilter) (*types.QueryMetadata, []*types.Record, error) {
	return nil, nil, errNotImplemented("QueryRecords")
}

func (f *fakeStore) ModifyStatus(ctx context.Context, ids []int64, action storage.RecordAction) (*types.UpdateMetadata, error) {
	if f.modifyStatus == nil {
		return nil, errNotImplemented("ModifyStatus")
	}
	return f.modifyStatus(ids, action)
}

func (f *fakeStore) GetOutput(ctx context.Context, id int64) (*types.OutputStore, error) {
	if f.getOutput == nil {
		return nil, errNotImplemented("GetOutput")
	}
	return f.getOutput(id)
}

func (f *fakeStore) ClaimTasks(ctx context.Context, managerName string, tags []string, programs []string, limit int) ([]*types.Task, error) {
	if f.claimTasks == nil {
		return nil, errNotImplemented("ClaimTasks")
	}
	return f.claimTasks(managerName, tags, programs, limit)
}

func (f *fakeStore) ReturnTasks(ctx context.Context, managerName string, results []*types.TaskResult) (*types.UpdateMetadata, error) {
	if f.returnTasks == nil {
		return nil, errNotImplemented("ReturnTasks")
	}
	return f.returnTasks(managerName, results)
}

func (f *fakeStore) FetchEligibleServices(ctx context.Context, limit int) ([]int64, error) {
	return nil, errNotImplemented("FetchEligibleServices")
}

func (f *fakeStore) ActivateManager(ctx context.Context, m *types.Manager) (*types.Manager, error) {
	if f.activate == nil {
		return nil, errNotImplemented("ActivateManager")
	}
	return f.activate(m)
}

func (f *fakeStore) ManagerHeartbeat(ctx context.Context, name string) error {
	return errNotImplemented("ManagerHeartbeat")
}

func (f *fakeStore) DeactivateManager(ctx context.Context, name string) (*storage.SweepResult, error) {
	return nil, errNotImplemented("DeactivateManager")
}

func (f *fakeStore) SweepInactiveManagers(ctx context.Context, cutoff time.Time) (*storage.SweepResult, error) {
	return nil, errNotImplemented("SweepInactiveManagers")
}

func (f *fakeStore) GetManager(ctx context.Context, name string) (*types.Manager, error) {
	return nil, errNotImplemented("GetManager")
}

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return errNotImplemented("RunInTransaction")
}

func (f *fakeStore) Close() error { return nil }

var _ storage.Storage = (*fakeStore)(nil)
