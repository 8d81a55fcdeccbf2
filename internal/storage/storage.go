// Package storage provides shared types for record storage.
//
// The concrete storage implementation lives in the postgres sub-package.
// This package holds interface and value types that are referenced by both
// the postgres implementation and its consumers (api, services, cmd).
package storage

import (
	"context"
	"time"

	"github.com/qcfabric/qcfabric/internal/types"
)

// RecordAction is an explicit admin operation on record status.
// The legal (status, action) pairs are enforced by the transition table.
type RecordAction string

// Record action constants
const (
	ActionReset      RecordAction = "reset"
	ActionCancel     RecordAction = "cancel"
	ActionUncancel   RecordAction = "uncancel"
	ActionInvalidate RecordAction = "invalidate"
	ActionSoftDelete RecordAction = "softdelete"
	ActionUndelete   RecordAction = "undelete"
	ActionHardDelete RecordAction = "harddelete"
)

// IsValid checks if the action value is valid
func (a RecordAction) IsValid() bool {
	switch a {
	case ActionReset, ActionCancel, ActionUncancel, ActionInvalidate,
		ActionSoftDelete, ActionUndelete, ActionHardDelete:
		return true
	}
	return false
}

// MoleculeRef is one entry of an add-mixed call: either an existing molecule
// id to validate, or a molecule literal to intern. Exactly one field is set.
type MoleculeRef struct {
	ID       *int64          `json:"id,omitempty"`
	Molecule *types.Molecule `json:"molecule,omitempty"`
}

// OptimizationDetail is the per-type row for optimization records
type OptimizationDetail struct {
	RecordID          int64                           `json:"record_id"`
	Specification     types.OptimizationSpecification `json:"specification"`
	InitialMoleculeID int64                           `json:"initial_molecule_id"`
	FinalMoleculeID   *int64                          `json:"final_molecule_id,omitempty"`
	Energies          []float64                       `json:"energies,omitempty"`
}

// GridoptimizationDetail is the per-type row for grid optimization records.
// StartingMoleculeID and StartingGrid are filled in by the driver once the
// (possibly preoptimized) starting geometry is known.
type GridoptimizationDetail struct {
	RecordID           int64                               `json:"record_id"`
	Specification      types.GridoptimizationSpecification `json:"specification"`
	InitialMoleculeID  int64                               `json:"initial_molecule_id"`
	StartingMoleculeID *int64                              `json:"starting_molecule_id,omitempty"`
	StartingGrid       []int                               `json:"starting_grid,omitempty"`
}

// TorsiondriveDetail is the per-type row for torsion drive records
type TorsiondriveDetail struct {
	RecordID           int64                           `json:"record_id"`
	Specification      types.TorsiondriveSpecification `json:"specification"`
	InitialMoleculeIDs []int64                         `json:"initial_molecule_ids"`
}

// NEBDetail is the per-type row for nudged elastic band records
type NEBDetail struct {
	RecordID         int64                  `json:"record_id"`
	Specification    types.NEBSpecification `json:"specification"`
	ChainMoleculeIDs []int64                `json:"chain_molecule_ids"`
}

// SweepResult reports what a heartbeat sweep did
type SweepResult struct {
	ManagersDeactivated int `json:"managers_deactivated"`
	RecordsReset        int `json:"records_reset"`
}

// Storage is the interface satisfied by *postgres.Store.
// Consumers depend on this interface rather than on the concrete type so that
// alternative implementations (mocks, proxies, etc.) can be substituted.
type Storage interface {
	// Specification interning. Nested specifications are interned bottom-up
	// inside one transaction; identical content always returns the same id.
	AddQCSpecification(ctx context.Context, spec *types.QCSpecification) (*types.InsertMetadata, int64, error)
	AddOptimizationSpecification(ctx context.Context, spec *types.OptimizationSpecification) (*types.InsertMetadata, int64, error)

	// Molecules
	AddMolecules(ctx context.Context, mols []*types.Molecule) (*types.InsertMetadata, []int64, error)
	AddMixedMolecules(ctx context.Context, refs []MoleculeRef) (*types.InsertMetadata, []int64, error)
	GetMolecule(ctx context.Context, id int64) (*types.Molecule, error)

	// Record creation (dedupes on (specification, molecule))
	AddSinglepointRecords(ctx context.Context, spec *types.QCSpecification, mols []MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)
	AddOptimizationRecords(ctx context.Context, spec *types.OptimizationSpecification, mols []MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)
	AddGridoptimizationRecords(ctx context.Context, spec *types.GridoptimizationSpecification, mols []MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)
	AddTorsiondriveRecords(ctx context.Context, spec *types.TorsiondriveSpecification, mols []MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)
	AddNEBRecords(ctx context.Context, spec *types.NEBSpecification, mols []MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)

	// Record access and admin operations
	GetRecord(ctx context.Context, id int64, includeHistory bool) (*types.Record, error)
	QueryRecords(ctx context.Context, filter types.RecordQueryFilter) (*types.QueryMetadata, []*types.Record, error)
	ModifyStatus(ctx context.Context, ids []int64, action RecordAction) (*types.UpdateMetadata, error)
	GetOutput(ctx context.Context, id int64) (*types.OutputStore, error)

	// Task queue
	ClaimTasks(ctx context.Context, managerName string, tags []string, programs []string, limit int) ([]*types.Task, error)
	ReturnTasks(ctx context.Context, managerName string, results []*types.TaskResult) (*types.UpdateMetadata, error)

	// Service scheduling
	FetchEligibleServices(ctx context.Context, limit int) ([]int64, error)

	// Manager registry
	ActivateManager(ctx context.Context, m *types.Manager) (*types.Manager, error)
	ManagerHeartbeat(ctx context.Context, name string) error
	DeactivateManager(ctx context.Context, name string) (*SweepResult, error)
	SweepInactiveManagers(ctx context.Context, cutoff time.Time) (*SweepResult, error)
	GetManager(ctx context.Context, name string) (*types.Manager, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the operations a service driver performs while
// iterating, all within one database transaction. Either every operation
// takes effect or none does; the service row is locked for the duration so
// two iterator workers never double-schedule a wave.
type Transaction interface {
	// LockService locks the service row (skip-locked) and loads its
	// checkpoint and dependencies. Returns ErrNotFound if the row is gone
	// or currently held by another iterator.
	LockService(ctx context.Context, serviceID int64) (*types.Service, error)

	GetRecord(ctx context.Context, id int64) (*types.Record, error)
	GetMolecule(ctx context.Context, id int64) (*types.Molecule, error)

	// Service record lifecycle
	StartServiceRecord(ctx context.Context, recordID int64, routine string) error
	CompleteServiceRecord(ctx context.Context, recordID int64) error
	FailServiceRecord(ctx context.Context, recordID int64, payload types.ErrorPayload) error
	AppendServiceStdout(ctx context.Context, recordID int64, text string) error

	// Per-type detail rows
	GetOptimizationDetail(ctx context.Context, recordID int64) (*OptimizationDetail, error)
	GetGridoptimizationDetail(ctx context.Context, recordID int64) (*GridoptimizationDetail, error)
	UpdateGridoptimizationStart(ctx context.Context, recordID int64, startingMoleculeID int64, startingGrid []int) error
	GetTorsiondriveDetail(ctx context.Context, recordID int64) (*TorsiondriveDetail, error)
	GetNEBDetail(ctx context.Context, recordID int64) (*NEBDetail, error)
	GetSinglepointReturnResult(ctx context.Context, recordID int64) ([]byte, error)

	// Parent-child association rows (extras key per spec design notes)
	AddServiceChildAssociation(ctx context.Context, parentID, childID int64, key string) error

	// Child record creation (same dedup semantics as the Storage methods)
	AddSinglepointRecords(ctx context.Context, spec *types.QCSpecification, mols []*types.Molecule, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)
	AddOptimizationRecords(ctx context.Context, spec *types.OptimizationSpecification, mols []*types.Molecule, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error)

	// Checkpointing
	SetServiceDependencies(ctx context.Context, serviceID int64, deps []*types.ServiceDependency) error
	SaveServiceState(ctx context.Context, serviceID int64, state any) error
}
