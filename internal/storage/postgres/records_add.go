package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qcfabric/qcfabric/internal/hash"
	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// taskFunction is the serialized input payload stored on a task row and
// handed to managers at claim time.
type taskFunction struct {
	RecordType    types.RecordType `json:"record_type"`
	Specification json.RawMessage  `json:"specification"`
	MoleculeID    int64            `json:"molecule_id"`
}

func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return types.TagWildcard
	}
	return tag
}

// insertRecordRow creates the base record row in waiting status
func insertRecordRow(ctx context.Context, q dbtx, recordType types.RecordType, isService bool, specID int64, tag string, priority types.Priority) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO records (record_type, is_service, specification_id, status, tag, priority)
		VALUES ($1, $2, $3, 'waiting', $4, $5)
		RETURNING id`,
		recordType, isService, specID, tag, priority,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	return id, nil
}

func deleteRecordRow(ctx context.Context, q dbtx, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove record %d: %w", id, err)
	}
	return nil
}

// insertServiceRow creates the iterator checkpoint row for a service record
func insertServiceRow(ctx context.Context, q dbtx, recordID int64, recordType types.RecordType, tag string, priority types.Priority) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO services (record_id, record_type, tag, priority)
		VALUES ($1, $2, $3, $4)`,
		recordID, recordType, tag, priority,
	)
	if err != nil {
		return fmt.Errorf("failed to insert service row: %w", err)
	}
	return nil
}

// addSinglepointRecords dedupes on (specification, molecule) and enqueues a
// task for each newly created record.
func addSinglepointRecords(ctx context.Context, q dbtx, spec *types.QCSpecification, refs []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	tag = normalizeTag(tag)
	if !priority.IsValid() {
		priority = types.PriorityNormal
	}

	specMeta, specID, err := addQCSpecification(ctx, q, spec)
	if err != nil {
		return nil, nil, err
	}
	if !specMeta.Success() {
		return types.InsertError("aborted - could not add specification: %s", specMeta.ErrorString()), nil, nil
	}

	molMeta, molIDs, err := addMixedMolecules(ctx, q, refs)
	if err != nil {
		return nil, nil, err
	}
	if !molMeta.Success() {
		return types.InsertError("aborted - could not add all molecules: %s", molMeta.ErrorString()), nil, nil
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode specification: %w", err)
	}

	meta := &types.InsertMetadata{}
	ids := make([]int64, len(molIDs))
	for i, molID := range molIDs {
		recID, inserted, err := internTypedRecord(ctx, q, typedRecordInsert{
			recordType: types.TypeSinglepoint,
			specID:     specID,
			tag:        tag,
			priority:   priority,
			existingQuery: `SELECT record_id FROM singlepoint_records
				WHERE specification_id = $1 AND molecule_id = $2`,
			detailInsert: `INSERT INTO singlepoint_records (record_id, specification_id, molecule_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (specification_id, molecule_id) DO NOTHING
				RETURNING record_id`,
			detailArgs: []any{specID, molID},
		})
		if err != nil {
			return nil, nil, err
		}
		ids[i] = recID
		if inserted {
			meta.InsertedIdx = append(meta.InsertedIdx, i)
			fn, err := json.Marshal(taskFunction{
				RecordType:    types.TypeSinglepoint,
				Specification: specJSON,
				MoleculeID:    molID,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode task function: %w", err)
			}
			if err := enqueueTask(ctx, q, recID, string(fn), tag, priority, []string{spec.Program}); err != nil {
				return nil, nil, err
			}
		} else {
			meta.ExistingIdx = append(meta.ExistingIdx, i)
		}
	}
	return meta, ids, nil
}

// addOptimizationRecords dedupes on (specification, initial molecule)
func addOptimizationRecords(ctx context.Context, q dbtx, spec *types.OptimizationSpecification, refs []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	tag = normalizeTag(tag)
	if !priority.IsValid() {
		priority = types.PriorityNormal
	}

	specMeta, specID, err := addOptimizationSpecification(ctx, q, spec)
	if err != nil {
		return nil, nil, err
	}
	if !specMeta.Success() {
		return types.InsertError("aborted - could not add specification: %s", specMeta.ErrorString()), nil, nil
	}

	molMeta, molIDs, err := addMixedMolecules(ctx, q, refs)
	if err != nil {
		return nil, nil, err
	}
	if !molMeta.Success() {
		return types.InsertError("aborted - could not add all molecules: %s", molMeta.ErrorString()), nil, nil
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode specification: %w", err)
	}

	meta := &types.InsertMetadata{}
	ids := make([]int64, len(molIDs))
	for i, molID := range molIDs {
		recID, inserted, err := internTypedRecord(ctx, q, typedRecordInsert{
			recordType: types.TypeOptimization,
			specID:     specID,
			tag:        tag,
			priority:   priority,
			existingQuery: `SELECT record_id FROM optimization_records
				WHERE specification_id = $1 AND initial_molecule_id = $2`,
			detailInsert: `INSERT INTO optimization_records (record_id, specification_id, initial_molecule_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (specification_id, initial_molecule_id) DO NOTHING
				RETURNING record_id`,
			detailArgs: []any{specID, molID},
		})
		if err != nil {
			return nil, nil, err
		}
		ids[i] = recID
		if inserted {
			meta.InsertedIdx = append(meta.InsertedIdx, i)
			fn, err := json.Marshal(taskFunction{
				RecordType:    types.TypeOptimization,
				Specification: specJSON,
				MoleculeID:    molID,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode task function: %w", err)
			}
			programs := []string{spec.Program, spec.QCSpecification.Program}
			if err := enqueueTask(ctx, q, recID, string(fn), tag, priority, programs); err != nil {
				return nil, nil, err
			}
		} else {
			meta.ExistingIdx = append(meta.ExistingIdx, i)
		}
	}
	return meta, ids, nil
}

// typedRecordInsert describes one intern attempt against a per-type detail
// table whose unique constraint carries the dedup.
type typedRecordInsert struct {
	recordType    types.RecordType
	isService     bool
	specID        int64
	tag           string
	priority      types.Priority
	existingQuery string // $1.. = detailArgs
	detailInsert  string // $1 = record id, $2.. = detailArgs
	detailArgs    []any
}

// internTypedRecord returns the id of the record for (spec, inputs),
// inserting base and detail rows if no equivalent record exists. Concurrent
// identical submissions converge on one id through the detail table's unique
// constraint.
func internTypedRecord(ctx context.Context, q dbtx, ins typedRecordInsert) (int64, bool, error) {
	var existing int64
	err := q.QueryRowContext(ctx, ins.existingQuery, ins.detailArgs...).Scan(&existing)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to check for existing %s record: %w", ins.recordType, err)
	}

	recID, err := insertRecordRow(ctx, q, ins.recordType, ins.isService, ins.specID, ins.tag, ins.priority)
	if err != nil {
		return 0, false, err
	}

	detailArgs := append([]any{recID}, ins.detailArgs...)
	var confirmed int64
	err = q.QueryRowContext(ctx, ins.detailInsert, detailArgs...).Scan(&confirmed)
	if err == nil {
		return confirmed, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to insert %s detail: %w", ins.recordType, err)
	}

	// Lost a race with a concurrent identical submission; keep theirs.
	if err := deleteRecordRow(ctx, q, recID); err != nil {
		return 0, false, err
	}
	err = q.QueryRowContext(ctx, ins.existingQuery, ins.detailArgs...).Scan(&existing)
	if err != nil {
		return 0, false, fmt.Errorf("failed to select existing %s record: %w", ins.recordType, err)
	}
	return existing, false, nil
}

// addGridoptimizationRecords creates one service record per initial molecule
func addGridoptimizationRecords(ctx context.Context, q dbtx, spec *types.GridoptimizationSpecification, refs []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	tag = normalizeTag(tag)
	if !priority.IsValid() {
		priority = types.PriorityNormal
	}

	specMeta, specID, err := addGridoptimizationSpecification(ctx, q, spec)
	if err != nil {
		return nil, nil, err
	}
	if !specMeta.Success() {
		return types.InsertError("aborted - could not add specification: %s", specMeta.ErrorString()), nil, nil
	}

	molMeta, molIDs, err := addMixedMolecules(ctx, q, refs)
	if err != nil {
		return nil, nil, err
	}
	if !molMeta.Success() {
		return types.InsertError("aborted - could not add all molecules: %s", molMeta.ErrorString()), nil, nil
	}

	meta := &types.InsertMetadata{}
	ids := make([]int64, len(molIDs))
	for i, molID := range molIDs {
		recID, inserted, err := internTypedRecord(ctx, q, typedRecordInsert{
			recordType: types.TypeGridoptimization,
			isService:  true,
			specID:     specID,
			tag:        tag,
			priority:   priority,
			existingQuery: `SELECT record_id FROM gridoptimization_records
				WHERE specification_id = $1 AND initial_molecule_id = $2`,
			detailInsert: `INSERT INTO gridoptimization_records (record_id, specification_id, initial_molecule_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (specification_id, initial_molecule_id) DO NOTHING
				RETURNING record_id`,
			detailArgs: []any{specID, molID},
		})
		if err != nil {
			return nil, nil, err
		}
		ids[i] = recID
		if inserted {
			meta.InsertedIdx = append(meta.InsertedIdx, i)
			if err := insertServiceRow(ctx, q, recID, types.TypeGridoptimization, tag, priority); err != nil {
				return nil, nil, err
			}
		} else {
			meta.ExistingIdx = append(meta.ExistingIdx, i)
		}
	}
	return meta, ids, nil
}

// addMoleculeSetRecord creates one service record whose input is an ordered
// molecule set (torsiondrive conformers, neb chains). Dedup is on
// (specification, hash of the ordered molecule id list).
func addMoleculeSetRecord(ctx context.Context, q dbtx, recordType types.RecordType, specID int64, molIDs []int64, tag string, priority types.Priority, detailTable, molTable string) (int64, bool, error) {
	setHash, err := hash.HashValue(molIDs)
	if err != nil {
		return 0, false, fmt.Errorf("failed to hash molecule set: %w", err)
	}

	//nolint:gosec // table names come from a fixed internal set
	recID, inserted, err := internTypedRecord(ctx, q, typedRecordInsert{
		recordType: recordType,
		isService:  true,
		specID:     specID,
		tag:        tag,
		priority:   priority,
		existingQuery: fmt.Sprintf(`SELECT record_id FROM %s
			WHERE specification_id = $1 AND molecules_hash = $2`, detailTable),
		detailInsert: fmt.Sprintf(`INSERT INTO %s (record_id, specification_id, molecules_hash)
			VALUES ($1, $2, $3)
			ON CONFLICT (specification_id, molecules_hash) DO NOTHING
			RETURNING record_id`, detailTable),
		detailArgs: []any{specID, setHash},
	})
	if err != nil || !inserted {
		return recID, inserted, err
	}

	for pos, molID := range molIDs {
		//nolint:gosec // table names come from a fixed internal set
		_, err := q.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (record_id, molecule_id, position) VALUES ($1, $2, $3)`, molTable),
			recID, molID, pos)
		if err != nil {
			return 0, false, fmt.Errorf("failed to insert %s molecule: %w", recordType, err)
		}
	}
	if err := insertServiceRow(ctx, q, recID, recordType, tag, priority); err != nil {
		return 0, false, err
	}
	return recID, true, nil
}

// addTorsiondriveRecords creates one torsion drive service from the given
// starting conformers.
func addTorsiondriveRecords(ctx context.Context, q dbtx, spec *types.TorsiondriveSpecification, refs []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	tag = normalizeTag(tag)
	if !priority.IsValid() {
		priority = types.PriorityNormal
	}

	specMeta, specID, err := addTorsiondriveSpecification(ctx, q, spec)
	if err != nil {
		return nil, nil, err
	}
	if !specMeta.Success() {
		return types.InsertError("aborted - could not add specification: %s", specMeta.ErrorString()), nil, nil
	}

	molMeta, molIDs, err := addMixedMolecules(ctx, q, refs)
	if err != nil {
		return nil, nil, err
	}
	if !molMeta.Success() {
		return types.InsertError("aborted - could not add all molecules: %s", molMeta.ErrorString()), nil, nil
	}
	if len(molIDs) == 0 {
		return types.InsertError("aborted - at least one starting conformer is required"), nil, nil
	}

	recID, inserted, err := addMoleculeSetRecord(ctx, q, types.TypeTorsiondrive, specID, molIDs,
		tag, priority, "torsiondrive_records", "torsiondrive_initial_molecules")
	if err != nil {
		return nil, nil, err
	}
	meta := &types.InsertMetadata{}
	if inserted {
		meta.InsertedIdx = []int{0}
	} else {
		meta.ExistingIdx = []int{0}
	}
	return meta, []int64{recID}, nil
}

// addNEBRecords creates one nudged elastic band service from the given chain
func addNEBRecords(ctx context.Context, q dbtx, spec *types.NEBSpecification, refs []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	tag = normalizeTag(tag)
	if !priority.IsValid() {
		priority = types.PriorityNormal
	}

	specMeta, specID, err := addNEBSpecification(ctx, q, spec)
	if err != nil {
		return nil, nil, err
	}
	if !specMeta.Success() {
		return types.InsertError("aborted - could not add specification: %s", specMeta.ErrorString()), nil, nil
	}

	molMeta, molIDs, err := addMixedMolecules(ctx, q, refs)
	if err != nil {
		return nil, nil, err
	}
	if !molMeta.Success() {
		return types.InsertError("aborted - could not add all molecules: %s", molMeta.ErrorString()), nil, nil
	}
	if len(molIDs) < 2 {
		return types.InsertError("aborted - a chain requires at least two images"), nil, nil
	}

	recID, inserted, err := addMoleculeSetRecord(ctx, q, types.TypeNEB, specID, molIDs,
		tag, priority, "neb_records", "neb_initial_chain")
	if err != nil {
		return nil, nil, err
	}
	meta := &types.InsertMetadata{}
	if inserted {
		meta.InsertedIdx = []int{0}
	} else {
		meta.ExistingIdx = []int{0}
	}
	return meta, []int64{recID}, nil
}

// Store-level wrappers, one transaction each

// AddSinglepointRecords submits singlepoint computations
func (s *Store) AddSinglepointRecords(ctx context.Context, spec *types.QCSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	var meta *types.InsertMetadata
	var ids []int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, ids, err = addSinglepointRecords(ctx, t.tx, spec, mols, tag, priority)
		return err
	})
	return meta, ids, err
}

// AddOptimizationRecords submits geometry optimizations
func (s *Store) AddOptimizationRecords(ctx context.Context, spec *types.OptimizationSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	var meta *types.InsertMetadata
	var ids []int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, ids, err = addOptimizationRecords(ctx, t.tx, spec, mols, tag, priority)
		return err
	})
	return meta, ids, err
}

// AddGridoptimizationRecords submits grid optimization services
func (s *Store) AddGridoptimizationRecords(ctx context.Context, spec *types.GridoptimizationSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	var meta *types.InsertMetadata
	var ids []int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, ids, err = addGridoptimizationRecords(ctx, t.tx, spec, mols, tag, priority)
		return err
	})
	return meta, ids, err
}

// AddTorsiondriveRecords submits a torsion drive service
func (s *Store) AddTorsiondriveRecords(ctx context.Context, spec *types.TorsiondriveSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	var meta *types.InsertMetadata
	var ids []int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, ids, err = addTorsiondriveRecords(ctx, t.tx, spec, mols, tag, priority)
		return err
	})
	return meta, ids, err
}

// AddNEBRecords submits a nudged elastic band service
func (s *Store) AddNEBRecords(ctx context.Context, spec *types.NEBSpecification, mols []storage.MoleculeRef, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	var meta *types.InsertMetadata
	var ids []int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, ids, err = addNEBRecords(ctx, t.tx, spec, mols, tag, priority)
		return err
	})
	return meta, ids, err
}

// Transaction-level child creation used by service drivers. These accept
// molecule literals because the driver seeds children from geometries it has
// just produced.
func (t *Tx) AddSinglepointRecords(ctx context.Context, spec *types.QCSpecification, mols []*types.Molecule, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	refs := make([]storage.MoleculeRef, len(mols))
	for i, m := range mols {
		refs[i] = storage.MoleculeRef{Molecule: m}
	}
	return addSinglepointRecords(ctx, t.tx, spec, refs, tag, priority)
}

// AddOptimizationRecords creates child optimizations within the transaction
func (t *Tx) AddOptimizationRecords(ctx context.Context, spec *types.OptimizationSpecification, mols []*types.Molecule, tag string, priority types.Priority) (*types.InsertMetadata, []int64, error) {
	refs := make([]storage.MoleculeRef, len(mols))
	for i, m := range mols {
		refs[i] = storage.MoleculeRef{Molecule: m}
	}
	return addOptimizationRecords(ctx, t.tx, spec, refs, tag, priority)
}
