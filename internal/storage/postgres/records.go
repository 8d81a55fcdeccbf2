package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// transitionTarget returns the status an admin action moves a record to.
// Anything not listed here is an illegal transition. Hard delete is handled
// separately because it removes the row instead of moving it.
func transitionTarget(cur types.RecordStatus, action storage.RecordAction, prior *types.RecordStatus) (types.RecordStatus, error) {
	switch action {
	case storage.ActionReset:
		if cur == types.StatusRunning || cur == types.StatusError {
			return types.StatusWaiting, nil
		}
	case storage.ActionCancel:
		if cur == types.StatusWaiting || cur == types.StatusRunning || cur == types.StatusError {
			return types.StatusCancelled, nil
		}
	case storage.ActionUncancel:
		if cur == types.StatusCancelled || cur == types.StatusInvalid {
			return types.StatusWaiting, nil
		}
	case storage.ActionInvalidate:
		if cur == types.StatusWaiting || cur == types.StatusComplete {
			return types.StatusInvalid, nil
		}
	case storage.ActionSoftDelete:
		if cur != types.StatusRunning && cur != types.StatusDeleted {
			return types.StatusDeleted, nil
		}
	case storage.ActionUndelete:
		if cur == types.StatusDeleted {
			if prior != nil {
				return *prior, nil
			}
			return types.StatusWaiting, nil
		}
	}
	return "", fmt.Errorf("cannot %s a record in status %s: %w", action, cur, storage.ErrInvalidTransition)
}

func getRecord(ctx context.Context, q dbtx, id int64, includeHistory bool) (*types.Record, error) {
	rec, err := scanRecordRow(q.QueryRowContext(ctx, `
		SELECT id, record_type, is_service, specification_id, status, manager_name,
		       created_on, modified_on, owner_user, owner_group, tag, priority
		FROM records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %d: %w", id, err)
	}

	if includeHistory {
		hist, err := getComputeHistory(ctx, q, id)
		if err != nil {
			return nil, err
		}
		rec.ComputeHistory = hist
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(row rowScanner) (*types.Record, error) {
	var rec types.Record
	var manager sql.NullString
	err := row.Scan(&rec.ID, &rec.RecordType, &rec.IsService, &rec.SpecificationID,
		&rec.Status, &manager, &rec.CreatedOn, &rec.ModifiedOn,
		&rec.OwnerUser, &rec.OwnerGroup, &rec.Tag, &rec.Priority)
	if err != nil {
		return nil, err
	}
	if manager.Valid {
		rec.ManagerName = &manager.String
	}
	return &rec, nil
}

// getComputeHistory loads a record's history entries oldest-first, with the
// output blob ids for each entry.
func getComputeHistory(ctx context.Context, q dbtx, recordID int64) ([]*types.ComputeHistory, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT h.id, h.record_id, h.status, h.manager_name, h.modified_on, h.provenance,
		       o.output_type, o.id
		FROM record_compute_history h
		LEFT JOIN output_store o ON o.history_id = h.id
		WHERE h.record_id = $1
		ORDER BY h.id, o.id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compute history: %w", err)
	}
	defer rows.Close()

	var hist []*types.ComputeHistory
	var cur *types.ComputeHistory
	for rows.Next() {
		var (
			h        types.ComputeHistory
			manager  sql.NullString
			provJSON sql.Null[[]byte]
			outType  sql.NullString
			outID    sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &h.RecordID, &h.Status, &manager, &h.ModifiedOn,
			&provJSON, &outType, &outID); err != nil {
			return nil, fmt.Errorf("failed to scan compute history: %w", err)
		}
		if cur == nil || cur.ID != h.ID {
			if manager.Valid {
				h.ManagerName = &manager.String
			}
			if provJSON.Valid {
				var prov types.Provenance
				if err := json.Unmarshal(provJSON.V, &prov); err != nil {
					return nil, fmt.Errorf("failed to decode provenance: %w", err)
				}
				h.Provenance = &prov
			}
			cur = &h
			hist = append(hist, cur)
		}
		if outType.Valid {
			if cur.Outputs == nil {
				cur.Outputs = map[types.OutputType]int64{}
			}
			cur.Outputs[types.OutputType(outType.String)] = outID.Int64
		}
	}
	return hist, rows.Err()
}

// GetRecord returns one record, optionally with its compute history
func (s *Store) GetRecord(ctx context.Context, id int64, includeHistory bool) (*types.Record, error) {
	return getRecord(ctx, s.db, id, includeHistory)
}

// GetRecord returns one record within the transaction
func (t *Tx) GetRecord(ctx context.Context, id int64) (*types.Record, error) {
	return getRecord(ctx, t.tx, id, false)
}

// QueryRecords returns records matching the filter, newest first.
// NFound counts all matches regardless of paging.
func (s *Store) QueryRecords(ctx context.Context, filter types.RecordQueryFilter) (*types.QueryMetadata, []*types.Record, error) {
	var conds []string
	var args []any
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		conds = append(conds, cond)
	}

	if len(filter.IDs) > 0 {
		add("id = ANY(?)", filter.IDs)
	}
	if filter.RecordType != nil {
		add("record_type = ?", *filter.RecordType)
	}
	if len(filter.Status) > 0 {
		ss := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			ss[i] = string(st)
		}
		add("status = ANY(?)", ss)
	}
	if filter.ManagerName != nil {
		add("manager_name = ?", *filter.ManagerName)
	}
	if filter.Tag != nil {
		add("tag = ?", strings.ToLower(*filter.Tag))
	}
	if filter.Program != nil {
		add(`(id IN (SELECT r.record_id FROM singlepoint_records r
				JOIN qc_specifications s ON s.id = r.specification_id WHERE s.program = ?)
			OR id IN (SELECT r.record_id FROM optimization_records r
				JOIN optimization_specifications s ON s.id = r.specification_id WHERE s.program = ?))`,
			strings.ToLower(*filter.Program), strings.ToLower(*filter.Program))
	}
	if filter.Method != nil {
		add(`(id IN (SELECT r.record_id FROM singlepoint_records r
				JOIN qc_specifications s ON s.id = r.specification_id WHERE s.method = ?)
			OR id IN (SELECT r.record_id FROM optimization_records r
				JOIN optimization_specifications os ON os.id = r.specification_id
				JOIN qc_specifications s ON s.id = os.qc_specification_id WHERE s.method = ?))`,
			strings.ToLower(*filter.Method), strings.ToLower(*filter.Method))
	}
	if filter.Basis != nil {
		add(`(id IN (SELECT r.record_id FROM singlepoint_records r
				JOIN qc_specifications s ON s.id = r.specification_id WHERE s.basis = ?)
			OR id IN (SELECT r.record_id FROM optimization_records r
				JOIN optimization_specifications os ON os.id = r.specification_id
				JOIN qc_specifications s ON s.id = os.qc_specification_id WHERE s.basis = ?))`,
			strings.ToLower(*filter.Basis), strings.ToLower(*filter.Basis))
	}
	if filter.CreatedAfter != nil {
		add("created_on >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_on < ?", *filter.CreatedBefore)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var found int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+where, args...).Scan(&found)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count records: %w", err)
	}

	query := `SELECT id, record_type, is_service, specification_id, status, manager_name,
		created_on, modified_on, owner_user, owner_group, tag, priority
		FROM records` + where + " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Skip > 0 {
		args = append(args, filter.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var recs []*types.Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &types.QueryMetadata{NFound: found, NReturned: len(recs)}, recs, nil
}

// ModifyStatus applies one admin action to each record, collecting per-index
// errors. All changes commit together; an infrastructure error aborts the lot.
func (s *Store) ModifyStatus(ctx context.Context, ids []int64, action storage.RecordAction) (*types.UpdateMetadata, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("unknown record action %q: %w", action, storage.ErrDeveloper)
	}

	meta := &types.UpdateMetadata{}
	err := s.inTx(ctx, func(t *Tx) error {
		for i, id := range ids {
			// Savepoint per record so one failed statement (e.g. a hard
			// delete blocked by a dependency FK) does not poison the
			// transaction for the remaining ids.
			if _, err := t.tx.ExecContext(ctx, "SAVEPOINT modify_record"); err != nil {
				return fmt.Errorf("failed to create savepoint: %w", err)
			}
			if err := modifyOneStatus(ctx, t.tx, id, action); err != nil {
				if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTransition) ||
					errors.Is(err, storage.ErrForbidden) {
					if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT modify_record"); rbErr != nil {
						return fmt.Errorf("failed to roll back savepoint: %w", rbErr)
					}
					meta.Errors = append(meta.Errors, types.IndexedError{Index: i, Message: err.Error()})
					continue
				}
				return err
			}
			if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT modify_record"); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
			meta.UpdatedIdx = append(meta.UpdatedIdx, i)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func modifyOneStatus(ctx context.Context, q dbtx, id int64, action storage.RecordAction) error {
	var (
		recordType types.RecordType
		isService  bool
		cur        types.RecordStatus
		priorNull  sql.NullString
		tag        string
		priority   types.Priority
	)
	err := q.QueryRowContext(ctx, `
		SELECT record_type, is_service, status, prior_status, tag, priority
		FROM records WHERE id = $1 FOR UPDATE`, id,
	).Scan(&recordType, &isService, &cur, &priorNull, &tag, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock record %d: %w", id, err)
	}

	if action == storage.ActionHardDelete {
		// The FK from service_dependencies intentionally has no cascade, so
		// deleting a record another service still waits on fails here.
		if _, err := q.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id); err != nil {
			return fmt.Errorf("record %d is referenced by an active service: %w", id, storage.ErrForbidden)
		}
		return nil
	}

	var prior *types.RecordStatus
	if priorNull.Valid {
		p := types.RecordStatus(priorNull.String)
		prior = &p
	}
	next, err := transitionTarget(cur, action, prior)
	if err != nil {
		return fmt.Errorf("record %d: %w", id, err)
	}

	newPrior := any(nil)
	if action == storage.ActionSoftDelete {
		newPrior = string(cur)
	}
	clearManager := next != types.StatusRunning
	_, err = q.ExecContext(ctx, `
		UPDATE records
		SET status = $2,
		    prior_status = $3,
		    manager_name = CASE WHEN $4 THEN NULL ELSE manager_name END,
		    modified_on = now()
		WHERE id = $1`,
		id, next, newPrior, clearManager)
	if err != nil {
		return fmt.Errorf("failed to update record %d: %w", id, err)
	}

	// A non-service record returning to waiting needs its task row back.
	// Service rows persist across status changes so nothing to do there.
	if next == types.StatusWaiting && !isService {
		if err := reenqueueTask(ctx, q, id, recordType, tag, priority); err != nil {
			return err
		}
	}
	if next != types.StatusWaiting && !isService {
		// Leaving waiting by cancel/invalidate/softdelete removes the queue entry
		if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE record_id = $1`, id); err != nil {
			return fmt.Errorf("failed to dequeue record %d: %w", id, err)
		}
	}
	return nil
}

// reenqueueTask rebuilds the task function payload from the stored
// specification and detail row, then upserts the queue entry.
func reenqueueTask(ctx context.Context, q dbtx, recordID int64, recordType types.RecordType, tag string, priority types.Priority) error {
	fn, programs, err := buildTaskFunction(ctx, q, recordID, recordType)
	if err != nil {
		return err
	}
	return enqueueTask(ctx, q, recordID, fn, tag, priority, programs)
}

func buildTaskFunction(ctx context.Context, q dbtx, recordID int64, recordType types.RecordType) (string, []string, error) {
	var specID, molID int64
	var spec any
	var programs []string

	switch recordType {
	case types.TypeSinglepoint:
		err := q.QueryRowContext(ctx, `
			SELECT specification_id, molecule_id FROM singlepoint_records WHERE record_id = $1`,
			recordID).Scan(&specID, &molID)
		if err != nil {
			return "", nil, fmt.Errorf("failed to load singlepoint detail for record %d: %w", recordID, err)
		}
		sp, err := getQCSpecification(ctx, q, specID)
		if err != nil {
			return "", nil, err
		}
		spec = sp
		programs = []string{sp.Program}

	case types.TypeOptimization:
		err := q.QueryRowContext(ctx, `
			SELECT specification_id, initial_molecule_id FROM optimization_records WHERE record_id = $1`,
			recordID).Scan(&specID, &molID)
		if err != nil {
			return "", nil, fmt.Errorf("failed to load optimization detail for record %d: %w", recordID, err)
		}
		sp, err := getOptimizationSpecification(ctx, q, specID)
		if err != nil {
			return "", nil, err
		}
		spec = sp
		programs = []string{sp.Program, sp.QCSpecification.Program}

	default:
		return "", nil, fmt.Errorf("record type %s has no task function: %w", recordType, storage.ErrDeveloper)
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode specification: %w", err)
	}
	fn, err := json.Marshal(taskFunction{
		RecordType:    recordType,
		Specification: specJSON,
		MoleculeID:    molID,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode task function: %w", err)
	}
	return string(fn), programs, nil
}
