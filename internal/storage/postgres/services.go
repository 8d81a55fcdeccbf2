package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// FetchEligibleServices returns ids of service rows whose parent record is
// still live and whose dependencies have all finished, best priority first.
// The returned ids are candidates only; an iterator must still win the
// LockService race before touching one.
func (s *Store) FetchEligibleServices(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id
		FROM services s
		JOIN records pr ON pr.id = s.record_id
		WHERE pr.status IN ('waiting', 'running')
		  AND NOT EXISTS (
			SELECT 1 FROM service_dependencies d
			JOIN records cr ON cr.id = d.record_id
			WHERE d.service_id = s.id AND cr.status IN ('waiting', 'running')
		  )
		ORDER BY s.priority DESC, s.created_on ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible services: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan service id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LockService locks one service row for the duration of the transaction.
// Skip-locked means a row held by a concurrent iterator reports ErrNotFound
// rather than blocking; the caller just moves on.
func (t *Tx) LockService(ctx context.Context, serviceID int64) (*types.Service, error) {
	var svc types.Service
	var stateJSON sql.Null[[]byte]
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, record_id, record_type, tag, priority, service_state, created_on
		FROM services WHERE id = $1
		FOR UPDATE SKIP LOCKED`, serviceID,
	).Scan(&svc.ID, &svc.RecordID, &svc.RecordType, &svc.Tag, &svc.Priority, &stateJSON, &svc.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %d unavailable: %w", serviceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock service %d: %w", serviceID, err)
	}
	if stateJSON.Valid {
		svc.ServiceState = json.RawMessage(stateJSON.V)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT service_id, record_id, extras FROM service_dependencies WHERE service_id = $1`,
		serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep types.ServiceDependency
		var extrasJSON []byte
		if err := rows.Scan(&dep.ServiceID, &dep.RecordID, &extrasJSON); err != nil {
			return nil, fmt.Errorf("failed to scan service dependency: %w", err)
		}
		if err := json.Unmarshal(extrasJSON, &dep.Extras); err != nil {
			return nil, fmt.Errorf("failed to decode dependency extras: %w", err)
		}
		svc.Dependencies = append(svc.Dependencies, &dep)
	}
	return &svc, rows.Err()
}

// StartServiceRecord moves a waiting service record to running and opens its
// compute history entry. The provenance routine names the driver.
func (t *Tx) StartServiceRecord(ctx context.Context, recordID int64, routine string) error {
	var status types.RecordStatus
	err := t.tx.QueryRowContext(ctx, `
		SELECT status FROM records WHERE id = $1 FOR UPDATE`, recordID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %d: %w", recordID, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock record %d: %w", recordID, err)
	}
	if status != types.StatusWaiting {
		return fmt.Errorf("cannot start service record in status %s: %w", status, storage.ErrInvalidTransition)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE records SET status = 'running', modified_on = now() WHERE id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark record %d running: %w", recordID, err)
	}

	prov := &types.Provenance{Creator: "qcfabric", Routine: routine}
	histID, err := createHistoryEntry(ctx, t.tx, recordID, types.StatusRunning, nil, prov)
	if err != nil {
		return err
	}
	out, err := types.NewOutputString(types.OutputStdout, "")
	if err != nil {
		return err
	}
	_, err = insertOutput(ctx, t.tx, histID, out)
	return err
}

// CompleteServiceRecord finishes a service record. The service queue row is
// removed, which also releases its dependency references on child records.
func (t *Tx) CompleteServiceRecord(ctx context.Context, recordID int64) error {
	histID, err := latestHistoryID(ctx, t.tx, recordID)
	if err != nil {
		return err
	}
	if err := finalizeHistoryEntry(ctx, t.tx, histID, types.StatusComplete); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE records SET status = 'complete', modified_on = now() WHERE id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark record %d complete: %w", recordID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM services WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("failed to remove service row for record %d: %w", recordID, err)
	}
	return nil
}

// FailServiceRecord marks a service record errored with the given payload.
// The service row stays so a reset can resume iteration from the checkpoint.
func (t *Tx) FailServiceRecord(ctx context.Context, recordID int64, payload types.ErrorPayload) error {
	histID, err := latestHistoryID(ctx, t.tx, recordID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode error payload: %w", err)
	}
	out, err := types.NewOutput(types.OutputError, raw)
	if err != nil {
		return err
	}
	if _, err := replaceOutput(ctx, t.tx, histID, out); err != nil {
		return err
	}
	if err := finalizeHistoryEntry(ctx, t.tx, histID, types.StatusError); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE records SET status = 'error', modified_on = now() WHERE id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark record %d errored: %w", recordID, err)
	}
	return nil
}

// AppendServiceStdout appends text to the stdout blob of the record's open
// history entry. Blobs are write-once, so append decompresses, concatenates
// and swaps in a fresh blob.
func (t *Tx) AppendServiceStdout(ctx context.Context, recordID int64, text string) error {
	if text == "" {
		return nil
	}
	histID, err := latestHistoryID(ctx, t.tx, recordID)
	if err != nil {
		return err
	}

	existing := ""
	prev, err := getOutputByType(ctx, t.tx, histID, types.OutputStdout)
	if err == nil {
		existing, err = prev.DecompressString()
		if err != nil {
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	out, err := types.NewOutputString(types.OutputStdout, existing+text)
	if err != nil {
		return err
	}
	_, err = replaceOutput(ctx, t.tx, histID, out)
	return err
}

// SetServiceDependencies replaces the dependency set of a service
func (t *Tx) SetServiceDependencies(ctx context.Context, serviceID int64, deps []*types.ServiceDependency) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM service_dependencies WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("failed to clear service dependencies: %w", err)
	}
	for _, dep := range deps {
		extras := dep.Extras
		if extras == nil {
			extras = map[string]string{}
		}
		extrasJSON, err := json.Marshal(extras)
		if err != nil {
			return fmt.Errorf("failed to encode dependency extras: %w", err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO service_dependencies (service_id, record_id, extras)
			VALUES ($1, $2, $3)
			ON CONFLICT (service_id, record_id) DO UPDATE SET extras = EXCLUDED.extras`,
			serviceID, dep.RecordID, extrasJSON)
		if err != nil {
			return fmt.Errorf("failed to insert service dependency: %w", err)
		}
	}
	return nil
}

// SaveServiceState persists the driver checkpoint
func (t *Tx) SaveServiceState(ctx context.Context, serviceID int64, state any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode service state: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE services SET service_state = $2 WHERE id = $1`, serviceID, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to save service state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("service %d: %w", serviceID, storage.ErrNotFound)
	}
	return nil
}

// AddServiceChildAssociation records the permanent parent->child link with
// the driver-chosen key. Re-adding an existing link is a no-op.
func (t *Tx) AddServiceChildAssociation(ctx context.Context, parentID, childID int64, key string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO service_child_associations (parent_id, child_id, assoc_key)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		parentID, childID, key)
	if err != nil {
		return fmt.Errorf("failed to associate child %d with record %d: %w", childID, parentID, err)
	}
	return nil
}

// Per-type detail loaders used by the service drivers

func (t *Tx) GetOptimizationDetail(ctx context.Context, recordID int64) (*storage.OptimizationDetail, error) {
	det := &storage.OptimizationDetail{RecordID: recordID}
	var specID int64
	var finalID sql.NullInt64
	var energiesJSON sql.Null[[]byte]
	err := t.tx.QueryRowContext(ctx, `
		SELECT specification_id, initial_molecule_id, final_molecule_id, energies
		FROM optimization_records WHERE record_id = $1`, recordID,
	).Scan(&specID, &det.InitialMoleculeID, &finalID, &energiesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("optimization record %d: %w", recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get optimization detail %d: %w", recordID, err)
	}
	if finalID.Valid {
		det.FinalMoleculeID = &finalID.Int64
	}
	if energiesJSON.Valid {
		if err := json.Unmarshal(energiesJSON.V, &det.Energies); err != nil {
			return nil, fmt.Errorf("failed to decode energies for record %d: %w", recordID, err)
		}
	}
	spec, err := getOptimizationSpecification(ctx, t.tx, specID)
	if err != nil {
		return nil, err
	}
	det.Specification = *spec
	return det, nil
}

func (t *Tx) GetGridoptimizationDetail(ctx context.Context, recordID int64) (*storage.GridoptimizationDetail, error) {
	det := &storage.GridoptimizationDetail{RecordID: recordID}
	var specID int64
	var startID sql.NullInt64
	var gridJSON sql.Null[[]byte]
	err := t.tx.QueryRowContext(ctx, `
		SELECT specification_id, initial_molecule_id, starting_molecule_id, starting_grid
		FROM gridoptimization_records WHERE record_id = $1`, recordID,
	).Scan(&specID, &det.InitialMoleculeID, &startID, &gridJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gridoptimization record %d: %w", recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gridoptimization detail %d: %w", recordID, err)
	}
	if startID.Valid {
		det.StartingMoleculeID = &startID.Int64
	}
	if gridJSON.Valid {
		if err := json.Unmarshal(gridJSON.V, &det.StartingGrid); err != nil {
			return nil, fmt.Errorf("failed to decode starting grid for record %d: %w", recordID, err)
		}
	}

	var optSpecID int64
	var kwJSON []byte
	err = t.tx.QueryRowContext(ctx, `
		SELECT program, keywords, optimization_specification_id
		FROM gridoptimization_specifications WHERE id = $1`, specID,
	).Scan(&det.Specification.Program, &kwJSON, &optSpecID)
	if err != nil {
		return nil, fmt.Errorf("failed to get gridoptimization specification %d: %w", specID, err)
	}
	det.Specification.ID = specID
	if err := json.Unmarshal(kwJSON, &det.Specification.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode gridoptimization keywords: %w", err)
	}
	optSpec, err := getOptimizationSpecification(ctx, t.tx, optSpecID)
	if err != nil {
		return nil, err
	}
	det.Specification.OptimizationSpecification = *optSpec
	return det, nil
}

// UpdateGridoptimizationStart records the (possibly preoptimized) starting
// geometry and the grid point closest to it.
func (t *Tx) UpdateGridoptimizationStart(ctx context.Context, recordID int64, startingMoleculeID int64, startingGrid []int) error {
	gridJSON, err := json.Marshal(startingGrid)
	if err != nil {
		return fmt.Errorf("failed to encode starting grid: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE gridoptimization_records SET starting_molecule_id = $2, starting_grid = $3
		WHERE record_id = $1`,
		recordID, startingMoleculeID, gridJSON)
	if err != nil {
		return fmt.Errorf("failed to update gridoptimization start for record %d: %w", recordID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("gridoptimization record %d: %w", recordID, storage.ErrNotFound)
	}
	return nil
}

func (t *Tx) GetTorsiondriveDetail(ctx context.Context, recordID int64) (*storage.TorsiondriveDetail, error) {
	det := &storage.TorsiondriveDetail{RecordID: recordID}
	var specID int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT specification_id FROM torsiondrive_records WHERE record_id = $1`, recordID,
	).Scan(&specID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("torsiondrive record %d: %w", recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get torsiondrive detail %d: %w", recordID, err)
	}

	var optSpecID int64
	var kwJSON []byte
	err = t.tx.QueryRowContext(ctx, `
		SELECT program, keywords, optimization_specification_id
		FROM torsiondrive_specifications WHERE id = $1`, specID,
	).Scan(&det.Specification.Program, &kwJSON, &optSpecID)
	if err != nil {
		return nil, fmt.Errorf("failed to get torsiondrive specification %d: %w", specID, err)
	}
	det.Specification.ID = specID
	if err := json.Unmarshal(kwJSON, &det.Specification.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode torsiondrive keywords: %w", err)
	}
	optSpec, err := getOptimizationSpecification(ctx, t.tx, optSpecID)
	if err != nil {
		return nil, err
	}
	det.Specification.OptimizationSpecification = *optSpec

	det.InitialMoleculeIDs, err = getPositionedMolecules(ctx, t.tx, "torsiondrive_initial_molecules", recordID)
	return det, err
}

func (t *Tx) GetNEBDetail(ctx context.Context, recordID int64) (*storage.NEBDetail, error) {
	det := &storage.NEBDetail{RecordID: recordID}
	var specID int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT specification_id FROM neb_records WHERE record_id = $1`, recordID,
	).Scan(&specID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("neb record %d: %w", recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get neb detail %d: %w", recordID, err)
	}

	var qcSpecID int64
	var kwJSON []byte
	err = t.tx.QueryRowContext(ctx, `
		SELECT program, keywords, qc_specification_id
		FROM neb_specifications WHERE id = $1`, specID,
	).Scan(&det.Specification.Program, &kwJSON, &qcSpecID)
	if err != nil {
		return nil, fmt.Errorf("failed to get neb specification %d: %w", specID, err)
	}
	det.Specification.ID = specID
	if err := json.Unmarshal(kwJSON, &det.Specification.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode neb keywords: %w", err)
	}
	qcSpec, err := getQCSpecification(ctx, t.tx, qcSpecID)
	if err != nil {
		return nil, err
	}
	det.Specification.QCSpecification = *qcSpec

	det.ChainMoleculeIDs, err = getPositionedMolecules(ctx, t.tx, "neb_initial_chain", recordID)
	return det, err
}

func getPositionedMolecules(ctx context.Context, q dbtx, table string, recordID int64) ([]int64, error) {
	//nolint:gosec // table names come from a fixed internal set
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT molecule_id FROM %s WHERE record_id = $1 ORDER BY position`, table), recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan molecule id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSinglepointReturnResult returns the raw result payload of a completed
// singlepoint child, or ErrNotFound if none was stored.
func (t *Tx) GetSinglepointReturnResult(ctx context.Context, recordID int64) ([]byte, error) {
	var result sql.Null[[]byte]
	err := t.tx.QueryRowContext(ctx, `
		SELECT return_result FROM singlepoint_records WHERE record_id = $1`, recordID,
	).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("singlepoint record %d: %w", recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get singlepoint result %d: %w", recordID, err)
	}
	if !result.Valid {
		return nil, fmt.Errorf("singlepoint record %d has no result: %w", recordID, storage.ErrNotFound)
	}
	return result.V, nil
}
