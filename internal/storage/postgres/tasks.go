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

// enqueueTask upserts the queue row for a record. Re-enqueueing an already
// queued record only refreshes its availability.
func enqueueTask(ctx context.Context, q dbtx, recordID int64, function, tag string, priority types.Priority, requiredPrograms []string) error {
	progJSON, err := json.Marshal(requiredPrograms)
	if err != nil {
		return fmt.Errorf("failed to encode required programs: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (record_id, function, tag, priority, required_programs)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_id) DO UPDATE SET available_date = now()`,
		recordID, function, tag, priority, progJSON)
	if err != nil {
		return fmt.Errorf("failed to enqueue task for record %d: %w", recordID, err)
	}
	return nil
}

// createHistoryEntry opens a new computation attempt on a record
func createHistoryEntry(ctx context.Context, q dbtx, recordID int64, status types.RecordStatus, managerName *string, prov *types.Provenance) (int64, error) {
	var provJSON any
	if prov != nil {
		b, err := json.Marshal(prov)
		if err != nil {
			return 0, fmt.Errorf("failed to encode provenance: %w", err)
		}
		provJSON = b
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO record_compute_history (record_id, status, manager_name, provenance)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		recordID, status, managerName, provJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert compute history: %w", err)
	}
	return id, nil
}

// latestHistoryID returns the newest history entry for a record
func latestHistoryID(ctx context.Context, q dbtx, recordID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM record_compute_history WHERE record_id = $1 ORDER BY id DESC LIMIT 1`,
		recordID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record %d has no compute history: %w", recordID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find compute history for record %d: %w", recordID, err)
	}
	return id, nil
}

func finalizeHistoryEntry(ctx context.Context, q dbtx, historyID int64, status types.RecordStatus) error {
	_, err := q.ExecContext(ctx, `
		UPDATE record_compute_history SET status = $2, modified_on = now() WHERE id = $1`,
		historyID, status)
	if err != nil {
		return fmt.Errorf("failed to update compute history %d: %w", historyID, err)
	}
	return nil
}

// lockActiveManager verifies the named manager exists and is active
func lockActiveManager(ctx context.Context, q dbtx, name string) error {
	var status types.ManagerStatus
	err := q.QueryRowContext(ctx, `
		SELECT status FROM managers WHERE name = $1 FOR UPDATE`, name).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("manager %s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up manager %s: %w", name, err)
	}
	if status != types.ManagerActive {
		return fmt.Errorf("manager %s is not active: %w", name, storage.ErrForbidden)
	}
	return nil
}

// ClaimTasks hands out up to limit tasks to an active manager. Wanted tags
// are tried in order; the wildcard tag matches any task tag. A claimed task's
// required programs must all be advertised by the manager. Claimed records
// move to running with a fresh history entry and their queue rows are
// deleted, so two managers can never claim the same task.
func (s *Store) ClaimTasks(ctx context.Context, managerName string, tags []string, programs []string, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	progJSON, err := json.Marshal(normalizePrograms(programs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode programs: %w", err)
	}

	var claimed []*types.Task
	err = s.inTx(ctx, func(t *Tx) error {
		if err := lockActiveManager(ctx, t.tx, managerName); err != nil {
			return err
		}

		for _, tag := range tags {
			if len(claimed) >= limit {
				break
			}
			batch, err := claimByTag(ctx, t.tx, managerName, normalizeTag(tag), progJSON, limit-len(claimed))
			if err != nil {
				return err
			}
			claimed = append(claimed, batch...)
		}

		if len(claimed) > 0 {
			_, err := t.tx.ExecContext(ctx, `
				UPDATE managers SET claimed = claimed + $2, modified_on = now() WHERE name = $1`,
				managerName, len(claimed))
			if err != nil {
				return fmt.Errorf("failed to update manager claim count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("manager", managerName).Int("claimed", len(claimed)).Msg("tasks claimed")
	return claimed, nil
}

func claimByTag(ctx context.Context, q dbtx, managerName, tag string, progJSON []byte, limit int) ([]*types.Task, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_id, function, tag, priority, required_programs, created_on, available_date
		FROM tasks
		WHERE ($1 = '*' OR tag = $1)
		  AND required_programs <@ $2
		  AND available_date <= now()
		ORDER BY priority DESC, created_on ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		tag, progJSON, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var task types.Task
		var reqJSON []byte
		if err := rows.Scan(&task.ID, &task.RecordID, &task.Function, &task.Tag,
			&task.Priority, &reqJSON, &task.CreatedOn, &task.AvailableDate); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := json.Unmarshal(reqJSON, &task.RequiredPrograms); err != nil {
			return nil, fmt.Errorf("failed to decode required programs: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		_, err := q.ExecContext(ctx, `
			UPDATE records SET status = 'running', manager_name = $2, modified_on = now()
			WHERE id = $1`,
			task.RecordID, managerName)
		if err != nil {
			return nil, fmt.Errorf("failed to mark record %d running: %w", task.RecordID, err)
		}
		if _, err := createHistoryEntry(ctx, q, task.RecordID, types.StatusRunning, &managerName, nil); err != nil {
			return nil, err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, task.ID); err != nil {
			return nil, fmt.Errorf("failed to dequeue task %d: %w", task.ID, err)
		}
	}
	return tasks, nil
}

func normalizePrograms(programs []string) []string {
	out := make([]string, len(programs))
	for i, p := range programs {
		out[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return out
}

// ReturnTasks ingests a manager's result batch. Each result finalizes the
// record's open computation attempt in place. A result for a record the
// manager no longer holds (reclaimed after missed heartbeats, reset by an
// admin) is discarded with a note appended to the record's history.
func (s *Store) ReturnTasks(ctx context.Context, managerName string, results []*types.TaskResult) (*types.UpdateMetadata, error) {
	meta := &types.UpdateMetadata{}
	accepted := 0

	err := s.inTx(ctx, func(t *Tx) error {
		if err := lockActiveManager(ctx, t.tx, managerName); err != nil {
			return err
		}

		for i, res := range results {
			err := returnOneTask(ctx, t.tx, managerName, res)
			switch {
			case err == nil:
				meta.UpdatedIdx = append(meta.UpdatedIdx, i)
				accepted++
			case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrForbidden):
				meta.Errors = append(meta.Errors, types.IndexedError{Index: i, Message: err.Error()})
			default:
				return err
			}
		}

		if accepted > 0 {
			_, err := t.tx.ExecContext(ctx, `
				UPDATE managers SET returned = returned + $2, modified_on = now() WHERE name = $1`,
				managerName, accepted)
			if err != nil {
				return fmt.Errorf("failed to update manager return count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("manager", managerName).
		Int("accepted", accepted).Int("discarded", len(meta.Errors)).
		Msg("tasks returned")
	return meta, nil
}

func returnOneTask(ctx context.Context, q dbtx, managerName string, res *types.TaskResult) error {
	var (
		recordType types.RecordType
		status     types.RecordStatus
		holder     sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT record_type, status, manager_name FROM records WHERE id = $1 FOR UPDATE`,
		res.RecordID).Scan(&recordType, &status, &holder)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %d: %w", res.RecordID, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock record %d: %w", res.RecordID, err)
	}

	if status != types.StatusRunning || !holder.Valid || holder.String != managerName {
		// The record moved on without this manager. Keep a trace of the
		// discarded return but leave the record untouched.
		histID, err := createHistoryEntry(ctx, q, res.RecordID, status, &managerName, nil)
		if err != nil {
			return err
		}
		note, err := types.NewOutputString(types.OutputStdout,
			fmt.Sprintf("late return from manager %s ignored", managerName))
		if err != nil {
			return err
		}
		if _, err := insertOutput(ctx, q, histID, note); err != nil {
			return err
		}
		return fmt.Errorf("record %d is no longer held by manager %s: %w",
			res.RecordID, managerName, storage.ErrForbidden)
	}

	histID, err := latestHistoryID(ctx, q, res.RecordID)
	if err != nil {
		return err
	}

	if res.Stdout != "" {
		out, err := types.NewOutputString(types.OutputStdout, res.Stdout)
		if err != nil {
			return err
		}
		if _, err := replaceOutput(ctx, q, histID, out); err != nil {
			return err
		}
	}
	if res.Stderr != "" {
		out, err := types.NewOutputString(types.OutputStderr, res.Stderr)
		if err != nil {
			return err
		}
		if _, err := replaceOutput(ctx, q, histID, out); err != nil {
			return err
		}
	}

	if !res.Success {
		payload, err := json.Marshal(res.ErrorOrDefault())
		if err != nil {
			return fmt.Errorf("failed to encode error payload: %w", err)
		}
		out, err := types.NewOutput(types.OutputError, payload)
		if err != nil {
			return err
		}
		if _, err := replaceOutput(ctx, q, histID, out); err != nil {
			return err
		}
		if err := finalizeHistoryEntry(ctx, q, histID, types.StatusError); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			UPDATE records SET status = 'error', manager_name = NULL, modified_on = now()
			WHERE id = $1`, res.RecordID)
		if err != nil {
			return fmt.Errorf("failed to mark record %d errored: %w", res.RecordID, err)
		}
		return nil
	}

	if err := storeReturnResult(ctx, q, recordType, res); err != nil {
		return err
	}
	if err := finalizeHistoryEntry(ctx, q, histID, types.StatusComplete); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE records SET status = 'complete', manager_name = NULL, modified_on = now()
		WHERE id = $1`, res.RecordID)
	if err != nil {
		return fmt.Errorf("failed to mark record %d complete: %w", res.RecordID, err)
	}
	return nil
}

// optimizationResult is the portion of an optimization's return payload that
// is broken out into columns. The final geometry arrives as a molecule
// literal and is interned like any other.
type optimizationResult struct {
	Energies []float64 `json:"energies"`
}

func storeReturnResult(ctx context.Context, q dbtx, recordType types.RecordType, res *types.TaskResult) error {
	switch recordType {
	case types.TypeSinglepoint:
		var result any
		if res.ReturnResult != nil {
			result = []byte(res.ReturnResult)
		}
		_, err := q.ExecContext(ctx, `
			UPDATE singlepoint_records SET return_result = $2 WHERE record_id = $1`,
			res.RecordID, result)
		if err != nil {
			return fmt.Errorf("failed to store singlepoint result for record %d: %w", res.RecordID, err)
		}
		return nil

	case types.TypeOptimization:
		var finalID any
		if res.FinalMolecule != nil {
			id, _, err := addMolecule(ctx, q, res.FinalMolecule)
			if err != nil {
				return fmt.Errorf("failed to intern final molecule for record %d: %w", res.RecordID, err)
			}
			finalID = id
		}
		var energies any
		if res.ReturnResult != nil {
			var parsed optimizationResult
			if err := json.Unmarshal(res.ReturnResult, &parsed); err != nil {
				return fmt.Errorf("failed to decode optimization result for record %d: %w", res.RecordID, err)
			}
			if parsed.Energies != nil {
				b, err := json.Marshal(parsed.Energies)
				if err != nil {
					return fmt.Errorf("failed to encode energies: %w", err)
				}
				energies = b
			}
		}
		_, err := q.ExecContext(ctx, `
			UPDATE optimization_records SET final_molecule_id = $2, energies = $3 WHERE record_id = $1`,
			res.RecordID, finalID, energies)
		if err != nil {
			return fmt.Errorf("failed to store optimization result for record %d: %w", res.RecordID, err)
		}
		return nil

	default:
		return fmt.Errorf("record type %s does not accept task results: %w", recordType, storage.ErrDeveloper)
	}
}
