package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// ActivateManager registers a new manager. Names are permanent; a returning
// manager process must activate under a fresh name.
func (s *Store) ActivateManager(ctx context.Context, m *types.Manager) (*types.Manager, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("manager name is required: %w", storage.ErrDeveloper)
	}
	tags := m.Tags
	if len(tags) == 0 {
		tags = []string{types.TagWildcard}
	}
	tags = normalizePrograms(tags)
	programs := normalizePrograms(m.Programs)

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	progJSON, err := json.Marshal(programs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode programs: %w", err)
	}

	out := &types.Manager{
		ID:       uuid.New(),
		Name:     m.Name,
		Cluster:  m.Cluster,
		Hostname: m.Hostname,
		Tags:     tags,
		Programs: programs,
		Status:   types.ManagerActive,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO managers (id, name, cluster, hostname, tags, programs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO NOTHING
		RETURNING created_on, modified_on, last_heartbeat`,
		out.ID, out.Name, out.Cluster, out.Hostname, tagsJSON, progJSON,
	).Scan(&out.CreatedOn, &out.ModifiedOn, &out.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manager %s: %w", m.Name, storage.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate manager %s: %w", m.Name, err)
	}

	s.log.Info().Str("manager", out.Name).Strs("tags", tags).Msg("manager activated")
	return out, nil
}

// ManagerHeartbeat refreshes the liveness timestamp of an active manager
func (s *Store) ManagerHeartbeat(ctx context.Context, name string) error {
	return s.inTx(ctx, func(t *Tx) error {
		if err := lockActiveManager(ctx, t.tx, name); err != nil {
			return err
		}
		_, err := t.tx.ExecContext(ctx, `
			UPDATE managers SET last_heartbeat = now(), modified_on = now() WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("failed to record heartbeat for %s: %w", name, err)
		}
		return nil
	})
}

// DeactivateManager retires a manager and returns its in-flight work to the
// queue. Deactivation is idempotent in effect but a second call reclaims
// nothing.
func (s *Store) DeactivateManager(ctx context.Context, name string) (*storage.SweepResult, error) {
	res := &storage.SweepResult{}
	err := s.inTx(ctx, func(t *Tx) error {
		cmd, err := t.tx.ExecContext(ctx, `
			UPDATE managers SET status = 'inactive', modified_on = now()
			WHERE name = $1 AND status = 'active'`, name)
		if err != nil {
			return fmt.Errorf("failed to deactivate manager %s: %w", name, err)
		}
		n, err := cmd.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := t.tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM managers WHERE name = $1)`, name).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("manager %s: %w", name, storage.ErrNotFound)
			}
			return nil
		}
		res.ManagersDeactivated = 1

		reset, err := reclaimManagerRecords(ctx, t.tx, []string{name})
		if err != nil {
			return err
		}
		res.RecordsReset = reset
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("manager", name).Int("records_reset", res.RecordsReset).Msg("manager deactivated")
	return res, nil
}

// SweepInactiveManagers deactivates every active manager whose last heartbeat
// is older than the cutoff and returns their claimed work to the queue.
func (s *Store) SweepInactiveManagers(ctx context.Context, cutoff time.Time) (*storage.SweepResult, error) {
	res := &storage.SweepResult{}
	err := s.inTx(ctx, func(t *Tx) error {
		rows, err := t.tx.QueryContext(ctx, `
			UPDATE managers SET status = 'inactive', modified_on = now()
			WHERE status = 'active' AND last_heartbeat < $1
			RETURNING name`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to sweep managers: %w", err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan manager name: %w", err)
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		res.ManagersDeactivated = len(names)
		if len(names) == 0 {
			return nil
		}
		reset, err := reclaimManagerRecords(ctx, t.tx, names)
		if err != nil {
			return err
		}
		res.RecordsReset = reset
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.ManagersDeactivated > 0 {
		s.log.Warn().Int("managers", res.ManagersDeactivated).
			Int("records_reset", res.RecordsReset).
			Msg("inactive managers swept")
	}
	return res, nil
}

// reclaimManagerRecords resets records running under the given managers back
// to waiting and re-enqueues their tasks. A result the dead manager later
// tries to return will no longer match and gets discarded.
func reclaimManagerRecords(ctx context.Context, q dbtx, managerNames []string) (int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_type, tag, priority FROM records
		WHERE status = 'running' AND is_service = FALSE AND manager_name = ANY($1)
		FOR UPDATE`, managerNames)
	if err != nil {
		return 0, fmt.Errorf("failed to find claimed records: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		id         int64
		recordType types.RecordType
		tag        string
		priority   types.Priority
	}
	var found []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.recordType, &c.tag, &c.priority); err != nil {
			return 0, fmt.Errorf("failed to scan claimed record: %w", err)
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, c := range found {
		_, err := q.ExecContext(ctx, `
			UPDATE records SET status = 'waiting', manager_name = NULL, modified_on = now()
			WHERE id = $1`, c.id)
		if err != nil {
			return 0, fmt.Errorf("failed to reset record %d: %w", c.id, err)
		}
		if err := reenqueueTask(ctx, q, c.id, c.recordType, c.tag, c.priority); err != nil {
			return 0, err
		}
	}
	return len(found), nil
}

// GetManager returns one manager by name
func (s *Store) GetManager(ctx context.Context, name string) (*types.Manager, error) {
	var m types.Manager
	var tagsJSON, progJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, cluster, hostname, tags, programs, status,
		       claimed, returned, created_on, modified_on, last_heartbeat
		FROM managers WHERE name = $1`, name,
	).Scan(&m.ID, &m.Name, &m.Cluster, &m.Hostname, &tagsJSON, &progJSON, &m.Status,
		&m.Claimed, &m.Returned, &m.CreatedOn, &m.ModifiedOn, &m.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manager %s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manager %s: %w", name, err)
	}
	if err := json.Unmarshal(tagsJSON, &m.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode manager tags: %w", err)
	}
	if err := json.Unmarshal(progJSON, &m.Programs); err != nil {
		return nil, fmt.Errorf("failed to decode manager programs: %w", err)
	}
	return &m, nil
}
