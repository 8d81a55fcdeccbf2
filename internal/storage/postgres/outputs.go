package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// insertOutput attaches a compressed blob to a history entry
func insertOutput(ctx context.Context, q dbtx, historyID int64, out *types.OutputStore) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO output_store (history_id, output_type, compression, data)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		historyID, out.OutputType, out.Compression, out.Data,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s output: %w", out.OutputType, err)
	}
	return id, nil
}

// replaceOutput swaps the blob of a given type on a history entry. The old
// blob row is deleted in the same transaction so it never outlives its
// reference.
func replaceOutput(ctx context.Context, q dbtx, historyID int64, out *types.OutputStore) (int64, error) {
	_, err := q.ExecContext(ctx, `
		DELETE FROM output_store WHERE history_id = $1 AND output_type = $2`,
		historyID, out.OutputType)
	if err != nil {
		return 0, fmt.Errorf("failed to delete previous %s output: %w", out.OutputType, err)
	}
	return insertOutput(ctx, q, historyID, out)
}

func getOutput(ctx context.Context, q dbtx, id int64) (*types.OutputStore, error) {
	var out types.OutputStore
	err := q.QueryRowContext(ctx, `
		SELECT id, output_type, compression, data FROM output_store WHERE id = $1`, id,
	).Scan(&out.ID, &out.OutputType, &out.Compression, &out.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("output %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get output %d: %w", id, err)
	}
	return &out, nil
}

// getOutputByType finds a history entry's blob of one type, or ErrNotFound
func getOutputByType(ctx context.Context, q dbtx, historyID int64, t types.OutputType) (*types.OutputStore, error) {
	var out types.OutputStore
	err := q.QueryRowContext(ctx, `
		SELECT id, output_type, compression, data
		FROM output_store WHERE history_id = $1 AND output_type = $2`,
		historyID, t,
	).Scan(&out.ID, &out.OutputType, &out.Compression, &out.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history %d has no %s output: %w", historyID, t, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s output: %w", t, err)
	}
	return &out, nil
}

// GetOutput returns one output blob by id
func (s *Store) GetOutput(ctx context.Context, id int64) (*types.OutputStore, error) {
	return getOutput(ctx, s.db, id)
}
