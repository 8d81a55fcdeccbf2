package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// TestTransitionTargetTable walks every (status, action) pair and checks the
// exact set of legal transitions.
func TestTransitionTargetTable(t *testing.T) {
	statuses := []types.RecordStatus{
		types.StatusWaiting, types.StatusRunning, types.StatusComplete,
		types.StatusError, types.StatusCancelled, types.StatusInvalid, types.StatusDeleted,
	}

	legal := map[storage.RecordAction]map[types.RecordStatus]types.RecordStatus{
		storage.ActionReset: {
			types.StatusRunning: types.StatusWaiting,
			types.StatusError:   types.StatusWaiting,
		},
		storage.ActionCancel: {
			types.StatusWaiting: types.StatusCancelled,
			types.StatusRunning: types.StatusCancelled,
			types.StatusError:   types.StatusCancelled,
		},
		storage.ActionUncancel: {
			types.StatusCancelled: types.StatusWaiting,
			types.StatusInvalid:   types.StatusWaiting,
		},
		storage.ActionInvalidate: {
			types.StatusWaiting:  types.StatusInvalid,
			types.StatusComplete: types.StatusInvalid,
		},
		storage.ActionSoftDelete: {
			types.StatusWaiting:   types.StatusDeleted,
			types.StatusComplete:  types.StatusDeleted,
			types.StatusError:     types.StatusDeleted,
			types.StatusCancelled: types.StatusDeleted,
			types.StatusInvalid:   types.StatusDeleted,
		},
		storage.ActionUndelete: {
			types.StatusDeleted: types.StatusWaiting,
		},
	}

	for action, table := range legal {
		for _, cur := range statuses {
			next, err := transitionTarget(cur, action, nil)
			if want, ok := table[cur]; ok {
				require.NoError(t, err, "%s from %s", action, cur)
				assert.Equal(t, want, next, "%s from %s", action, cur)
			} else {
				assert.ErrorIs(t, err, storage.ErrInvalidTransition, "%s from %s", action, cur)
			}
		}
	}
}

func TestUndeleteRestoresPriorStatus(t *testing.T) {
	prior := types.StatusComplete
	next, err := transitionTarget(types.StatusDeleted, storage.ActionUndelete, &prior)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, next)

	// Without a recorded prior status, undelete falls back to waiting
	next, err = transitionTarget(types.StatusDeleted, storage.ActionUndelete, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, next)
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "*", normalizeTag(""))
	assert.Equal(t, "*", normalizeTag("  "))
	assert.Equal(t, "gpu", normalizeTag("GPU"))
	assert.Equal(t, "tag1", normalizeTag(" Tag1 "))
}
