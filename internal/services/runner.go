package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/qcfabric/qcfabric/internal/metrics"
	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// Runner polls for eligible services and iterates them. Multiple runners may
// poll the same database; the skip-locked service lock keeps them from
// double-scheduling a wave.
type Runner struct {
	store    storage.Storage
	drivers  map[types.RecordType]Driver
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

// NewRunner builds a runner over the given drivers
func NewRunner(store storage.Storage, interval time.Duration, batch int, logger zerolog.Logger, drivers ...Driver) *Runner {
	m := make(map[types.RecordType]Driver, len(drivers))
	for _, d := range drivers {
		m[d.RecordType()] = d
	}
	return &Runner{
		store:    store,
		drivers:  m,
		interval: interval,
		batch:    batch,
		log:      logger,
	}
}

// Run iterates services until the context is cancelled
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Int("batch", r.batch).Msg("service runner started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("service runner stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Msg("service iteration pass failed")
			}
		}
	}
}

// RunOnce processes one batch of eligible services and reports how many were
// iterated.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	ids, err := r.store.FetchEligibleServices(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	iterated := 0
	for _, id := range ids {
		err := r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return r.iterateOne(ctx, tx, id)
		})
		switch {
		case err == nil:
			iterated++
		case errors.Is(err, storage.ErrNotFound):
			// Another runner got there first, or the service finished
		default:
			r.log.Error().Err(err).Int64("service_id", id).Msg("service iteration failed")
		}
	}
	return iterated, nil
}

func (r *Runner) iterateOne(ctx context.Context, tx storage.Transaction, serviceID int64) error {
	svc, err := tx.LockService(ctx, serviceID)
	if err != nil {
		return err
	}
	driver, ok := r.drivers[svc.RecordType]
	if !ok {
		return fmt.Errorf("no driver registered for record type %s: %w", svc.RecordType, storage.ErrDeveloper)
	}

	// Fail fast: any dependency that finished without completing takes the
	// whole service down.
	if failed, err := r.failOnBadDependency(ctx, tx, svc); err != nil || failed {
		return err
	}

	done, err := driver.Iterate(ctx, tx, svc)
	if err != nil {
		return err
	}
	metrics.ServiceIterations.WithLabelValues(string(svc.RecordType)).Inc()
	if done {
		r.log.Info().Int64("record_id", svc.RecordID).
			Str("record_type", string(svc.RecordType)).
			Msg("service finished")
	}
	return nil
}

func (r *Runner) failOnBadDependency(ctx context.Context, tx storage.Transaction, svc *types.Service) (bool, error) {
	for _, dep := range svc.Dependencies {
		child, err := tx.GetRecord(ctx, dep.RecordID)
		if err != nil {
			return false, err
		}
		if child.Status == types.StatusComplete {
			continue
		}

		var msg strings.Builder
		fmt.Fprintf(&msg, "\nChild record %d", child.ID)
		if key := dep.Key(); key != "" {
			fmt.Fprintf(&msg, " (%s)", key)
		}
		fmt.Fprintf(&msg, " ended in status %s - it did not complete successfully\n", child.Status)

		if err := tx.AppendServiceStdout(ctx, svc.RecordID, msg.String()); err != nil {
			return false, err
		}
		err = tx.FailServiceRecord(ctx, svc.RecordID, types.ErrorPayload{
			ErrorType:    "service_iteration_error",
			ErrorMessage: strings.TrimSpace(msg.String()),
		})
		if err != nil {
			return false, err
		}
		metrics.ServiceFailures.WithLabelValues(string(svc.RecordType)).Inc()
		r.log.Warn().Int64("record_id", svc.RecordID).Int64("child_id", child.ID).
			Str("child_status", string(child.Status)).
			Msg("service failed on unsuccessful dependency")
		return true, nil
	}
	return false, nil
}
