// Package services runs the background iteration of service records.
//
// A service record (grid optimization, torsion drive, neb) makes progress in
// waves: the driver inspects its completed children, emits the next batch of
// child records and checkpoints its state. The scheduler knows nothing about
// any particular procedure; it locks eligible service rows and dispatches on
// record type.
package services

import (
	"context"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// Driver generates the waves for one service record type.
//
// Iterate is called with the service row locked and every dependency in a
// finished status. It must be re-entrant: all progress lives in the service
// state checkpoint, so a crash between waves is recovered by re-reading the
// checkpoint and re-deriving the next wave from completed dependencies.
type Driver interface {
	RecordType() types.RecordType
	Iterate(ctx context.Context, tx storage.Transaction, svc *types.Service) (done bool, err error)
}
