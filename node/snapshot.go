package node

import (
	"context"

	"github.com/qrledger/core/dag"
)

// StoreSnapshot is the durable state Shutdown hands to a Snapshotter: the
// vertex set and per-vertex status held at shutdown, plus the directory
// in force when it was taken, so a restart can resume from it instead of
// an empty store.
type StoreSnapshot struct {
	Directory *Directory
	Vertices  []*dag.Vertex
	Statuses  map[dag.ID]dag.Status
}

// Snapshotter is the external storage seam spec §4.5's shutdown sequence
// names: "persist snapshot (via the external storage interface)". The
// core ships no concrete implementation — disk, object storage, or
// whatever a deployment uses lives outside this module, behind this
// interface.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, snap StoreSnapshot) error
}
