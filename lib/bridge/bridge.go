package bridge

import (
	"context"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("bridge")

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Bridge is the surface a store exposes to its sync collaborator. None of the
// methods mutate the state of the store; remote changes are written through
// an ordinary engine write snapshot (see Integrate) and then announced with
// OnRemoteVersionAdvanced.
//
// Thread-safety: all methods are safe for concurrent use.
type Bridge interface {
	// ID identifies the store instance. It is used as the origin of batches.
	ID() uuid.UUID

	// Engine returns the storage engine of the store.
	Engine() db.Store

	// CurrentVersion returns the latest committed version.
	CurrentVersion() db.Version

	// ChangeSetSince returns the merged change set from v to the current version.
	ChangeSetSince(v db.Version) (db.ChangeSet, error)

	// OnRemoteVersionAdvanced announces a version committed by the collaborator.
	// It is treated like a local commit for notification purposes.
	OnRemoteVersionAdvanced(v db.Version)
}

// Collaborator is a background synchronization process. The store starts it
// once at open time and calls RequestUpload after every local commit, without
// waiting for it to finish.
type Collaborator interface {
	// Start attaches the collaborator to a store.
	Start(ctx context.Context, b Bridge) error

	// RequestUpload asks the collaborator to upload local changes after since.
	RequestUpload(ctx context.Context, since db.Version) error

	// Close stops the collaborator.
	Close() error
}
