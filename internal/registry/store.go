package registry

import "context"

// Store is the abstract persistence contract for sandbox records. Every
// implementation must be safe for concurrent use. The Lifecycle Manager
// depends only on this interface, never on a concrete backend.
type Store interface {
	// Save upserts a record by SandboxID. Used for initial insert and for
	// full-record updates.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record for id, or (nil, nil) if it does not exist.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records ordered by CreatedAt descending, optionally
	// filtered by userID (pass "" for no filter).
	List(ctx context.Context, userID string) ([]*Record, error)

	// Delete removes a record. Used only by administrative paths.
	Delete(ctx context.Context, id string) (bool, error)

	// UpdateStatus sets status, and sets StoppedAt when status becomes
	// StatusStopped. Returns false if the record does not exist.
	UpdateStatus(ctx context.Context, id string, status Status) (bool, error)

	// UpdateHeartbeat sets LastHeartbeatAt to now. Returns false if the
	// record does not exist.
	UpdateHeartbeat(ctx context.Context, id string) (bool, error)

	// MarkStopped sets status to StatusStopped, StoppedAt to now, and
	// StopReason to reason. Returns false if the record does not exist.
	MarkStopped(ctx context.Context, id string, reason StopReason) (bool, error)

	// Reconcile transitions any starting, ready, or running record whose
	// ContainerID is not present in liveContainerIDs to StatusStopped with
	// StopReasonGracefulShutdown.
	Reconcile(ctx context.Context, liveContainerIDs map[string]struct{}) error

	// ExpireStale transitions non-terminal records past ExpiresAt to
	// StatusExpired and returns their ids.
	ExpireStale(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
