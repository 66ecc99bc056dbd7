package ports

import (
	"context"

	"paircall/internal/core/domain"
)

// Unsubscribe tears down one subscription. Safe to call more than once, and
// from inside a snapshot delivery: implementations must not wait for in-flight
// deliveries to return, since sessions unsubscribe while handling a snapshot
// that fails them.
type Unsubscribe func()

// SignalingRepository is the shared mutable document store used as the
// out-of-band mailbox between the two parties. It offers no transactions, no
// ordering and no delivery guarantees: subscribers must tolerate duplicated
// and delayed snapshots.
type SignalingRepository interface {
	// Create persists a new record holding the offer. It fails with
	// domain.ErrRecordExists when a record is already present for the room,
	// which is how simultaneous initiators are detected.
	Create(ctx context.Context, roomID domain.RoomID, offer string) error

	// PutAnswer merges the answer into an existing record. It fails with
	// domain.ErrRecordNotFound when the record has vanished.
	PutAnswer(ctx context.Context, roomID domain.RoomID, answer string) error

	// Get returns the current record, or domain.ErrRecordNotFound.
	Get(ctx context.Context, roomID domain.RoomID) (*domain.SignalingRecord, error)

	// Delete removes the record. Callers treat failures as best-effort:
	// log and continue, never fatal.
	Delete(ctx context.Context, roomID domain.RoomID) error

	// Subscribe registers fn for every observed state of the room's record,
	// including echoes of this client's own writes (flagged via
	// RecordSnapshot.HasPendingWrites). If a record already exists at
	// subscribe time its current state is delivered as the first snapshot.
	Subscribe(ctx context.Context, roomID domain.RoomID, fn func(domain.RecordSnapshot)) (Unsubscribe, error)
}
