package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

// WatcherDeps bundles the collaborators a watcher needs.
type WatcherDeps struct {
	Repo    ports.SignalingRepository
	Sink    ports.RingSink
	Metrics ports.CallMetrics // optional
	Logger  *zap.SugaredLogger
}

// Watcher observes one peer's room while no call is active and raises a ring
// when the peer leaves an unconsumed offer there. It rings exactly once per
// offer: re-delivered snapshots of the same record do not re-ring, but a new
// offer appearing after the record was removed does.
//
// The watcher never writes to the store. Consuming the offer (accept) or
// dismissing it (decline) is the host application's move.
type Watcher struct {
	selfID      domain.ParticipantID
	peerID      domain.ParticipantID
	displayName string
	roomID      domain.RoomID

	repo    ports.SignalingRepository
	sink    ports.RingSink
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	started     bool
	ringing     bool
	pending     *domain.IncomingCall
	unsubscribe ports.Unsubscribe
}

func NewWatcher(selfID, peerID domain.ParticipantID, displayName string, deps WatcherDeps) *Watcher {
	roomID := domain.DeriveRoomID(selfID, peerID)
	return &Watcher{
		selfID:      selfID,
		peerID:      peerID,
		displayName: displayName,
		roomID:      roomID,
		repo:        deps.Repo,
		sink:        deps.Sink,
		metrics:     deps.Metrics,
		logger: deps.Logger.With(
			"room_id", string(roomID),
			"peer_id", string(peerID),
		),
	}
}

func (w *Watcher) RoomID() domain.RoomID      { return w.roomID }
func (w *Watcher) Peer() domain.ParticipantID { return w.peerID }

// Start subscribes to the peer's room. An offer already sitting in the store
// rings immediately via the initial snapshot.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("%w: watcher already started", domain.ErrInvalidTransition)
	}
	w.started = true
	w.mu.Unlock()

	unsubscribe, err := w.repo.Subscribe(ctx, w.roomID, w.handleSnapshot)
	if err != nil {
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		return fmt.Errorf("failed to watch room: %w", err)
	}

	w.mu.Lock()
	w.unsubscribe = unsubscribe
	w.mu.Unlock()

	w.logger.Infow("watching for incoming calls")
	return nil
}

// Stop removes the subscription and silences any active ring.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	wasRinging := w.ringing
	w.ringing = false
	w.pending = nil
	w.started = false
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if wasRinging {
		w.sink.Stop(w.roomID)
	}
}

// Pending returns the offer currently ringing, if any.
func (w *Watcher) Pending() *domain.IncomingCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return nil
	}
	call := *w.pending
	return &call
}

// Silence stops the ring without consuming or removing the record, used when
// the host accepted or declined the call.
func (w *Watcher) Silence() {
	w.mu.Lock()
	wasRinging := w.ringing
	w.ringing = false
	w.pending = nil
	w.mu.Unlock()

	if wasRinging {
		w.sink.Stop(w.roomID)
	}
}

func (w *Watcher) handleSnapshot(snap domain.RecordSnapshot) {
	// Own writes never ring; only the peer's offer does.
	if snap.HasPendingWrites {
		return
	}

	w.mu.Lock()

	if snap.Removed || snap.Record.Offer == "" || snap.Record.Answer != "" {
		// The record is gone or its offer is already consumed. Clear the ring
		// so a future offer in the same room rings again.
		wasRinging := w.ringing
		w.ringing = false
		w.pending = nil
		w.mu.Unlock()

		if wasRinging {
			w.logger.Infow("incoming call withdrawn")
			w.sink.Stop(w.roomID)
		}
		return
	}

	if w.ringing {
		// Re-delivered snapshot of the same unconsumed offer.
		w.mu.Unlock()
		return
	}

	call := domain.IncomingCall{
		RoomID:      w.roomID,
		Peer:        w.peerID,
		DisplayName: w.displayName,
		Offer:       snap.Record.Offer,
	}
	w.ringing = true
	w.pending = &call
	w.mu.Unlock()

	w.logger.Infow("incoming call", "from", string(w.peerID))
	if w.metrics != nil {
		w.metrics.RecordRing()
	}
	w.sink.Ring(call)
}
