package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paircall/internal/core/domain"
	"paircall/internal/infrastructure/repositories/memory"
)

const (
	selfID = domain.ParticipantID("alice")
	peerID = domain.ParticipantID("bob")
)

type sessionHarness struct {
	store   *memory.SignalingStore
	peer    *memory.Client // the remote party's view of the store
	media   *fakeMedia
	factory *fakeFactory
	session *Session
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	store := memory.NewSignalingStore()
	media := newFakeMedia()
	factory := &fakeFactory{}
	session := NewSession(selfID, peerID, SessionDeps{
		Repo:       store.Client(),
		Media:      media,
		Transports: factory,
		Logger:     testLogger(),
	})
	return &sessionHarness{
		store:   store,
		peer:    store.Client(),
		media:   media,
		factory: factory,
		session: session,
	}
}

func (h *sessionHarness) roomID() domain.RoomID {
	return domain.DeriveRoomID(selfID, peerID)
}

func TestOutgoingHappyPath(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.StartOutgoing(ctx))
	assert.Equal(t, domain.StateOutgoing, h.session.State())
	assert.Equal(t, "connecting", h.session.Status())
	assert.Equal(t, 1, h.factory.createdCount())

	transport := h.factory.transport(0)
	assert.Equal(t, domain.RoleInitiator, transport.role)

	// gathering completes, the offer lands in the store
	transport.emitLocalDescription("offer-sdp")
	record, err := h.peer.Get(ctx, h.roomID())
	require.NoError(t, err)
	assert.Equal(t, "offer-sdp", record.Offer)
	assert.Equal(t, domain.StateConnecting, h.session.State())

	// the peer answers
	require.NoError(t, h.peer.PutAnswer(ctx, h.roomID(), "answer-sdp"))
	assert.Equal(t, []string{"answer-sdp"}, transport.appliedDescs())

	transport.emitConnected()
	assert.Equal(t, domain.StateConnected, h.session.State())
	assert.Equal(t, "connected", h.session.Status())
}

func TestAnswerAppliedAtMostOnce(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.StartOutgoing(ctx))
	transport := h.factory.transport(0)
	transport.emitLocalDescription("offer-sdp")

	// the store may redeliver the same record state any number of times
	require.NoError(t, h.peer.PutAnswer(ctx, h.roomID(), "answer-sdp"))
	require.NoError(t, h.peer.PutAnswer(ctx, h.roomID(), "answer-sdp"))
	require.NoError(t, h.peer.PutAnswer(ctx, h.roomID(), "answer-sdp"))

	assert.Equal(t, []string{"answer-sdp"}, transport.appliedDescs())
}

func TestDeviceFailureLeavesNoRecord(t *testing.T) {
	h := newSessionHarness(t)
	h.media.acquireErr = fmt.Errorf("%w: camera busy", domain.ErrDeviceUnavailable)

	err := h.session.StartOutgoing(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)

	assert.Equal(t, domain.StateFailed, h.session.State())
	assert.True(t, strings.HasPrefix(h.session.Status(), "error:"), "status %q", h.session.Status())

	_, err = h.peer.Get(context.Background(), h.roomID())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestGlareFoldsIntoReceiver(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	// the peer's offer is already in the store when ours finishes gathering
	require.NoError(t, h.session.StartOutgoing(ctx))
	require.NoError(t, h.peer.Create(ctx, h.roomID(), "remote-offer"))

	first := h.factory.transport(0)
	first.emitLocalDescription("local-offer")

	assert.Equal(t, 1, first.destroyCount(), "losing initiator transport is discarded")
	require.Equal(t, 2, h.factory.createdCount())

	second := h.factory.transport(1)
	assert.Equal(t, domain.RoleReceiver, second.role)
	assert.Equal(t, []string{"remote-offer"}, second.appliedDescs())
	assert.Equal(t, domain.RoleReceiver, h.session.Role())
	assert.Equal(t, domain.StateConnecting, h.session.State())

	// our answer flows into the peer's record
	second.emitLocalDescription("local-answer")
	record, err := h.peer.Get(ctx, h.roomID())
	require.NoError(t, err)
	assert.Equal(t, "remote-offer", record.Offer)
	assert.Equal(t, "local-answer", record.Answer)

	second.emitConnected()
	assert.Equal(t, domain.StateConnected, h.session.State())
}

func TestEndReleasesEverything(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.StartOutgoing(ctx))
	transport := h.factory.transport(0)
	transport.emitLocalDescription("offer-sdp")
	require.NoError(t, h.peer.PutAnswer(ctx, h.roomID(), "answer-sdp"))
	transport.emitConnected()

	require.NoError(t, h.session.End(ctx))
	assert.Equal(t, domain.StateEnded, h.session.State())
	assert.Equal(t, "ended", h.session.Status())

	assert.Equal(t, 1, h.media.releaseCount())
	assert.Equal(t, 1, transport.destroyCount())

	// the initiator owns the record lifecycle
	_, err := h.peer.Get(ctx, h.roomID())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	// idempotent
	require.NoError(t, h.session.End(ctx))
	assert.Equal(t, 1, h.media.releaseCount())
}

func TestEndBeforeAnswerStillCleansUp(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.StartOutgoing(ctx))
	transport := h.factory.transport(0)
	transport.emitLocalDescription("offer-sdp")

	require.NoError(t, h.session.End(ctx))

	assert.Equal(t, 1, h.media.releaseCount())
	assert.Equal(t, 1, transport.destroyCount())
	_, err := h.peer.Get(ctx, h.roomID())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	// a late connected event on the dead transport changes nothing
	transport.emitConnected()
	assert.Equal(t, domain.StateEnded, h.session.State())
}

func TestPeerErrorFailsAndCleansUp(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.StartOutgoing(ctx))
	transport := h.factory.transport(0)
	transport.emitLocalDescription("offer-sdp")

	transport.emitError(fmt.Errorf("%w: ice failed", domain.ErrNegotiationFailed))

	assert.Equal(t, domain.StateFailed, h.session.State())
	assert.True(t, strings.HasPrefix(h.session.Status(), "error:"))
	assert.Equal(t, 1, h.media.releaseCount())
	assert.Equal(t, 1, transport.destroyCount())
	_, err := h.peer.Get(ctx, h.roomID())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestReceiverFailsWhenRecordVanishes(t *testing.T) {
	store := memory.NewSignalingStore()
	peer := store.Client()
	media := newFakeMedia()
	factory := &fakeFactory{}
	ctx := context.Background()

	roomID := domain.DeriveRoomID(selfID, peerID)
	require.NoError(t, peer.Create(ctx, roomID, "remote-offer"))

	session := NewIncomingSession(selfID, peerID, "remote-offer", SessionDeps{
		Repo:       store.Client(),
		Media:      media,
		Transports: factory,
		Logger:     testLogger(),
	})
	require.NoError(t, session.Accept(ctx))

	// the caller tears down before our answer finishes gathering
	require.NoError(t, peer.Delete(ctx, roomID))

	factory.transport(0).emitLocalDescription("local-answer")

	assert.Equal(t, domain.StateFailed, session.State())
	assert.Equal(t, 1, media.releaseCount())
}

func TestAcceptAnswersHeldOffer(t *testing.T) {
	store := memory.NewSignalingStore()
	peer := store.Client()
	media := newFakeMedia()
	factory := &fakeFactory{}
	ctx := context.Background()

	roomID := domain.DeriveRoomID(selfID, peerID)
	require.NoError(t, peer.Create(ctx, roomID, "remote-offer"))

	session := NewIncomingSession(selfID, peerID, "remote-offer", SessionDeps{
		Repo:       store.Client(),
		Media:      media,
		Transports: factory,
		Logger:     testLogger(),
	})
	assert.Equal(t, domain.StateIncoming, session.State())

	require.NoError(t, session.Accept(ctx))
	assert.Equal(t, domain.StateConnecting, session.State())

	transport := factory.transport(0)
	require.NotNil(t, transport)
	assert.Equal(t, domain.RoleReceiver, transport.role)
	assert.Equal(t, []string{"remote-offer"}, transport.appliedDescs())

	transport.emitLocalDescription("local-answer")
	record, err := peer.Get(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "local-answer", record.Answer)

	transport.emitConnected()
	assert.Equal(t, domain.StateConnected, session.State())

	// either side's hangup removes the record
	require.NoError(t, session.End(ctx))
	_, err = peer.Get(ctx, roomID)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestDeclineTouchesNothing(t *testing.T) {
	store := memory.NewSignalingStore()
	peer := store.Client()
	media := newFakeMedia()
	factory := &fakeFactory{}
	ctx := context.Background()

	roomID := domain.DeriveRoomID(selfID, peerID)
	require.NoError(t, peer.Create(ctx, roomID, "remote-offer"))

	session := NewIncomingSession(selfID, peerID, "remote-offer", SessionDeps{
		Repo:       store.Client(),
		Media:      media,
		Transports: factory,
		Logger:     testLogger(),
	})
	require.NoError(t, session.Decline())

	assert.Equal(t, domain.StateIdle, session.State())
	assert.Equal(t, 0, factory.createdCount())
	assert.Equal(t, 0, media.acquireCount())

	record, err := peer.Get(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "remote-offer", record.Offer)

	// a declined session accepts no further transitions into the call
	err = session.Accept(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestInvalidTransitions(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	// a plain outgoing session holds no offer to accept or decline
	assert.ErrorIs(t, h.session.Accept(ctx), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.session.Decline(), domain.ErrInvalidTransition)

	require.NoError(t, h.session.StartOutgoing(ctx))
	err := h.session.StartOutgoing(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, h.session.End(ctx))
	assert.ErrorIs(t, h.session.StartOutgoing(ctx), domain.ErrInvalidTransition)
}

func TestMuteGatesTransport(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.StartOutgoing(ctx))
	transport := h.factory.transport(0)

	require.NoError(t, h.session.SetTrackEnabled(domain.TrackAudio, false))
	assert.False(t, h.media.TrackEnabled(domain.TrackAudio))
	transport.mu.Lock()
	assert.True(t, transport.muted[domain.TrackAudio])
	transport.mu.Unlock()

	require.NoError(t, h.session.SetTrackEnabled(domain.TrackAudio, true))
	assert.True(t, h.media.TrackEnabled(domain.TrackAudio))
}

func TestEndedMetricRequiresStartedCall(t *testing.T) {
	store := memory.NewSignalingStore()
	metrics := &fakeMetrics{}
	ctx := context.Background()

	// an incoming session ended without ever accepting recorded no start
	incoming := NewIncomingSession(selfID, peerID, "remote-offer", SessionDeps{
		Repo:       store.Client(),
		Media:      newFakeMedia(),
		Transports: &fakeFactory{},
		Metrics:    metrics,
		Logger:     testLogger(),
	})
	require.NoError(t, incoming.End(ctx))
	assert.Equal(t, 0, metrics.startedCount())
	assert.Equal(t, 0, metrics.endedCount(), "no end without a matching start")

	// a placed call balances the gauge: one start, one end
	outgoing := NewSession(selfID, peerID, SessionDeps{
		Repo:       store.Client(),
		Media:      newFakeMedia(),
		Transports: &fakeFactory{},
		Metrics:    metrics,
		Logger:     testLogger(),
	})
	require.NoError(t, outgoing.StartOutgoing(ctx))
	require.NoError(t, outgoing.End(ctx))
	assert.Equal(t, 1, metrics.startedCount())
	assert.Equal(t, 1, metrics.endedCount())
}

func TestFailureDuringSnapshotDeliveryCompletesTeardown(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.StartOutgoing(ctx))
	transport := h.factory.transport(0)
	transport.emitLocalDescription("offer-sdp")

	transport.mu.Lock()
	transport.applyErr = fmt.Errorf("%w: bad answer", domain.ErrNegotiationFailed)
	transport.mu.Unlock()

	// The store delivers the answer snapshot synchronously on this goroutine,
	// so the failing apply runs the whole teardown, unsubscribe included,
	// while the delivery is still on the stack. It must come back.
	require.NoError(t, h.peer.PutAnswer(ctx, h.roomID(), "answer-sdp"))

	assert.Equal(t, domain.StateFailed, h.session.State())
	assert.Equal(t, 1, h.media.releaseCount())
	assert.Equal(t, 1, transport.destroyCount())
	_, err := h.peer.Get(ctx, h.roomID())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound, "owned record must be deleted by the teardown")
}

func TestFailureStatusCarriesMessage(t *testing.T) {
	h := newSessionHarness(t)
	h.media.acquireErr = fmt.Errorf("%w: no camera", domain.ErrDeviceUnavailable)

	var statuses []string
	h.session.onStatus = func(_ domain.CallState, status string) {
		statuses = append(statuses, status)
	}

	err := h.session.StartOutgoing(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrDeviceUnavailable))

	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	assert.Contains(t, last, "error:")
	assert.Contains(t, last, "no camera")
}
