package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
	apperrors "paircall/pkg/errors"
	"paircall/pkg/tracing"
)

// callConstraints is the fixed capture request: one audio and one video
// track, no negotiation beyond that.
var callConstraints = domain.MediaConstraints{Audio: true, Video: true}

// StatusFunc observes session lifecycle changes. Called outside the session
// lock; implementations may call back into the session.
type StatusFunc func(state domain.CallState, status string)

// SessionDeps bundles the collaborators one session needs.
type SessionDeps struct {
	Repo       ports.SignalingRepository
	Media      ports.MediaSource
	Transports ports.TransportFactory
	Metrics    ports.CallMetrics // optional
	Logger     *zap.SugaredLogger
	OnStatus   StatusFunc // optional
}

// Session drives one call between the local participant and one peer, from
// initiation or acceptance through to teardown. A session is single use:
// once it reaches a terminal state a new call needs a new session.
//
// The session owns the media source, the peer transport, the subscription on
// the room's signaling record, and, once it has created the record or
// accepted into the call, the record itself. All four are torn down on any
// exit path, each step independent of the others so one failure never leaks
// the rest. A held offer that is merely declined leaves the record alone.
type Session struct {
	id     string
	selfID domain.ParticipantID
	peerID domain.ParticipantID
	roomID domain.RoomID

	repo     ports.SignalingRepository
	media    ports.MediaSource
	factory  ports.TransportFactory
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger
	onStatus StatusFunc

	mu             sync.Mutex
	state          domain.CallState
	status         string
	role           domain.Role
	transport      ports.PeerTransport
	unsubscribe    ports.Unsubscribe
	pendingOffer   string
	signaledOffer  bool
	signaledAnswer bool
	ownsRecord     bool
	mediaAcquired  bool
	startRecorded  bool
	startedAt      time.Time
}

// NewSession builds an idle session toward peerID. Call StartOutgoing to
// place the call.
func NewSession(selfID, peerID domain.ParticipantID, deps SessionDeps) *Session {
	s := newSession(selfID, peerID, deps)
	s.state = domain.StateIdle
	s.status = "idle"
	return s
}

// NewIncomingSession builds a session holding a peer's unconsumed offer.
// Call Accept to answer it or Decline to dismiss it.
func NewIncomingSession(selfID, peerID domain.ParticipantID, offer string, deps SessionDeps) *Session {
	s := newSession(selfID, peerID, deps)
	s.state = domain.StateIncoming
	s.status = "incoming"
	s.role = domain.RoleReceiver
	s.pendingOffer = offer
	return s
}

func newSession(selfID, peerID domain.ParticipantID, deps SessionDeps) *Session {
	id := uuid.NewString()
	roomID := domain.DeriveRoomID(selfID, peerID)
	return &Session{
		id:       id,
		selfID:   selfID,
		peerID:   peerID,
		roomID:   roomID,
		repo:     deps.Repo,
		media:    deps.Media,
		factory:  deps.Transports,
		metrics:  deps.Metrics,
		onStatus: deps.OnStatus,
		logger: deps.Logger.With(
			"session_id", id,
			"room_id", string(roomID),
			"peer_id", string(peerID),
		),
	}
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) RoomID() domain.RoomID      { return s.roomID }
func (s *Session) Peer() domain.ParticipantID { return s.peerID }

func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the human-readable surface of the session state:
// "connecting", "connected", "ended" or "error:<message>".
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Role() domain.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// StartOutgoing places the call. Media is acquired before anything touches
// the signaling store, so a missing device leaves no record behind. The
// subscription is registered before the offer is written: the answer cannot
// be missed between the write and the subscribe.
//
// The offer itself is produced asynchronously by the transport and written to
// the store when candidate gathering completes.
func (s *Session) StartOutgoing(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start outgoing call from state %s", domain.ErrInvalidTransition, state)
	}
	s.state = domain.StateOutgoing
	s.role = domain.RoleInitiator
	s.status = "connecting"
	s.startedAt = time.Now()
	s.startRecorded = true
	s.mu.Unlock()
	s.notifyStatus()

	if s.metrics != nil {
		s.metrics.RecordCallStarted(domain.RoleInitiator)
	}

	ctx, span := tracing.TraceCall(ctx, "start_outgoing", string(s.roomID), string(s.peerID))
	defer span.End()

	s.logger.Infow("starting outgoing call")

	if err := s.setup(ctx, domain.RoleInitiator); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// Accept answers the held offer.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.StateIncoming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot accept from state %s", domain.ErrInvalidTransition, state)
	}
	offer := s.pendingOffer
	s.state = domain.StateConnecting
	s.status = "connecting"
	s.signaledOffer = true
	s.ownsRecord = true
	s.startedAt = time.Now()
	s.startRecorded = true
	s.mu.Unlock()
	s.notifyStatus()

	if s.metrics != nil {
		s.metrics.RecordCallStarted(domain.RoleReceiver)
	}

	ctx, span := tracing.TraceCall(ctx, "accept", string(s.roomID), string(s.peerID))
	defer span.End()

	s.logger.Infow("accepting incoming call")

	if err := s.setup(ctx, domain.RoleReceiver); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if err := transport.ApplyRemoteDescription(ctx, offer); err != nil {
		tracing.RecordError(ctx, err)
		s.fail(ctx, err)
		return err
	}
	return nil
}

// Decline dismisses a held offer without touching any shared state: no media
// is acquired, no transport exists, and the record stays untouched since its
// lifecycle belongs to the initiator. The caller side is not notified.
func (s *Session) Decline() error {
	s.mu.Lock()
	if s.state != domain.StateIncoming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot decline from state %s", domain.ErrInvalidTransition, state)
	}
	s.state = domain.StateIdle
	s.status = "idle"
	s.pendingOffer = ""
	s.mu.Unlock()
	s.notifyStatus()

	s.logger.Infow("incoming call declined")
	return nil
}

// End terminates the call from any state. Idempotent: ending an already
// terminal session is a no-op.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.state = domain.StateEnded
	s.status = "ended"
	started := s.startRecorded
	s.mu.Unlock()
	s.notifyStatus()

	ctx, span := tracing.TraceCall(ctx, "end", string(s.roomID), string(s.peerID))
	defer span.End()

	s.logger.Infow("ending call")
	s.cleanup(ctx)

	// Ending a session that never recorded a start, an incoming one dismissed
	// without Accept, must not decrement the active-calls gauge.
	if s.metrics != nil && started {
		s.metrics.RecordCallEnded(domain.StateEnded)
	}
	return nil
}

// SetTrackEnabled mutes or unmutes one local track kind for the ongoing
// call. The capture devices keep running; only sending is gated.
func (s *Session) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	s.media.SetTrackEnabled(kind, enabled)

	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.SetTrackEnabled(kind, enabled)
}

func (s *Session) SetAudioEnabled(enabled bool) error {
	return s.SetTrackEnabled(domain.TrackAudio, enabled)
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	return s.SetTrackEnabled(domain.TrackVideo, enabled)
}

// setup performs the shared part of call establishment: acquire media,
// subscribe to the room record, build the transport. Any failure runs the
// full teardown and moves the session to Failed.
func (s *Session) setup(ctx context.Context, role domain.Role) error {
	if err := s.media.Acquire(ctx, callConstraints); err != nil {
		err = fmt.Errorf("failed to acquire local media: %w", err)
		s.fail(ctx, err)
		return err
	}
	s.mu.Lock()
	s.mediaAcquired = true
	s.mu.Unlock()

	unsubscribe, err := s.repo.Subscribe(ctx, s.roomID, s.handleSnapshot)
	if err != nil {
		err = fmt.Errorf("%w: subscribe to room: %v", domain.ErrChannelWrite, err)
		s.fail(ctx, err)
		return err
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	transport, err := s.factory.Create(ctx, role, s.media, s.peerEvents())
	if err != nil {
		err = fmt.Errorf("failed to create peer transport: %w", err)
		s.fail(ctx, err)
		return err
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		transport.Destroy()
		return fmt.Errorf("%w: session ended during setup", domain.ErrInvalidTransition)
	}
	s.transport = transport
	s.mu.Unlock()
	return nil
}

func (s *Session) peerEvents() ports.PeerEvents {
	return ports.PeerEvents{
		OnLocalDescription: s.onLocalDescription,
		OnRemoteTrack: func(kind domain.TrackKind) {
			s.logger.Infow("remote media flowing", "kind", kind.String())
		},
		OnConnected: s.onConnected,
		OnError:     s.onPeerError,
	}
}

// onLocalDescription publishes the gathered local description. The initiator
// creates the record with the offer; losing that write to a simultaneous
// initiator folds this session into the receiver role. The receiver merges
// the answer into the existing record.
func (s *Session) onLocalDescription(desc string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	role := s.role
	s.mu.Unlock()

	ctx := context.Background()

	if role == domain.RoleInitiator {
		err := s.repo.Create(ctx, s.roomID, desc)
		if s.metrics != nil {
			s.metrics.RecordSignalingWrite("create", err)
		}
		switch {
		case err == nil:
			s.mu.Lock()
			s.ownsRecord = true
			if s.state == domain.StateOutgoing {
				s.state = domain.StateConnecting
			}
			s.mu.Unlock()
			s.notifyStatus()
			s.logger.Infow("offer published")
		case errors.Is(err, domain.ErrRecordExists):
			s.foldIntoReceiver(ctx)
		default:
			s.fail(ctx, err)
		}
		return
	}

	err := s.repo.PutAnswer(ctx, s.roomID, desc)
	if s.metrics != nil {
		s.metrics.RecordSignalingWrite("put_answer", err)
	}
	if err != nil {
		// Record gone means the caller tore the call down while we were
		// gathering candidates.
		s.fail(ctx, err)
		return
	}
	s.logger.Infow("answer published")
}

// foldIntoReceiver handles the simultaneous-call collision: both parties
// dialed each other, the remote side won the record creation, so this
// session discards its initiator transport and answers the remote offer
// instead. The user wanted this call either way, so no ring is raised.
func (s *Session) foldIntoReceiver(ctx context.Context) {
	s.logger.Infow("both sides called simultaneously, answering the remote offer")

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	stale := s.transport
	s.transport = nil
	s.role = domain.RoleReceiver
	s.mu.Unlock()

	if stale != nil {
		stale.Destroy()
	}

	record, err := s.repo.Get(ctx, s.roomID)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if record.Offer == "" {
		s.fail(ctx, fmt.Errorf("%w: colliding record holds no offer", domain.ErrNegotiationFailed))
		return
	}

	transport, err := s.factory.Create(ctx, domain.RoleReceiver, s.media, s.peerEvents())
	if err != nil {
		s.fail(ctx, fmt.Errorf("failed to create peer transport: %w", err))
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		transport.Destroy()
		return
	}
	s.transport = transport
	s.signaledOffer = true
	s.ownsRecord = true
	s.state = domain.StateConnecting
	s.mu.Unlock()
	s.notifyStatus()

	if err := transport.ApplyRemoteDescription(ctx, record.Offer); err != nil {
		s.fail(ctx, err)
	}
}

// handleSnapshot reacts to observed record states. Echoes of this client's
// own writes are skipped, and each remote description is applied at most
// once no matter how often the store re-delivers it.
func (s *Session) handleSnapshot(snap domain.RecordSnapshot) {
	if snap.HasPendingWrites {
		return
	}

	s.mu.Lock()
	if s.state.Terminal() || s.transport == nil {
		s.mu.Unlock()
		return
	}

	var apply string
	switch {
	case s.role == domain.RoleInitiator && snap.Record.Answer != "" && !s.signaledAnswer:
		s.signaledAnswer = true
		apply = snap.Record.Answer
	case s.role == domain.RoleReceiver && snap.Record.Offer != "" && !s.signaledOffer:
		s.signaledOffer = true
		apply = snap.Record.Offer
	}
	transport := s.transport
	s.mu.Unlock()

	if apply == "" {
		return
	}
	if err := transport.ApplyRemoteDescription(context.Background(), apply); err != nil {
		s.fail(context.Background(), err)
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	if s.state != domain.StateConnecting && s.state != domain.StateOutgoing {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateConnected
	s.status = "connected"
	role := s.role
	setup := time.Since(s.startedAt)
	s.mu.Unlock()
	s.notifyStatus()

	s.logger.Infow("call connected", "setup_duration", setup)
	if s.metrics != nil {
		s.metrics.RecordCallConnected(role, setup.Seconds())
	}
}

func (s *Session) onPeerError(err error) {
	s.fail(context.Background(), err)
}

// fail moves the session to Failed and tears everything down. Later failures
// on an already terminal session are ignored.
func (s *Session) fail(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateFailed
	s.status = "error:" + cause.Error()
	started := s.startRecorded
	s.mu.Unlock()
	s.notifyStatus()

	s.logger.Errorw("call failed", "error", cause)
	s.cleanup(ctx)

	if s.metrics != nil && started {
		s.metrics.RecordCallEnded(domain.StateFailed)
		s.metrics.RecordCallFailed(string(apperrors.FromDomain(cause).Code))
	}
}

// cleanup runs the four teardown steps. Each step is independent: a failing
// record delete still leaves devices released, the transport closed and the
// subscription removed.
func (s *Session) cleanup(ctx context.Context) {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	mediaAcquired := s.mediaAcquired
	s.mediaAcquired = false
	ownsRecord := s.ownsRecord
	s.ownsRecord = false
	s.mu.Unlock()

	if mediaAcquired {
		s.media.Release()
	}
	if transport != nil {
		transport.Destroy()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if ownsRecord {
		// Best effort. An undeleted record ages out via the store TTL.
		if err := s.repo.Delete(ctx, s.roomID); err != nil {
			s.logger.Warnw("failed to delete signaling record", "error", err)
		}
	}
}

func (s *Session) notifyStatus() {
	if s.onStatus == nil {
		return
	}
	s.mu.Lock()
	state := s.state
	status := s.status
	s.mu.Unlock()
	s.onStatus(state, status)
}
