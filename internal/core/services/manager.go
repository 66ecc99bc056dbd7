package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

// ManagerDeps bundles the collaborators the call manager needs. NewMedia is
// called once per call: each session exclusively owns its media source.
type ManagerDeps struct {
	Repo       ports.SignalingRepository
	Transports ports.TransportFactory
	Sink       ports.RingSink
	Metrics    ports.CallMetrics // optional
	Logger     *zap.SugaredLogger
	NewMedia   func() ports.MediaSource
	OnStatus   StatusFunc // optional, observes every session
}

// PeerStatus is one peer's call surface as reported by Status.
type PeerStatus struct {
	Peer        domain.ParticipantID `json:"peer"`
	DisplayName string               `json:"display_name,omitempty"`
	State       string               `json:"state"`
	Status      string               `json:"status"`
	Ringing     bool                 `json:"ringing"`
}

// Manager hosts the local participant's calls: at most one live session per
// peer, plus a watcher per configured peer that rings on incoming offers.
type Manager struct {
	selfID domain.ParticipantID

	repo    ports.SignalingRepository
	factory ports.TransportFactory
	sink    ports.RingSink
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	newMedia func() ports.MediaSource
	onStatus StatusFunc

	mu       sync.Mutex
	sessions map[domain.ParticipantID]*Session
	watchers map[domain.ParticipantID]*Watcher
}

func NewManager(selfID domain.ParticipantID, deps ManagerDeps) *Manager {
	return &Manager{
		selfID:   selfID,
		repo:     deps.Repo,
		factory:  deps.Transports,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("self_id", string(selfID)),
		newMedia: deps.NewMedia,
		onStatus: deps.OnStatus,
		sessions: make(map[domain.ParticipantID]*Session),
		watchers: make(map[domain.ParticipantID]*Watcher),
	}
}

// Watch starts ringing on incoming offers from one peer.
func (m *Manager) Watch(ctx context.Context, peerID domain.ParticipantID, displayName string) error {
	m.mu.Lock()
	if _, ok := m.watchers[peerID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: already watching peer %s", domain.ErrInvalidTransition, peerID)
	}
	watcher := NewWatcher(m.selfID, peerID, displayName, WatcherDeps{
		Repo:    m.repo,
		Sink:    m.sink,
		Metrics: m.metrics,
		Logger:  m.logger,
	})
	m.watchers[peerID] = watcher
	m.mu.Unlock()

	if err := watcher.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.watchers, peerID)
		m.mu.Unlock()
		return err
	}
	return nil
}

// StartOutgoing places a call to the peer. Fails while another live session
// toward the same peer exists.
func (m *Manager) StartOutgoing(ctx context.Context, peerID domain.ParticipantID) (*Session, error) {
	session, err := m.register(peerID, func() *Session {
		return NewSession(m.selfID, peerID, m.sessionDeps())
	})
	if err != nil {
		return nil, err
	}

	if err := session.StartOutgoing(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// Accept answers the offer currently ringing from the peer.
func (m *Manager) Accept(ctx context.Context, peerID domain.ParticipantID) (*Session, error) {
	m.mu.Lock()
	watcher := m.watchers[peerID]
	m.mu.Unlock()

	if watcher == nil {
		return nil, fmt.Errorf("%w: peer %s is not watched", domain.ErrRecordNotFound, peerID)
	}
	pending := watcher.Pending()
	if pending == nil {
		return nil, fmt.Errorf("%w: no pending call from peer %s", domain.ErrRecordNotFound, peerID)
	}

	session, err := m.register(peerID, func() *Session {
		return NewIncomingSession(m.selfID, peerID, pending.Offer, m.sessionDeps())
	})
	if err != nil {
		return nil, err
	}

	watcher.Silence()

	if err := session.Accept(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// Decline dismisses the offer currently ringing from the peer. Only the ring
// stops: the record is left to its initiator, who is not notified.
func (m *Manager) Decline(peerID domain.ParticipantID) error {
	m.mu.Lock()
	watcher := m.watchers[peerID]
	m.mu.Unlock()

	if watcher == nil || watcher.Pending() == nil {
		return fmt.Errorf("%w: no pending call from peer %s", domain.ErrRecordNotFound, peerID)
	}

	m.logger.Infow("declining incoming call", "peer_id", string(peerID))
	watcher.Silence()
	return nil
}

// End terminates the live session toward the peer.
func (m *Manager) End(ctx context.Context, peerID domain.ParticipantID) error {
	m.mu.Lock()
	session := m.sessions[peerID]
	delete(m.sessions, peerID)
	m.mu.Unlock()

	if session == nil {
		return fmt.Errorf("%w: no active call with peer %s", domain.ErrRecordNotFound, peerID)
	}
	return session.End(ctx)
}

// SetTrackEnabled mutes or unmutes one track kind on the live session toward
// the peer.
func (m *Manager) SetTrackEnabled(peerID domain.ParticipantID, kind domain.TrackKind, enabled bool) error {
	m.mu.Lock()
	session := m.sessions[peerID]
	m.mu.Unlock()

	if session == nil {
		return fmt.Errorf("%w: no active call with peer %s", domain.ErrRecordNotFound, peerID)
	}
	return session.SetTrackEnabled(kind, enabled)
}

// Session returns the live session toward the peer, if any.
func (m *Manager) Session(peerID domain.ParticipantID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[peerID]
}

// Status reports the call surface for every known peer.
func (m *Manager) Status() []PeerStatus {
	m.mu.Lock()
	peers := make(map[domain.ParticipantID]PeerStatus)
	for peerID, watcher := range m.watchers {
		peers[peerID] = PeerStatus{
			Peer:    peerID,
			State:   domain.StateIdle.String(),
			Status:  "idle",
			Ringing: watcher.Pending() != nil,
		}
		if pending := watcher.Pending(); pending != nil {
			status := peers[peerID]
			status.DisplayName = pending.DisplayName
			status.State = domain.StateIncoming.String()
			status.Status = "incoming"
			peers[peerID] = status
		}
	}
	for peerID, session := range m.sessions {
		status := peers[peerID]
		status.Peer = peerID
		status.State = session.State().String()
		status.Status = session.Status()
		peers[peerID] = status
	}
	m.mu.Unlock()

	out := make([]PeerStatus, 0, len(peers))
	for _, status := range peers {
		out = append(out, status)
	}
	return out
}

// Close ends every live session and stops every watcher.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, watcher := range m.watchers {
		watchers = append(watchers, watcher)
	}
	m.sessions = make(map[domain.ParticipantID]*Session)
	m.watchers = make(map[domain.ParticipantID]*Watcher)
	m.mu.Unlock()

	for _, session := range sessions {
		if err := session.End(ctx); err != nil {
			m.logger.Warnw("failed to end session during shutdown", "error", err)
		}
	}
	for _, watcher := range watchers {
		watcher.Stop()
	}
}

func (m *Manager) sessionDeps() SessionDeps {
	return SessionDeps{
		Repo:       m.repo,
		Media:      m.newMedia(),
		Transports: m.factory,
		Metrics:    m.metrics,
		Logger:     m.logger,
		OnStatus:   m.onStatus,
	}
}

// register installs a fresh session for the peer, replacing a terminal
// leftover but refusing to stack on a live one.
func (m *Manager) register(peerID domain.ParticipantID, build func() *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[peerID]; ok && !existing.State().Terminal() {
		return nil, fmt.Errorf("%w: call with peer %s already active", domain.ErrRecordExists, peerID)
	}
	session := build()
	m.sessions[peerID] = session
	return session, nil
}
