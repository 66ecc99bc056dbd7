package services

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeMedia tracks acquisition without touching devices.
type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
	muted      map[domain.TrackKind]bool
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{muted: make(map[domain.TrackKind]bool)}
}

func (m *fakeMedia) Acquire(ctx context.Context, constraints domain.MediaConstraints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return m.acquireErr
	}
	m.acquired++
	return nil
}

func (m *fakeMedia) RegisterCodecs(engine *webrtc.MediaEngine) error { return nil }

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetTrackEnabled(kind domain.TrackKind, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted[kind] = !enabled
}

func (m *fakeMedia) TrackEnabled(kind domain.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.muted[kind]
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *fakeMedia) acquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

func (m *fakeMedia) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// fakeTransport records applied descriptions and exposes its event hooks so
// tests can drive the handshake by hand.
type fakeTransport struct {
	mu        sync.Mutex
	role      domain.Role
	events    ports.PeerEvents
	applied   []string
	applyErr  error
	destroyed int
	muted     map[domain.TrackKind]bool
}

func (t *fakeTransport) ApplyRemoteDescription(ctx context.Context, desc string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.applyErr != nil {
		return t.applyErr
	}
	t.applied = append(t.applied, desc)
	return nil
}

func (t *fakeTransport) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted[kind] = !enabled
	return nil
}

func (t *fakeTransport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed++
}

func (t *fakeTransport) appliedDescs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.applied))
	copy(out, t.applied)
	return out
}

func (t *fakeTransport) destroyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// emitLocalDescription simulates candidate gathering completing.
func (t *fakeTransport) emitLocalDescription(desc string) {
	t.events.OnLocalDescription(desc)
}

func (t *fakeTransport) emitConnected() {
	t.events.OnConnected()
}

func (t *fakeTransport) emitError(err error) {
	t.events.OnError(err)
}

// fakeFactory hands out fake transports and remembers them in order.
type fakeFactory struct {
	mu        sync.Mutex
	createErr error
	created   []*fakeTransport
}

func (f *fakeFactory) Create(ctx context.Context, role domain.Role, media ports.MediaSource, events ports.PeerEvents) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	t := &fakeTransport{
		role:   role,
		events: events,
		muted:  make(map[domain.TrackKind]bool),
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.created) {
		return nil
	}
	return f.created[i]
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeMetrics counts lifecycle observations.
type fakeMetrics struct {
	mu      sync.Mutex
	started int
	ended   int
	failed  int
	rings   int
}

func (m *fakeMetrics) RecordCallStarted(domain.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) RecordCallConnected(domain.Role, float64) {}

func (m *fakeMetrics) RecordCallEnded(domain.CallState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended++
}

func (m *fakeMetrics) RecordCallFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *fakeMetrics) RecordRing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rings++
}

func (m *fakeMetrics) RecordSignalingWrite(string, error) {}

func (m *fakeMetrics) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *fakeMetrics) endedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// fakeSink records rings and stops.
type fakeSink struct {
	mu    sync.Mutex
	rings []domain.IncomingCall
	stops []domain.RoomID
}

func (s *fakeSink) Ring(call domain.IncomingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rings = append(s.rings, call)
}

func (s *fakeSink) Stop(roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, roomID)
}

func (s *fakeSink) ringCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rings)
}

func (s *fakeSink) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stops)
}
