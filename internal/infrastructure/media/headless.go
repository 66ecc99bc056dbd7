package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

// Headless is a media source without capture hardware. It contributes no
// local tracks, leaving the transport to negotiate receive-only media. Used
// on hosts without devices and throughout the examples.
type Headless struct {
	mu    sync.Mutex
	muted map[domain.TrackKind]bool
}

func NewHeadless() *Headless {
	return &Headless{muted: make(map[domain.TrackKind]bool)}
}

var _ ports.MediaSource = (*Headless)(nil)

func (h *Headless) Acquire(ctx context.Context, constraints domain.MediaConstraints) error {
	return nil
}

func (h *Headless) RegisterCodecs(engine *webrtc.MediaEngine) error {
	return nil
}

func (h *Headless) Tracks() []webrtc.TrackLocal {
	return nil
}

func (h *Headless) SetTrackEnabled(kind domain.TrackKind, enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted[kind] = !enabled
}

func (h *Headless) TrackEnabled(kind domain.TrackKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.muted[kind]
}

func (h *Headless) Release() {}
