package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

// Config bounds the capture request. The encoders are fixed to VP8 and Opus.
type Config struct {
	VideoWidth     int
	VideoHeight    int
	VideoFrameRate float64
	VideoBitrate   int
	AudioBitrate   int
}

// Capture owns the local camera and microphone for the duration of one call.
// Device acquisition is all-or-nothing: if either requested device cannot be
// opened the call setup fails, it does not degrade to a partial call.
type Capture struct {
	config   Config
	selector *mediadevices.CodecSelector
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	stream mediadevices.MediaStream
	muted  map[domain.TrackKind]bool
}

func NewCapture(config Config, logger *zap.SugaredLogger) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to init VP8 encoder params: %w", err)
	}
	vpxParams.BitRate = config.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to init Opus encoder params: %w", err)
	}
	opusParams.BitRate = config.AudioBitrate

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &Capture{
		config:   config,
		selector: selector,
		logger:   logger,
		muted:    make(map[domain.TrackKind]bool),
	}, nil
}

var _ ports.MediaSource = (*Capture)(nil)

// Acquire opens the requested devices. No retry: a busy camera or a denied
// microphone fails the whole acquisition immediately.
func (c *Capture) Acquire(ctx context.Context, constraints domain.MediaConstraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return fmt.Errorf("%w: capture already acquired", domain.ErrDeviceUnavailable)
	}

	mdc := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if constraints.Video {
		mdc.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			// Raw frame formats only. Some cameras expose an MJPEG node that
			// produces frames the VP8 encoder cannot consume.
			mtc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mtc.Width = prop.IntRanged{Max: c.config.VideoWidth}
			mtc.Height = prop.IntRanged{Max: c.config.VideoHeight}
			mtc.FrameRate = prop.FloatRanged{Max: float32(c.config.VideoFrameRate)}
		}
	}
	if constraints.Audio {
		mdc.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(mdc)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warnw("local track ended", "error", err)
			}
		})
	}

	c.stream = stream
	c.logger.Infow("local media acquired",
		"audio", constraints.Audio,
		"video", constraints.Video,
		"tracks", len(stream.GetTracks()),
	)
	return nil
}

// RegisterCodecs populates the media engine with the encoders the acquired
// tracks produce.
func (c *Capture) RegisterCodecs(engine *webrtc.MediaEngine) error {
	c.selector.Populate(engine)
	return nil
}

func (c *Capture) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return nil
	}

	tracks := c.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		out = append(out, track)
	}
	return out
}

// SetTrackEnabled records the desired mute state. The devices keep running;
// the transport gates what actually leaves the host.
func (c *Capture) SetTrackEnabled(kind domain.TrackKind, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted[kind] = !enabled
}

func (c *Capture) TrackEnabled(kind domain.TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.muted[kind]
}

// Release stops all tracks. Idempotent.
func (c *Capture) Release() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream == nil {
		return
	}
	for _, track := range stream.GetTracks() {
		if err := track.Close(); err != nil {
			c.logger.Debugw("track close", "error", err)
		}
	}
	c.logger.Infow("local media released")
}
