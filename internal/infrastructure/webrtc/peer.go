package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

// Config holds the ICE servers a transport dials through. STUN only; there is
// no TURN relay, so hosts behind symmetric NATs will fail to connect.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// Factory builds one peer transport per call.
type Factory struct {
	config Config
	logger *zap.SugaredLogger
}

func NewFactory(config Config, logger *zap.SugaredLogger) *Factory {
	return &Factory{
		config: config,
		logger: logger,
	}
}

var _ ports.TransportFactory = (*Factory)(nil)

// Create builds a peer connection with the local tracks attached. Initiator
// transports start producing the offer immediately; receiver transports wait
// for ApplyRemoteDescription before producing the answer. Descriptions are
// emitted only after ICE candidate gathering completes, so each side writes
// exactly one self-contained description to the signaling store.
func (f *Factory) Create(ctx context.Context, role domain.Role, media ports.MediaSource, events ports.PeerEvents) (ports.PeerTransport, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if media != nil {
		if err := media.RegisterCodecs(engine); err != nil {
			return nil, fmt.Errorf("failed to register media codecs: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &Transport{
		pc:          pc,
		role:        role,
		events:      events,
		logger:      f.logger.With("role", role.String()),
		senders:     make(map[domain.TrackKind]*webrtc.RTPSender),
		localTracks: make(map[domain.TrackKind]webrtc.TrackLocal),
		done:        make(chan struct{}),
	}

	var tracks []webrtc.TrackLocal
	if media != nil {
		tracks = media.Tracks()
	}
	for _, track := range tracks {
		kind := kindOf(track.Kind())
		sender, err := pc.AddTrack(track)
		if err != nil {
			t.Destroy()
			return nil, fmt.Errorf("failed to add %s track: %w", kind, err)
		}
		t.senders[kind] = sender
		t.localTracks[kind] = track

		if media != nil && !media.TrackEnabled(kind) {
			if err := sender.ReplaceTrack(nil); err != nil {
				t.logger.Warnw("failed to apply initial mute", "kind", kind.String(), "error", err)
			}
		}
	}

	// Without local tracks the SDP would carry no media sections, so the
	// remote tracks are still received through recvonly transceivers.
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				t.Destroy()
				return nil, fmt.Errorf("failed to add recvonly transceiver: %w", err)
			}
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := kindOf(remote.Kind())
		t.logger.Infow("remote track received",
			"kind", kind.String(),
			"codec", remote.Codec().MimeType,
		)
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(kind)
		}

		go t.drainRemoteTrack(remote, kind)
		if kind == domain.TrackVideo {
			go t.requestKeyframes(remote)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Infow("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if events.OnConnected != nil {
				events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.emitError(fmt.Errorf("%w: connection state %s", domain.ErrNegotiationFailed, state))
		}
	})

	if role == domain.RoleInitiator {
		go t.produceOffer()
	}

	return t, nil
}

// Transport wraps a single pion peer connection.
type Transport struct {
	pc     *webrtc.PeerConnection
	role   domain.Role
	events ports.PeerEvents
	logger *zap.SugaredLogger

	senders     map[domain.TrackKind]*webrtc.RTPSender
	localTracks map[domain.TrackKind]webrtc.TrackLocal

	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.PeerTransport = (*Transport)(nil)

// produceOffer runs the initiator half of the handshake: create the offer,
// wait out candidate gathering, emit the complete local description.
func (t *Transport) produceOffer() {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		t.emitError(fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err))
		return
	}

	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		t.emitError(fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err))
		return
	}

	select {
	case <-gathered:
	case <-t.done:
		return
	}

	t.emitLocalDescription()
}

// produceAnswer runs the receiver half once the remote offer is applied.
func (t *Transport) produceAnswer() {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		t.emitError(fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err))
		return
	}

	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		t.emitError(fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err))
		return
	}

	select {
	case <-gathered:
	case <-t.done:
		return
	}

	t.emitLocalDescription()
}

func (t *Transport) emitLocalDescription() {
	desc := t.pc.LocalDescription()
	if desc == nil {
		t.emitError(fmt.Errorf("%w: no local description after gathering", domain.ErrNegotiationFailed))
		return
	}

	encoded, err := json.Marshal(desc)
	if err != nil {
		t.emitError(fmt.Errorf("%w: encode local description: %v", domain.ErrNegotiationFailed, err))
		return
	}

	t.logger.Infow("local description ready", "type", desc.Type.String(), "sdp_bytes", len(desc.SDP))
	if t.events.OnLocalDescription != nil {
		t.events.OnLocalDescription(string(encoded))
	}
}

// ApplyRemoteDescription consumes the peer's serialized description. For a
// receiver this is the offer and kicks off answer production; for an
// initiator it is the answer that completes the handshake.
func (t *Transport) ApplyRemoteDescription(ctx context.Context, desc string) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal([]byte(desc), &remote); err != nil {
		return fmt.Errorf("%w: decode remote description: %v", domain.ErrNegotiationFailed, err)
	}

	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiationFailed, err)
	}

	if t.role == domain.RoleReceiver {
		go t.produceAnswer()
	}
	return nil
}

// SetTrackEnabled gates sending at the RTP sender, so mute and unmute need no
// renegotiation and no device churn.
func (t *Transport) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	sender, ok := t.senders[kind]
	if !ok {
		return fmt.Errorf("no local %s track on this connection", kind)
	}

	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(t.localTracks[kind])
}

// Destroy closes the connection. Idempotent.
func (t *Transport) Destroy() {
	t.closeOnce.Do(func() {
		close(t.done)
		if err := t.pc.Close(); err != nil {
			t.logger.Debugw("peer connection close", "error", err)
		}
	})
}

// drainRemoteTrack keeps the receive pipeline flowing. The packets are parsed
// so malformed payloads surface in the logs, then dropped: rendering is the
// host application's concern, not the transport's.
func (t *Transport) drainRemoteTrack(remote *webrtc.TrackRemote, kind domain.TrackKind) {
	buf := make([]byte, 1500)
	var packet rtp.Packet
	var received uint64

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			t.logger.Debugw("remote track closed", "kind", kind.String(), "packets", received)
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			t.logger.Warnw("malformed rtp packet", "kind", kind.String(), "error", err)
			continue
		}
		received++
	}
}

// requestKeyframes sends periodic PLI so the remote encoder refreshes after
// packet loss.
func (t *Transport) requestKeyframes(remote *webrtc.TrackRemote) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
			})
			if err != nil {
				t.logger.Debugw("failed to send PLI", "error", err)
				return
			}
		}
	}
}

func (t *Transport) emitError(err error) {
	select {
	case <-t.done:
		return
	default:
	}
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
}

func kindOf(codecType webrtc.RTPCodecType) domain.TrackKind {
	if codecType == webrtc.RTPCodecTypeAudio {
		return domain.TrackAudio
	}
	return domain.TrackVideo
}
