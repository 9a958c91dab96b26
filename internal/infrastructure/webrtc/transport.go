package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the pion configuration shared by every peer transport.
type Config struct {
	RoomID     domain.RoomID
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// RemoteBytesRecorder counts media received from remote peers.
type RemoteBytesRecorder interface {
	RecordRemoteBytes(kind domain.TrackKind, n int)
}

// localTrack is implemented by capture tracks that pion can publish.
type localTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// TransportFactory builds one pion PeerConnection per remote participant.
type TransportFactory struct {
	roomID  domain.RoomID
	api     *webrtc.API
	config  webrtc.Configuration
	sink    *RTPSink
	metrics RemoteBytesRecorder
	logger  *zap.SugaredLogger
}

func NewTransportFactory(cfg Config, sink *RTPSink, metrics RemoteBytesRecorder, logger *zap.SugaredLogger) (*TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &TransportFactory{
		roomID: cfg.RoomID,
		api:    api,
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (f *TransportFactory) NewTransport(remoteID domain.UserID, tracks []ports.MediaTrack, events ports.TransportEvents) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &PeerTransport{
		roomID:   f.roomID,
		remoteID: remoteID,
		pc:       pc,
		events:   events,
		sink:     f.sink,
		metrics:  f.metrics,
		logger:   f.logger.With("remote_id", remoteID),
	}

	published := map[domain.TrackKind]bool{}
	for _, track := range tracks {
		lt, ok := track.(localTrack)
		if !ok {
			continue
		}
		sender, err := pc.AddTrack(lt.TrackLocal())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		published[track.Kind()] = true
		go t.readSenderRTCP(track.Kind(), sender)
	}

	// Without a local source we still want to receive the remote side.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if published[trackKind(kind, "")] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(t.handleICECandidate)
	pc.OnICEConnectionStateChange(t.handleICEConnectionState)
	pc.OnTrack(t.handleTrack)

	return t, nil
}

// PeerTransport wraps a single pion PeerConnection.
type PeerTransport struct {
	roomID   domain.RoomID
	remoteID domain.UserID
	pc       *webrtc.PeerConnection
	events   ports.TransportEvents
	sink     *RTPSink
	metrics  RemoteBytesRecorder
	logger   *zap.SugaredLogger

	closeOnce sync.Once
	closeErr  error
}

func (t *PeerTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	_, span := tracing.TraceWebRTC(ctx, "create_offer", string(t.remoteID), string(t.roomID))
	defer span.End()

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *PeerTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	_, span := tracing.TraceWebRTC(ctx, "create_answer", string(t.remoteID), string(t.roomID))
	defer span.End()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *PeerTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer.String() && desc.Type != webrtc.SDPTypeAnswer.String() {
		return fmt.Errorf("%w: description type %q", domain.ErrSignalingProtocol, desc.Type)
	}

	ctx, span := tracing.TraceWebRTC(ctx, "set_remote_"+desc.Type, string(t.remoteID), string(t.roomID))
	defer span.End()

	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (t *PeerTransport) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (t *PeerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func (t *PeerTransport) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil || t.events.OnICECandidate == nil {
		return
	}
	init := c.ToJSON()
	t.events.OnICECandidate(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (t *PeerTransport) handleICEConnectionState(state webrtc.ICEConnectionState) {
	t.logger.Debugw("ice connection state changed", "state", state.String())

	mapped, ok := transportState(state)
	if !ok || t.events.OnStateChange == nil {
		return
	}
	t.events.OnStateChange(mapped)
}

func transportState(state webrtc.ICEConnectionState) (domain.TransportState, bool) {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return domain.TransportChecking, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.TransportConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return domain.TransportDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return domain.TransportFailed, true
	case webrtc.ICEConnectionStateClosed:
		return domain.TransportClosed, true
	default:
		return "", false
	}
}

// trackKind maps a pion codec type to a track kind. Screen tracks travel as
// video in a stream whose id carries the screen prefix.
func trackKind(kind webrtc.RTPCodecType, streamID string) domain.TrackKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.TrackAudio
	}
	if strings.HasPrefix(streamID, screenStreamPrefix) {
		return domain.TrackScreen
	}
	return domain.TrackVideo
}

func (t *PeerTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := trackKind(track.Kind(), track.StreamID())
	remote := domain.RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     kind,
		Codec:    track.Codec().MimeType,
	}

	t.logger.Infow("remote track started",
		"track_id", remote.ID,
		"stream_id", remote.StreamID,
		"kind", kind,
		"codec", remote.Codec,
	)

	if t.events.OnTrack != nil {
		t.events.OnTrack(remote)
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go t.requestKeyframes(track)
	}

	t.readRemoteTrack(kind, track)

	if t.events.OnTrackEnded != nil {
		t.events.OnTrackEnded(remote.ID)
	}
}

func (t *PeerTransport) readRemoteTrack(kind domain.TrackKind, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track stopped", "track_id", track.ID(), "error", err)
			}
			return
		}
		if t.metrics != nil {
			t.metrics.RecordRemoteBytes(kind, len(pkt.Payload))
		}
		if t.sink != nil {
			t.sink.Write(t.remoteID, kind, pkt)
		}
	}
}

// requestKeyframes sends a PLI right away and then periodically so a decoder
// attached late to the sink can start.
func (t *PeerTransport) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		err := t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
		<-ticker.C
		if t.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
	}
}

// readSenderRTCP drains RTCP for a published track. Interceptors only run
// while someone reads it.
func (t *PeerTransport) readSenderRTCP(kind domain.TrackKind, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				t.logger.Debugw("keyframe requested", "kind", kind, "ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				t.logger.Debugw("received NACK", "kind", kind, "nacks", len(p.Nacks))
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					if report.FractionLost > 0 {
						t.logger.Debugw("remote reports loss",
							"kind", kind,
							"fraction_lost", float64(report.FractionLost)/256.0,
							"jitter", report.Jitter,
						)
					}
				}
			}
		}
	}
}

const keyframeInterval = 3 * time.Second
