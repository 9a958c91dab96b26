package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type linkEventKind int

const (
	evInitiate linkEventKind = iota
	evRemoteOffer
	evRemoteAnswer
	evRemoteCandidate
	evLocalCandidate
	evTransportState
	evTrackAdded
	evTrackEnded
	evTimeout
)

type linkEvent struct {
	kind        linkEventKind
	desc        domain.SessionDescription
	candidate   domain.ICECandidate
	negotiation string
	state       domain.TransportState
	track       domain.RemoteTrack
	trackID     string
	epoch       uint64
}

// remoteCandidate is a trickled candidate together with the negotiation the
// sender tagged it with.
type remoteCandidate struct {
	candidate   domain.ICECandidate
	negotiation string
}

// peerLink is the negotiation record for one remote participant. Every field
// below the mailbox is owned by the run goroutine; other goroutines only read
// the info snapshot.
type peerLink struct {
	remoteID domain.UserID
	m        *PeerManager
	logger   *zap.SugaredLogger

	inbox  chan linkEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	transport         ports.PeerTransport
	epoch             atomic.Uint64
	state             domain.LinkState
	initiator         bool
	remoteDescSet     bool
	lastRemoteOffer   string
	negotiation       string
	pendingCandidates []remoteCandidate
	tracks            map[string]domain.RemoteTrack
	timer             *time.Timer
	timerEpoch        uint64
	negotiationStart  time.Time
	closeErr          error

	infoMu sync.RWMutex
	info   domain.LinkInfo
}

func newPeerLink(m *PeerManager, remoteID domain.UserID) *peerLink {
	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now()
	return &peerLink{
		remoteID: remoteID,
		m:        m,
		logger:   m.logger.With("remote_id", remoteID),
		inbox:    make(chan linkEvent, m.config.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    domain.LinkIdle,
		tracks:   make(map[string]domain.RemoteTrack),
		info: domain.LinkInfo{
			RemoteID:  remoteID,
			State:     domain.LinkIdle,
			CreatedAt: now,
		},
	}
}

// post queues an event unless the link has been torn down. It reports whether
// the event was accepted.
func (l *peerLink) post(ev linkEvent) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case l.inbox <- ev:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *peerLink) snapshot() domain.LinkInfo {
	l.infoMu.RLock()
	defer l.infoMu.RUnlock()

	info := l.info
	info.Tracks = append([]domain.RemoteTrack(nil), l.info.Tracks...)
	return info
}

func (l *peerLink) run() {
	defer close(l.done)
	defer l.shutdown()

	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-l.inbox:
			batch := l.drain(ev)
			for _, ev := range coalesceOffers(batch) {
				if l.ctx.Err() != nil {
					return
				}
				l.handle(ev)
			}
		}
	}
}

// drain collects everything already queued behind first.
func (l *peerLink) drain(first linkEvent) []linkEvent {
	batch := []linkEvent{first}
	for len(batch) < cap(l.inbox) {
		select {
		case ev := <-l.inbox:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// coalesceOffers keeps only the newest remote offer of a batch.
func coalesceOffers(batch []linkEvent) []linkEvent {
	last := -1
	for i, ev := range batch {
		if ev.kind == evRemoteOffer {
			last = i
		}
	}
	if last < 0 {
		return batch
	}

	out := batch[:0:0]
	for i, ev := range batch {
		if ev.kind == evRemoteOffer && i != last {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (l *peerLink) handle(ev linkEvent) {
	switch ev.kind {
	case evInitiate:
		l.handleInitiate()
	case evRemoteOffer:
		l.handleRemoteOffer(ev.desc, ev.negotiation)
	case evRemoteAnswer:
		l.handleRemoteAnswer(ev.desc, ev.negotiation)
	case evRemoteCandidate:
		l.handleRemoteCandidate(remoteCandidate{candidate: ev.candidate, negotiation: ev.negotiation})
	case evLocalCandidate:
		if ev.epoch != l.epoch.Load() {
			return
		}
		l.send(domain.SignalICECandidate, func() (*domain.SignalingMessage, error) {
			msg, err := domain.NewCandidateMessage(l.m.config.RoomID, l.m.config.SelfID, l.remoteID, ev.candidate)
			if err != nil {
				return nil, err
			}
			return msg.WithNegotiation(l.negotiation), nil
		})
	case evTransportState:
		if ev.epoch != l.epoch.Load() {
			return
		}
		l.handleTransportState(ev.state)
	case evTrackAdded:
		if ev.epoch != l.epoch.Load() {
			return
		}
		l.tracks[ev.track.ID] = ev.track
		l.publishTracks()
		l.m.observer.RemoteTrackAdded(l.remoteID, ev.track)
	case evTrackEnded:
		if ev.epoch != l.epoch.Load() {
			return
		}
		if _, ok := l.tracks[ev.trackID]; !ok {
			return
		}
		delete(l.tracks, ev.trackID)
		l.publishTracks()
		l.m.observer.RemoteTrackRemoved(l.remoteID, ev.trackID)
	case evTimeout:
		if ev.epoch != l.timerEpoch || !l.state.Negotiating() {
			return
		}
		l.fail(fmt.Errorf("%w: stuck in %s for %s", domain.ErrNegotiationTimeout, l.state, l.m.config.NegotiationTimeout), "negotiation_timeout")
	}
}

func (l *peerLink) handleInitiate() {
	if l.state != domain.LinkIdle {
		return
	}
	if err := l.ensureTransport(); err != nil {
		l.fail(err, "transport_failure")
		return
	}

	ctx, span := tracing.TraceWebRTC(l.ctx, "offer", string(l.remoteID), string(l.m.config.RoomID))
	defer span.End()

	offer, err := l.transport.CreateOffer(ctx)
	if l.ctx.Err() != nil {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		l.fail(fmt.Errorf("%w: create offer: %v", domain.ErrTransportFailure, err), "transport_failure")
		return
	}

	l.initiator = true
	l.negotiation = utils.GenerateID("neg")
	l.negotiationStart = time.Now()
	l.setState(domain.LinkOffering)
	l.armTimer()
	l.send(domain.SignalOffer, func() (*domain.SignalingMessage, error) {
		msg, err := domain.NewDescriptionMessage(l.m.config.RoomID, l.m.config.SelfID, l.remoteID, offer)
		if err != nil {
			return nil, err
		}
		return msg.WithNegotiation(l.negotiation), nil
	})
}

func (l *peerLink) handleRemoteOffer(desc domain.SessionDescription, negotiation string) {
	switch l.state {
	case domain.LinkIdle, domain.LinkAnswering:
	case domain.LinkOffering:
		if !l.m.isPolite(l.remoteID) {
			l.discard(domain.SignalOffer, "glare")
			return
		}
		l.logger.Infow("offer collision, yielding to remote offer")
		l.resetTransport()
	case domain.LinkConnecting, domain.LinkConnected:
		if desc.SDP == l.lastRemoteOffer && negotiation == l.negotiation {
			l.discard(domain.SignalOffer, "duplicate")
			return
		}
		l.logger.Infow("remote restarted negotiation, replacing transport", "state", l.state)
		l.resetTransport()
	default:
		return
	}

	if err := l.ensureTransport(); err != nil {
		l.fail(err, "transport_failure")
		return
	}

	ctx, span := tracing.TraceWebRTC(l.ctx, "answer", string(l.remoteID), string(l.m.config.RoomID))
	defer span.End()

	l.initiator = false
	l.negotiation = negotiation
	if l.state == domain.LinkIdle || l.negotiationStart.IsZero() {
		l.negotiationStart = time.Now()
	}
	l.setState(domain.LinkAnswering)
	l.armTimer()

	if err := l.transport.SetRemoteDescription(ctx, desc); err != nil {
		if l.ctx.Err() != nil {
			return
		}
		tracing.RecordError(ctx, err)
		l.fail(fmt.Errorf("%w: apply offer: %v", domain.ErrTransportFailure, err), "transport_failure")
		return
	}
	l.remoteDescSet = true
	l.lastRemoteOffer = desc.SDP
	l.flushCandidates(ctx)

	answer, err := l.transport.CreateAnswer(ctx)
	if l.ctx.Err() != nil {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		l.fail(fmt.Errorf("%w: create answer: %v", domain.ErrTransportFailure, err), "transport_failure")
		return
	}
	span.SetAttributes(attribute.Int("webrtc.pending_candidates", len(l.pendingCandidates)))

	l.send(domain.SignalAnswer, func() (*domain.SignalingMessage, error) {
		msg, err := domain.NewDescriptionMessage(l.m.config.RoomID, l.m.config.SelfID, l.remoteID, answer)
		if err != nil {
			return nil, err
		}
		return msg.WithNegotiation(l.negotiation), nil
	})
	if l.ctx.Err() != nil {
		return
	}
	l.setState(domain.LinkConnecting)
	l.armTimer()
}

func (l *peerLink) handleRemoteAnswer(desc domain.SessionDescription, negotiation string) {
	if l.state != domain.LinkOffering {
		l.discard(domain.SignalAnswer, "stale")
		return
	}
	// An answer to an offer we have since replaced, e.g. one the relay
	// replayed to a rejoining peer, must not complete the current exchange.
	if negotiation != "" && negotiation != l.negotiation {
		l.discard(domain.SignalAnswer, "mismatched")
		return
	}

	if err := l.transport.SetRemoteDescription(l.ctx, desc); err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.fail(fmt.Errorf("%w: apply answer: %v", domain.ErrTransportFailure, err), "transport_failure")
		return
	}
	l.remoteDescSet = true
	l.flushCandidates(l.ctx)
	l.setState(domain.LinkConnecting)
	l.armTimer()
}

// handleRemoteCandidate applies c to the current exchange or queues it.
// Candidates tagged for another exchange are queued too: they may belong to
// an offer that has not reached us yet.
func (l *peerLink) handleRemoteCandidate(c remoteCandidate) {
	if l.transport == nil || !l.remoteDescSet || !l.matches(c) {
		if len(l.pendingCandidates) >= l.m.config.MaxPendingCandidates {
			l.pendingCandidates = l.pendingCandidates[1:]
			l.logger.Debugw("pending candidate queue full, dropping oldest")
		}
		l.pendingCandidates = append(l.pendingCandidates, c)
		return
	}
	l.applyCandidate(l.ctx, c.candidate)
}

// flushCandidates applies the queued candidates of the current exchange and
// keeps the rest queued.
func (l *peerLink) flushCandidates(ctx context.Context) {
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	for _, c := range pending {
		if l.ctx.Err() != nil {
			return
		}
		if !l.matches(c) {
			l.pendingCandidates = append(l.pendingCandidates, c)
			continue
		}
		l.applyCandidate(ctx, c.candidate)
	}
}

// matches reports whether c belongs to the current exchange. Untagged
// candidates always match.
func (l *peerLink) matches(c remoteCandidate) bool {
	return c.negotiation == "" || c.negotiation == l.negotiation
}

func (l *peerLink) applyCandidate(ctx context.Context, c domain.ICECandidate) {
	if err := l.transport.AddICECandidate(ctx, c); err != nil {
		// A single bad candidate only lowers the odds of connectivity.
		l.logger.Debugw("failed to add remote ICE candidate", "error", err)
	}
}

func (l *peerLink) handleTransportState(st domain.TransportState) {
	switch st {
	case domain.TransportConnected:
		if l.state != domain.LinkConnecting {
			return
		}
		l.stopTimer()
		l.setState(domain.LinkConnected)
		took := time.Since(l.negotiationStart)
		l.m.metrics.RecordNegotiation(took)
		l.infoMu.Lock()
		l.info.ConnectedAt = time.Now()
		l.infoMu.Unlock()
		l.logger.Infow("peer link connected", "initiator", l.initiator, "took", utils.FormatDuration(took))
	case domain.TransportFailed, domain.TransportDisconnected, domain.TransportClosed:
		if l.state == domain.LinkIdle {
			return
		}
		l.fail(fmt.Errorf("%w: ice %s", domain.ErrTransportFailure, st), "transport_failure")
	}
}

func (l *peerLink) ensureTransport() error {
	if l.transport != nil {
		return nil
	}

	epoch := l.epoch.Add(1)
	// Transports may fire callbacks synchronously from Close, so events from
	// a replaced transport are dropped before they reach the mailbox.
	emit := func(ev linkEvent) {
		if l.epoch.Load() != epoch {
			return
		}
		ev.epoch = epoch
		l.post(ev)
	}
	events := ports.TransportEvents{
		OnICECandidate: func(c domain.ICECandidate) {
			emit(linkEvent{kind: evLocalCandidate, candidate: c})
		},
		OnStateChange: func(st domain.TransportState) {
			emit(linkEvent{kind: evTransportState, state: st})
		},
		OnTrack: func(track domain.RemoteTrack) {
			emit(linkEvent{kind: evTrackAdded, track: track})
		},
		OnTrackEnded: func(trackID string) {
			emit(linkEvent{kind: evTrackEnded, trackID: trackID})
		},
	}

	transport, err := l.m.transports.NewTransport(l.remoteID, l.m.media.Tracks(), events)
	if err != nil {
		return fmt.Errorf("%w: new transport: %v", domain.ErrTransportFailure, err)
	}
	l.transport = transport
	return nil
}

// resetTransport discards the current transport but keeps the link record and
// any queued remote candidates.
func (l *peerLink) resetTransport() {
	l.closeTransport()
	l.remoteDescSet = false
	l.initiator = false
}

func (l *peerLink) closeTransport() {
	if l.transport == nil {
		return
	}
	l.epoch.Add(1)
	if err := l.transport.Close(); err != nil {
		l.logger.Debugw("error closing transport", "error", err)
	}
	l.transport = nil

	for id := range l.tracks {
		delete(l.tracks, id)
		l.m.observer.RemoteTrackRemoved(l.remoteID, id)
	}
	l.publishTracks()
}

func (l *peerLink) send(kind domain.SignalKind, build func() (*domain.SignalingMessage, error)) {
	msg, err := build()
	if err != nil {
		l.logger.Warnw("failed to build signaling message", "kind", kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.m.config.SendTimeout)
	defer cancel()

	if err := l.m.relay.Publish(ctx, msg); err != nil {
		if kind == domain.SignalICECandidate {
			l.logger.Debugw("failed to send ICE candidate", "error", err)
		} else {
			l.logger.Warnw("failed to send signaling message", "kind", kind, "error", err)
		}
		return
	}
	l.m.metrics.RecordSignalSent(kind)
}

func (l *peerLink) discard(kind domain.SignalKind, reason string) {
	l.m.metrics.RecordSignalDiscarded(kind, reason)
	l.logger.Debugw("discarding signaling message", "kind", kind, "reason", reason, "state", l.state)
}

func (l *peerLink) setState(s domain.LinkState) {
	if l.state == s {
		return
	}
	l.m.metrics.RecordLinkState(l.state, s)
	l.logger.Debugw("peer link state changed", "from", l.state, "to", s)
	l.state = s

	l.infoMu.Lock()
	l.info.State = s
	l.info.Initiator = l.initiator
	l.infoMu.Unlock()

	l.m.observer.LinkStateChanged(l.remoteID, s, nil)
}

func (l *peerLink) publishTracks() {
	tracks := make([]domain.RemoteTrack, 0, len(l.tracks))
	for _, t := range l.tracks {
		tracks = append(tracks, t)
	}
	l.infoMu.Lock()
	l.info.Tracks = tracks
	l.infoMu.Unlock()
}

func (l *peerLink) armTimer() {
	l.stopTimer()
	l.timerEpoch++
	epoch := l.timerEpoch
	l.timer = time.AfterFunc(l.m.config.NegotiationTimeout, func() {
		l.post(linkEvent{kind: evTimeout, epoch: epoch})
	})
}

func (l *peerLink) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// fail closes the link on its own goroutine. The manager forgets it first so
// no new event can reach it.
func (l *peerLink) fail(err error, reason string) {
	if l.closeErr != nil {
		return
	}
	l.closeErr = err
	l.m.metrics.RecordLinkFailure(reason)
	l.logger.Warnw("closing peer link", "state", l.state, "error", err)
	l.m.detach(l)
	l.cancel()
}

func (l *peerLink) shutdown() {
	l.stopTimer()
	l.closeTransport()
	l.pendingCandidates = nil

	prev := l.state
	l.state = domain.LinkClosed
	l.m.metrics.RecordLinkState(prev, domain.LinkClosed)

	l.infoMu.Lock()
	l.info.State = domain.LinkClosed
	l.infoMu.Unlock()

	if l.closeErr != nil && !errors.Is(l.closeErr, domain.ErrSessionClosed) {
		l.m.observer.LinkStateChanged(l.remoteID, domain.LinkClosed, l.closeErr)
		return
	}
	l.m.observer.LinkRemoved(l.remoteID)
}
