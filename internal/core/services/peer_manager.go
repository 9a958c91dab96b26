package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

type PeerManagerConfig struct {
	RoomID domain.RoomID
	SelfID domain.UserID

	NegotiationTimeout   time.Duration
	SendTimeout          time.Duration
	MailboxSize          int
	MaxPendingCandidates int
	OrphanCandidateLimit int
	OrphanCandidateTTL   time.Duration
	SnapshotGracePeriod  time.Duration
}

func DefaultPeerManagerConfig(roomID domain.RoomID, selfID domain.UserID) PeerManagerConfig {
	return PeerManagerConfig{
		RoomID:               roomID,
		SelfID:               selfID,
		NegotiationTimeout:   30 * time.Second,
		SendTimeout:          5 * time.Second,
		MailboxSize:          128,
		MaxPendingCandidates: 256,
		OrphanCandidateLimit: 64,
		OrphanCandidateTTL:   30 * time.Second,
		SnapshotGracePeriod:  3 * time.Second,
	}
}

// LocalTrackSource provides the local tracks attached to every new transport.
type LocalTrackSource interface {
	Tracks() []ports.MediaTrack
}

type orphanCandidate struct {
	remoteCandidate
	receivedAt time.Time
}

// PeerManager owns one peer link per remote participant and routes incoming
// signaling to it. Links never share state; each runs on its own goroutine.
type PeerManager struct {
	config     PeerManagerConfig
	relay      ports.SignalRelay
	transports ports.TransportFactory
	media      LocalTrackSource
	observer   ports.CallObserver
	metrics    ports.MeshMetrics
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	links      map[domain.UserID]*peerLink
	tombstones map[domain.UserID]struct{}
	orphans    map[domain.UserID][]orphanCandidate
	closed     bool
}

func NewPeerManager(
	config PeerManagerConfig,
	relay ports.SignalRelay,
	transports ports.TransportFactory,
	media LocalTrackSource,
	observer ports.CallObserver,
	metrics ports.MeshMetrics,
	logger *zap.SugaredLogger,
) *PeerManager {
	defaults := DefaultPeerManagerConfig(config.RoomID, config.SelfID)
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = defaults.NegotiationTimeout
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.MailboxSize <= 0 {
		config.MailboxSize = defaults.MailboxSize
	}
	if config.MaxPendingCandidates <= 0 {
		config.MaxPendingCandidates = defaults.MaxPendingCandidates
	}
	if config.OrphanCandidateLimit <= 0 {
		config.OrphanCandidateLimit = defaults.OrphanCandidateLimit
	}
	if config.OrphanCandidateTTL <= 0 {
		config.OrphanCandidateTTL = defaults.OrphanCandidateTTL
	}
	if config.SnapshotGracePeriod <= 0 {
		config.SnapshotGracePeriod = defaults.SnapshotGracePeriod
	}
	if observer == nil {
		observer = ports.NoopObserver{}
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerManager{
		config:     config,
		relay:      relay,
		transports: transports,
		media:      media,
		observer:   observer,
		metrics:    metrics,
		logger:     logger.With("room_id", config.RoomID, "self_id", config.SelfID),
		ctx:        ctx,
		cancel:     cancel,
		links:      make(map[domain.UserID]*peerLink),
		tombstones: make(map[domain.UserID]struct{}),
		orphans:    make(map[domain.UserID][]orphanCandidate),
	}
}

// EnsureLink returns the link for remoteID, creating an idle one if needed.
func (m *PeerManager) EnsureLink(remoteID domain.UserID) (domain.LinkInfo, error) {
	l, _, err := m.ensureLink(remoteID)
	if err != nil {
		return domain.LinkInfo{}, err
	}
	return l.snapshot(), nil
}

// AddSnapshot creates idle links for participants already approved when the
// roster was first loaded. Those participants initiate toward us. If both
// sides loaded each other from a snapshot nobody would offer, so a link still
// idle after the grace period is initiated by the lower id.
//
// That fallback is the one case where a joiner offers to a participant it
// found in its snapshot; everywhere else the joiner only answers. It fires
// only while the link is still idle, so a remote offer that arrives within
// the grace period always wins.
func (m *PeerManager) AddSnapshot(participants []*domain.Participant) {
	for _, p := range participants {
		if p == nil || !p.IsApproved() || p.UserID == m.config.SelfID {
			continue
		}
		m.clearTombstone(p.UserID)
		l, created, err := m.ensureLink(p.UserID)
		if err != nil {
			m.logger.Warnw("failed to create link from roster snapshot", "remote_id", p.UserID, "error", err)
			continue
		}
		if created && m.config.SelfID < p.UserID {
			time.AfterFunc(m.config.SnapshotGracePeriod, func() {
				l.post(linkEvent{kind: evInitiate})
			})
		}
	}
}

// ParticipantApproved reacts to a live approval. A fresh link initiates the
// offer; an existing idle link initiates only if our id sorts lower.
func (m *PeerManager) ParticipantApproved(remoteID domain.UserID) {
	if remoteID == m.config.SelfID {
		return
	}
	m.clearTombstone(remoteID)

	l, created, err := m.ensureLink(remoteID)
	if err != nil {
		m.logger.Debugw("ignoring approval", "remote_id", remoteID, "error", err)
		return
	}
	if created || m.config.SelfID < remoteID {
		l.post(linkEvent{kind: evInitiate})
	}
}

// ParticipantRemoved tears the link down and drops further offers and
// candidates from remoteID until it is approved again.
func (m *PeerManager) ParticipantRemoved(remoteID domain.UserID) {
	m.mu.Lock()
	m.tombstones[remoteID] = struct{}{}
	delete(m.orphans, remoteID)
	m.mu.Unlock()

	m.Teardown(remoteID)
}

// Teardown closes the link to remoteID and waits until its transport has
// been released. It is a no-op for unknown participants.
func (m *PeerManager) Teardown(remoteID domain.UserID) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	if ok {
		delete(m.links, remoteID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	l.cancel()
	<-l.done
	m.logger.Infow("peer link torn down", "remote_id", remoteID)
}

// HandleIncomingSignal routes one relay message to its link. Malformed
// messages return an error wrapping ErrSignalingProtocol; stale messages are
// dropped silently.
func (m *PeerManager) HandleIncomingSignal(msg *domain.SignalingMessage) error {
	if err := msg.Validate(m.config.RoomID, m.config.SelfID); err != nil {
		kind := domain.SignalKind("unknown")
		if msg != nil {
			kind = msg.Kind
		}
		m.metrics.RecordSignalDiscarded(kind, "protocol")
		m.logger.Warnw("discarding malformed signaling message", "error", err)
		return err
	}
	m.metrics.RecordSignalReceived(msg.Kind)

	switch msg.Kind {
	case domain.SignalOffer:
		desc, _ := msg.SessionDescription()
		if m.isTombstoned(msg.From) {
			m.metrics.RecordSignalDiscarded(msg.Kind, "removed")
			return nil
		}
		l, _, err := m.ensureLink(msg.From)
		if err != nil {
			return err
		}
		l.post(linkEvent{kind: evRemoteOffer, desc: desc, negotiation: msg.NegotiationID})

	case domain.SignalAnswer:
		desc, _ := msg.SessionDescription()
		l := m.link(msg.From)
		if l == nil {
			m.metrics.RecordSignalDiscarded(msg.Kind, "stale")
			m.logger.Debugw("discarding answer without link", "remote_id", msg.From)
			return nil
		}
		l.post(linkEvent{kind: evRemoteAnswer, desc: desc, negotiation: msg.NegotiationID})

	case domain.SignalICECandidate:
		c, _ := msg.ICECandidate()
		rc := remoteCandidate{candidate: c, negotiation: msg.NegotiationID}
		l, err := m.candidateTarget(msg.From, rc)
		if err != nil {
			return err
		}
		if l != nil {
			l.post(linkEvent{kind: evRemoteCandidate, candidate: c, negotiation: msg.NegotiationID})
		}
	}
	return nil
}

// candidateTarget returns the link a candidate belongs to, or buffers the
// candidate until a link for the sender exists.
func (m *PeerManager) candidateTarget(from domain.UserID, c remoteCandidate) (*peerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrSessionClosed
	}
	if _, dead := m.tombstones[from]; dead {
		m.metrics.RecordSignalDiscarded(domain.SignalICECandidate, "removed")
		return nil, nil
	}
	if l, ok := m.links[from]; ok {
		return l, nil
	}

	buf := m.orphans[from]
	if len(buf) >= m.config.OrphanCandidateLimit {
		buf = buf[1:]
		m.metrics.RecordSignalDiscarded(domain.SignalICECandidate, "overflow")
	}
	m.orphans[from] = append(buf, orphanCandidate{remoteCandidate: c, receivedAt: time.Now()})
	return nil, nil
}

// Link returns a snapshot of the link to remoteID.
func (m *PeerManager) Link(remoteID domain.UserID) (domain.LinkInfo, bool) {
	l := m.link(remoteID)
	if l == nil {
		return domain.LinkInfo{}, false
	}
	return l.snapshot(), true
}

func (m *PeerManager) Links() []domain.LinkInfo {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	infos := make([]domain.LinkInfo, 0, len(links))
	for _, l := range links {
		infos = append(infos, l.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RemoteID < infos[j].RemoteID })
	return infos
}

// Close tears down every link. Later calls that would create a link fail
// with ErrSessionClosed.
func (m *PeerManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := make([]*peerLink, 0, len(m.links))
	for id, l := range m.links {
		links = append(links, l)
		delete(m.links, id)
	}
	m.orphans = make(map[domain.UserID][]orphanCandidate)
	m.mu.Unlock()

	for _, l := range links {
		l.cancel()
	}
	m.cancel()
	m.wg.Wait()

	m.logger.Infow("peer manager closed", "links", len(links))
}

func (m *PeerManager) ensureLink(remoteID domain.UserID) (*peerLink, bool, error) {
	if remoteID == m.config.SelfID {
		return nil, false, fmt.Errorf("%w: link to self", domain.ErrSignalingProtocol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, domain.ErrSessionClosed
	}
	if l, ok := m.links[remoteID]; ok {
		return l, false, nil
	}

	l := newPeerLink(m, remoteID)
	for _, o := range m.orphans[remoteID] {
		if !utils.IsExpired(o.receivedAt, m.config.OrphanCandidateTTL) {
			l.pendingCandidates = append(l.pendingCandidates, o.remoteCandidate)
		}
	}
	delete(m.orphans, remoteID)
	m.links[remoteID] = l

	m.observer.LinkStateChanged(remoteID, domain.LinkIdle, nil)
	m.metrics.RecordLinkState(domain.LinkClosed, domain.LinkIdle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		l.run()
	}()

	m.logger.Debugw("peer link created", "remote_id", remoteID, "buffered_candidates", len(l.pendingCandidates))
	return l, true, nil
}

// detach forgets l if it is still the registered link for its participant.
func (m *PeerManager) detach(l *peerLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.links[l.remoteID]; ok && cur == l {
		delete(m.links, l.remoteID)
	}
}

func (m *PeerManager) link(remoteID domain.UserID) *peerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[remoteID]
}

func (m *PeerManager) isTombstoned(remoteID domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tombstones[remoteID]
	return ok
}

func (m *PeerManager) clearTombstone(remoteID domain.UserID) {
	m.mu.Lock()
	delete(m.tombstones, remoteID)
	m.mu.Unlock()
}

// isPolite reports whether we yield to remoteID when both sides offer at once.
// The lower id keeps its offer.
func (m *PeerManager) isPolite(remoteID domain.UserID) bool {
	return m.config.SelfID > remoteID
}
