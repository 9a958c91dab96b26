package services

import (
	"sort"
	"sync"

	"meshcall/internal/core/domain"
)

type CallStatus string

const (
	CallIdle         CallStatus = "idle"
	CallWaiting      CallStatus = "waiting"
	CallConnecting   CallStatus = "connecting"
	CallConnected    CallStatus = "connected"
	CallDisconnected CallStatus = "disconnected"
	CallRejected     CallStatus = "rejected"
)

const defaultChatHistory = 200

// Tile is the per-participant entry shown by the UI.
type Tile struct {
	RemoteID    domain.UserID        `json:"remote_id"`
	DisplayName string               `json:"display_name"`
	State       domain.LinkState     `json:"state"`
	Tracks      []domain.RemoteTrack `json:"tracks"`
	LastError   string               `json:"last_error,omitempty"`
}

type ViewSnapshot struct {
	Version uint64                 `json:"version"`
	RoomID  domain.RoomID          `json:"room_id"`
	SelfID  domain.UserID          `json:"self_id"`
	Status  CallStatus             `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Local   domain.LocalMediaState `json:"local"`
	Tiles   []Tile                 `json:"tiles"`
	Chat    []domain.ChatMessage   `json:"chat"`
}

type tileState struct {
	state     domain.LinkState
	tracks    map[string]domain.RemoteTrack
	lastError string
}

// CallView is the keyed state the UI renders. It implements
// ports.CallObserver and fans snapshots out to subscribers.
type CallView struct {
	mu        sync.Mutex
	roomID    domain.RoomID
	selfID    domain.UserID
	status    CallStatus
	err       string
	local     domain.LocalMediaState
	tiles     map[domain.UserID]*tileState
	names     map[domain.UserID]string
	chat      []domain.ChatMessage
	chatLimit int
	version   uint64

	subs   map[int]chan ViewSnapshot
	nextID int
}

func NewCallView(roomID domain.RoomID, selfID domain.UserID) *CallView {
	return &CallView{
		roomID:    roomID,
		selfID:    selfID,
		status:    CallIdle,
		tiles:     make(map[domain.UserID]*tileState),
		names:     make(map[domain.UserID]string),
		chatLimit: defaultChatHistory,
		subs:      make(map[int]chan ViewSnapshot),
	}
}

func (v *CallView) LinkStateChanged(remoteID domain.UserID, state domain.LinkState, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	t := v.tile(remoteID)
	t.state = state
	switch state {
	case domain.LinkIdle:
		t.lastError = ""
		t.tracks = make(map[string]domain.RemoteTrack)
	case domain.LinkClosed:
		t.tracks = make(map[string]domain.RemoteTrack)
	}
	if err != nil {
		t.lastError = err.Error()
	}
	v.publishLocked()
}

func (v *CallView) RemoteTrackAdded(remoteID domain.UserID, track domain.RemoteTrack) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.tile(remoteID).tracks[track.ID] = track
	v.publishLocked()
}

func (v *CallView) RemoteTrackRemoved(remoteID domain.UserID, trackID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	t, ok := v.tiles[remoteID]
	if !ok {
		return
	}
	if _, ok := t.tracks[trackID]; !ok {
		return
	}
	delete(t.tracks, trackID)
	v.publishLocked()
}

func (v *CallView) LinkRemoved(remoteID domain.UserID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.tiles[remoteID]; !ok {
		return
	}
	delete(v.tiles, remoteID)
	v.publishLocked()
}

// SetStatus updates the call status. A nil err clears the previous error.
func (v *CallView) SetStatus(status CallStatus, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.status = status
	v.err = ""
	if err != nil {
		v.err = err.Error()
	}
	if status == CallDisconnected || status == CallRejected {
		v.tiles = make(map[domain.UserID]*tileState)
	}
	v.publishLocked()
}

func (v *CallView) SetLocalMedia(state domain.LocalMediaState) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.local = state
	v.publishLocked()
}

func (v *CallView) SetDisplayName(userID domain.UserID, name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.names[userID] == name {
		return
	}
	v.names[userID] = name
	v.publishLocked()
}

func (v *CallView) AddChat(msg domain.ChatMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.chat = append(v.chat, msg)
	if len(v.chat) > v.chatLimit {
		v.chat = append([]domain.ChatMessage(nil), v.chat[len(v.chat)-v.chatLimit:]...)
	}
	v.publishLocked()
}

func (v *CallView) Snapshot() ViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Subscribe returns a channel that always holds the newest snapshot. A slow
// reader skips intermediate versions. The returned func unsubscribes and
// closes the channel.
func (v *CallView) Subscribe() (<-chan ViewSnapshot, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextID
	v.nextID++
	ch := make(chan ViewSnapshot, 1)
	ch <- v.snapshotLocked()
	v.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, id)
			close(ch)
		})
	}
}

func (v *CallView) tile(remoteID domain.UserID) *tileState {
	t, ok := v.tiles[remoteID]
	if !ok {
		t = &tileState{state: domain.LinkIdle, tracks: make(map[string]domain.RemoteTrack)}
		v.tiles[remoteID] = t
	}
	return t
}

func (v *CallView) publishLocked() {
	v.version++
	snap := v.snapshotLocked()
	for _, ch := range v.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (v *CallView) snapshotLocked() ViewSnapshot {
	tiles := make([]Tile, 0, len(v.tiles))
	for id, t := range v.tiles {
		tracks := make([]domain.RemoteTrack, 0, len(t.tracks))
		for _, tr := range t.tracks {
			tracks = append(tracks, tr)
		}
		sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
		tiles = append(tiles, Tile{
			RemoteID:    id,
			DisplayName: v.names[id],
			State:       t.state,
			Tracks:      tracks,
			LastError:   t.lastError,
		})
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].RemoteID < tiles[j].RemoteID })

	return ViewSnapshot{
		Version: v.version,
		RoomID:  v.roomID,
		SelfID:  v.selfID,
		Status:  v.status,
		Error:   v.err,
		Local:   v.local,
		Tiles:   tiles,
		Chat:    append([]domain.ChatMessage(nil), v.chat...),
	}
}
