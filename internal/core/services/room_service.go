package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"go.uber.org/zap"
)

type roomService struct {
	rooms  ports.RoomRepository
	roster ports.RosterStore
	logger *zap.SugaredLogger
}

func NewRoomService(rooms ports.RoomRepository, roster ports.RosterStore, logger *zap.SugaredLogger) ports.RoomService {
	return &roomService{
		rooms:  rooms,
		roster: roster,
		logger: logger,
	}
}

func (s *roomService) CreateRoom(ctx context.Context, name string, host domain.UserID, requireApproval bool, maxParticipants int) (*domain.Room, error) {
	name = utils.SanitizeString(name)
	if err := validation.ValidateRoomName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
	}
	if err := validation.ValidateUserID(string(host)); err != nil {
		return nil, fmt.Errorf("%w: host: %v", domain.ErrInvalidRoom, err)
	}
	if maxParticipants == 0 {
		maxParticipants = domain.DefaultMaxParticipants
	}
	if err := validation.ValidateMaxParticipants(maxParticipants); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
	}

	room := &domain.Room{
		ID:              domain.RoomID(utils.GenerateRoomID()),
		Name:            name,
		HostUserID:      host,
		RequireApproval: requireApproval,
		MaxParticipants: maxParticipants,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	s.logger.Infow("room created",
		"room_id", room.ID,
		"host_user_id", host,
		"require_approval", requireApproval,
		"max_participants", maxParticipants,
	)
	return room, nil
}

func (s *roomService) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.rooms.GetByID(ctx, roomID)
}

// RequestJoin registers userID in the room. Calling it again returns the
// existing row unchanged. The host, and everyone in rooms without approval,
// is approved immediately.
func (s *roomService) RequestJoin(ctx context.Context, roomID domain.RoomID, userID domain.UserID, displayName string) (*domain.Participant, error) {
	if err := validation.ValidateUserID(string(userID)); err != nil {
		return nil, err
	}
	displayName = utils.SanitizeString(displayName)
	if displayName == "" {
		displayName = string(userID)
	}
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}

	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	status := domain.StatusPending
	if !room.RequireApproval || room.IsHost(userID) {
		status = domain.StatusApproved
	}

	now := time.Now().UTC()
	p := &domain.Participant{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Status:      status,
		JoinedAt:    now,
		UpdatedAt:   now,
	}
	row, created, err := s.roster.Join(ctx, p, room.MaxParticipants)
	if err != nil {
		if errors.Is(err, domain.ErrRoomFull) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to register participant: %w", err)
	}
	if !created {
		return row, nil
	}

	s.logger.Infow("join requested", "room_id", roomID, "user_id", userID, "status", status)
	return row, nil
}

func (s *roomService) Approve(ctx context.Context, hostID domain.UserID, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error) {
	return s.transition(ctx, hostID, roomID, userID, domain.StatusApproved)
}

func (s *roomService) Reject(ctx context.Context, hostID domain.UserID, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error) {
	return s.transition(ctx, hostID, roomID, userID, domain.StatusRejected)
}

// transition moves a pending participant to status. Only the host may do it.
func (s *roomService) transition(ctx context.Context, hostID domain.UserID, roomID domain.RoomID, userID domain.UserID, status domain.ParticipantStatus) (*domain.Participant, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsHost(hostID) {
		return nil, domain.ErrNotHost
	}

	p, err := s.roster.Get(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, p.Status, status)
	}

	updated, err := s.roster.UpdateStatus(ctx, roomID, userID, domain.StatusPending, status)
	if err != nil {
		return nil, fmt.Errorf("failed to update participant status: %w", err)
	}

	s.logger.Infow("participant status changed", "room_id", roomID, "user_id", userID, "status", status)
	return updated, nil
}

func (s *roomService) ListPending(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error) {
	if _, err := s.rooms.GetByID(ctx, roomID); err != nil {
		return nil, err
	}
	return s.roster.ListByStatus(ctx, roomID, domain.StatusPending)
}

// LeaveRoom removes the participant row. Leaving twice is not an error. The
// room itself is deleted once nobody pending or approved is left in it.
func (s *roomService) LeaveRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	err := s.roster.Remove(ctx, roomID, userID)
	if err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	s.logger.Infow("participant left", "room_id", roomID, "user_id", userID)

	remaining, err := s.roster.Count(ctx, roomID)
	if err != nil {
		s.logger.Warnw("failed to count remaining participants", "room_id", roomID, "error", err)
		return nil
	}
	if remaining > 0 {
		return nil
	}
	if err := s.rooms.Delete(ctx, roomID); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		s.logger.Warnw("failed to delete empty room", "room_id", roomID, "error", err)
		return nil
	}
	s.logger.Infow("room closed", "room_id", roomID)
	return nil
}
