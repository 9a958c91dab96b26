package http

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CallSession is the subset of services.CallSession the API drives.
type CallSession interface {
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	View() *services.CallView
	Links() []domain.LinkInfo
	LocalMedia() domain.LocalMediaState
	ChatHistory() []domain.ChatMessage
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	SetMediaEnabled(kind domain.TrackKind, enabled bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	SendChat(ctx context.Context, text string) (*domain.ChatMessage, error)
}

type CallHandler struct {
	session CallSession
	rooms   ports.RoomService
	roomID  domain.RoomID
	selfID  domain.UserID
	logger  *zap.SugaredLogger

	// Join outlives the request that started it, since admission may wait
	// on the host for a long time.
	baseCtx context.Context

	mu      sync.Mutex
	joining bool
}

func NewCallHandler(
	ctx context.Context,
	session CallSession,
	rooms ports.RoomService,
	roomID domain.RoomID,
	selfID domain.UserID,
	logger *zap.SugaredLogger,
) *CallHandler {
	return &CallHandler{
		session: session,
		rooms:   rooms,
		roomID:  roomID,
		selfID:  selfID,
		logger:  logger,
		baseCtx: ctx,
	}
}

func (h *CallHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/call", h.GetCall)
		api.POST("/call/join", h.Join)
		api.POST("/call/leave", h.Leave)
		api.GET("/call/links", h.GetLinks)

		api.POST("/call/audio/toggle", h.ToggleAudio)
		api.POST("/call/video/toggle", h.ToggleVideo)
		api.PUT("/call/media/:kind", h.SetMedia)
		api.POST("/call/screen", h.StartScreenShare)
		api.DELETE("/call/screen", h.StopScreenShare)

		api.GET("/call/chat", h.GetChat)
		api.POST("/call/chat", h.SendChat)

		api.POST("/rooms", h.CreateRoom)
		api.GET("/room", h.GetRoom)
		api.GET("/room/pending", h.ListPending)
		api.POST("/room/participants/:user_id/approve", h.Approve)
		api.POST("/room/participants/:user_id/reject", h.Reject)
	}
}

func (h *CallHandler) GetCall(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.View().Snapshot())
}

// Join starts admission in the background and answers right away. Progress
// shows up in the call view.
func (h *CallHandler) Join(c *gin.Context) {
	h.StartJoin()
	c.JSON(http.StatusAccepted, h.session.View().Snapshot())
}

// StartJoin runs Join at most once per session. It reports whether this call
// started it.
func (h *CallHandler) StartJoin() bool {
	h.mu.Lock()
	if h.joining {
		h.mu.Unlock()
		return false
	}
	h.joining = true
	h.mu.Unlock()

	go func() {
		err := h.session.Join(h.baseCtx)
		switch {
		case err == nil:
			h.logger.Infow("joined call")
		case errors.Is(err, domain.ErrParticipantRejected):
			h.logger.Warnw("join rejected by host")
		default:
			h.logger.Errorw("join failed", "error", err)
		}
	}()
	return true
}

func (h *CallHandler) Leave(c *gin.Context) {
	if err := h.session.Leave(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.session.View().Snapshot().Status})
}

func (h *CallHandler) GetLinks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"links": h.session.Links()})
}

func (h *CallHandler) ToggleAudio(c *gin.Context) {
	enabled, err := h.session.ToggleAudio()
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (h *CallHandler) ToggleVideo(c *gin.Context) {
	enabled, err := h.session.ToggleVideo()
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (h *CallHandler) SetMedia(c *gin.Context) {
	kind := domain.TrackKind(c.Param("kind"))
	if kind != domain.TrackAudio && kind != domain.TrackVideo {
		_ = c.Error(apperrors.NewInvalidInputError("kind must be audio or video"))
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.session.SetMediaEnabled(kind, *req.Enabled); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.session.LocalMedia())
}

func (h *CallHandler) StartScreenShare(c *gin.Context) {
	if err := h.session.StartScreenShare(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.session.LocalMedia())
}

func (h *CallHandler) StopScreenShare(c *gin.Context) {
	if err := h.session.StopScreenShare(); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.session.LocalMedia())
}

func (h *CallHandler) GetChat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.session.ChatHistory()})
}

func (h *CallHandler) SendChat(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("text is required"))
		return
	}

	msg, err := h.session.SendChat(c.Request.Context(), req.Text)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type createRoomRequest struct {
	Name            string `json:"name" binding:"required"`
	RequireApproval *bool  `json:"require_approval"`
	MaxParticipants int    `json:"max_participants"`
}

// CreateRoom opens a new room hosted by the local user. Approval is on
// unless the request turns it off. The process stays bound to its own room;
// the new id is handed to whoever starts the call for it.
func (h *CallHandler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("name is required"))
		return
	}
	requireApproval := true
	if req.RequireApproval != nil {
		requireApproval = *req.RequireApproval
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), req.Name, h.selfID, requireApproval, req.MaxParticipants)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *CallHandler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), h.roomID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *CallHandler) ListPending(c *gin.Context) {
	pending, err := h.rooms.ListPending(c.Request.Context(), h.roomID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

// Approve and Reject act as the local user, so only the host's process
// can decide.
func (h *CallHandler) Approve(c *gin.Context) {
	p, err := h.rooms.Approve(c.Request.Context(), h.selfID, h.roomID, domain.UserID(c.Param("user_id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *CallHandler) Reject(c *gin.Context) {
	p, err := h.rooms.Reject(c.Request.Context(), h.selfID, h.roomID, domain.UserID(c.Param("user_id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}
