package http

import (
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ViewStream pushes call view snapshots to websocket clients. Clients only
// read; anything they send is discarded.
type ViewStream struct {
	view     *services.CallView
	selfID   domain.UserID
	upgrader websocket.Upgrader

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64

	logger *zap.SugaredLogger
}

type ViewStreamConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func NewViewStream(view *services.CallView, selfID domain.UserID, cfg ViewStreamConfig, logger *zap.SugaredLogger) *ViewStream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return &ViewStream{
		view:   view,
		selfID: selfID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API binds to localhost by default.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		writeTimeout:   10 * time.Second,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         logger,
	}
}

func (s *ViewStream) SetupRoutes(router gin.IRouter, mw ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, mw...), s.Serve)
	router.GET("/ws", handlers...)
}

func (s *ViewStream) Serve(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	snapshots, unsubscribe := s.view.Subscribe()
	defer unsubscribe()

	conn.SetReadLimit(s.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	s.logger.Debugw("view stream opened", "remote_addr", c.ClientIP())
	ctx := c.Request.Context()

	for {
		select {
		case <-closed:
			s.logger.Debugw("view stream closed", "remote_addr", c.ClientIP())
			return
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			_, span := tracing.TraceWebSocketMessage(ctx, "snapshot", string(s.selfID))
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteJSON(snap)
			span.End()
			if err != nil {
				s.logger.Debugw("view stream write failed", "error", err)
				return
			}
		}
	}
}
