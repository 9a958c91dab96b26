package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/reliability"
	"meshcall/internal/infrastructure/repositories"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func run(cfg *config.Config, autoJoin bool) error {
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer repoFactory.Close()

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Roster.BreakerFailures
	breakerCfg.Timeout = cfg.Roster.BreakerResetTime
	roster := reliability.NewRosterStoreWrapper(repoFactory.CreateRosterStore(), cfg.Roster.Retry, breakerCfg, log)
	rooms := services.NewRoomService(repoFactory.CreateRoomRepository(), roster, log)
	relay := repoFactory.CreateRelay()

	selfID := domain.UserID(cfg.Session.UserID)
	roomID, err := resolveRoom(ctx, cfg, rooms, selfID)
	if err != nil {
		return err
	}
	log = log.With("room_id", roomID, "user_id", selfID)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := monitoring.NewPrometheusCollector(registry)

	sink, err := webrtcinfra.NewRTPSink(cfg.Media.RemoteSink, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	transportCfg := webrtcinfra.Config{RoomID: roomID, ICEServers: iceServers(cfg)}
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transports, err := webrtcinfra.NewTransportFactory(transportCfg, sink, collector, log)
	if err != nil {
		return err
	}
	devices := webrtcinfra.NewRTPDevices(webrtcinfra.IngestConfig{
		AudioAddr:  cfg.Media.AudioIngest,
		VideoAddr:  cfg.Media.VideoIngest,
		ScreenAddr: cfg.Media.ScreenIngest,
	}, log)

	session := services.NewCallSession(services.CallSessionConfig{
		RoomID:      roomID,
		SelfID:      selfID,
		DisplayName: cfg.Session.DisplayName,
		Constraints: domain.MediaConstraints{Audio: cfg.Session.Audio, Video: cfg.Session.Video},
		Manager:     managerConfig(cfg, roomID, selfID),
		RosterRetry: cfg.Roster.Retry,
		Chat: services.ChatConfig{
			MessagesPerSecond: cfg.Chat.MessagesPerSecond,
			Burst:             cfg.Chat.Burst,
			HistorySize:       cfg.Chat.HistorySize,
		},
	}, services.CallSessionDeps{
		Rooms:      rooms,
		Roster:     roster,
		Signals:    relay,
		Chat:       relay,
		Transports: transports,
		Devices:    devices,
		Metrics:    collector,
	}, log)

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck("store", repoFactory.HealthCheck, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	checker.AddBreakerCheck("roster_breaker", roster.BreakerState, cfg.Monitoring.HealthCheckInterval)
	checker.StartBackgroundChecks(ctx)

	callHandler := httphandlers.NewCallHandler(ctx, session, rooms, roomID, selfID, log)
	router := newRouter(cfg, zapLogger, log)
	callHandler.SetupRoutes(router)
	httphandlers.NewViewStream(session.View(), selfID, httphandlers.ViewStreamConfig{
		PingInterval:   cfg.Server.PingInterval,
		PongTimeout:    cfg.Server.PongTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, log).SetupRoutes(router, middleware.NewWebSocketRateLimitMiddleware(cfg))
	httphandlers.NewHealthHandler(checker, nil).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	servers := []*http.Server{srv}

	if cfg.Monitoring.PrometheusEnabled {
		ops := gin.New()
		ops.Use(middleware.RecoveryMiddleware(log))
		httphandlers.NewHealthHandler(checker, registry).SetupRoutes(ops)
		servers = append(servers, &http.Server{
			Addr:    metricsAddress(cfg),
			Handler: ops,
		})
	}

	serverErr := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			log.Infow("starting http server", "address", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}(s)
	}

	log.Infow("meshcall ready",
		"room_id", roomID,
		"redis", repoFactory.UsingRedis(),
		"api", cfg.Server.Address,
	)
	if autoJoin {
		callHandler.StartJoin()
	}

	select {
	case err = <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Infow("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if leaveErr := session.Leave(shutdownCtx); leaveErr != nil {
		log.Warnw("failed to leave call cleanly", "error", leaveErr)
	}
	for _, s := range servers {
		if shutdownErr := s.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Errorw("error during server shutdown", "address", s.Addr, "error", shutdownErr)
			_ = s.Close()
		}
	}
	if tpErr := tp.Shutdown(shutdownCtx); tpErr != nil {
		log.Warnw("failed to flush traces", "error", tpErr)
	}

	log.Info("meshcall stopped")
	return err
}

func newRouter(cfg *config.Config, zapLogger *zap.Logger, log *zap.SugaredLogger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	return router
}

// resolveRoom creates the configured room or checks that the one to join
// exists.
func resolveRoom(ctx context.Context, cfg *config.Config, rooms ports.RoomService, host domain.UserID) (domain.RoomID, error) {
	if cfg.Session.RoomID != "" {
		room, err := rooms.GetRoom(ctx, domain.RoomID(cfg.Session.RoomID))
		if err != nil {
			return "", fmt.Errorf("failed to find room %s: %w", cfg.Session.RoomID, err)
		}
		return room.ID, nil
	}

	room, err := rooms.CreateRoom(ctx, cfg.Session.RoomName, host, cfg.Session.RequireApproval, cfg.Session.MaxParticipants)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return room.ID, nil
}

func managerConfig(cfg *config.Config, roomID domain.RoomID, selfID domain.UserID) services.PeerManagerConfig {
	m := services.DefaultPeerManagerConfig(roomID, selfID)
	m.NegotiationTimeout = cfg.Negotiation.Timeout
	m.SendTimeout = cfg.Negotiation.SendTimeout
	m.MailboxSize = cfg.Negotiation.MailboxSize
	m.MaxPendingCandidates = cfg.Negotiation.MaxPendingCandidates
	m.OrphanCandidateLimit = cfg.Negotiation.OrphanCandidateLimit
	m.OrphanCandidateTTL = cfg.Negotiation.OrphanCandidateTTL
	m.SnapshotGracePeriod = cfg.Negotiation.SnapshotGracePeriod
	return m
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// metricsAddress serves metrics on the API host with the Prometheus port.
func metricsAddress(cfg *config.Config) string {
	host, _, err := net.SplitHostPort(cfg.Server.Address)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Monitoring.PrometheusPort))
}
