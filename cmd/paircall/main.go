package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
	"paircall/internal/core/services"
	httphandlers "paircall/internal/handlers/http"
	"paircall/internal/infrastructure/media"
	"paircall/internal/infrastructure/monitoring"
	redisrepo "paircall/internal/infrastructure/repositories/redis"
	webrtcinfra "paircall/internal/infrastructure/webrtc"
	"paircall/pkg/config"
	"paircall/pkg/logger"
	"paircall/pkg/tracing"
)

// logSink surfaces rings in the log. Embedding applications replace this
// with a real notification layer.
type logSink struct {
	log *zap.SugaredLogger
}

func newLogSink(log *zap.SugaredLogger) *logSink {
	return &logSink{log: log}
}

func (s *logSink) Ring(call domain.IncomingCall) {
	s.log.Infow("incoming call ringing",
		"room_id", string(call.RoomID),
		"from", string(call.Peer),
		"display_name", call.DisplayName,
	)
}

func (s *logSink) Stop(roomID domain.RoomID) {
	s.log.Infow("ring stopped", "room_id", string(roomID))
}

func main() {
	startTime := time.Now()

	// First existing config file wins; none of them existing means defaults
	// plus environment overrides.
	configPaths := []string{
		"configs/config.yaml",
		"/etc/paircall/config.yaml",
		"config.yaml",
	}

	configPath := configPaths[len(configPaths)-1]
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}

	// A missing file falls back to defaults inside Load; a file that exists
	// but cannot be parsed or validated must not be silently ignored.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration in %s: %v\n", configPath, err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	// Tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "paircall",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	// Signaling store
	redisClient, err := redisrepo.NewRedisClient(
		cfg.Signaling.Redis.Address,
		cfg.Signaling.Redis.Password,
		cfg.Signaling.Redis.DB,
		cfg.Signaling.Redis.PoolSize,
		log,
	)
	if err != nil {
		log.Fatalw("failed to connect to signaling store", "error", err)
	}
	repo := redisrepo.NewSignalingRepository(redisClient, cfg.Signaling.KeyPrefix, cfg.Signaling.RecordTTL, log)

	// Peer transports
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		iceServers = append(iceServers, server)
	}
	factory := webrtcinfra.NewFactory(webrtcinfra.Config{ICEServers: iceServers}, log)

	// Media sources, one per call
	mediaConfig := media.Config{
		VideoWidth:     cfg.Media.VideoWidth,
		VideoHeight:    cfg.Media.VideoHeight,
		VideoFrameRate: cfg.Media.VideoFrameRate,
		VideoBitrate:   cfg.Media.VideoBitrate,
		AudioBitrate:   cfg.Media.AudioBitrate,
	}
	newMedia := func() ports.MediaSource {
		if cfg.Media.Headless {
			return media.NewHeadless()
		}
		capture, err := media.NewCapture(mediaConfig, log)
		if err != nil {
			log.Errorw("capture unavailable, continuing receive-only", "error", err)
			return media.NewHeadless()
		}
		return capture
	}

	// Monitoring
	var metrics ports.CallMetrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	// Call manager and watchers
	manager := services.NewManager(domain.ParticipantID(cfg.Identity.SelfID), services.ManagerDeps{
		Repo:       repo,
		Transports: factory,
		Sink:       newLogSink(log),
		Metrics:    metrics,
		Logger:     log,
		NewMedia:   newMedia,
	})

	watchCtx := context.Background()
	for _, peer := range cfg.Peers {
		if err := manager.Watch(watchCtx, domain.ParticipantID(peer.ID), peer.DisplayName); err != nil {
			log.Fatalw("failed to watch peer", "peer_id", peer.ID, "error", err)
		}
	}

	// HTTP control surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	callHandler := httphandlers.NewCallHandler(manager, log)
	callHandler.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"self_id":   cfg.Identity.SelfID,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			c.JSON(503, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ready"})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting paircall control server on %s", cfg.HTTP.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down paircall...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// End live calls first so records are deleted and devices released
	manager.Close(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}
	if err := redisrepo.CloseRedisClient(redisClient); err != nil {
		log.Errorw("Error closing Redis client", "error", err)
	}

	log.Info("paircall stopped")
}
