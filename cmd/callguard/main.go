package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/cache"
	"callguard-server/pkg/config"
	"callguard-server/pkg/engine"
	"callguard-server/pkg/messaging"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/optimizer"
	"callguard-server/pkg/pipeline"
	"callguard-server/pkg/quality"
	"callguard-server/pkg/session"
	"callguard-server/pkg/transport"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.ApplyLogging(logger)

	metrics.Init(logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Distributed cache tier is optional; without it every L1 miss is a
	// full miss
	var l2 cache.DistributedStore
	if cfg.Cache.Redis.Enabled {
		redisStore, err := cache.NewRedisStore(cache.RedisOptions{
			Address:      cfg.Cache.Redis.Address,
			Password:     cfg.Cache.Redis.Password,
			Database:     cfg.Cache.Redis.Database,
			PoolSize:     cfg.Cache.Redis.PoolSize,
			DialTimeout:  cfg.Cache.Redis.DialTimeout,
			ReadTimeout:  cfg.Cache.Redis.ReadTimeout,
			WriteTimeout: cfg.Cache.Redis.WriteTimeout,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, running with in-process cache only")
		} else {
			l2 = redisStore
		}
	}

	tierConfig := cache.DefaultTierConfig()
	tierConfig.L1MaxEntries = cfg.Cache.L1MaxEntries
	tierConfig.SweepInterval = cfg.Cache.SweepInterval
	tierConfig.TTLs = map[cache.Namespace]time.Duration{
		cache.NamespaceTranscription: cfg.Cache.TranscriptionTTL,
		cache.NamespaceIntent:        cfg.Cache.IntentTTL,
		cache.NamespaceResponse:      cfg.Cache.ResponseTTL,
		cache.NamespaceAudio:         cfg.Cache.AudioTTL,
		cache.NamespaceProfile:       cfg.Cache.ProfileTTL,
	}
	tiered := cache.NewTieredCache(tierConfig, l2, logger)
	defer tiered.Close()

	monitor := quality.NewMonitor(quality.Thresholds{
		MinAudioQuality:  cfg.Quality.MinAudioQuality,
		MaxLatency:       cfg.Quality.MaxLatency,
		MaxJitter:        cfg.Quality.MaxJitter,
		MaxPacketLossPct: cfg.Quality.MaxPacketLossPct,
	}, cfg.Quality.SampleWindow, cfg.Quality.AlertCooldown, logger)

	// Archive records go to AMQP when configured, otherwise to the log
	var archiver session.Archiver
	if cfg.Messaging.Enabled {
		amqpArchiver, err := messaging.NewAMQPArchiver(messaging.AMQPConfig{
			URL:          cfg.Messaging.URL,
			ExchangeName: cfg.Messaging.ExchangeName,
			ArchiveQueue: cfg.Messaging.ArchiveQueue,
			AlertQueue:   cfg.Messaging.AlertQueue,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("AMQP unavailable, archiving to log only")
			archiver = messaging.NewLogArchiver(logger)
		} else {
			defer amqpArchiver.Close()
			go amqpArchiver.PumpAlerts(monitor.Alerts())
			archiver = amqpArchiver
		}
	} else {
		archiver = messaging.NewLogArchiver(logger)
	}

	sessions := session.NewManager(session.ManagerConfig{
		MaxTurns:         cfg.Session.MaxTurns,
		SessionTimeout:   cfg.Session.Timeout,
		SweepInterval:    cfg.Session.SweepInterval,
		SummaryTTL:       cfg.Session.SummaryTTL,
		TranscriptWindow: cfg.Session.TranscriptWindow,
		StageWindow:      cfg.Pipeline.StageWindow,
	}, tiered, monitor, archiver, logger)

	controller, err := optimizer.NewController(optimizer.ControllerConfig{
		EvaluationInterval: cfg.Optimization.EvaluationInterval,
		PrefetchInterval:   cfg.Optimization.PrefetchInterval,
		SampleWindow:       cfg.Optimization.SampleWindow,
		InitialProfile:     cfg.Optimization.InitialProfile,
	}, optimizer.DefaultProfiles(), tiered, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize optimization controller")
	}

	// Engines are stand-ins until production engines are wired in at the
	// deployment boundary
	engines := engine.Engines{
		Transcriber: engine.NewMockTranscriber(logger),
		Intent:      engine.NewMockIntentRecognizer(logger),
		Generator:   engine.NewMockResponseGenerator(logger),
		Synthesizer: engine.NewMockSynthesizer(logger),
	}

	sender := transport.NewWebSocketSender(5*time.Second, logger)

	orchestrator := pipeline.NewOrchestrator(pipeline.Config{
		MaxConcurrentChunks:     cfg.Pipeline.MaxConcurrentChunks,
		ChunkDeadline:           cfg.Pipeline.ChunkDeadline,
		QueueDepth:              cfg.Pipeline.QueueDepth,
		PrefetchTopN:            cfg.Pipeline.PrefetchTopN,
		PrefetchWait:            25 * time.Millisecond,
		MinTranscriptConfidence: cfg.Pipeline.MinTranscriptConfidence,
	}, sessions, tiered, engines, sender, controller, logger)

	controller.Start(rootCtx)
	defer controller.Stop()

	warmGenerate := func(ctx context.Context, intent string) (*engine.GenerationResult, error) {
		return engines.Generator.Generate(ctx, "", intent, &engine.ConversationState{})
	}
	warmer := cache.NewWarmer(tiered, warmGenerate, engines.Synthesizer.Synthesize,
		engines.Synthesizer.VoiceProfile(), cfg.Cache.WarmupInterval, logger)
	warmer.Start(rootCtx)
	defer warmer.Stop()

	go logProfileChanges(controller)

	// Inbound stream: websocket connections carrying session control,
	// audio chunks and quality heartbeats
	bridge := &streamBridge{
		sessions:     sessions,
		orchestrator: orchestrator,
		monitor:      monitor,
		warmer:       warmer,
	}
	listener := transport.NewListener(sender, bridge, cfg.Server.ReadTimeout, logger)

	streamMux := http.NewServeMux()
	streamMux.HandleFunc("/stream", listener.HandleStream)
	streamServer := &http.Server{Addr: cfg.Server.StreamAddress, Handler: streamMux}
	go func() {
		logger.WithField("address", cfg.Server.StreamAddress).Info("Stream server listening")
		if err := streamServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Stream server failed")
		}
	}()

	// Expose the metrics registry
	httpServer := &http.Server{Addr: cfg.Server.MetricsAddress, Handler: metricsMux()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	logger.Info("callguard server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutting down")

	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := streamServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Stream server shutdown failed")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Metrics server shutdown failed")
	}

	orchestrator.Shutdown()
	sessions.Shutdown()

	logger.Info("callguard server stopped")
}

// streamBridge routes inbound stream traffic to the conversation engine
type streamBridge struct {
	sessions     *session.Manager
	orchestrator *pipeline.Orchestrator
	monitor      *quality.Monitor
	warmer       *cache.Warmer
}

func (b *streamBridge) StartSession(sessionID, callID, userID, connectionID string) error {
	if _, err := b.sessions.CreateSession(sessionID, callID, userID, connectionID); err != nil {
		return err
	}
	b.warmer.TrackUser(userID)
	return nil
}

func (b *streamBridge) SubmitChunk(chunk *transport.AudioChunk) error {
	return b.orchestrator.Submit(chunk)
}

func (b *streamBridge) EndSession(sessionID, reason string) {
	if _, err := b.orchestrator.EndSession(sessionID, reason); err != nil {
		logger.WithError(err).WithField("session_id", sessionID).Debug("End of unknown session ignored")
	}
}

func (b *streamBridge) IngestQuality(sample *quality.CallQualityMetrics) {
	b.monitor.Ingest(sample)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func logProfileChanges(controller *optimizer.Controller) {
	for change := range controller.Events() {
		logger.WithFields(logrus.Fields{
			"from":           change.From,
			"to":             change.To,
			"p95_ms":         change.P95,
			"cache_hit_rate": change.CacheHitRate,
			"cache_health":   change.CacheHealth,
			"automatic":      change.Automatic,
		}).Warn("Optimization profile changed")
	}
}
