package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/auth"
	"github.com/example/equipment-voice/internal/config"
	"github.com/example/equipment-voice/internal/handlers"
	"github.com/example/equipment-voice/internal/logging"
	"github.com/example/equipment-voice/internal/repository"
	"github.com/example/equipment-voice/internal/speech"
	"github.com/example/equipment-voice/internal/usecase"
	"github.com/example/equipment-voice/internal/vision"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	labeler, err := vision.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build vision labeler", zap.Error(err))
	}
	if err := cfg.Credential.Validate(); err != nil && cfg.Vision.Provider == config.ProviderBedrock {
		logger.Warn("identify requests will fail until credentials are configured", zap.Error(err))
	}

	synthesizer := speech.NewSynthesizer(speech.NewEdgeEngine(cfg.Speech.Voice, logger), cfg.Speech.AudioDir, cfg.Speech.Timeout, logger)

	opts := []usecase.Option{
		usecase.WithUploadDir(cfg.UploadDir),
		usecase.WithKeepAudio(cfg.Speech.KeepAudio),
	}
	if cfg.DatabaseDSN != "" {
		opts = append(opts, usecase.WithRecordStore(initRepository(ctx, cfg.DatabaseDSN, logger)))
	}
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient)))
	}

	uc := usecase.NewEquipmentUseCase(labeler, synthesizer, logger, opts...)

	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, auth.Optional(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("equipment voice API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("vision_provider", cfg.Vision.Provider),
		zap.String("model_id", cfg.Vision.ModelID),
		zap.String("voice", cfg.Speech.Voice),
		zap.Bool("auth_enabled", cfg.JWTSecret != ""),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initRepository(ctx context.Context, dsn string, logger *zap.Logger) *repository.IdentificationRepository {
	db, driver, err := repository.OpenDatabase(ctx, dsn)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	repo := repository.NewIdentificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	logger.Info("audit records enabled", zap.String("driver", driver))
	return repo
}

func initRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
