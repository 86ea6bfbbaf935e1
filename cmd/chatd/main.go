package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"codepedia/internal/config"
	"codepedia/internal/directory"
	"codepedia/internal/ratelimit"
	"codepedia/internal/server"
	"codepedia/internal/session"
	"codepedia/internal/storage"
	"codepedia/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dir directory.Directory
	switch cfg.DirectoryBackend {
	case config.BackendRedis:
		dir, err = directory.NewRedis(cfg.RedisAddr, cfg.RedisPassword, "codepedia")
		if err != nil {
			log.Fatalf("failed to init redis directory: %v", err)
		}
	case config.BackendPostgres:
		dir, err = directory.NewGorm(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres directory: %v", err)
		}
	default:
		dir = directory.NewMemory()
	}

	tokens, err := session.NewTokenStore(cfg.SessionSecret, session.Options{TTL: cfg.SessionTTL()})
	if err != nil {
		log.Fatalf("failed to init session tokens: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		limiter, err = ratelimit.NewFixedWindowLimiter(client, "codepedia:ratelimit", cfg.RatePerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	} else {
		slog.Warn("no redis configured, rate limiting disabled")
	}

	var attachments storage.Attachments
	if cfg.MinioEndpoint != "" {
		attachments, err = storage.NewMinioAttachments(
			cfg.MinioEndpoint,
			cfg.MinioAccessKey,
			cfg.MinioSecretKey,
			cfg.MinioBucket,
			cfg.MinioUseSSL,
		)
		if err != nil {
			log.Fatalf("failed to init attachment store: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		Directory:   dir,
		Tokens:      tokens,
		Attachments: attachments,
		Limiter:     limiter,
		Backlog:     cfg.Backlog,
		Cooldown:    cfg.Cooldown(),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// SSE streams stay open; only reads are bounded.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chatd listening", "addr", addr, "backend", cfg.DirectoryBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
