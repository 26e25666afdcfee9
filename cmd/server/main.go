package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"charchat/internal/catalog"
	"charchat/internal/chat"
	"charchat/internal/config"
	"charchat/internal/credentials"
	"charchat/internal/crypto"
	"charchat/internal/imagegen"
	"charchat/internal/llm"
	"charchat/internal/metrics"
	"charchat/internal/queue"
	"charchat/internal/server"
	"charchat/internal/storage"
	"charchat/internal/tools"
	"charchat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Bool("digest_enabled", cfg.Digest.Enabled).
		Msg("starting charchat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	resolver := credentials.NewResolver(cryptoManager, map[catalog.Provider]string{
		catalog.ProviderGroq:    cfg.Providers.GroqAPIKey,
		catalog.ProviderXAI:     cfg.Providers.XAIAPIKey,
		catalog.ProviderMistral: cfg.Providers.MistralAPIKey,
	})

	m := metrics.Global()
	streamHTTP := &http.Client{Timeout: cfg.HTTP.StreamTimeout}
	newClient := func(modelID string, cred credentials.Credential) (llm.Client, error) {
		return llm.NewClient(modelID, cred, streamHTTP)
	}

	var images tools.ImageGenerator
	if cfg.Image.ReplicateToken != "" || cfg.Image.HFToken != "" {
		uploader, err := imagegen.NewUploader(ctx, imagegen.UploaderConfig{
			Endpoint:      cfg.Image.MinioEndpoint,
			AccessKey:     cfg.Image.MinioAccessKey,
			SecretKey:     cfg.Image.MinioSecretKey,
			Bucket:        cfg.Image.MinioBucket,
			UseSSL:        cfg.Image.MinioUseSSL,
			PublicBaseURL: cfg.Image.PublicBaseURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize image storage")
		}
		imageHTTP := &http.Client{Timeout: cfg.HTTP.ImageTimeout}
		images = imagegen.New(cfg.Image.ReplicateToken, cfg.Image.HFToken, uploader, imageHTTP, log.Logger)
		log.Info().Str("bucket", cfg.Image.MinioBucket).Msg("image generation enabled")
	} else {
		log.Warn().Msg("no image backend token configured, generateImage disabled")
	}

	summarize := func(ctx context.Context, inv *tools.Invocation, text string) (string, error) {
		return summarizeText(ctx, resolver, newClient, inv, cfg.Digest.Model, text)
	}
	registry := tools.NewRegistry(store, images, summarize)

	digestQueue := queue.NewStreamQueue(rdb, cfg.Redis.DigestStream, cfg.Redis.DigestGroup, cfg.Digest.ConsumerName, cfg.Redis.DigestBlock)
	var digests chat.DigestQueue
	if cfg.Digest.Enabled {
		digests = digestQueue
	}

	service := chat.NewService(
		store,
		resolver,
		registry,
		newClient,
		queue.NewMessageDeduplicator(rdb, cfg.Redis.MessageTTL),
		digests,
		m,
		log.Logger,
		chat.Options{
			DigestModel:       cfg.Digest.Model,
			DigestMinMessages: int64(cfg.Digest.MinMessages),
		},
	)

	srv := server.New(service, queue.NewRateLimiter(rdb, cfg.Rate.PerHour), log.Logger)
	router := srv.Router(server.Config{
		CORSOrigins: cfg.Server.CORSOrigins,
		HealthPath:  cfg.Server.HealthPath,
		MetricsPath: cfg.Server.MetricsPath,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.Digest.Enabled {
		w := worker.New(worker.Config{
			Store:     store,
			Queue:     digestQueue,
			Resolver:  resolver,
			NewClient: newClient,
			Logger:    log.Logger,
			Metrics:   m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Digest.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("digest worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Digest.Concurrency).Msg("digest worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// summarizeText serves the summarize tool with a short non-interactive
// completion against the digest model.
func summarizeText(ctx context.Context, resolver *credentials.Resolver, newClient chat.ClientFactory, inv *tools.Invocation, modelID, text string) (string, error) {
	cred, err := resolver.Resolve(modelID, inv.Profile)
	if err != nil {
		return "", fmt.Errorf("resolve summarize credential: %w", err)
	}
	client, err := newClient(modelID, cred)
	if err != nil {
		return "", fmt.Errorf("build summarize client: %w", err)
	}

	var out strings.Builder
	req := llm.Request{
		Model: modelID,
		Messages: []llm.Message{
			{Role: "system", Content: "Summarize the following conversation context in a few short sentences. Respond with the summary only."},
			{Role: "user", Content: text},
		},
		MaxTokens: 256,
	}
	err = client.Stream(ctx, req, func(ev llm.Event) error {
		if ev.Type == llm.EventToken {
			out.WriteString(ev.Token)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("summarize generation: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
