package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/api"
	"github.com/spigell/profilegen/internal/bulk"
	"github.com/spigell/profilegen/internal/generation"
	"github.com/spigell/profilegen/internal/kpi"
	"github.com/spigell/profilegen/internal/llm"
	"github.com/spigell/profilegen/internal/llm/gemini"
	"github.com/spigell/profilegen/internal/llm/openai"
	"github.com/spigell/profilegen/internal/orgcache"
	"github.com/spigell/profilegen/internal/secrets"
	"github.com/spigell/profilegen/internal/storage"
	"github.com/spigell/profilegen/internal/storage/memory"
	"github.com/spigell/profilegen/internal/storage/mongodb"
	"github.com/spigell/profilegen/internal/storage/sqlite"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func serve(ctx context.Context) error {
	logger := newLogger()
	defer logger.Sync()

	config, err := getConfig()
	if err != nil {
		return fmt.Errorf("getting a config: %w", err)
	}

	logger.Info("starting the profilegen server", zap.String("version", version))

	repo, closeRepo, err := newRepository(ctx, config.Storage, logger)
	if err != nil {
		return fmt.Errorf("creating profile storage: %w", err)
	}
	defer closeRepo()

	adapter, err := newAdapter(ctx, config.AI, logger)
	if err != nil {
		return fmt.Errorf("creating llm adapter: %w", err)
	}

	if config.Organization.SourceFile == "" {
		return errors.New("organization.source-file is required")
	}

	cache, err := orgcache.New(orgcache.Config{
		Source:   orgcache.FileSource{Path: config.Organization.SourceFile},
		Profiles: repo,
		TTL:      config.Organization.TTL,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating organization cache: %w", err)
	}

	var datasets generation.DatasetLoader
	if config.KPI.Dir != "" {
		loader, err := kpi.NewLoader(kpi.LoaderConfig{Dir: config.KPI.Dir, Logger: logger})
		if err != nil {
			return fmt.Errorf("creating kpi loader: %w", err)
		}
		datasets = loader
	}

	orchestrator, err := generation.New(generation.Config{
		Catalog:           cache,
		Adapter:           adapter,
		Repository:        repo,
		Matcher:           kpi.NewMatcher(config.KPI.Aliases),
		Datasets:          datasets,
		DefaultDataset:    config.KPI.DefaultDataset,
		Timeout:           config.Generation.Timeout,
		MaxAttempts:       config.Generation.MaxAttempts,
		RetryDelay:        config.Generation.RetryDelay,
		EstimatedDuration: config.Generation.EstimatedDuration,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	defer orchestrator.Close()

	coordinator, err := bulk.New(bulk.Config{
		Tasks:              orchestrator,
		Catalog:            cache,
		DefaultConcurrency: config.Generation.DefaultConcurrency,
		MaxConcurrency:     config.Generation.MaxConcurrency,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("creating bulk coordinator: %w", err)
	}
	defer coordinator.Close()

	// The first request should not pay for the build; a broken source is reported but not fatal.
	if entry, err := cache.Load(ctx, false); err != nil {
		logger.Warn("organization cache warmup failed", zap.Error(err))
	} else {
		logger.Info("organization cache loaded", zap.Int("positions", entry.Len()))
	}

	if !viper.GetBool("debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              config.Server.Addr(),
		Handler:           api.NewRouter(api.NewHandlers(orchestrator, coordinator, cache, repo, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Info("termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP API.
	{
		g.Add(
			func() error {
				logger.Info("http server listening", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					logger.Error("http server shutdown", zap.Error(err))
				}
			},
		)
	}

	// Retention janitor.
	if retention := config.Generation.Retention; retention > 0 {
		ctx, cancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				ticker := time.NewTicker(pruneInterval)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						batches := coordinator.Prune(retention)
						tasks := orchestrator.Prune(retention)
						if batches > 0 || tasks > 0 {
							logger.Debug("pruned finished work", zap.Int("batches", batches), zap.Int("tasks", tasks))
						}
					}
				}
			},
			func(_ error) {
				cancel()
			},
		)
	}

	if err := g.Run(); err != nil {
		return err
	}

	logger.Info("profilegen server stopped")
	return nil
}

func newRepository(ctx context.Context, cfg StorageConfig, logger *zap.Logger) (storage.Repository, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
		return repo, func() {}, err

	case "sqlite":
		repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: cfg.SQLite.Path, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Warn("closing sqlite", zap.Error(err))
			}
		}, nil

	case "mongo":
		repo, err := mongodb.NewRepository(ctx, mongodb.RepositoryConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := repo.Close(ctx); err != nil {
				logger.Warn("closing mongo", zap.Error(err))
			}
		}, nil
	}

	return nil, nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
}

func newAdapter(ctx context.Context, cfg AIConfig, logger *zap.Logger) (llm.Adapter, error) {
	switch cfg.Provider {
	case "", gemini.Provider:
		if cfg.Gemini == nil {
			cfg.Gemini = &GeminiConfig{}
		}

		apiKey, err := secrets.Load(secrets.Source{
			Name: "gemini api key",
			Env:  "GEMINI_API_KEY",
			File: cfg.Gemini.APIKeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY)", err)
		}

		return gemini.NewGenerator(ctx, gemini.Config{
			APIKey:       apiKey,
			Model:        cfg.Gemini.Model,
			MaxLogLength: cfg.Gemini.MaxLogLength,
			Logger:       logger,
		})

	case openai.Provider:
		if cfg.OpenAI == nil {
			cfg.OpenAI = &OpenAIConfig{}
		}

		apiKey, err := secrets.Load(secrets.Source{
			Name: "openai api key",
			Env:  "OPENAI_API_KEY",
			File: cfg.OpenAI.APIKeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set ai.openai.api-key-file or OPENAI_API_KEY)", err)
		}

		return openai.NewGenerator(openai.Config{
			APIKey:       apiKey,
			Model:        cfg.OpenAI.Model,
			BaseURL:      cfg.OpenAI.BaseURL,
			Temperature:  cfg.OpenAI.Temperature,
			MaxLogLength: cfg.OpenAI.MaxLogLength,
			Logger:       logger,
		})
	}

	return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
}
