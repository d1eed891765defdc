// Command votechaind serves the vote chain over HTTP.
//
// The chain backend is selected by configuration: a PostgreSQL database
// when database.url is set, otherwise an in-memory chain persisted to a
// local JSON file. Remote sync to a GitHub gist is enabled by configuring
// a token; without one the service runs fully offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/votechain/votechain/internal/api"
	"github.com/votechain/votechain/internal/ballot"
	"github.com/votechain/votechain/internal/chain"
	"github.com/votechain/votechain/internal/remote"
	"github.com/votechain/votechain/internal/store"
	"github.com/votechain/votechain/internal/token"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("votechaind exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("votechaind")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("chain.file", "vote_chain.json")
	viper.SetDefault("chain.qr_dir", "qrcodes")
	viper.SetDefault("chain.qr_enabled", true)
	viper.SetDefault("sync.github_token", "")
	viper.SetDefault("sync.gist_filename", "vote_chain.json")
	viper.SetDefault("sync.gist_description", "votechain ledger")
	viper.SetDefault("admin.password_hash", "")
	viper.SetDefault("admin.token_ttl", "1h")
	viper.SetDefault("election.candidates", []string{})
	viper.SetDefault("election.end_time", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Chain backend ────────────────────────────────────────────────────────
	var (
		ledger    chain.Chain
		fileStore *store.FileStore
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}

		pg := chain.NewPostgresChain(pool, logger)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return err
		}
		ledger = pg
		logger.Info("chain backend: postgres")
	} else {
		fileStore = store.NewFileStore(viper.GetString("chain.file"))
		records, err := fileStore.Load()
		if err != nil {
			return err
		}
		ledger = chain.FromRecords(records)
		logger.Info("chain backend: file",
			zap.String("path", fileStore.Path()),
			zap.Int("records", len(records)),
		)
	}

	// ── Sync gateway ─────────────────────────────────────────────────────────
	var gateway remote.Gateway
	if ghToken := viper.GetString("sync.github_token"); ghToken != "" {
		gateway = remote.NewGistGateway(
			ghToken,
			viper.GetString("sync.gist_filename"),
			viper.GetString("sync.gist_description"),
			logger,
		)
		logger.Info("sync gateway: github gist",
			zap.String("filename", viper.GetString("sync.gist_filename")),
		)
	} else {
		gateway = remote.NewNoopGateway(logger)
		logger.Info("sync gateway: noop (set sync.github_token to enable gist sync)")
	}

	// ── Election policy ──────────────────────────────────────────────────────
	policy := ballot.Policy{Candidates: viper.GetStringSlice("election.candidates")}
	if endStr := viper.GetString("election.end_time"); endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return fmt.Errorf("parse election.end_time: %w", err)
		}
		policy.EndTime = end
	}

	// ── Service ──────────────────────────────────────────────────────────────
	opts := []ballot.Option{
		ballot.WithGateway(gateway),
		ballot.WithPolicy(policy),
		ballot.WithLogger(logger),
	}
	if fileStore != nil {
		opts = append(opts, ballot.WithFileStore(fileStore))
	}
	if viper.GetBool("chain.qr_enabled") {
		opts = append(opts, ballot.WithImageWriter(token.NewQRWriter(512), viper.GetString("chain.qr_dir")))
	}
	svc := ballot.New(ledger, opts...)

	// Startup integrity check.
	startCtx := context.Background()
	if report, err := svc.Validate(startCtx); err != nil {
		logger.Warn("startup chain validation errored", zap.Error(err))
	} else if !report.Valid {
		logger.Warn("chain integrity check FAILED",
			zap.Int("violations", len(report.Violations)),
		)
		for _, v := range report.Violations {
			logger.Warn("invariant violation", zap.String("violation", v.String()))
		}
	} else {
		n, _ := ledger.Len(startCtx)
		last, _ := ledger.LastHash(startCtx)
		api.SetChainLength(n)
		logger.Info("chain verified",
			zap.Int("records", n),
			zap.String("last_hash", last),
		)
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))

	router.Use(api.RequestID())
	router.Use(api.SecurityHeaders())

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(api.RateLimiter(rps, rps*2))
	}

	router.Use(api.RequestLogger(logger))
	router.Use(api.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", api.MetricsHandler())

	v1 := router.Group("/api/v1")
	api.NewChainHandler(svc, logger).Register(v1)

	if hash := viper.GetString("admin.password_hash"); hash != "" {
		auth, err := api.NewAdminAuth(hash, viper.GetDuration("admin.token_ttl"))
		if err != nil {
			return fmt.Errorf("admin auth setup: %w", err)
		}
		api.NewAdminHandler(svc, auth, logger).Register(v1)
	} else {
		logger.Warn("admin endpoints disabled (set admin.password_hash to enable prune/reset/sync)")
	}

	// ── Serve ────────────────────────────────────────────────────────────────
	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("votechaind listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down votechaind...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("votechaind stopped")
	return nil
}
