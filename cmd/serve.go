package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/handlers"
	"github.com/example/faceverify/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the gRPC health service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	repo, closeRepo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}

	cache, closeCache, err := newCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	extractor := newExtractor()
	defer extractor.Close() //nolint:errcheck

	uc := newFaceUseCase(repo, cache, extractor)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), accessLog(logger))
	router.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(router, uc, logger, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Audience))

	srv := server.New(router, server.Options{
		HTTPAddr:        cfg.Server.Addr,
		HealthAddr:      cfg.GRPC.HealthAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if cfg.Model.Warmup {
		start := time.Now()
		if err := extractor.Warmup(); err != nil {
			return fmt.Errorf("load model: %w", err)
		}
		logger.Info("model loaded", zap.String("path", cfg.Model.Path), zap.Duration("duration", time.Since(start)))
		srv.SetServing(true)
	} else {
		go watchReadiness(ctx, srv, extractor.Loaded)
	}

	return srv.Serve(nil)
}

// watchReadiness marks the health service SERVING once loaded reports true.
func watchReadiness(ctx context.Context, srv *server.Server, loaded func() bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if loaded() {
				srv.SetServing(true)
				return
			}
		}
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.Writer.Header().Get(handlers.RequestIDHeader)))
	}
}
