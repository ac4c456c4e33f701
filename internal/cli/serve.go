package cli

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/akshayaggarwal99/boxed/internal/api"
	"github.com/akshayaggarwal99/boxed/internal/config"
	"github.com/akshayaggarwal99/boxed/internal/driver"
	_ "github.com/akshayaggarwal99/boxed/internal/driver/docker"
	"github.com/akshayaggarwal99/boxed/internal/lifecycle"
	"github.com/akshayaggarwal99/boxed/internal/reconcile"
	"github.com/akshayaggarwal99/boxed/internal/registry"
	"github.com/akshayaggarwal99/boxed/internal/registry/memory"
	"github.com/akshayaggarwal99/boxed/internal/registry/postgres"
	"github.com/akshayaggarwal99/boxed/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox orchestrator HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServer() error {
	settings, err := config.Load(cfgViper)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	configureLogging(settings.LogFormat, settings.LogLevel)

	log.Info().Str("host", settings.Host).Int("port", settings.Port).Msg("matrx sandbox orchestrator starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	drv, err := driver.New("docker", map[string]any{"network": settings.DockerNetwork})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize container driver")
	}
	defer drv.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := drv.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("container driver health check failed")
	}
	healthCancel()

	store, err := buildStore(ctx, settings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sandbox registry")
	}
	defer store.Close()

	var storageMgr *storage.Manager
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(settings.S3Region))
	if err != nil {
		log.Warn().Err(err).Msg("failed to load aws config — storage operations will fail")
	} else {
		storageMgr = storage.NewManager(s3.NewFromConfig(awsCfg), settings.S3Bucket)
		if err := storageMgr.ValidateBucket(ctx); err != nil {
			log.Warn().Err(err).Msg("s3 bucket validation failed — storage operations may not work")
		}
	}

	manager := lifecycle.NewManager(store, drv, settings.Host, lifecycle.ContainerSpec{
		Image:               settings.SandboxImage,
		CPULimitCores:       settings.ContainerCPULimit,
		MemoryLimit:         settings.ContainerMemoryLimit,
		Network:             settings.DockerNetwork,
		ShutdownTimeoutSecs: settings.ShutdownTimeoutSeconds,
		S3Bucket:            settings.S3Bucket,
		S3Region:            settings.S3Region,
	})

	loops := reconcile.NewLoops(store, drv, manager)
	go loops.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(manager, drv, storageMgr, settings.APIKey, settings.APIKeyHeader, settings.ShutdownTimeoutSeconds)
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		addr := settings.Host + ":" + portString(settings.Port)
		log.Info().Str("addr", addr).Msg("server listening")
		serverErr <- e.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server startup failed")
	}
	return nil
}

func buildStore(ctx context.Context, settings *config.Settings) (registry.Store, error) {
	if settings.SandboxStore == "postgres" {
		return postgres.New(ctx, settings.DatabaseURL)
	}
	return memory.New(), nil
}

func portString(port int) string {
	if port <= 0 {
		return "8080"
	}
	return strconv.Itoa(port)
}
