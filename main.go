package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/web-casa/dad/internal/compose"
	"github.com/web-casa/dad/internal/config"
	"github.com/web-casa/dad/internal/database"
	"github.com/web-casa/dad/internal/docker"
	"github.com/web-casa/dad/internal/event"
	"github.com/web-casa/dad/internal/handler"
	"github.com/web-casa/dad/internal/logger"
	"github.com/web-casa/dad/internal/metrics"
	"github.com/web-casa/dad/internal/orchestrator"
	"github.com/web-casa/dad/internal/service"
	"github.com/web-casa/dad/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "dad: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// Load configuration
	cfg, err := config.Load(args, os.Stderr)
	if err != nil {
		return err
	}

	log, err := logger.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Lifecycle history
	db, err := database.Init(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close(db)

	st, err := store.Open(cfg.EnvironmentsDir, log.With("module", "store"))
	if err != nil {
		return err
	}

	runner := orchestrator.NewExecRunner(orchestrator.Elevation{
		Command:  cfg.Elevation,
		Password: cfg.ElevationPassword,
	}, cfg.CommandTimeout, log.With("module", "runner"))
	composeDriver := orchestrator.NewCompose(runner, cfg.ComposeBin, log.With("module", "compose"))

	inspector, closeInspector := newInspector(ctx, cfg.DockerSocket, composeDriver, log)
	defer closeInspector()

	bus := event.NewBus(log.With("module", "events"))
	history := service.NewHistory(db, log.With("module", "history"))
	history.Attach(bus)
	m := metrics.New()
	m.Attach(bus)

	svc := service.NewEnvironmentService(
		st,
		compose.NewRenderer(compose.DefaultBlueprints()),
		composeDriver,
		inspector,
		bus,
		service.Options{HostPortBase: cfg.HostPortBase},
		log.With("module", "environments"),
	)
	svc.Reconcile(ctx)

	envH := handler.NewEnvironmentHandler(svc, history, log.With("module", "http"))
	r := newRouter(envH, m, cfg.WebDir, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("dad starting", "addr", srv.Addr, "environments", cfg.EnvironmentsDir, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	if err := svc.Wait(shutdownCtx); err != nil {
		log.Warn("pending creations did not finish", "err", err)
	}
	return nil
}

// newInspector prefers the Docker Engine API and falls back to `compose ps`
// when the daemon socket is not reachable.
func newInspector(ctx context.Context, socket string, fallback *orchestrator.Compose, log *slog.Logger) (service.Inspector, func()) {
	cli, err := docker.NewClient(socket)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = cli.Ping(pingCtx)
		cancel()
		if err == nil {
			log.Info("inspecting containers through the Docker Engine API", "socket", socket)
			return cli, func() { cli.Close() }
		}
		cli.Close()
	}
	log.Warn("Docker Engine API unavailable, inspecting through compose ps", "socket", socket, "err", err)
	return fallback, func() {}
}

func newRouter(envH *handler.EnvironmentHandler, m *metrics.Metrics, webDir string, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), m.Middleware())

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	envH.Register(r.Group("/api"))
	r.GET("/metrics", gin.WrapH(m.Handler()))

	setupFrontend(r, webDir, log)
	return r
}

// setupFrontend serves a static SPA from dir if it exists. Unknown /api paths
// always answer with a JSON 404.
func setupFrontend(r *gin.Engine, dir string, log *slog.Logger) {
	serveSPA := false
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			serveSPA = true
			log.Info("serving frontend", "dir", dir)
		} else {
			log.Warn("frontend directory not found", "dir", dir)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if !serveSPA || strings.HasPrefix(path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}

		// Try to serve the exact file
		filePath := filepath.Join(dir, filepath.Clean("/"+path))
		if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
			c.File(filePath)
			return
		}

		// SPA fallback
		c.File(filepath.Join(dir, "index.html"))
	})
}
