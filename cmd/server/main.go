package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/auth"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/config"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/database"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/geo"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/logger"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/realtime"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/routes"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logr := logger.New(cfg)
	defer logr.Sync()

	db, err := database.New(cfg.DatabaseURL, cfg)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()
	if err := database.Migrate(startCtx, db); err != nil {
		logr.Fatal("failed to migrate schema", zap.Error(err))
	}
	repo := database.NewRepository(db)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, "zov-core")
	if err != nil {
		logr.Fatal("failed to init jwt manager", zap.Error(err))
	}

	var cache services.RouteCache = services.NewMemoryRouteCache(cfg.RouteCacheSize, cfg.RouteCacheTTL)
	if cfg.RedisAddr != "" {
		rdb := services.OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		cacheLog := logr.Component("route-cache")
		cache = services.NewRedisRouteCache(rdb, cfg.RouteCacheTTL, func(err error) {
			cacheLog.Warn("redis route cache", zap.Error(err))
		})
		logr.Info("route cache backed by redis", zap.String("addr", cfg.RedisAddr))
	}

	hub := realtime.NewHub(cfg.SyncQueueSize, logr.Component("hub"))
	index := geo.NewIndex(logr.Component("geo"))

	regions := services.NewRegionStore(index, logr.Component("regions"),
		services.WithRepository(repo),
		services.WithPublisher(hub),
		services.WithRatingDeltaLimit(cfg.RatingDeltaLimit),
	)
	launches := services.NewLaunchCoordinator(services.LaunchConfig{
		Threshold:  cfg.EligibilityThreshold,
		Cooldown:   cfg.LaunchCooldown,
		ArmDelay:   cfg.LaunchArmDelay,
		FlightTime: cfg.LaunchFlightTime,
	}, regions, logr.Component("launches"),
		services.WithLaunchRepository(repo),
		services.WithLaunchPublisher(hub),
	)
	supply := services.NewSupplyGraph(index, logr.Component("supply"),
		services.WithSupplyRepository(repo),
		services.WithSupplyPublisher(hub),
		services.WithRouteCache(cache),
	)

	state, err := repo.LoadAll(startCtx)
	if err != nil {
		logr.Fatal("failed to load state", zap.Error(err))
	}
	if err := regions.Load(state); err != nil {
		logr.Fatal("failed to restore regions", zap.Error(err))
	}
	launches.Load(state.Launches)
	supply.Load(state.Depots, state.Routes)
	logr.Info("state restored",
		zap.Int("regions", len(state.Regions)),
		zap.Int("users", len(state.Users)),
		zap.Int("launch_records", len(state.Launches)),
		zap.Int("depots", len(state.Depots)),
		zap.Int("routes", len(state.Routes)),
	)

	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		admin, err := regions.EnsureAdmin(startCtx, cfg.AdminUsername, cfg.AdminPassword)
		if err != nil {
			logr.Fatal("failed to bootstrap admin", zap.Error(err))
		}
		logr.Info("admin account ready", zap.String("user_id", admin.ID), zap.String("username", admin.Username))
	}

	authSvc := services.NewAuthService(regions, jwtMgr, cfg, logr.Component("auth"))
	ws := realtime.NewServer(hub,
		realtime.StoreSource{Regions: regions, Launches: launches, Supply: supply},
		authSvc, regions,
		realtime.ServerConfig{
			PingInterval:    cfg.SyncPingInterval,
			EventsPerSecond: cfg.WSEventsPerSecond,
			EventBurst:      cfg.WSEventBurst,
			AllowedOrigins:  cfg.AllowedOrigins,
		}, logr.Component("ws"))

	r := routes.NewRouter(routes.Services{
		Auth:     authSvc,
		Regions:  regions,
		Launches: launches,
		Supply:   supply,
		Realtime: ws,
	}, cfg, logr)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logr.Info("server started", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.LaunchFlightTime+10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logr.Error("server forced to shutdown", zap.Error(err))
	}
	if err := launches.Shutdown(ctx); err != nil {
		logr.Error("launches still in flight at shutdown", zap.Error(err))
	}
	hub.Close()

	logr.Info("server exited gracefully")
}
