package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/config"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/handlers"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/logger"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/metrics"
	mdlwr "github.com/ta4ilka69/distributed-data-storage-systems/internal/middleware"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
)

// Services are the components the router exposes.
type Services struct {
	Auth     *services.AuthService
	Regions  *services.RegionStore
	Launches *services.LaunchCoordinator
	Supply   *services.SupplyGraph
	// Realtime serves the websocket endpoint.
	Realtime http.Handler
}

func NewRouter(svc Services, cfg *config.Config, logr *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(mdlwr.Duration)

	// CORS middleware with config
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authMW := mdlwr.NewAuthMiddleware(svc.Auth, logr.Component("auth-middleware"))
	limiter := mdlwr.NewRateLimiter(cfg.HTTPRequestsPerSecond, cfg.HTTPRequestBurst, logr.Component("ratelimit"))

	authHandler := handlers.NewAuthHandler(svc.Auth, logr.Component("auth"), cfg)
	regionHandler := handlers.NewRegionHandler(svc.Regions, logr.Component("regions"))
	userHandler := handlers.NewUserHandler(svc.Regions, logr.Component("users"))
	launchHandler := handlers.NewLaunchHandler(svc.Launches, logr.Component("launches"))
	supplyHandler := handlers.NewSupplyHandler(svc.Supply, logr.Component("supply"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("ok"))
		if err != nil {
			return
		}
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if svc.Realtime != nil {
		r.Method(http.MethodGet, "/ws", svc.Realtime)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Handler)

		r.Route("/auth", func(r chi.Router) {
			// Public routes
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)

			// Protected routes
			r.Group(func(r chi.Router) {
				r.Use(authMW.JWTAuth)
				r.Post("/logout", authHandler.Logout)
			})
		})

		r.Route("/users", func(r chi.Router) {
			// registration is public
			r.Post("/", userHandler.Create)

			r.Group(func(r chi.Router) {
				r.Use(authMW.JWTAuth)
				r.Get("/", userHandler.List)
				r.Get("/below-rating/{threshold}", userHandler.BelowRating)
				r.Get("/region/{regionId}", userHandler.InRegion)
				r.Get("/region/{regionId}/important", userHandler.ImportantInRegion)

				r.Get("/{id}", userHandler.Get)
				r.Delete("/{id}", userHandler.Delete)
				r.Put("/{id}/location", userHandler.UpdateLocation)
				r.Put("/{id}/status", userHandler.SetStatus)
				r.Post("/{id}/rating", userHandler.Rate)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(authMW.JWTAuth)

			r.Route("/regions", func(r chi.Router) {
				r.Get("/", regionHandler.List)
				r.Post("/", regionHandler.Create)
				r.Get("/containing", regionHandler.Containing)
				r.Get("/low-rated", regionHandler.LowRated)
				r.Get("/type/{type}", regionHandler.ByType)
				r.Get("/parent/{parentId}", regionHandler.Children)
				r.Get("/under-threat/{type}", regionHandler.UnderThreat)
				r.Put("/statistics/all", regionHandler.RecomputeAll)

				r.Get("/{id}", regionHandler.Get)
				r.Put("/{id}", regionHandler.Update)
				r.Delete("/{id}", regionHandler.Delete)
				r.Put("/{id}/threat", regionHandler.SetThreat)
				r.Put("/{id}/statistics", regionHandler.RecomputeOne)
			})

			r.Route("/launches/{regionId}", func(r chi.Router) {
				r.Get("/", launchHandler.Get)
				r.Get("/history", launchHandler.History)
				r.Post("/request", launchHandler.Request)
				r.Post("/confirm", launchHandler.Confirm)
				r.Post("/cancel", launchHandler.Cancel)
			})

			r.Route("/supply", func(r chi.Router) {
				r.Get("/visualization", supplyHandler.Visualization)

				r.Route("/depots", func(r chi.Router) {
					r.Get("/", supplyHandler.ListDepots)
					r.Post("/", supplyHandler.CreateDepot)
					r.Get("/region/{regionId}", supplyHandler.DepotsInRegion)
					r.Get("/{id}", supplyHandler.GetDepot)
					r.Post("/{id}/stock", supplyHandler.AddStock)
				})

				r.Route("/routes", func(r chi.Router) {
					r.Get("/", supplyHandler.ListRoutes)
					r.Post("/", supplyHandler.CreateRoute)
					r.Get("/optimal", supplyHandler.OptimalRoute)
					r.Put("/status", supplyHandler.SetRouteStatus)
					r.Put("/{id}/active", supplyHandler.ToggleRoute)
				})
			})
		})
	})

	return r
}
