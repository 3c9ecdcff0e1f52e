package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/cascade"
	"github.com/clinic/clinic/internal/domain/listing"
	"github.com/clinic/clinic/internal/domain/reporting"
	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/cache"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/store/memstore"
	"github.com/clinic/clinic/internal/platform/store/pgstore"
)

const cacheSweepInterval = time.Minute

// app holds everything the server and the cascade commands share.
type app struct {
	echo         *echo.Echo
	store        store.Store
	pool         *pgxpool.Pool
	cache        *cache.Service
	journal      cascade.Journal
	orchestrator *cascade.Orchestrator

	stop context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	bgCtx, stop := context.WithCancel(context.Background())
	a := &app{stop: stop}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn().Msg("using the in-memory store; data is lost on restart")
		a.store = memstore.New()
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = pgstore.New(pool)
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		backend, err := cache.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.cache = cache.New(backend, logger)
		logger.Info().Msg("report cache backed by redis")
	} else {
		backend := cache.NewMemoryBackend()
		backend.StartCleanup(bgCtx, cacheSweepInterval)
		a.cache = cache.New(backend, logger)
	}

	journal, err := cascade.OpenLevelJournal(cfg.CascadeJournalPath)
	if err != nil {
		return nil, err
	}
	a.journal = journal

	a.orchestrator = cascade.NewOrchestrator(a.store, a.journal, logger,
		cascade.WithCache(a.cache),
		cascade.WithTimeout(cfg.CascadeTimeout),
	)

	a.echo = newRouter(cfg, logger, a)
	built = true
	return a, nil
}

// Close releases the app's resources. It is safe on a partially built app.
func (a *app) Close() {
	if a.stop != nil {
		a.stop()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newRouter(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization,
			echo.HeaderXRequestID, auth.UserIDHeader, "X-User-Roles"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.AuthSigningKey != "" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Msg("no AUTH_SIGNING_KEY set; trusting the " + auth.UserIDHeader + " header")
		e.Use(auth.DevMiddleware(auth.AuthSkipper))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", metrics.Handler())

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	rl.KeyFunc = rateLimitKey

	api := e.Group("/api/v1")
	if cfg.RateLimitRPS > 0 {
		api.Use(middleware.RateLimit(rl))
	}

	listing.NewHandler(listing.NewService(a.store, listing.Limits{
		DefaultLimit:     cfg.QueryDefaultLimit,
		UserDefaultLimit: cfg.QueryUserDefaultLimit,
		MaxLimit:         cfg.QueryMaxLimit,
	})).RegisterRoutes(api)

	reporting.NewHandler(reporting.NewService(a.store, a.cache, cfg.CacheTTL)).RegisterRoutes(api)

	var pinned []echo.MiddlewareFunc
	if a.pool != nil {
		pinned = append(pinned, db.ConnMiddleware(a.pool))
	}
	cascade.NewHandler(a.orchestrator).RegisterRoutes(api, pinned...)

	return e
}

// rateLimitKey buckets authenticated requests per user and the rest per IP.
func rateLimitKey(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return "user:" + id
	}
	return fmt.Sprintf("ip:%s", c.RealIP())
}
