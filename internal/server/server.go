// Package server exposes the research engine over HTTP: auth, run
// management with a live event stream, saved questions and the cron
// scheduler.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/biosleuth/biosleuth/config"
	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/gateway"
	"github.com/biosleuth/biosleuth/internal/index"
	"github.com/biosleuth/biosleuth/internal/outline"
	"github.com/biosleuth/biosleuth/internal/registry"
	"github.com/biosleuth/biosleuth/internal/report"
	"github.com/biosleuth/biosleuth/internal/store"
	"github.com/biosleuth/biosleuth/internal/supervisor"
	"github.com/biosleuth/biosleuth/internal/telemetry"
	"github.com/biosleuth/biosleuth/internal/worker"
)

// Server is the assembled HTTP front end plus the engine behind it.
type Server struct {
	cfg  *config.Config
	e    *echo.Echo
	sup  *supervisor.Supervisor
	tele *telemetry.Telemetry
	st   *store.Store
	rdb  *redis.Client
	runs *RunsHandler
}

// New wires the engine from config: evidence store, tool registry,
// planner, workers, synthesizer, supervisor and the HTTP routes. The
// gateway client and registry are supplied by the caller so hosts can
// register their own domain tools before the server starts.
func New(ctx context.Context, cfg *config.Config, client gateway.Client, reg *registry.Registry) (*Server, error) {
	if cfg.Server.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	secret := []byte(cfg.Server.JWTSecret)

	tele := telemetry.New(cfg.Telemetry)
	client = telemetry.InstrumentClient(client, tele, modelRates(cfg))

	// Configured connection settings win over the environment; the
	// migration runner targets the same database either way.
	dsn := ""
	if cfg.Storage.Postgres.DBName != "" {
		dsn = cfg.Storage.Postgres.DSN()
	} else {
		dsn = store.EnvDSN()
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("migrate: %v", err)
	}

	var rdb *redis.Client
	if cfg.Evidence.Backend == "redis" || cfg.Server.SchedulerEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Evidence.Redis.Host, cfg.Evidence.Redis.Port),
			Password: cfg.Evidence.Redis.Password,
			DB:       cfg.Evidence.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
	}

	// All server runs share one evidence namespace; evidence ids are
	// globally unique.
	var ev evidence.Store
	switch cfg.Evidence.Backend {
	case "redis":
		ev = evidence.NewRedisStore(rdb, "shared")
	case "postgres":
		ev = evidence.NewPostgresStore(st.DB, "shared")
	default:
		ev = evidence.NewMemoryStore()
	}

	var idx *index.EvidenceIndex
	if cfg.Evidence.Index.Enabled {
		idx, err = index.New(ev)
		if err != nil {
			return nil, fmt.Errorf("evidence index: %w", err)
		}
		ev = index.WrapStore(ev, idx)
		if err := reg.Register(idx.Tool()); err != nil {
			return nil, err
		}
	}

	planner := outline.NewPlanner(client, routeParams(cfg, cfg.LLM.Routing.Planning), nil)
	researcher := worker.New(client, routeParams(cfg, cfg.LLM.Routing.Research), reg, ev, nil)
	synthesizer := report.NewSynthesizer(client, routeParams(cfg, cfg.LLM.Routing.Synthesis), ev, nil)
	sup := supervisor.New(cfg.Agents, planner, researcher, synthesizer, reg, nil)

	s := &Server{cfg: cfg, sup: sup, tele: tele, st: st, rdb: rdb}
	s.runs = &RunsHandler{Store: st, Sup: sup, Cfg: cfg, Tele: tele, Index: idx}
	s.e = s.buildEcho(secret)
	return s, nil
}

// Start runs the HTTP listener and, when enabled, the scheduler. Blocks
// until the listener stops.
func (s *Server) Start() error {
	if s.cfg.Server.SchedulerEnabled {
		sched := &Scheduler{
			Store:  s.st,
			Rdb:    s.rdb,
			Launch: s.runs.Launch,
			Stop:   make(chan struct{}),
		}
		sched.Start()
	}
	addr := s.cfg.Server.Address
	if addr == "" {
		addr = ":10001"
	}
	log.Printf("listening on %s", addr)
	return s.e.Start(addr)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

func (s *Server) buildEcho(secret []byte) *echo.Echo {
	e := newEcho()
	e.GET("/metrics", echo.WrapHandler(s.tele.Handler()))

	api := e.Group("/api")
	auth := &AuthHandler{Store: s.st, Secret: secret}
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"user_id": c.Get("user_id").(string)})
	})

	s.runs.Register(api.Group("/runs"), secret)

	qh := &QuestionsHandler{Store: s.st}
	qh.Register(api.Group("/questions"), secret)
	return e
}

// newEcho builds the router shell shared by the server and its tests:
// recovery, a JSON error handler, CORS and the health probe.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

// routeParams resolves a routed model name against the configured
// providers. Unknown names pass through as the API model name.
func routeParams(cfg *config.Config, model string) gateway.Params {
	if model == "" {
		model = cfg.LLM.Routing.Fallback
	}
	for _, p := range cfg.LLM.Providers {
		if m, ok := p.Models[model]; ok {
			name := m.APIName
			if name == "" {
				name = m.Name
			}
			return gateway.Params{Model: name, Temperature: m.Temperature, MaxTokens: m.MaxTokens}
		}
	}
	return gateway.Params{Model: model}
}

// RouteParams is routeParams for callers outside the package (the CLI
// builds the same engine without the HTTP layer).
func RouteParams(cfg *config.Config, model string) gateway.Params { return routeParams(cfg, model) }

// modelRates maps API model names to their configured per-1K pricing,
// for the instrumented gateway client.
func modelRates(cfg *config.Config) map[string]telemetry.ModelRate {
	rates := make(map[string]telemetry.ModelRate)
	for _, p := range cfg.LLM.Providers {
		for _, m := range p.Models {
			name := m.APIName
			if name == "" {
				name = m.Name
			}
			rates[name] = telemetry.ModelRate{InputPer1K: m.CostPer1K, OutputPer1K: m.CostPer1KOutput}
		}
	}
	return rates
}

// ModelRates is modelRates for callers outside the package.
func ModelRates(cfg *config.Config) map[string]telemetry.ModelRate { return modelRates(cfg) }
