package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentwatch-hq/agentwatch/config"
	"github.com/agentwatch-hq/agentwatch/internal/governance"
	"github.com/agentwatch-hq/agentwatch/internal/graph"
	"github.com/agentwatch-hq/agentwatch/internal/notify"
)

// Run assembles the governance service and serves it on the configured
// address.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
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
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Top-level DI: graph store with one-way failover, evaluators, notifier,
	// orchestrator.
	ctx := context.Background()
	graphLogger := log.New(log.Writer(), "[Graph] ", log.LstdFlags)
	var primary graph.Store
	if cfg.Graph.Neo4jURI != "" {
		neoStore, err := graph.NewNeo4jStore(ctx, cfg.Graph.Neo4jURI, cfg.Graph.Neo4jUser, cfg.Graph.Neo4jPassword, cfg.Graph.ConnectTimeout, graphLogger)
		if err != nil {
			graphLogger.Printf("primary backend unreachable, starting on in-process fallback: %v", err)
		} else {
			primary = neoStore
		}
	} else {
		graphLogger.Printf("no neo4j uri configured, using in-process store")
	}
	store := graph.NewFailoverStore(primary, graph.NewMemoryStore(), graphLogger)

	govLogger := log.New(log.Writer(), "[Governance] ", log.LstdFlags)
	extractor := governance.NewExtractorService(cfg.Extraction, govLogger)
	policyEngine := governance.NewPolicyEngine(cfg.Policy, govLogger)
	probePolicyService(ctx, cfg.Policy, policyEngine, govLogger)

	notifyLogger := log.New(log.Writer(), "[Notify] ", log.LstdFlags)
	feed := notify.NewFeed(cfg.Notifier.FeedCapacity, cfg.Notifier.SubscriberDepth)
	registry := notify.NewWebhookRegistry()
	dispatcher := notify.NewWebhookDispatcher(registry, cfg.Notifier.WebhookTimeout, notifyLogger)
	stream := notify.NewStreamPublisher(cfg.Notifier.RedisAddr, cfg.Notifier.RedisStream, cfg.Notifier.RedisMaxLen, notifyLogger)
	notifier := notify.NewNotifier(feed, dispatcher, stream, cfg.Notifier.WebhookTimeout, notifyLogger)

	orchestrator := governance.NewOrchestrator(store, extractor, policyEngine, notifier,
		cfg.Governance.LoopWindow, cfg.Governance.LoopThreshold, govLogger)

	api := e.Group("/api/v1")
	(&TelemetryHandler{Orchestrator: orchestrator}).Register(api)
	(&GraphHandler{Store: store}).Register(api)
	(&FeedHandler{Feed: feed, Logger: notifyLogger}).Register(api)
	(&AdminHandler{Store: store, Policy: policyEngine, Registry: registry}).Register(api)

	return e.Start(cfg.Server.Address)
}

// probePolicyService checks once at startup whether the remote policy service
// answers, purely to log which evaluation path will serve. Never fatal.
func probePolicyService(ctx context.Context, cfg config.PolicyConfig, engine *governance.PolicyEngine, logger *log.Logger) {
	if cfg.APIURL == "" || cfg.APIKey == "" {
		logger.Printf("no policy service configured, local rule engine active")
		return
	}
	if _, err := engine.Probe(ctx); err != nil {
		logger.Printf("policy service unreachable, local rule engine active as fallback: %v", err)
		return
	}
	logger.Printf("policy service reachable at %s", cfg.APIURL)
}
