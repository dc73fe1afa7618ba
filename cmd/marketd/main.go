package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"circlesmarket/config"
	"circlesmarket/market/basket"
	"circlesmarket/market/bus"
	"circlesmarket/market/content"
	"circlesmarket/market/fulfillment"
	"circlesmarket/market/inventory"
	"circlesmarket/market/orders"
	"circlesmarket/market/payments"
	"circlesmarket/market/registry"
	"circlesmarket/market/routes"
	"circlesmarket/observability/logging"
	otelobs "circlesmarket/observability/otel"
	"circlesmarket/server"
)

func main() {
	configPath := flag.String("config", "market.toml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("market-gateway", "").Error("load config failed", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("market-gateway", cfg.Environment)

	if cfg.Telemetry.Enabled {
		shutdown, err := otelobs.Init(context.Background(), otelobs.Config{
			ServiceName: "market-gateway",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("init telemetry failed", "err", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	routeDB, err := gorm.Open(sqlite.Open(cfg.RouteDatabasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Error("open route database failed", "err", err)
		os.Exit(1)
	}
	if err := routes.AutoMigrate(routeDB); err != nil {
		logger.Error("migrate route database failed", "err", err)
		os.Exit(1)
	}
	routeStore := routes.NewStore(routeDB, cfg.UpstreamTemplates, cfg.TemplateVars)

	basketStore, err := basket.Open(cfg.BasketDatabasePath, cfg.PrimaryChainID)
	if err != nil {
		logger.Error("open basket store failed", "err", err)
		os.Exit(1)
	}
	defer basketStore.Close()

	orderStore, err := orders.Open(cfg.OrderDatabasePath)
	if err != nil {
		logger.Error("open order store failed", "err", err)
		os.Exit(1)
	}
	defer orderStore.Close()
	access := orders.NewAccess(orderStore)

	// The registry and object store are external collaborators; the static
	// registry serves until the catalog pipeline publishes digests into it.
	objectStore := content.NewCachedStore(content.NewMemoryStore(), content.DefaultMaxObjectBytes)
	resolver := registry.NewResolver(registry.NewStaticRegistry(), objectStore, registry.SignerMatchVerifier{})
	inventoryClient := inventory.NewClient(nil)
	canonicalizer := basket.NewCanonicalizer(resolver, routeStore, inventoryClient, orderStore, logger)

	busOpts := []bus.Option{}
	if cfg.Bus.SubscriberCapacity > 0 {
		busOpts = append(busOpts, bus.WithSubscriberCapacity(cfg.Bus.SubscriberCapacity))
	}
	if cfg.Bus.MaxPerKey > 0 {
		busOpts = append(busOpts, bus.WithMaxPerKey(cfg.Bus.MaxPerKey))
	}
	buyerBus := bus.New("buyers", busOpts...)
	sellerBus := bus.New("sellers", busOpts...)

	clientOpts := []fulfillment.Option{}
	if cfg.Outbound.MaxRedirectHops > 0 {
		clientOpts = append(clientOpts, fulfillment.WithMaxHops(cfg.Outbound.MaxRedirectHops))
	}
	if cfg.Outbound.TimeoutMilli > 0 {
		clientOpts = append(clientOpts, fulfillment.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Outbound.TimeoutMilli) * time.Millisecond,
		}))
	}
	fulfillClient := fulfillment.NewClient(routeStore, clientOpts...)

	lifecycle := bus.NewLifecycle(buyerBus, sellerBus, orderStore, access, routeStore, fulfillClient, logger)
	flow := payments.NewFlow(orderStore, lifecycle, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Indexer.BaseURL != "" {
		indexerClient := payments.NewClient(cfg.Indexer.BaseURL, cfg.PrimaryChainID, nil)
		poller := payments.NewPoller(indexerClient, flow, orderStore, payments.PollerConfig{
			Interval:      cfg.Indexer.PollInterval(),
			BatchLimit:    cfg.Indexer.BatchLimit,
			Confirmations: cfg.Indexer.Confirmations,
			FinalityDepth: cfg.Indexer.FinalityDepth,
		}, logger)
		go func() {
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("payment poller stopped", "err", err)
			}
		}()
	} else {
		logger.Warn("indexer base url not configured, payment matching disabled")
	}

	limits := make(map[string]server.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = server.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}

	srv := server.New(server.Options{
		Baskets:      basketStore,
		Canonicalize: canonicalizer,
		Orders:       orderStore,
		Access:       access,
		BuyerBus:     buyerBus,
		SellerBus:    sellerBus,
		Auth: server.NewAuthenticator(server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		Limiter:      server.NewRateLimiter(limits),
		Logger:       logger,
		PrimaryChain: cfg.PrimaryChainID,
		Operator:     cfg.OperatorAddress,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	logger.Info("market gateway listening", "addr", cfg.ListenAddress, "chainId", cfg.PrimaryChainID)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "err", err)
		os.Exit(1)
	}

	canonicalizer.WaitForRefreshes()
	lifecycle.Wait()
	logger.Info("market gateway stopped")
}
