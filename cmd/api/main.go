package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/chain"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/config"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/database"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/exchange"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/handler"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/logging"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/middleware"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/notify"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/poller"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/verify"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.Logging)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	registry, policy, err := buildChains(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build chain registry")
	}

	var exchangeSource verify.ExchangeSource
	if cfg.Exchange.Enabled {
		exchangeSource = exchange.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Poller.RequestTimeout)
		logger.Info().Msg("Exchange deposit source enabled")
	}

	router := verify.NewRouter(exchangeSource, registry, logger)

	var sinks []notify.Sink
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != 0 {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize telegram notifier")
		}
		sinks = append(sinks, tg)
	}

	p := poller.New(db, router, policy, sinks, cfg.Poller, logger)

	h := handler.NewHandler(db, p, registry.Networks(), cfg.OperatorAPIKey)
	engine := setupRouter(h, cfg)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		p.Run(ctx)
	}()

	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	// The poller finishes its in-flight invoice checks before returning, so
	// no partially applied check is left behind.
	<-pollerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
}

// buildChains registers one client per configured network. Unsupported
// kinds fail here, at startup, never inside the poll loop.
func buildChains(cfg *config.Config, logger zerolog.Logger) (*chain.Registry, *chain.Policy, error) {
	networks, err := config.LoadNetworks(cfg.NetworksFile)
	if err != nil {
		return nil, nil, err
	}

	registry := chain.NewRegistry()
	policy := chain.NewPolicy()
	timeout := cfg.Poller.RequestTimeout

	for _, nc := range networks {
		var client chain.Client
		switch nc.Kind {
		case "account":
			client = chain.NewEthereumClient(nc.Name, nc.Endpoint, nc.APIKey, nc.Decimals, timeout)
		case "utxo":
			client = chain.NewBitcoinClient(nc.Name, nc.Endpoint, nc.Decimals, timeout)
		case "ton":
			client = chain.NewTONClient(nc.Name, nc.Endpoint, nc.APIKey, timeout)
		default:
			logger.Fatal().
				Str("network", nc.Name).
				Str("kind", nc.Kind).
				Msg("Unsupported network kind")
		}

		if err := registry.Register(client); err != nil {
			return nil, nil, err
		}
		if err := policy.Set(nc.Name, nc.Confirmations); err != nil {
			return nil, nil, err
		}
		logger.Info().
			Str("network", nc.Name).
			Str("kind", nc.Kind).
			Int("confirmations", nc.Confirmations).
			Msg("Registered chain client")
	}
	return registry, policy, nil
}

func setupRouter(h *handler.Handler, cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Cors())

	rateLimiter := middleware.NewIPRateLimiter(cfg.RateLimit)
	router.Use(rateLimiter.RateLimit())

	// Health check endpoint
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		invoices := v1.Group("/invoices")
		{
			invoices.POST("", h.CreateInvoice)
			invoices.GET("/:id", h.GetInvoice)
			invoices.GET("/:id/payments", h.ListPayments)
			invoices.GET("/:id/events", h.ListEvents)
			invoices.POST("/:id/cancel", h.OperatorAuth(), h.CancelInvoice)
		}

		// Operator routes
		v1.POST("/verify", h.OperatorAuth(), h.ManualVerify)
	}

	return router
}
