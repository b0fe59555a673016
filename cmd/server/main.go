package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tiffinbox/tiffinbox/api"
	"github.com/tiffinbox/tiffinbox/auth"
	"github.com/tiffinbox/tiffinbox/config"
	"github.com/tiffinbox/tiffinbox/metrics"
	"github.com/tiffinbox/tiffinbox/notify"
	"github.com/tiffinbox/tiffinbox/payment"
	"github.com/tiffinbox/tiffinbox/store"
	"github.com/tiffinbox/tiffinbox/subscription"
	"github.com/tiffinbox/tiffinbox/tracking"
)

var (
	configFile = pflag.String("config", "", "Path to configuration YAML file")
	addr       = pflag.String("addr", "", "HTTP listen address (overrides config)")
	inMemory   = pflag.Bool("in-memory", false, "Use in-memory stores instead of Redis")
)

func main() {
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else {
		cfg = config.FromEnv()
		logger.Info("no config file specified, using environment defaults")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores: Redis in production, in-memory for local runs.
	var (
		customers  store.CustomerStore
		deliveries store.DeliveryStatusStore
		subs       store.SubscriptionStore
		links      store.SubscriptionPaymentStore
		payments   store.PaymentHistoryStore
	)
	if *inMemory {
		customers = store.NewMemoryCustomerStore()
		deliveries = store.NewMemoryDeliveryStatusStore()
		memSubs := store.NewMemorySubscriptionStore()
		subs, links = memSubs, memSubs
		payments = store.NewMemoryPaymentHistoryStore()
		logger.Info("using in-memory stores")
	} else {
		rdb, err := store.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		customers = store.NewRedisCustomerStore(rdb)
		deliveries = store.NewRedisDeliveryStatusStore(rdb)
		redisSubs := store.NewRedisSubscriptionStore(rdb)
		subs, links = redisSubs, redisSubs
		payments = store.NewRedisPaymentHistoryStore(rdb)
		logger.Info("connected to redis", "addr", cfg.Redis.Address)
	}

	collector := metrics.NewCollector("tiffinbox")

	var notifier notify.Notifier
	if cfg.Notifier.Endpoint != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notifier)
	} else {
		notifier = notify.NewMockNotifier()
		logger.Warn("no notifier endpoint configured, notifications are dropped")
	}

	var gateway payment.Gateway
	var stripeGW *payment.StripeGateway
	if cfg.Stripe.APIKey != "" {
		stripeGW = payment.NewStripeGateway(cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret, payments)
		gateway = stripeGW
	} else {
		gateway = payment.NewMockGateway()
		logger.Warn("no stripe key configured, using mock payment gateway")
	}

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT secret is required (auth.jwtSecret or JWT_SECRET)")
	}
	authmw := auth.NewMiddleware(auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer))

	trackingEngine := tracking.New(deliveries, customers, notifier, logger, collector)
	subsEngine := subscription.New(subs, links, payments, notifier, logger, collector)

	mux := http.NewServeMux()
	api.NewHandler(trackingEngine, subsEngine, gateway, stripeGW, payments, authmw, collector, logger).RegisterRoutes(mux)

	// Background loops: renewal reminders and expired-record reclamation.
	go subsEngine.RunReminders(ctx, cfg.Renewal)
	go runExpirySweep(ctx, trackingEngine, cfg.ExpirySweepInterval, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	fmt.Println("Shutdown complete")
}

func runExpirySweep(ctx context.Context, engine *tracking.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ExpireSweep(ctx)
			if err != nil {
				logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reclaimed expired delivery records", "count", n)
			}
		}
	}
}
