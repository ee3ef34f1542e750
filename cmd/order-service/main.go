package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-ordering/internal/auth"
	"ms-ordering/internal/catalog"
	"ms-ordering/internal/config"
	"ms-ordering/internal/database/migrations"
	"ms-ordering/internal/expiry"
	"ms-ordering/internal/fulfillment"
	"ms-ordering/internal/gateway"
	"ms-ordering/internal/inventory"
	"ms-ordering/internal/kafka"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/notify"
	"ms-ordering/internal/order"
	"ms-ordering/internal/order/order_api"
	"ms-ordering/internal/payment"
	"ms-ordering/internal/payment/payment_api"
	"ms-ordering/internal/qr"
	"ms-ordering/internal/tickets"
	"ms-ordering/internal/tickets/ticket_api"
)

func connectPostgres(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	sqldb, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		log.LogDatabase(fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		if err = sqldb.Ping(); err == nil {
			break
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	log.LogDatabase("✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Redis unavailable at %s, listing cache disabled: %v", cfg.Addr, err))
		_ = client.Close()
		return nil
	}
	log.LogDatabase(fmt.Sprintf("✅ Redis connection successful to %s", cfg.Addr))
	return client
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Order Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB := connectPostgres(cfg.Database, log)
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, log, migrations.DefaultOptions())
	if err := runner.MigrateUp(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}
	defer runner.Close()

	redisClient := connectRedis(ctx, cfg.Redis, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var (
		producer *kafka.Producer
		events   order.EventPublisher
		paidPub  payment.PaidPublisher
		notifier notify.Notifier = &notify.LogNotifier{Logger: log}
	)
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.OrderEvents, cfg.Kafka.Topics.Notifications}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured successfully")
		}

		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.OrderEvents, log)
		defer producer.Close()
		events = producer
		paidPub = producer

		kafkaNotifier := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topics.Notifications, log)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, order events will not be published")
	}

	ledger := inventory.NewLedger(bunDB)
	store := catalog.NewStore(bunDB)

	var listingCache *catalog.Cache
	var orderCache order.ListingCache
	if redisClient != nil {
		listingCache = catalog.NewCache(redisClient, log, cfg.Redis.ListingTTL)
		orderCache = listingCache
	}
	listings := catalog.NewListings(store, listingCache)

	orderService := order.NewService(bunDB, ledger, events, orderCache, log,
		cfg.Orders.GraceWindow, cfg.Orders.LockWaitTimeout)
	ticketService := tickets.NewService(bunDB, log, cfg.Orders.LockWaitTimeout)
	engine := fulfillment.NewEngine(qr.NewGenerator(), log)

	stripeGW := gateway.NewStripe(cfg.Stripe)
	mpesaGW := gateway.NewMpesa(cfg.Mpesa, &http.Client{Timeout: 30 * time.Second})
	registry := gateway.NewRegistry(stripeGW, mpesaGW)

	reconciler := payment.NewReconciler(bunDB, registry, engine, notifier, paidPub, log,
		cfg.Orders.LockWaitTimeout)

	reaper := expiry.NewReaper(bunDB, ledger, orderCache, log,
		cfg.Orders.ReaperInterval, cfg.Orders.LockWaitTimeout)
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go reaper.Run(reaperCtx)
	log.LogReaper(fmt.Sprintf("Expiry reaper started, sweeping every %s", cfg.Orders.ReaperInterval))

	orderHandler := order_api.NewHandler(orderService, listings, log)
	paymentHandler := payment_api.NewHandler(reconciler, stripeGW, log)
	ticketHandler := ticket_api.NewHandler(ticketService, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()

	// --- Public Routes ---
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/v1/events/{eventId}/ticket-types", orderHandler.ListEventTicketTypes)
	r.Post("/webhooks/stripe", paymentHandler.StripeWebhook)
	r.Post("/webhooks/mpesa", paymentHandler.MpesaWebhook)

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth.JWTSecret))
		log.Info("AUTH", "JWT middleware applied to protected API routes")

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/orders", func(r chi.Router) {
				r.Post("/", orderHandler.CreateOrder)
				r.Get("/", orderHandler.ListMyOrders)
				r.Get("/{orderId}", orderHandler.GetOrder)
				r.Delete("/{orderId}", orderHandler.CancelOrder)
			})
			log.Info("ROUTER", "Order routes registered under /api/v1/orders")

			r.Route("/payments", func(r chi.Router) {
				r.Post("/stripe/checkout", paymentHandler.StripeCheckout)
				r.Post("/mpesa/stkpush", paymentHandler.MpesaSTKPush)
				r.Post("/confirm", paymentHandler.Confirm)
			})
			log.Info("ROUTER", "Payment routes registered under /api/v1/payments")

			r.Route("/tickets", func(r chi.Router) {
				r.Get("/{ticketId}", ticketHandler.GetTicket)
				r.Get("/{ticketId}/qr", ticketHandler.GetQR)
				r.Post("/{ticketId}/redeem", ticketHandler.Redeem)
			})
			log.Info("ROUTER", "Ticket routes registered under /api/v1/tickets")
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Order Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	stopReaper()
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Order Service shutdown complete")
	}
}
