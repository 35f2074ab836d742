package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/dgarciamtz/tiendita-backend/api/routes"
	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/cron"
	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/orders"
	"github.com/dgarciamtz/tiendita-backend/internal/products"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/db"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/migrate"
	"github.com/dgarciamtz/tiendita-backend/pkg/outbox"
	"github.com/dgarciamtz/tiendita-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	conn := dbClient.DB()
	stock := ledger.NewService(logg)
	outboxService := outbox.NewService(outbox.NewRepository(conn), logg)

	cartService, err := carts.NewService(
		carts.NewRepository(conn),
		reservations.NewRepository(conn),
		stock,
		dbClient,
		cfg.Holds,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create cart service", err)
		os.Exit(1)
	}

	reservationService, err := reservations.NewService(
		reservations.NewRepository(conn),
		stock,
		dbClient,
		cfg.Holds,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create reservation service", err)
		os.Exit(1)
	}

	orderService, err := orders.NewService(orders.ServiceParams{
		Repo:         orders.NewRepository(conn),
		Carts:        carts.NewRepository(conn),
		Reservations: reservations.NewRepository(conn),
		Products:     products.NewRepository(conn),
		Ledger:       stock,
		Outbox:       outboxService,
		Tx:           dbClient,
		Orders:       cfg.Orders,
		Delivery:     cfg.Delivery,
		Logger:       logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order service", err)
		os.Exit(1)
	}

	cleanupJob, err := cron.NewCartCleanupJob(cron.CartCleanupJobParams{
		Logger:       logg,
		DB:           dbClient,
		Carts:        carts.NewRepository(conn),
		Reservations: reservations.NewRepository(conn),
		Ledger:       stock,
		BatchSize:    cfg.Sweeper.BatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cart cleanup job", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, redisClient, cartService, reservationService, orderService, cleanupJob),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
