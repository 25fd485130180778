package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quicktrail/shipwatch/config"
	"github.com/quicktrail/shipwatch/internal/api/shipments_api"
	"github.com/quicktrail/shipwatch/internal/broker/kafka"
	"github.com/quicktrail/shipwatch/internal/cache/rediscache"
	"github.com/quicktrail/shipwatch/internal/integrations/courier"
	"github.com/quicktrail/shipwatch/internal/integrations/courier/bluedart"
	"github.com/quicktrail/shipwatch/internal/integrations/courier/delhivery"
	"github.com/quicktrail/shipwatch/internal/integrations/courier/fake"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/services/dashboard"
	"github.com/quicktrail/shipwatch/internal/services/lookup"
	"github.com/quicktrail/shipwatch/internal/services/reconcile"
	"github.com/quicktrail/shipwatch/internal/storage/pgshipment"
)

type shipAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     shipAPIOpts
	api      *shipments_api.API
	orders   orderStore
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapShipAPI() *shipAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}

	httpAddr := cfg.ShipWatch.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.ShipWatch.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "ship-api"
	}
	ordersTopic := cfg.Kafka.OrdersIngestedTopicName
	if ordersTopic == "" {
		ordersTopic = "orders.ingested"
	}
	updatedTopic := cfg.Kafka.ShipmentUpdatedTopicName
	if updatedTopic == "" {
		updatedTopic = "shipment.updated"
	}
	cacheTTL := time.Duration(cfg.ShipWatch.ShipmentCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	lookupSvc := lookup.New(st, rl, lookup.Config{
		HomeCountryCode: cfg.ShipWatch.HomeCountryCode,
		Window:          time.Duration(cfg.ShipWatch.LookupWindowSeconds) * time.Second,
		IPLimit:         int64(cfg.ShipWatch.LookupIPLimit),
		IdentityLimit:   int64(cfg.ShipWatch.LookupIdentityLimit),
	})

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, ordersTopic, consumerGroup)

	engine := reconcile.NewEngine(st, buildProviders(cfg), producer, updatedTopic).
		WithSettings(cfg.ShipWatch.WorkerBatchSize, cfg.ShipWatch.WorkerConcurrency,
			time.Duration(cfg.ShipWatch.WorkerLeaseSeconds)*time.Second)

	api := shipments_api.New(shipments_api.Opts{
		Store:     st,
		Lookup:    lookupSvc,
		Dashboard: dashboard.New(st),
		Checker:   engine,
		Cache:     rc,
		CacheTTL:  cacheTTL,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &shipAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: shipAPIOpts{
			httpAddr:        httpAddr,
			swaggerPath:     swaggerPath,
			topic:           ordersTopic,
			consumerGroup:   consumerGroup,
			homeCountryCode: cfg.ShipWatch.HomeCountryCode,
		},
		api:      api,
		orders:   st,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func buildProviders(cfg *config.Config) []courier.Client {
	if cfg.ShipWatch.CourierMode == "fake" {
		return []courier.Client{fake.New(models.SourceBluedart), fake.New(models.SourceDelhivery)}
	}
	return []courier.Client{
		bluedart.New(cfg.ShipWatch.BluedartBaseURL, cfg.ShipWatch.BluedartLicenseKey, cfg.ShipWatch.BluedartLoginID),
		delhivery.New(cfg.ShipWatch.DelhiveryBaseURL, cfg.ShipWatch.DelhiveryToken),
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipment.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipment.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *shipAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *shipAPIApp) Run() error {
	return runShipAPI(a.ctx, a.opts, a.api, a.orders, a.consumer)
}
