package main

import (
	"context"
	"fmt"
	"time"

	"github.com/quicktrail/shipwatch/config"
	"github.com/quicktrail/shipwatch/internal/broker/kafka"
	"github.com/quicktrail/shipwatch/internal/integrations/courier"
	"github.com/quicktrail/shipwatch/internal/integrations/courier/bluedart"
	"github.com/quicktrail/shipwatch/internal/integrations/courier/delhivery"
	"github.com/quicktrail/shipwatch/internal/integrations/courier/fake"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/services/reconcile"
	"github.com/quicktrail/shipwatch/internal/storage/pgshipment"
)

type workerFactories struct {
	newStorage   func(cfg *config.Config) (repo reconcile.Repository, closeFn func(), err error)
	newProducer  func(cfg *config.Config) reconcile.Producer
	newProviders func(cfg *config.Config) []courier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (reconcile.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipment.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) reconcile.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newProviders: func(cfg *config.Config) []courier.Client {
			// Without real credentials both couriers fall back to the
			// deterministic emulator, which keeps local runs self-contained.
			if cfg.ShipWatch.CourierMode == "fake" ||
				(cfg.ShipWatch.BluedartBaseURL == "" && cfg.ShipWatch.DelhiveryBaseURL == "") {
				return []courier.Client{fake.New(models.SourceBluedart), fake.New(models.SourceDelhivery)}
			}
			return []courier.Client{
				bluedart.New(cfg.ShipWatch.BluedartBaseURL, cfg.ShipWatch.BluedartLicenseKey, cfg.ShipWatch.BluedartLoginID),
				delhivery.New(cfg.ShipWatch.DelhiveryBaseURL, cfg.ShipWatch.DelhiveryToken),
			}
		},
	}
}

func plannerConfigFromYAML(cfg *config.Config) reconcile.PlannerConfig {
	pc := reconcile.DefaultPlannerConfig()
	if s := cfg.ShipWatch.NextCheckOutForDeliverySeconds; s > 0 {
		pc.OutForDeliveryDelay = time.Duration(s) * time.Second
	}
	if s := cfg.ShipWatch.NextCheckNDRFreshSeconds; s > 0 {
		pc.NDRFreshDelay = time.Duration(s) * time.Second
	}
	if s := cfg.ShipWatch.NextCheckNDRStaleSeconds; s > 0 {
		pc.NDRStaleDelay = time.Duration(s) * time.Second
	}
	if s := cfg.ShipWatch.NDREscalateAfterSeconds; s > 0 {
		pc.NDREscalateAfter = time.Duration(s) * time.Second
	}
	if s := cfg.ShipWatch.NextCheckInTransitSeconds; s > 0 {
		pc.InTransitDelay = time.Duration(s) * time.Second
	}
	if s := cfg.ShipWatch.NextCheckUnknownSeconds; s > 0 {
		pc.UnknownDelay = time.Duration(s) * time.Second
	}
	return pc
}

func RunShipWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.ShipmentUpdatedTopicName
	if topic == "" {
		topic = "shipment.updated"
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	engine := reconcile.NewEngine(repo, f.newProviders(cfg), f.newProducer(cfg), topic).
		WithSettings(cfg.ShipWatch.WorkerBatchSize, cfg.ShipWatch.WorkerConcurrency,
			time.Duration(cfg.ShipWatch.WorkerLeaseSeconds)*time.Second).
		WithPlanner(plannerConfigFromYAML(cfg))

	runner := reconcile.NewRunner(engine, cfg.ShipWatch.WorkerCronSpec)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.ShipWatch.WorkerHTTPAddr,
			swaggerPath: workerSwaggerPath(),
			runner:      runner,
			cfg:         cfg,
		})
	}()

	runnerErr := make(chan error, 1)
	go func() {
		runnerErr <- runner.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	case err := <-runnerErr:
		return err
	}
}
