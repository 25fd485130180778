package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/quicktrail/shipwatch/internal/api/shipments_api"
	"github.com/quicktrail/shipwatch/internal/broker/messages"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/services/lookup"
)

type shipAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic           string
	consumerGroup   string
	homeCountryCode string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type orderStore interface {
	UpsertOrder(ctx context.Context, o *models.Order) error
	UpsertFromOrder(ctx context.Context, trackingNumber, courierHint, orderRef, mobile, email string) error
}

func runShipAPI(ctx context.Context, opts shipAPIOpts, api *shipments_api.API, orders orderStore, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}
	if opts.homeCountryCode == "" {
		opts.homeCountryCode = "91"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))

	api.Routes(r)

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		if err := consumeOrders(ctx, consumer, orders, opts.homeCountryCode); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped", "error", err.Error())
		}
	}()

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}

var errBadPayload = errors.New("malformed order payload")

// consumeOrders runs the orders.ingested loop. A malformed payload is
// logged and committed so one bad message cannot wedge the partition;
// store errors propagate and replay the message.
func consumeOrders(ctx context.Context, consumer kafkaConsumer, orders orderStore, homeCC string) error {
	return consumer.Consume(ctx, func(_key, value []byte) error {
		err := ingestOrder(ctx, orders, homeCC, value)
		if errors.Is(err, errBadPayload) {
			slog.Warn("skipping unparseable order message", "error", err.Error())
			return nil
		}
		return err
	})
}

// ingestOrder upserts the order read model and links its shipments.
// Identity fields are normalized here so that lookup matching stays a
// plain equality comparison.
func ingestOrder(ctx context.Context, orders orderStore, homeCC string, value []byte) error {
	var m messages.OrderIngested
	if err := json.Unmarshal(value, &m); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}

	mobile := m.CustomerMobile
	if p, ok := lookup.NormalizePhone(m.CustomerMobile, homeCC); ok {
		mobile = p
	}
	orderRef := lookup.NormalizeOrderRef(m.OrderReference)

	if err := orders.UpsertOrder(ctx, &models.Order{
		PlatformOrderID:   m.PlatformOrderID,
		OrderReference:    orderRef,
		OrderType:         m.OrderType,
		FinancialStatus:   m.FinancialStatus,
		IsPaid:            m.IsPaid,
		IsCancelled:       m.IsCancelled,
		FulfillmentStatus: m.FulfillmentStatus,
		TotalAmount:       m.TotalAmount,
		PaidAmount:        m.PaidAmount,
		CustomerMobile:    mobile,
		CustomerEmail:     lookup.NormalizeEmail(m.CustomerEmail),
	}); err != nil {
		return err
	}

	for _, sh := range m.Shipments {
		if sh.TrackingNumber == "" {
			continue
		}
		if err := orders.UpsertFromOrder(ctx, sh.TrackingNumber, sh.CourierHint, orderRef, mobile, lookup.NormalizeEmail(m.CustomerEmail)); err != nil {
			return err
		}
	}
	return nil
}
