package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/broker/messages"
	"github.com/quicktrail/shipwatch/internal/integrations/courier"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/storage/pgshipment"
)

type Repository interface {
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	ApplyObservation(ctx context.Context, upd pgshipment.ObservationUpdate) error
	ApplyCheckFailure(ctx context.Context, shipmentID uint64, lastError string) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Engine runs one reconciliation pass: claim due shipments, poll the
// providers with failover, merge observations into the store, publish
// shipment.updated events. One shipment's failure never blocks another's.
type Engine struct {
	repo      Repository
	providers []courier.Client
	producer  Producer
	planner   *Planner

	topic       string
	batchSize   int
	concurrency int
	lease       time.Duration
}

func NewEngine(repo Repository, providers []courier.Client, producer Producer, topic string) *Engine {
	return &Engine{
		repo:        repo,
		providers:   providers,
		producer:    producer,
		planner:     NewPlanner(DefaultPlannerConfig()),
		topic:       topic,
		batchSize:   50,
		concurrency: 10,
		lease:       120 * time.Second,
	}
}

func (e *Engine) WithSettings(batchSize, concurrency int, lease time.Duration) *Engine {
	if batchSize > 0 {
		e.batchSize = batchSize
	}
	if concurrency > 0 {
		e.concurrency = concurrency
	}
	if lease > 0 {
		e.lease = lease
	}
	return e
}

func (e *Engine) WithPlanner(cfg PlannerConfig) *Engine {
	e.planner = NewPlanner(cfg)
	return e
}

// RunOnce performs a single scheduling pass and returns the number of
// shipments for which a reconciliation attempt was made.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	items, err := e.repo.ClaimDueShipments(ctx, now, e.batchSize, e.lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim due shipments")
	}
	if len(items) == 0 {
		return 0, nil
	}

	observations := e.fetchAll(ctx, items)

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		shCopy := sh
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			obs, ok := observations[shCopy.TrackingNumber]
			if !ok {
				if err := e.repo.ApplyCheckFailure(ctx, shCopy.ID, "no provider observation"); err != nil {
					slog.Error("record check failure", "awb", shCopy.TrackingNumber, "error", err.Error())
				}
				return
			}
			if err := e.applyOne(ctx, shCopy, obs, time.Now().UTC()); err != nil {
				slog.Error("apply observation", "awb", shCopy.TrackingNumber, "error", err.Error())
			}
		}()
	}
	wg.Wait()

	return len(items), nil
}

// fetchAll polls providers in failover order. Each shipment prefers the
// provider that last answered for it (the booking courier is the one most
// likely to have fresh data); shipments still unanswered after a round
// move on to the next provider. Provider errors are soft: logged, then
// the alternate provider gets its chance.
func (e *Engine) fetchAll(ctx context.Context, items []*models.Shipment) map[string]courier.Observation {
	out := make(map[string]courier.Observation, len(items))
	if len(e.providers) == 0 {
		return out
	}

	pending := make(map[string][]string) // provider source -> awbs
	for _, sh := range items {
		src := sh.TrackingSource
		if e.providerBySource(src) == nil {
			src = e.providers[0].Source()
		}
		pending[src] = append(pending[src], sh.TrackingNumber)
	}

	// With two providers every AWB gets at most two rounds.
	for round := 0; round < len(e.providers); round++ {
		next := make(map[string][]string)
		for src, awbs := range pending {
			c := e.providerBySource(src)
			got, err := c.Fetch(ctx, awbs)
			if err != nil {
				slog.Warn("provider fetch failed", "provider", src, "awbs", len(awbs), "error", err.Error())
			}
			for _, awb := range awbs {
				if obs, ok := got[awb]; ok {
					out[awb] = obs
					continue
				}
				if alt := e.nextProvider(src); alt != "" {
					next[alt] = append(next[alt], awb)
				}
			}
		}
		pending = next
		if len(pending) == 0 {
			break
		}
	}
	return out
}

func (e *Engine) providerBySource(src string) courier.Client {
	for _, c := range e.providers {
		if c.Source() == src {
			return c
		}
	}
	return nil
}

// nextProvider returns the source after src, wrapping around so every
// shipment can reach the alternate provider regardless of which one it
// preferred. The bounded round loop in fetchAll stops the cycle.
func (e *Engine) nextProvider(src string) string {
	if len(e.providers) < 2 {
		return ""
	}
	for i, c := range e.providers {
		if c.Source() == src {
			return e.providers[(i+1)%len(e.providers)].Source()
		}
	}
	return ""
}

func (e *Engine) applyOne(ctx context.Context, sh *models.Shipment, obs courier.Observation, now time.Time) error {
	upd := pgshipment.ObservationUpdate{
		ShipmentID:      sh.ID,
		CheckedAt:       now,
		TrackingSource:  obs.Source,
		ActualCourier:   obs.Courier,
		RawStatusText:   obs.RawStatusText,
		CanonicalStatus: obs.CanonicalStatus,
	}

	// Sticky candidates; the store's COALESCE keeps earlier values.
	if obs.CanonicalStatus == models.StatusDelivered {
		upd.DeliveredAt = &now
	}
	effectiveFirstNDR := sh.FirstNDRAt
	if obs.CanonicalStatus == models.StatusNDR {
		if effectiveFirstNDR == nil {
			effectiveFirstNDR = &now
		}
		upd.FirstNDRAt = &now
	}

	upd.NextCheckAt = e.planner.NextCheckAt(now, obs.CanonicalStatus, effectiveFirstNDR)

	for _, sc := range obs.Scans {
		upd.Scans = append(upd.Scans, &models.ScanEvent{
			CanonicalStatus: sc.CanonicalStatus,
			RawStatusText:   sc.RawStatusText,
			ScanTime:        sc.ScanTime,
			Location:        sc.Location,
			Remarks:         sc.Remarks,
		})
	}

	if err := e.repo.ApplyObservation(ctx, upd); err != nil {
		return errors.Wrap(err, "apply observation")
	}

	if e.producer != nil {
		msg := messages.ShipmentUpdated{
			TrackingNumber:  sh.TrackingNumber,
			TrackingSource:  obs.Source,
			CanonicalStatus: obs.CanonicalStatus,
			RawStatusText:   obs.RawStatusText,
			CheckedAt:       now,
			NextCheckAt:     upd.NextCheckAt,
			DeliveredAt:     upd.DeliveredAt,
			FirstNDRAt:      upd.FirstNDRAt,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "marshal shipment.updated")
		}
		if err := e.producer.Publish(ctx, e.topic, []byte(sh.TrackingNumber), b); err != nil {
			// The store is already consistent; the event stream is
			// best-effort for downstream consumers.
			slog.Warn("publish shipment.updated", "awb", sh.TrackingNumber, "error", err.Error())
		}
	}
	return nil
}
