package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quicktrail/shipwatch/internal/broker/messages"
	"github.com/quicktrail/shipwatch/internal/integrations/courier"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/storage/pgshipment"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	due      []*models.Shipment
	claimErr error

	applied  []pgshipment.ObservationUpdate
	failures map[uint64]string
}

func newFakeRepo(due ...*models.Shipment) *fakeRepo {
	return &fakeRepo{due: due, failures: map[uint64]string{}}
}

func (r *fakeRepo) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	return r.due, r.claimErr
}

func (r *fakeRepo) ApplyObservation(ctx context.Context, upd pgshipment.ObservationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, upd)
	return nil
}

func (r *fakeRepo) ApplyCheckFailure(ctx context.Context, shipmentID uint64, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[shipmentID] = lastError
	return nil
}

type fakeProvider struct {
	source string
	res    map[string]courier.Observation
	err    error

	mu    sync.Mutex
	calls [][]string
}

func (p *fakeProvider) Source() string { return p.source }

func (p *fakeProvider) Fetch(ctx context.Context, awbs []string) (map[string]courier.Observation, error) {
	p.mu.Lock()
	p.calls = append(p.calls, awbs)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]courier.Observation, len(awbs))
	for _, awb := range awbs {
		if obs, ok := p.res[awb]; ok {
			out[awb] = obs
		}
	}
	return out, nil
}

type fakeProducer struct {
	mu     sync.Mutex
	topic  string
	values [][]byte
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.values = append(p.values, value)
	return nil
}

func obs(source, st, raw string) courier.Observation {
	return courier.Observation{
		Source:          source,
		Courier:         source,
		RawStatusText:   raw,
		CanonicalStatus: st,
	}
}

func TestEngine_RunOnce_MergesAndPublishes(t *testing.T) {
	repo := newFakeRepo(&models.Shipment{ID: 1, TrackingNumber: "A1"})
	bd := &fakeProvider{source: models.SourceBluedart, res: map[string]courier.Observation{
		"A1": obs(models.SourceBluedart, models.StatusOutForDelivery, "Out For Delivery"),
	}}
	dl := &fakeProvider{source: models.SourceDelhivery}
	prod := &fakeProducer{}

	e := NewEngine(repo, []courier.Client{bd, dl}, prod, "shipment.updated")
	checked, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, checked)

	require.Len(t, repo.applied, 1)
	upd := repo.applied[0]
	require.Equal(t, models.StatusOutForDelivery, upd.CanonicalStatus)
	require.Equal(t, models.SourceBluedart, upd.TrackingSource)
	require.Nil(t, upd.DeliveredAt)
	require.WithinDuration(t, time.Now().Add(time.Hour), upd.NextCheckAt, 5*time.Second)

	require.Len(t, prod.values, 1)
	var msg messages.ShipmentUpdated
	require.NoError(t, json.Unmarshal(prod.values[0], &msg))
	require.Equal(t, "A1", msg.TrackingNumber)
	require.Equal(t, "shipment.updated", prod.topic)

	// Delhivery never called: Bluedart answered.
	require.Empty(t, dl.calls)
}

func TestEngine_RunOnce_FailoverToSecondProvider(t *testing.T) {
	repo := newFakeRepo(&models.Shipment{ID: 1, TrackingNumber: "A1"})
	bd := &fakeProvider{source: models.SourceBluedart, err: errors.New("timeout")}
	dl := &fakeProvider{source: models.SourceDelhivery, res: map[string]courier.Observation{
		"A1": obs(models.SourceDelhivery, models.StatusInTransit, "In Transit"),
	}}

	e := NewEngine(repo, []courier.Client{bd, dl}, nil, "t")
	checked, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, checked)

	// A's soft failure did not propagate; B's observation got applied.
	require.Len(t, repo.applied, 1)
	require.Equal(t, models.SourceDelhivery, repo.applied[0].TrackingSource)
	require.Empty(t, repo.failures)
}

func TestEngine_RunOnce_FailoverFromLastProvider(t *testing.T) {
	repo := newFakeRepo(&models.Shipment{ID: 1, TrackingNumber: "D1", TrackingSource: models.SourceDelhivery})
	bd := &fakeProvider{source: models.SourceBluedart, res: map[string]courier.Observation{
		"D1": obs(models.SourceBluedart, models.StatusOutForDelivery, "Out For Delivery"),
	}}
	dl := &fakeProvider{source: models.SourceDelhivery, err: errors.New("timeout")}

	e := NewEngine(repo, []courier.Client{bd, dl}, nil, "t")
	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	// Preference order wraps: a Delhivery-booked shipment still reaches
	// Bluedart when Delhivery is down.
	require.Len(t, repo.applied, 1)
	require.Equal(t, models.SourceBluedart, repo.applied[0].TrackingSource)
	require.Empty(t, repo.failures)
}

func TestEngine_RunOnce_BookingSourcePreferred(t *testing.T) {
	repo := newFakeRepo(&models.Shipment{ID: 1, TrackingNumber: "D1", TrackingSource: models.SourceDelhivery})
	bd := &fakeProvider{source: models.SourceBluedart}
	dl := &fakeProvider{source: models.SourceDelhivery, res: map[string]courier.Observation{
		"D1": obs(models.SourceDelhivery, models.StatusInTransit, "In Transit"),
	}}

	e := NewEngine(repo, []courier.Client{bd, dl}, nil, "t")
	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, dl.calls, 1)
	require.Empty(t, bd.calls)
}

func TestEngine_RunOnce_BothFailRecordsFailure(t *testing.T) {
	repo := newFakeRepo(&models.Shipment{ID: 7, TrackingNumber: "A1"})
	bd := &fakeProvider{source: models.SourceBluedart, err: errors.New("down")}
	dl := &fakeProvider{source: models.SourceDelhivery, err: errors.New("down too")}

	e := NewEngine(repo, []courier.Client{bd, dl}, nil, "t")
	checked, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, checked)

	require.Empty(t, repo.applied)
	require.Equal(t, "no provider observation", repo.failures[7])
}

func TestEngine_RunOnce_BatchGroupedByPreferredProvider(t *testing.T) {
	repo := newFakeRepo(
		&models.Shipment{ID: 1, TrackingNumber: "B1", TrackingSource: models.SourceBluedart},
		&models.Shipment{ID: 2, TrackingNumber: "B2", TrackingSource: models.SourceBluedart},
		&models.Shipment{ID: 3, TrackingNumber: "D1", TrackingSource: models.SourceDelhivery},
		&models.Shipment{ID: 4, TrackingNumber: "N1"}, // never checked: defaults to first provider
	)
	bd := &fakeProvider{source: models.SourceBluedart, res: map[string]courier.Observation{
		"B1": obs(models.SourceBluedart, models.StatusInTransit, "In Transit"),
		"B2": obs(models.SourceBluedart, models.StatusDelivered, "Delivered"),
		"N1": obs(models.SourceBluedart, models.StatusPickedUp, "Picked Up"),
	}}
	dl := &fakeProvider{source: models.SourceDelhivery, res: map[string]courier.Observation{
		"D1": obs(models.SourceDelhivery, models.StatusNDR, "Not Delivered"),
	}}

	e := NewEngine(repo, []courier.Client{bd, dl}, nil, "t")
	checked, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, checked)
	require.Len(t, repo.applied, 4)

	// Bluedart got one batch call with all its AWBs.
	require.Len(t, bd.calls, 1)
	require.ElementsMatch(t, []string{"B1", "B2", "N1"}, bd.calls[0])
	require.Len(t, dl.calls, 1)
	require.ElementsMatch(t, []string{"D1"}, dl.calls[0])
}

func TestEngine_applyOne_DeliveredTerminal(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, nil, nil, "t")

	now := time.Now().UTC()
	sh := &models.Shipment{ID: 1, TrackingNumber: "A1"}
	require.NoError(t, e.applyOne(context.Background(), sh, obs(models.SourceBluedart, models.StatusDelivered, "Delivered"), now))

	upd := repo.applied[0]
	require.NotNil(t, upd.DeliveredAt)
	require.Equal(t, now, *upd.DeliveredAt)
	require.True(t, upd.NextCheckAt.Equal(pgshipment.SentinelNextCheck))
}

func TestEngine_applyOne_NDRUsesExistingFirstNDR(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, nil, nil, "t")

	now := time.Now().UTC()
	old := now.Add(-30 * time.Hour)
	sh := &models.Shipment{ID: 1, TrackingNumber: "A1", FirstNDRAt: &old}
	require.NoError(t, e.applyOne(context.Background(), sh, obs(models.SourceDelhivery, models.StatusNDR, "Not Delivered"), now))

	// NDR is past 24h: escalated 2h interval, not the fresh 6h one.
	require.WithinDuration(t, now.Add(2*time.Hour), repo.applied[0].NextCheckAt, time.Second)
}
