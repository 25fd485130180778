package pgshipment

import (
	"context"
	"testing"
	"time"

	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "shipwatch_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/shipwatch_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGShipment_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	require.NoError(t, st.UpsertFromOrder(ctx, "AWB100", "Blue Dart", "#1001", "+919876543210", "a@example.com"))
	require.NoError(t, st.UpsertFromOrder(ctx, "AWB200", "", "#1002", "+919876543210", ""))

	sh, err := st.GetByTrackingNumber(ctx, "AWB100")
	require.NoError(t, err)
	require.NotNil(t, sh)
	require.Equal(t, models.StatusUnknown, sh.CanonicalStatus)
	require.Equal(t, "#1001", sh.OrderReference)

	// Re-ingesting the same order must not reset status fields.
	now := time.Now().UTC()
	require.NoError(t, st.ApplyObservation(ctx, ObservationUpdate{
		ShipmentID:      sh.ID,
		CheckedAt:       now,
		TrackingSource:  models.SourceBluedart,
		ActualCourier:   "Blue Dart",
		RawStatusText:   "Out For Delivery",
		CanonicalStatus: models.StatusOutForDelivery,
		NextCheckAt:     now.Add(time.Hour),
		Scans: []*models.ScanEvent{
			{CanonicalStatus: models.StatusOutForDelivery, RawStatusText: "Out For Delivery", ScanTime: now},
		},
	}))
	require.NoError(t, st.UpsertFromOrder(ctx, "AWB100", "Blue Dart", "#1001", "+919876543210", "a@example.com"))

	sh, err = st.GetByTrackingNumber(ctx, "AWB100")
	require.NoError(t, err)
	require.Equal(t, models.StatusOutForDelivery, sh.CanonicalStatus)
	require.NotNil(t, sh.LastCheckedAt)

	// Scan replay dedup.
	require.NoError(t, st.ApplyObservation(ctx, ObservationUpdate{
		ShipmentID:      sh.ID,
		CheckedAt:       now,
		TrackingSource:  models.SourceBluedart,
		ActualCourier:   "Blue Dart",
		RawStatusText:   "Out For Delivery",
		CanonicalStatus: models.StatusOutForDelivery,
		NextCheckAt:     now.Add(time.Hour),
		Scans: []*models.ScanEvent{
			{CanonicalStatus: models.StatusOutForDelivery, RawStatusText: "Out For Delivery", ScanTime: now},
		},
	}))
	evs, err := st.ListEvents(ctx, sh.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestPGShipment_StickyAndSentinel(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	require.NoError(t, st.UpsertFromOrder(ctx, "AWB300", "", "#2001", "+919000000001", ""))
	sh, err := st.GetByTrackingNumber(ctx, "AWB300")
	require.NoError(t, err)

	t0 := time.Now().UTC().Truncate(time.Second)

	// First NDR sets first_ndr_at.
	require.NoError(t, st.ApplyObservation(ctx, ObservationUpdate{
		ShipmentID:      sh.ID,
		CheckedAt:       t0,
		TrackingSource:  models.SourceDelhivery,
		ActualCourier:   "Delhivery",
		RawStatusText:   "Not Delivered",
		CanonicalStatus: models.StatusNDR,
		FirstNDRAt:      &t0,
		NextCheckAt:     t0.Add(6 * time.Hour),
	}))
	sh, err = st.GetByTrackingNumber(ctx, "AWB300")
	require.NoError(t, err)
	require.NotNil(t, sh.FirstNDRAt)
	firstNDR := *sh.FirstNDRAt

	// A later NDR must not move it.
	t1 := t0.Add(8 * time.Hour)
	require.NoError(t, st.ApplyObservation(ctx, ObservationUpdate{
		ShipmentID:      sh.ID,
		CheckedAt:       t1,
		TrackingSource:  models.SourceDelhivery,
		ActualCourier:   "Delhivery",
		RawStatusText:   "Not Delivered again",
		CanonicalStatus: models.StatusNDR,
		FirstNDRAt:      &t1,
		NextCheckAt:     t1.Add(6 * time.Hour),
	}))
	sh, err = st.GetByTrackingNumber(ctx, "AWB300")
	require.NoError(t, err)
	require.WithinDuration(t, firstNDR, *sh.FirstNDRAt, time.Second)

	// Delivery: delivered_at set, sentinel applied.
	t2 := t1.Add(time.Hour)
	require.NoError(t, st.ApplyObservation(ctx, ObservationUpdate{
		ShipmentID:      sh.ID,
		CheckedAt:       t2,
		TrackingSource:  models.SourceDelhivery,
		ActualCourier:   "Delhivery",
		RawStatusText:   "Delivered",
		CanonicalStatus: models.StatusDelivered,
		DeliveredAt:     &t2,
		NextCheckAt:     SentinelNextCheck,
	}))
	sh, err = st.GetByTrackingNumber(ctx, "AWB300")
	require.NoError(t, err)
	require.True(t, sh.DeliveryConfirmed)
	require.WithinDuration(t, t2, *sh.DeliveredAt, time.Second)
	require.True(t, sh.NextCheckAt.Equal(SentinelNextCheck))

	// A stale replayed intermediate scan must not resurrect scheduling or
	// clear the sticky fields.
	t3 := t2.Add(time.Hour)
	require.NoError(t, st.ApplyObservation(ctx, ObservationUpdate{
		ShipmentID:      sh.ID,
		CheckedAt:       t3,
		TrackingSource:  models.SourceDelhivery,
		ActualCourier:   "Delhivery",
		RawStatusText:   "In Transit",
		CanonicalStatus: models.StatusInTransit,
		NextCheckAt:     t3.Add(12 * time.Hour),
	}))
	sh, err = st.GetByTrackingNumber(ctx, "AWB300")
	require.NoError(t, err)
	require.Equal(t, models.StatusInTransit, sh.CanonicalStatus) // display regresses
	require.True(t, sh.DeliveryConfirmed)                        // derived state does not
	require.WithinDuration(t, t2, *sh.DeliveredAt, time.Second)
	require.True(t, sh.NextCheckAt.Equal(SentinelNextCheck))
}

func TestPGShipment_ClaimAndFailure(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	require.NoError(t, st.UpsertFromOrder(ctx, "AWB400", "", "#3001", "", "b@example.com"))
	require.NoError(t, st.UpsertFromOrder(ctx, "AWB500", "", "#3002", "", "b@example.com"))

	// AWB400 due, AWB500 not due yet.
	_, err := st.db.Exec(ctx, `UPDATE shipments SET next_check_at = now() - interval '1 minute' WHERE tracking_number = 'AWB400'`)
	require.NoError(t, err)
	_, err = st.db.Exec(ctx, `UPDATE shipments SET next_check_at = now() + interval '1 hour' WHERE tracking_number = 'AWB500'`)
	require.NoError(t, err)

	now := time.Now().UTC()
	lease := 30 * time.Second
	due, err := st.ClaimDueShipments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "AWB400", due[0].TrackingNumber)
	require.WithinDuration(t, now.Add(lease), due[0].NextCheckAt, 2*time.Second)

	// Leased row is not re-claimed.
	again, err := st.ClaimDueShipments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Empty(t, again)

	// Total failure: fail count recorded, last_checked_at untouched.
	require.NoError(t, st.ApplyCheckFailure(ctx, due[0].ID, "both providers unavailable"))
	sh, err := st.GetByTrackingNumber(ctx, "AWB400")
	require.NoError(t, err)
	require.Equal(t, int32(1), sh.CheckFailCount)
	require.Nil(t, sh.LastCheckedAt)
	require.Equal(t, "both providers unavailable", *sh.LastError)
}

func TestPGShipment_SearchByIdentity(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	require.NoError(t, st.UpsertFromOrder(ctx, "AWB600", "", "#4001", "+919111111111", "c@example.com"))
	require.NoError(t, st.UpsertFromOrder(ctx, "AWB700", "", "#4002", "+919222222222", "c@example.com"))

	out, err := st.SearchByIdentity(ctx, IdentityFilter{Phone: "+919111111111"}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "AWB600", out[0].TrackingNumber)

	out, err = st.SearchByIdentity(ctx, IdentityFilter{Email: "c@example.com"}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = st.SearchByIdentity(ctx, IdentityFilter{Phone: "+919111111111", OrderReference: "#4002"}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = st.SearchByIdentity(ctx, IdentityFilter{}, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestPGShipment_Orders(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	o := &models.Order{
		PlatformOrderID: "556677",
		OrderReference:  "#5001",
		OrderType:       models.OrderTypePPCOD,
		FinancialStatus: "partially_paid",
		IsPaid:          false,
		TotalAmount:     149900,
		PaidAmount:      10000,
		CustomerMobile:  "+919333333333",
	}
	require.NoError(t, st.UpsertOrder(ctx, o))

	o.FinancialStatus = "paid"
	o.IsPaid = true
	require.NoError(t, st.UpsertOrder(ctx, o))

	got, err := st.GetOrderByReference(ctx, "#5001")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.IsPaid)
	require.Equal(t, models.OrderTypePPCOD, got.OrderType)

	none, err := st.GetOrderByReference(ctx, "#9999")
	require.NoError(t, err)
	require.Nil(t, none)
}
