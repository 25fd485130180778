package pgshipment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/models"
)

// ObservationUpdate is the merge input for one successful provider read.
// DeliveredAt / FirstNDRAt are candidates: the SQL keeps the existing
// value when one is already set, so concurrent passes cannot clobber the
// sticky fields (read-modify-write in app memory would race).
type ObservationUpdate struct {
	ShipmentID uint64

	CheckedAt time.Time

	TrackingSource  string
	ActualCourier   string
	RawStatusText   string
	CanonicalStatus string

	DeliveredAt *time.Time
	FirstNDRAt  *time.Time

	NextCheckAt time.Time

	Scans []*models.ScanEvent
}

func (s *Storage) ApplyObservation(ctx context.Context, upd ObservationUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Display fields: latest observation wins, unconditionally.
	// delivered_at / first_ndr_at: sticky via COALESCE.
	// delivery_confirmed: monotonic, never true -> false.
	// next_check_at: once at the terminal sentinel it is never reduced,
	// even if a provider replays a stale intermediate scan afterwards.
	_, err = tx.Exec(ctx, `
UPDATE shipments
SET
  tracking_source = $2,
  actual_courier = $3,
  raw_status_text = $4,
  canonical_status = $5,
  delivered_at = COALESCE(shipments.delivered_at, $6),
  first_ndr_at = COALESCE(shipments.first_ndr_at, $7),
  delivery_confirmed = shipments.delivery_confirmed OR $8,
  last_checked_at = $9,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = CASE WHEN shipments.next_check_at >= $10 THEN shipments.next_check_at ELSE $11 END,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID,
		upd.TrackingSource, upd.ActualCourier, upd.RawStatusText, upd.CanonicalStatus,
		upd.DeliveredAt, upd.FirstNDRAt,
		upd.CanonicalStatus == models.StatusDelivered,
		upd.CheckedAt.UTC(),
		SentinelNextCheck, upd.NextCheckAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update shipment")
	}

	for _, e := range upd.Scans {
		loc := ""
		if e.Location != nil {
			loc = *e.Location
		}
		remarks := ""
		if e.Remarks != nil {
			remarks = *e.Remarks
		}
		_, err := tx.Exec(ctx, `
INSERT INTO shipment_events (
  shipment_id, canonical_status, raw_status_text, scan_time, location, remarks, created_at
)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (shipment_id, raw_status_text, scan_time, location) DO NOTHING
`, upd.ShipmentID, e.CanonicalStatus, e.RawStatusText, e.ScanTime.UTC(), loc, remarks)
		if err != nil {
			return errors.Wrap(err, "insert shipment event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// ApplyCheckFailure records a total failure (both providers soft-failed).
// Deliberately does not touch last_checked_at or the status fields: no
// interval is consumed without a successful read, so the shipment stays
// due as soon as its claim lease runs out.
func (s *Storage) ApplyCheckFailure(ctx context.Context, shipmentID uint64, lastError string) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  check_fail_count = check_fail_count + 1,
  last_error = $2,
  updated_at = now()
WHERE id = $1
`, shipmentID, lastError)
	return errors.Wrap(err, "update shipment (failure)")
}

func (s *Storage) ListEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ScanEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, canonical_status, raw_status_text,
  scan_time, location, remarks, created_at
FROM shipment_events
WHERE shipment_id = $1
ORDER BY scan_time DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.ScanEvent
	for rows.Next() {
		var e models.ScanEvent
		var location, remarks string
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.CanonicalStatus, &e.RawStatusText,
			&e.ScanTime, &location, &remarks, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if location != "" {
			e.Location = &location
		}
		if remarks != "" {
			e.Remarks = &remarks
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
