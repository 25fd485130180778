package pgshipment

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/models"
)

const shipmentColumns = `
  id, tracking_number, tracking_source, actual_courier,
  raw_status_text, canonical_status, delivery_confirmed,
  first_ndr_at, delivered_at,
  last_checked_at, next_check_at,
  check_fail_count, last_error,
  order_reference, customer_mobile, customer_email,
  ops_note, ops_resolved_at,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	if err := row.Scan(
		&sh.ID, &sh.TrackingNumber, &sh.TrackingSource, &sh.ActualCourier,
		&sh.RawStatusText, &sh.CanonicalStatus, &sh.DeliveryConfirmed,
		&sh.FirstNDRAt, &sh.DeliveredAt,
		&sh.LastCheckedAt, &sh.NextCheckAt,
		&sh.CheckFailCount, &sh.LastError,
		&sh.OrderReference, &sh.CustomerMobile, &sh.CustomerEmail,
		&sh.OpsNote, &sh.OpsResolvedAt,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sh, nil
}

func collectShipments(rows pgx.Rows) ([]*models.Shipment, error) {
	defer rows.Close()
	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE tracking_number = $1`, trackingNumber)
	sh, err := scanShipment(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// UpsertFromOrder creates the shipment row when a tracking number first
// becomes known via order ingestion, or refreshes the order linkage fields
// on an existing row. Status fields are core-owned and never touched here.
func (s *Storage) UpsertFromOrder(ctx context.Context, trackingNumber, courierHint, orderRef, mobile, email string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO shipments (
  tracking_number, actual_courier, canonical_status,
  order_reference, customer_mobile, customer_email,
  next_check_at, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (tracking_number)
DO UPDATE SET
  order_reference = EXCLUDED.order_reference,
  customer_mobile = EXCLUDED.customer_mobile,
  customer_email = EXCLUDED.customer_email,
  updated_at = now()
`, trackingNumber, courierHint, models.StatusUnknown, orderRef, mobile, email, now, now)
	return errors.Wrap(err, "upsert shipment from order")
}

// ClaimDueShipments picks the batch due for a re-check, oldest due first,
// and leases each row so concurrent passes don't double-poll it.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE next_check_at <= $1
  AND canonical_status NOT IN ($2, $3)
ORDER BY next_check_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.StatusDelivered, models.StatusRTO, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}

	picked, err := collectShipments(rows)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		if _, err := tx.Exec(ctx, `UPDATE shipments SET next_check_at = $2, updated_at = now() WHERE id = $1`, sh.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		sh.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// IdentityFilter carries already-normalized identity fields. Empty fields
// are skipped; supplied fields are OR-ed.
type IdentityFilter struct {
	Phone          string
	Email          string
	OrderReference string
	TrackingNumber string
}

func (s *Storage) SearchByIdentity(ctx context.Context, f IdentityFilter, limit int) ([]*models.Shipment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	conds := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(cond string, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conds = append(conds, cond+argN(len(args)))
	}
	add("customer_mobile = ", f.Phone)
	add("customer_email = ", f.Email)
	add("order_reference = ", f.OrderReference)
	add("tracking_number = ", f.TrackingNumber)
	if len(conds) == 0 {
		return []*models.Shipment{}, nil
	}

	args = append(args, limit)
	q := `SELECT` + shipmentColumns + ` FROM shipments WHERE ` + joinOr(conds) + `
ORDER BY created_at DESC
LIMIT ` + argN(len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search shipments")
	}
	return collectShipments(rows)
}

// ListRecent returns shipments updated since the given time, newest first.
// Feeds the dashboard buckets.
func (s *Storage) ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.Shipment, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE updated_at >= $1
ORDER BY updated_at DESC
LIMIT $2
`, since.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent shipments")
	}
	return collectShipments(rows)
}

func (s *Storage) SetOpsNote(ctx context.Context, trackingNumber, note string, resolvedAt *time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments SET ops_note = $2, ops_resolved_at = $3, updated_at = now() WHERE tracking_number = $1
`, trackingNumber, note, resolvedAt)
	return errors.Wrap(err, "set ops note")
}

func argN(n int) string {
	return fmt.Sprintf("$%d", n)
}

func joinOr(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " OR " + c
	}
	return out
}
