package pgshipment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/models"
)

// UpsertOrder is the write side of the order-ingestion feed, keyed by the
// platform order id.
func (s *Storage) UpsertOrder(ctx context.Context, o *models.Order) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO orders (
  platform_order_id, order_reference, order_type, financial_status,
  is_paid, is_cancelled, fulfillment_status,
  total_amount, paid_amount, customer_mobile, customer_email,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
ON CONFLICT (platform_order_id)
DO UPDATE SET
  order_reference = EXCLUDED.order_reference,
  order_type = EXCLUDED.order_type,
  financial_status = EXCLUDED.financial_status,
  is_paid = EXCLUDED.is_paid,
  is_cancelled = EXCLUDED.is_cancelled,
  fulfillment_status = EXCLUDED.fulfillment_status,
  total_amount = EXCLUDED.total_amount,
  paid_amount = EXCLUDED.paid_amount,
  customer_mobile = EXCLUDED.customer_mobile,
  customer_email = EXCLUDED.customer_email,
  updated_at = now()
`, o.PlatformOrderID, o.OrderReference, o.OrderType, o.FinancialStatus,
		o.IsPaid, o.IsCancelled, o.FulfillmentStatus,
		o.TotalAmount, o.PaidAmount, o.CustomerMobile, o.CustomerEmail, now)
	return errors.Wrap(err, "upsert order")
}

func (s *Storage) GetOrderByReference(ctx context.Context, orderRef string) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `
SELECT
  id, platform_order_id, order_reference, order_type, financial_status,
  is_paid, is_cancelled, fulfillment_status,
  total_amount, paid_amount, customer_mobile, customer_email,
  created_at, updated_at
FROM orders
WHERE order_reference = $1
`, orderRef)

	var o models.Order
	err := row.Scan(
		&o.ID, &o.PlatformOrderID, &o.OrderReference, &o.OrderType, &o.FinancialStatus,
		&o.IsPaid, &o.IsCancelled, &o.FulfillmentStatus,
		&o.TotalAmount, &o.PaidAmount, &o.CustomerMobile, &o.CustomerEmail,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return &o, nil
}
