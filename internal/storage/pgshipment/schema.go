package pgshipment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL,
  tracking_source TEXT NOT NULL DEFAULT '',
  actual_courier TEXT NOT NULL DEFAULT '',
  raw_status_text TEXT NOT NULL DEFAULT '',
  canonical_status TEXT NOT NULL,
  delivery_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
  first_ndr_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  last_checked_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NOT NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  order_reference TEXT NOT NULL DEFAULT '',
  customer_mobile TEXT NOT NULL DEFAULT '',
  customer_email TEXT NOT NULL DEFAULT '',
  ops_note TEXT NULL,
  ops_resolved_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_check_at ON shipments(next_check_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_customer_mobile ON shipments(customer_mobile)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_customer_email ON shipments(customer_email)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_order_reference ON shipments(order_reference)`,
		`
CREATE TABLE IF NOT EXISTS shipment_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  canonical_status TEXT NOT NULL,
  raw_status_text TEXT NOT NULL,
  scan_time TIMESTAMPTZ NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  remarks TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment_id_scan_time ON shipment_events(shipment_id, scan_time DESC)`,
		// Providers replay the full scan history on every poll; dedup keeps
		// the table append-only without duplicates.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipment_events_dedup ON shipment_events(shipment_id, raw_status_text, scan_time, location)`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  platform_order_id TEXT NOT NULL,
  order_reference TEXT NOT NULL DEFAULT '',
  order_type TEXT NOT NULL DEFAULT 'PREPAID',
  financial_status TEXT NOT NULL DEFAULT '',
  is_paid BOOLEAN NOT NULL DEFAULT FALSE,
  is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
  fulfillment_status TEXT NOT NULL DEFAULT '',
  total_amount BIGINT NOT NULL DEFAULT 0,
  paid_amount BIGINT NOT NULL DEFAULT 0,
  customer_mobile TEXT NOT NULL DEFAULT '',
  customer_email TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (platform_order_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_order_reference ON orders(order_reference)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
