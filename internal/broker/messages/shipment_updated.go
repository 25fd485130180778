package messages

import "time"

// ShipmentUpdated is published after every successful reconciliation.
// Downstream consumers (notifications, analytics) key off tracking_number.
type ShipmentUpdated struct {
	TrackingNumber  string `json:"tracking_number"`
	TrackingSource  string `json:"tracking_source"`
	CanonicalStatus string `json:"canonical_status"`
	RawStatusText   string `json:"raw_status_text"`

	CheckedAt   time.Time `json:"checked_at"`
	NextCheckAt time.Time `json:"next_check_at"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FirstNDRAt  *time.Time `json:"first_ndr_at,omitempty"`
}
