package models

import "time"

// Canonical shipment statuses (union of both courier vocabularies).
const (
	StatusPickedUp       = "PICKED_UP"
	StatusInTransit      = "IN_TRANSIT"
	StatusOutForDelivery = "OUT_FOR_DELIVERY"
	StatusNDR            = "NDR"
	StatusDelivered      = "DELIVERED"
	StatusRTO            = "RTO"
	StatusCancelled      = "CANCELLED"
	StatusUnknown        = "UNKNOWN"
)

// Tracking sources: which provider last answered for a shipment.
const (
	SourceBluedart  = "BLUEDART"
	SourceDelhivery = "DELHIVERY"
	SourceUnknown   = ""
)

// IsTerminal reports whether a canonical status permanently excludes the
// shipment from future scheduling passes.
func IsTerminal(status string) bool {
	return status == StatusDelivered || status == StatusRTO
}

type Shipment struct {
	ID             uint64
	TrackingNumber string
	TrackingSource string
	ActualCourier  string

	RawStatusText     string
	CanonicalStatus   string
	DeliveryConfirmed bool

	FirstNDRAt  *time.Time
	DeliveredAt *time.Time

	LastCheckedAt *time.Time
	NextCheckAt   time.Time

	CheckFailCount int32
	LastError      *string

	OrderReference string
	CustomerMobile string
	CustomerEmail  string

	OpsNote       *string
	OpsResolvedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScanEvent is one entry of a shipment's courier scan history.
type ScanEvent struct {
	ID              uint64
	ShipmentID      uint64
	CanonicalStatus string
	RawStatusText   string
	ScanTime        time.Time
	Location        *string
	Remarks         *string
	CreatedAt       time.Time
}

// Order types on the storefront platform.
const (
	OrderTypePrepaid = "PREPAID"
	OrderTypeCOD     = "COD"
	OrderTypePPCOD   = "PPCOD"
)

// Order is the read model fed by the order-ingestion collaborator.
// The core never writes it.
type Order struct {
	ID                uint64
	PlatformOrderID   string
	OrderReference    string
	OrderType         string
	FinancialStatus   string
	IsPaid            bool
	IsCancelled       bool
	FulfillmentStatus string
	TotalAmount       int64
	PaidAmount        int64
	CustomerMobile    string
	CustomerEmail     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
