package messages

// OrderIngested is the feed from the storefront order-ingestion
// collaborator. It only carries order linkage data; status fields on the
// shipment are core-owned and never appear here.
type OrderIngested struct {
	PlatformOrderID   string `json:"platform_order_id"`
	OrderReference    string `json:"order_reference"`
	OrderType         string `json:"order_type"` // PREPAID | COD | PPCOD
	FinancialStatus   string `json:"financial_status"`
	IsPaid            bool   `json:"is_paid"`
	IsCancelled       bool   `json:"is_cancelled"`
	FulfillmentStatus string `json:"fulfillment_status"`

	TotalAmount int64 `json:"total_amount"`
	PaidAmount  int64 `json:"paid_amount"`

	CustomerMobile string `json:"customer_mobile"`
	CustomerEmail  string `json:"customer_email"`

	Shipments []OrderShipment `json:"shipments,omitempty"`
}

type OrderShipment struct {
	TrackingNumber string `json:"tracking_number"`
	CourierHint    string `json:"courier_hint,omitempty"`
}
