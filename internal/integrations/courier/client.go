package courier

import (
	"context"
	"time"
)

// Scan is a single entry of a shipment's scan history, oldest first.
type Scan struct {
	CanonicalStatus string
	RawStatusText   string
	ScanTime        time.Time
	Location        *string
	Remarks         *string
}

// Observation is one provider's current view of a shipment.
type Observation struct {
	Source          string // models.SourceBluedart / models.SourceDelhivery
	Courier         string // courier name as reported, free text
	RawStatusText   string
	StatusCode      string
	CanonicalStatus string
	StatusAt        *time.Time
	Scans           []Scan
}

// Client is the uniform adapter contract. Fetch answers for many waybills
// at once; providers without batch support loop internally. A waybill
// absent from the result map means "no observation" and is soft: the
// caller falls through to the other provider.
type Client interface {
	Source() string
	Fetch(ctx context.Context, awbs []string) (map[string]Observation, error)
}
