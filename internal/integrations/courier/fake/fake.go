package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/quicktrail/shipwatch/internal/integrations/courier"
	"github.com/quicktrail/shipwatch/internal/models"
)

// FakeClient is a deterministic stand-in provider for local runs: status
// is derived from a hash of the waybill, so repeated checks are stable.
type FakeClient struct {
	source string
}

func New(source string) *FakeClient {
	if source == "" {
		source = models.SourceBluedart
	}
	return &FakeClient{source: source}
}

func (f *FakeClient) Source() string { return f.source }

func (f *FakeClient) Fetch(ctx context.Context, awbs []string) (map[string]courier.Observation, error) {
	now := time.Now().UTC()
	out := make(map[string]courier.Observation, len(awbs))
	for _, awb := range awbs {
		h := fnv.New32a()
		_, _ = h.Write([]byte(f.source))
		_, _ = h.Write([]byte("|"))
		_, _ = h.Write([]byte(awb))
		v := h.Sum32()

		// 20% delivered, 10% NDR, rest in transit.
		st := models.StatusInTransit
		raw := "In Transit"
		switch v % 10 {
		case 0, 1:
			st = models.StatusDelivered
			raw = "Delivered"
		case 2:
			st = models.StatusNDR
			raw = "Not Delivered - consignee unavailable"
		}

		out[awb] = courier.Observation{
			Source:          f.source,
			Courier:         "Fake Courier",
			RawStatusText:   raw,
			CanonicalStatus: st,
			StatusAt:        &now,
			Scans: []courier.Scan{
				{CanonicalStatus: st, RawStatusText: raw, ScanTime: now},
			},
		}
	}
	return out, nil
}
