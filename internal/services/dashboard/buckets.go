package dashboard

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/models"
)

// Buckets are independent predicates over canonical fields: one shipment
// may sit in several at once (an open NDR can also be check-stale). No
// bucket re-derives status from raw provider text.
const (
	BucketOutForDelivery = "out_for_delivery"
	BucketNDROpen        = "ndr_open"
	BucketRTO            = "rto"
	BucketDeliveredToday = "delivered_today"
	BucketInTransitAging = "in_transit_aging"
	BucketCheckStale     = "check_stale"
)

const (
	agingAfter     = 5 * 24 * time.Hour
	staleFailCount = 3
)

type Repository interface {
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.Shipment, error)
}

type Service struct {
	repo Repository
}

func New(repo Repository) *Service {
	return &Service{repo: repo}
}

type Summary struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	Counts      map[string]int      `json:"counts"`
	Members     map[string][]string `json:"members"`
}

func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	now := time.Now().UTC()
	shipments, err := s.repo.ListRecent(ctx, now.Add(-7*24*time.Hour), 0)
	if err != nil {
		return nil, errors.Wrap(err, "list recent shipments")
	}

	out := &Summary{
		GeneratedAt: now,
		Counts:      map[string]int{},
		Members:     map[string][]string{},
	}
	for _, sh := range shipments {
		for _, b := range BucketsFor(sh, now) {
			out.Counts[b]++
			out.Members[b] = append(out.Members[b], sh.TrackingNumber)
		}
	}
	return out, nil
}

func BucketsFor(sh *models.Shipment, now time.Time) []string {
	var buckets []string

	if sh.CanonicalStatus == models.StatusOutForDelivery {
		buckets = append(buckets, BucketOutForDelivery)
	}
	if sh.FirstNDRAt != nil && !sh.DeliveryConfirmed && sh.CanonicalStatus != models.StatusRTO {
		buckets = append(buckets, BucketNDROpen)
	}
	if sh.CanonicalStatus == models.StatusRTO {
		buckets = append(buckets, BucketRTO)
	}
	if sh.DeliveredAt != nil && sameDay(*sh.DeliveredAt, now) {
		buckets = append(buckets, BucketDeliveredToday)
	}
	if !models.IsTerminal(sh.CanonicalStatus) && !sh.DeliveryConfirmed && now.Sub(sh.CreatedAt) > agingAfter {
		buckets = append(buckets, BucketInTransitAging)
	}
	if sh.CheckFailCount >= staleFailCount {
		buckets = append(buckets, BucketCheckStale)
	}
	return buckets
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
