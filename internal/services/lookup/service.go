package lookup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/storage/pgshipment"
)

// ErrInvalidIdentity: a tracking number or order reference alone never
// authorizes a lookup; sequential ids are trivially guessable.
var ErrInvalidIdentity = errors.New("phone or email is required")

// RateLimitedError tells the caller how long to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

const (
	ModeActiveOnly      = "ACTIVE_ONLY"
	ModeLatestDelivered = "LATEST_DELIVERED"
	ModeNone            = "NONE"
)

type Repository interface {
	SearchByIdentity(ctx context.Context, f pgshipment.IdentityFilter, limit int) ([]*models.Shipment, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, time.Duration, error)
}

type Config struct {
	HomeCountryCode string // default "91"

	// Two independent windows: the IP limit is a coarse anti-scraping
	// cap, the identity limit guards a single target against brute force.
	Window        time.Duration // default 15 minutes
	IPLimit       int64         // default 60
	IdentityLimit int64         // default 10
}

type Service struct {
	repo Repository
	rl   RateLimiter
	cfg  Config
}

func New(repo Repository, rl RateLimiter, cfg Config) *Service {
	if cfg.HomeCountryCode == "" {
		cfg.HomeCountryCode = "91"
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.IPLimit <= 0 {
		cfg.IPLimit = 60
	}
	if cfg.IdentityLimit <= 0 {
		cfg.IdentityLimit = 10
	}
	return &Service{repo: repo, rl: rl, cfg: cfg}
}

type Query struct {
	Phone          string
	Email          string
	OrderReference string
	TrackingNumber string

	CallerIP string
}

type Result struct {
	Mode      string
	Shipments []*models.Shipment
}

// Resolve maps a caller identity to the relevant subset of their
// shipments: all active ones when any exist, otherwise just the latest
// delivered one.
func (s *Service) Resolve(ctx context.Context, q Query) (*Result, error) {
	f := pgshipment.IdentityFilter{
		OrderReference: NormalizeOrderRef(q.OrderReference),
		TrackingNumber: strings.TrimSpace(q.TrackingNumber),
		Email:          NormalizeEmail(q.Email),
	}
	if p, ok := NormalizePhone(q.Phone, s.cfg.HomeCountryCode); ok {
		f.Phone = p
	}

	// Identity gate: phone or email must accompany any query.
	if f.Phone == "" && f.Email == "" {
		return nil, ErrInvalidIdentity
	}

	if err := s.checkRateLimits(ctx, q.CallerIP, identityKey(f)); err != nil {
		return nil, err
	}

	found, err := s.repo.SearchByIdentity(ctx, f, 0)
	if err != nil {
		return nil, errors.Wrap(err, "search shipments")
	}
	if len(found) == 0 {
		return &Result{Mode: ModeNone, Shipments: []*models.Shipment{}}, nil
	}

	var active []*models.Shipment
	for _, sh := range found {
		if !sh.DeliveryConfirmed {
			active = append(active, sh)
		}
	}
	if len(active) > 0 {
		return &Result{Mode: ModeActiveOnly, Shipments: active}, nil
	}

	latest := found[0]
	for _, sh := range found[1:] {
		if deliveredAfter(sh, latest) {
			latest = sh
		}
	}
	return &Result{Mode: ModeLatestDelivered, Shipments: []*models.Shipment{latest}}, nil
}

func deliveredAfter(a, b *models.Shipment) bool {
	if a.DeliveredAt == nil {
		return false
	}
	if b.DeliveredAt == nil {
		return true
	}
	return a.DeliveredAt.After(*b.DeliveredAt)
}

// identityKey picks the most specific supplied identity field, so the
// per-identity window follows the target being queried, not the caller.
func identityKey(f pgshipment.IdentityFilter) string {
	switch {
	case f.Phone != "":
		return f.Phone
	case f.Email != "":
		return f.Email
	case f.OrderReference != "":
		return f.OrderReference
	default:
		return f.TrackingNumber
	}
}

func (s *Service) checkRateLimits(ctx context.Context, callerIP, idKey string) error {
	if s.rl == nil {
		return nil
	}
	if callerIP != "" {
		ok, _, retryAfter, err := s.rl.Allow(ctx, "rl:lookup:ip:"+callerIP, s.cfg.IPLimit, s.cfg.Window)
		if err != nil {
			return errors.Wrap(err, "ip rate limit")
		}
		if !ok {
			return &RateLimitedError{RetryAfter: retryAfter}
		}
	}
	if idKey != "" {
		ok, _, retryAfter, err := s.rl.Allow(ctx, "rl:lookup:id:"+idKey, s.cfg.IdentityLimit, s.cfg.Window)
		if err != nil {
			return errors.Wrap(err, "identity rate limit")
		}
		if !ok {
			return &RateLimitedError{RetryAfter: retryAfter}
		}
	}
	return nil
}
