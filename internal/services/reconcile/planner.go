package reconcile

import (
	"time"

	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/storage/pgshipment"
)

// PlannerConfig drives the adaptive re-check intervals. The defaults trade
// provider API calls against freshness: tight while a parcel is out for
// delivery, loose while it sits in a linehaul truck.
type PlannerConfig struct {
	OutForDeliveryDelay time.Duration // default: 1 hour
	NDRFreshDelay       time.Duration // default: 6 hours (first day of an NDR)
	NDRStaleDelay       time.Duration // default: 2 hours (NDR older than a day)
	NDREscalateAfter    time.Duration // default: 24 hours
	InTransitDelay      time.Duration // default: 12 hours
	UnknownDelay        time.Duration // default: 24 hours, safety fallback
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		OutForDeliveryDelay: 1 * time.Hour,
		NDRFreshDelay:       6 * time.Hour,
		NDRStaleDelay:       2 * time.Hour,
		NDREscalateAfter:    24 * time.Hour,
		InTransitDelay:      12 * time.Hour,
		UnknownDelay:        24 * time.Hour,
	}
}

type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.OutForDeliveryDelay <= 0 {
		cfg.OutForDeliveryDelay = def.OutForDeliveryDelay
	}
	if cfg.NDRFreshDelay <= 0 {
		cfg.NDRFreshDelay = def.NDRFreshDelay
	}
	if cfg.NDRStaleDelay <= 0 {
		cfg.NDRStaleDelay = def.NDRStaleDelay
	}
	if cfg.NDREscalateAfter <= 0 {
		cfg.NDREscalateAfter = def.NDREscalateAfter
	}
	if cfg.InTransitDelay <= 0 {
		cfg.InTransitDelay = def.InTransitDelay
	}
	if cfg.UnknownDelay <= 0 {
		cfg.UnknownDelay = def.UnknownDelay
	}
	return &Planner{cfg: cfg}
}

// NextCheckAt computes when a shipment should be polled again after an
// observation at now. firstNDRAt is the effective first-NDR timestamp
// (existing sticky value, or now on the very first NDR). Terminal states
// get the far-future sentinel and never come back.
func (p *Planner) NextCheckAt(now time.Time, canonicalStatus string, firstNDRAt *time.Time) time.Time {
	switch canonicalStatus {
	case models.StatusDelivered, models.StatusRTO:
		return pgshipment.SentinelNextCheck
	case models.StatusOutForDelivery:
		return now.Add(p.cfg.OutForDeliveryDelay)
	case models.StatusNDR:
		// An NDR that has persisted past a day is operationally higher
		// risk (repeat failures drift into RTO), so checks speed up.
		if firstNDRAt != nil && now.Sub(*firstNDRAt) >= p.cfg.NDREscalateAfter {
			return now.Add(p.cfg.NDRStaleDelay)
		}
		return now.Add(p.cfg.NDRFreshDelay)
	case models.StatusInTransit, models.StatusPickedUp:
		return now.Add(p.cfg.InTransitDelay)
	default:
		return now.Add(p.cfg.UnknownDelay)
	}
}
