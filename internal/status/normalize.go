package status

import (
	"strings"

	"github.com/quicktrail/shipwatch/internal/models"
)

// Provider status codes take precedence over free-text matching.
// Bluedart scan-type codes (subset that matters for scheduling).
var bluedartCodes = map[string]string{
	"DL":  models.StatusDelivered,
	"000": models.StatusDelivered,
	"IT":  models.StatusInTransit,
	"PU":  models.StatusPickedUp,
	"OD":  models.StatusOutForDelivery,
	"UD":  models.StatusNDR,
	"RD":  models.StatusRTO,
	"RT":  models.StatusRTO,
	"CN":  models.StatusCancelled,
}

// Delhivery API "Status.StatusType" values.
var delhiveryCodes = map[string]string{
	"DL":  models.StatusDelivered,
	"UD":  models.StatusInTransit, // UD = "in process of delivery"
	"RT":  models.StatusRTO,
	"CN":  models.StatusCancelled,
	"PP":  models.StatusPickedUp,
	"DLF": models.StatusNDR,
	"OFD": models.StatusOutForDelivery,
}

// Normalize maps a provider status code plus raw status text to the
// canonical taxonomy. Codes win when present; free text is the fallback.
// Defaults to UNKNOWN when nothing matches.
func Normalize(source, code, raw string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code != "" {
		var table map[string]string
		switch source {
		case models.SourceBluedart:
			table = bluedartCodes
		case models.SourceDelhivery:
			table = delhiveryCodes
		}
		if s, ok := table[code]; ok {
			return s
		}
	}
	return FromText(raw)
}

// FromText classifies a free-text courier status. Keyword precedence
// matters: "RTO Delivered" is RTO, "not delivered" is NDR, so both are
// checked before the delivered keyword.
func FromText(raw string) string {
	low := strings.ToLower(raw)
	switch {
	case low == "":
		return models.StatusUnknown
	case strings.Contains(low, "rto") || strings.Contains(low, "return"):
		return models.StatusRTO
	case strings.Contains(low, "ndr") ||
		strings.Contains(low, "failed") ||
		strings.Contains(low, "undelivered") ||
		strings.Contains(low, "not delivered"):
		return models.StatusNDR
	case strings.Contains(low, "delivered"):
		return models.StatusDelivered
	case strings.Contains(low, "out for delivery"):
		return models.StatusOutForDelivery
	case strings.Contains(low, "picked") || strings.Contains(low, "pickup"):
		return models.StatusPickedUp
	case strings.Contains(low, "transit") ||
		strings.Contains(low, "shipped") ||
		strings.Contains(low, "dispatched") ||
		strings.Contains(low, "in progress"):
		return models.StatusInTransit
	case strings.Contains(low, "cancel"):
		return models.StatusCancelled
	default:
		return models.StatusUnknown
	}
}
