package shipments_api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quicktrail/shipwatch/internal/cache"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/services/dashboard"
	"github.com/quicktrail/shipwatch/internal/services/lookup"
)

type Store interface {
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	ListEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ScanEvent, error)
	SetOpsNote(ctx context.Context, trackingNumber, note string, resolvedAt *time.Time) error
	GetOrderByReference(ctx context.Context, orderRef string) (*models.Order, error)
}

type Checker interface {
	RunOnce(ctx context.Context) (int, error)
}

type API struct {
	store     Store
	lookup    *lookup.Service
	dashboard *dashboard.Service
	checker   Checker
	cache     cache.BytesCache
	cacheTTL  time.Duration
}

type Opts struct {
	Store     Store
	Lookup    *lookup.Service
	Dashboard *dashboard.Service
	Checker   Checker
	Cache     cache.BytesCache
	CacheTTL  time.Duration
}

func New(opts Opts) *API {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	return &API{
		store:     opts.Store,
		lookup:    opts.Lookup,
		dashboard: opts.Dashboard,
		checker:   opts.Checker,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
	}
}

func (a *API) Routes(r chi.Router) {
	// chi forbids Use after routes exist on the mux, and the caller may
	// have registered routes already; a sub-group keeps requestID scoped
	// to these routes.
	r.Group(func(r chi.Router) {
		r.Use(requestID)

		r.Post("/v1/lookup", a.handleLookup)
		r.Get("/v1/shipments/{trackingNumber}", a.handleGetShipment)
		r.Get("/v1/shipments/{trackingNumber}/events", a.handleListEvents)

		r.Post("/internal/checks/run", a.handleRunChecks)
		r.Get("/internal/dashboard", a.handleDashboard)
		r.Put("/internal/shipments/{trackingNumber}/ops-note", a.handleOpsNote)
	})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type lookupRequest struct {
	Phone          string `json:"phone"`
	Email          string `json:"email"`
	OrderReference string `json:"orderReference"`
	TrackingNumber string `json:"trackingNumber"`
}

type lookupResponse struct {
	Mode      string          `json:"mode"`
	Shipments []*shipmentView `json:"shipments"`
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := a.lookup.Resolve(r.Context(), lookup.Query{
		Phone:          req.Phone,
		Email:          req.Email,
		OrderReference: req.OrderReference,
		TrackingNumber: req.TrackingNumber,
		CallerIP:       callerIP(r),
	})
	if err != nil {
		var rle *lookup.RateLimitedError
		switch {
		case errors.As(err, &rle):
			retryAfter := int(rle.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "too many lookup attempts",
				"retryAfter": retryAfter,
			})
		case errors.Is(err, lookup.ErrInvalidIdentity):
			writeError(w, http.StatusBadRequest, lookup.ErrInvalidIdentity.Error())
		default:
			slog.Error("lookup", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	out := lookupResponse{Mode: res.Mode, Shipments: make([]*shipmentView, 0, len(res.Shipments))}
	for _, sh := range res.Shipments {
		out.Shipments = append(out.Shipments, toShipmentView(sh))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	awb := chi.URLParam(r, "trackingNumber")

	cacheKey := "shipment:" + awb
	if a.cache != nil {
		if b, ok, err := a.cache.Get(r.Context(), cacheKey); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
	}

	sh, err := a.store.GetByTrackingNumber(r.Context(), awb)
	if err != nil {
		slog.Error("get shipment", "trackingNumber", awb, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sh == nil {
		writeError(w, http.StatusNotFound, "shipment not found")
		return
	}

	view := toShipmentView(sh)
	if sh.OrderReference != "" {
		// Best effort: a missing or failed order read still serves the
		// shipment itself.
		if o, err := a.store.GetOrderByReference(r.Context(), sh.OrderReference); err == nil && o != nil {
			view.Order = toOrderView(o)
		}
	}

	body, _ := json.Marshal(view)
	if a.cache != nil {
		_ = a.cache.Set(r.Context(), cacheKey, body, a.cacheTTL)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	awb := chi.URLParam(r, "trackingNumber")

	sh, err := a.store.GetByTrackingNumber(r.Context(), awb)
	if err != nil {
		slog.Error("get shipment for events", "trackingNumber", awb, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sh == nil {
		writeError(w, http.StatusNotFound, "shipment not found")
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	evs, err := a.store.ListEvents(r.Context(), sh.ID, limit, offset)
	if err != nil {
		slog.Error("list events", "trackingNumber", awb, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]*eventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, toEventView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *API) handleRunChecks(w http.ResponseWriter, r *http.Request) {
	checked, err := a.checker.RunOnce(r.Context())
	if err != nil {
		slog.Error("manual check pass", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "check pass failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"checked": checked})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sum, err := a.dashboard.Summary(r.Context())
	if err != nil {
		slog.Error("dashboard summary", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type opsNoteRequest struct {
	Note     string `json:"note"`
	Resolved bool   `json:"resolved"`
}

func (a *API) handleOpsNote(w http.ResponseWriter, r *http.Request) {
	awb := chi.URLParam(r, "trackingNumber")

	var req opsNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sh, err := a.store.GetByTrackingNumber(r.Context(), awb)
	if err != nil {
		slog.Error("get shipment for ops note", "trackingNumber", awb, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sh == nil {
		writeError(w, http.StatusNotFound, "shipment not found")
		return
	}

	var resolvedAt *time.Time
	if req.Resolved {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	if err := a.store.SetOpsNote(r.Context(), awb, req.Note, resolvedAt); err != nil {
		slog.Error("set ops note", "trackingNumber", awb, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type shipmentView struct {
	TrackingNumber    string     `json:"trackingNumber"`
	TrackingSource    string     `json:"trackingSource,omitempty"`
	ActualCourier     string     `json:"actualCourier,omitempty"`
	Status            string     `json:"status"`
	RawStatusText     string     `json:"rawStatusText,omitempty"`
	DeliveryConfirmed bool       `json:"deliveryConfirmed"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	FirstNDRAt        *time.Time `json:"firstNdrAt,omitempty"`
	LastCheckedAt     *time.Time `json:"lastCheckedAt,omitempty"`
	OrderReference    string     `json:"orderReference,omitempty"`
	Order             *orderView `json:"order,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type orderView struct {
	OrderType       string `json:"orderType"`
	FinancialStatus string `json:"financialStatus,omitempty"`
	IsPaid          bool   `json:"isPaid"`
	IsCancelled     bool   `json:"isCancelled"`
	TotalAmount     int64  `json:"totalAmount"`
	PaidAmount      int64  `json:"paidAmount"`
}

func toOrderView(o *models.Order) *orderView {
	return &orderView{
		OrderType:       o.OrderType,
		FinancialStatus: o.FinancialStatus,
		IsPaid:          o.IsPaid,
		IsCancelled:     o.IsCancelled,
		TotalAmount:     o.TotalAmount,
		PaidAmount:      o.PaidAmount,
	}
}

func toShipmentView(sh *models.Shipment) *shipmentView {
	return &shipmentView{
		TrackingNumber:    sh.TrackingNumber,
		TrackingSource:    sh.TrackingSource,
		ActualCourier:     sh.ActualCourier,
		Status:            sh.CanonicalStatus,
		RawStatusText:     sh.RawStatusText,
		DeliveryConfirmed: sh.DeliveryConfirmed,
		DeliveredAt:       sh.DeliveredAt,
		FirstNDRAt:        sh.FirstNDRAt,
		LastCheckedAt:     sh.LastCheckedAt,
		OrderReference:    sh.OrderReference,
		CreatedAt:         sh.CreatedAt,
		UpdatedAt:         sh.UpdatedAt,
	}
}

type eventView struct {
	Status    string    `json:"status"`
	RawText   string    `json:"rawText"`
	ScanTime  time.Time `json:"scanTime"`
	Location  string    `json:"location,omitempty"`
	Remarks   string    `json:"remarks,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toEventView(e *models.ScanEvent) *eventView {
	return &eventView{
		Status:    e.CanonicalStatus,
		RawText:   e.RawStatusText,
		ScanTime:  e.ScanTime,
		Location:  derefString(e.Location),
		Remarks:   derefString(e.Remarks),
		CreatedAt: e.CreatedAt,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// callerIP honors X-Forwarded-For when present (the public API sits
// behind a proxy), falling back to the socket address.
func callerIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
