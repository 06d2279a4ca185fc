// internal/rescue/handler.go
package rescue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/feed"
	"foodrescue/internal/geo"
	"foodrescue/internal/listing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// UserHeader carries the authenticated caller, set by the gateway.
const UserHeader = "X-User-ID"

type Handler struct {
	service Service
	log     logrus.FieldLogger
	limits  *claimLimiter
}

// NewHandler creates the HTTP adapter. perMinute and burst bound how fast a
// single claimant may submit claims.
func NewHandler(service Service, log logrus.FieldLogger, perMinute, burst int) *Handler {
	return &Handler{
		service: service,
		log:     log,
		limits:  newClaimLimiter(perMinute, burst),
	}
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/listings", func(r chi.Router) {
		r.Post("/", h.HandleCreateListing)
		r.Get("/", h.HandleListActive)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetListing)
			r.Patch("/", h.HandleUpdateListing)
			r.Delete("/", h.HandleDeleteListing)
			r.Get("/similar", h.HandleSimilar)
			r.Get("/claims", h.HandleClaimsFor)
			r.Get("/history", h.HandleHistory)
		})
	})
	r.Post("/claims", h.HandleClaim)
	r.Get("/donors/{id}/totals", h.HandleDonorTotals)
	r.Get("/recipients/{id}/totals", h.HandleRecipientTotals)
	r.Get("/leaderboard", h.HandleLeaderboard)
}

func (h *Handler) HandleCreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}

	l, err := h.service.CreateListing(r.Context(), caller, req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, l)
}

func (h *Handler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	from, ok := h.location(w, r)
	if !ok {
		return
	}
	q := feed.Query{FoodType: r.URL.Query().Get("food_type")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.respondError(w, apperr.New(apperr.InvalidInput, "limit must be a non-negative integer"))
			return
		}
		q.Limit = limit
	}

	views, err := h.service.ListActive(r.Context(), q, from)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleGetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	from, ok := h.location(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetListing(r.Context(), id, from)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleSimilar(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	from, ok := h.location(w, r)
	if !ok {
		return
	}
	views, err := h.service.Similar(r.Context(), id, from)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleUpdateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var patch listing.Patch
	if !h.decode(w, r, &patch) {
		return
	}

	res, err := h.service.UpdateListing(r.Context(), id, caller, patch)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleDeleteListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteListing(r.Context(), id, caller); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleClaimsFor(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	claims, err := h.service.ClaimsFor(r.Context(), id, caller)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, claims)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id, caller)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if !h.limits.allow(caller) {
		w.Header().Set("Retry-After", "60")
		h.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many claim attempts, slow down."})
		return
	}

	var req struct {
		ListingID uuid.UUID `json:"listing_id"`
		Quantity  float64   `json:"quantity_kg"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Claim(r.Context(), caller, req.ListingID, req.Quantity)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, result)
}

func (h *Handler) HandleDonorTotals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	totals, err := h.service.DonorTotals(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, totals)
}

func (h *Handler) HandleRecipientTotals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	totals, err := h.service.RecipientTotals(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, totals)
}

func (h *Handler) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(w, apperr.New(apperr.InvalidInput, "limit must be an integer"))
			return
		}
		limit = v
	}
	entries, err := h.service.Leaderboard(r.Context(), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Expired:
		return http.StatusGone
	case apperr.AlreadyClaimed, apperr.OverClaim, apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.log.WithError(err).Error("failed to encode JSON response")
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	h.respondJSON(w, status, map[string]string{
		"error": apperr.MessageOf(err),
		"kind":  string(apperr.KindOf(err)),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, apperr.Wrap(apperr.InvalidInput, err, "invalid JSON body"))
		return false
	}
	return true
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get(UserHeader))
	if err != nil {
		h.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid " + UserHeader})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, apperr.New(apperr.InvalidInput, "invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// location reads the optional lat/lng query pair.
func (h *Handler) location(w http.ResponseWriter, r *http.Request) (*geo.Point, bool) {
	q := r.URL.Query()
	rawLat, rawLng := q.Get("lat"), q.Get("lng")
	if rawLat == "" && rawLng == "" {
		return nil, true
	}
	lat, errLat := strconv.ParseFloat(rawLat, 64)
	lng, errLng := strconv.ParseFloat(rawLng, 64)
	if err := errors.Join(errLat, errLng); err != nil {
		h.respondError(w, apperr.Wrap(apperr.InvalidInput, err, "lat and lng must both be numbers"))
		return nil, false
	}
	return &geo.Point{Lat: lat, Lng: lng}, true
}

// claimLimiter keeps one token bucket per claimant.
type claimLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	every    rate.Limit
	burst    int
}

func newClaimLimiter(perMinute, burst int) *claimLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &claimLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter),
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

// allow reports whether the claimant may submit now. A nil limiter allows
// everything.
func (l *claimLimiter) allow(id uuid.UUID) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
