package inventory

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listRecords)
	r.Get("/movements", h.listMovements)
	r.Post("/movements", h.recordMovement)
	r.Get("/{id}", h.getRecord)
}

func (h *Handler) recordMovement(w http.ResponseWriter, r *http.Request) {
	var input ManualMovementInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	if input.RequestID == "" {
		input.RequestID = httpx.IdempotencyKey(r)
	}
	result, err := h.service.RecordManualMovement(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	filter, err := parseMovementFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := httpx.QueryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := httpx.QueryInt(r, "offset")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	records, err := h.service.ListRecords(r.Context(), RecordFilter{ActiveOnly: activeOnly, Limit: limit, Offset: offset})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.fail(w, r, ErrRecordNotFound)
		return
	}
	rec, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func parseMovementFilter(r *http.Request) (MovementFilter, error) {
	var filter MovementFilter
	var err error
	q := r.URL.Query()
	if filter.InventoryID, err = httpx.QueryInt64(r, "inventory_id"); err != nil {
		return filter, err
	}
	if filter.Limit, err = httpx.QueryInt(r, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = httpx.QueryInt(r, "offset"); err != nil {
		return filter, err
	}
	filter.Type = MovementType(q.Get("type"))
	filter.RefID = q.Get("ref_id")
	if filter.From, err = parseTime(q.Get("from"), false); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime(q.Get("to"), true); err != nil {
		return filter, err
	}
	return filter, nil
}

// parseTime accepts RFC3339 or a plain date; a plain "to" date covers the whole day.
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, httpx.ErrMalformedBody
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
