package stock

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/items", h.listItems)
	r.Get("/availability", h.availability)
	r.Get("/movements", h.listMovements)
	r.Post("/adjustments", h.postAdjustment)
	r.Post("/transfers", h.postTransfer)
	r.Post("/counts", h.postCount)
	r.Post("/reservations", h.reserve)
	r.Post("/reservations/release", h.release)
}

type itemResponse struct {
	ProductID        int64   `json:"product_id"`
	VariantID        int64   `json:"variant_id,omitempty"`
	LocationID       int64   `json:"location_id"`
	Quantity         float64 `json:"quantity"`
	ReservedQuantity float64 `json:"reserved_quantity"`
	AvgCost          float64 `json:"avg_cost"`
	LastCountAt      *string `json:"last_count_at,omitempty"`
}

func toItemResponse(item Item) itemResponse {
	resp := itemResponse{
		ProductID:        item.ProductID,
		VariantID:        item.VariantID,
		LocationID:       item.LocationID,
		Quantity:         item.Quantity,
		ReservedQuantity: item.ReservedQuantity,
		AvgCost:          item.AvgCost,
	}
	if !item.LastCountAt.IsZero() {
		formatted := item.LastCountAt.Format(time.RFC3339)
		resp.LastCountAt = &formatted
	}
	return resp
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ItemFilter{
		LocationID: queryInt(q.Get("location_id")),
		ProductID:  queryInt(q.Get("product_id")),
		Limit:      shared.PageFromQuery(q).Limit,
	}
	if below := q.Get("below"); below != "" {
		if v, err := strconv.ParseFloat(below, 64); err == nil {
			filter.BelowQty = v
		}
	}
	items, err := h.service.ListItems(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toItemResponse(item))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := ItemKey{
		ProductID:  queryInt(q.Get("product_id")),
		VariantID:  queryInt(q.Get("variant_id")),
		LocationID: queryInt(q.Get("location_id")),
	}
	avail, err := h.service.Availability(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, avail)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{
		ProductID:  queryInt(q.Get("product_id")),
		LocationID: queryInt(q.Get("location_id")),
		Type:       MovementType(q.Get("type")),
		Limit:      shared.PageFromQuery(q).Limit,
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

type adjustmentRequest struct {
	ProductID  int64   `json:"product_id" validate:"required"`
	VariantID  int64   `json:"variant_id"`
	LocationID int64   `json:"location_id" validate:"required"`
	Qty        float64 `json:"qty" validate:"required"`
	UnitCost   float64 `json:"unit_cost" validate:"gte=0"`
	Note       string  `json:"note"`
}

func (h *Handler) postAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		ItemKey:  ItemKey{ProductID: req.ProductID, VariantID: req.VariantID, LocationID: req.LocationID},
		Qty:      req.Qty,
		UnitCost: req.UnitCost,
		Note:     req.Note,
		ActorID:  shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemResponse(item))
}

type transferRequest struct {
	ProductID   int64   `json:"product_id" validate:"required"`
	VariantID   int64   `json:"variant_id"`
	SrcLocation int64   `json:"src_location_id" validate:"required"`
	DstLocation int64   `json:"dst_location_id" validate:"required"`
	Qty         float64 `json:"qty" validate:"required,gt=0"`
	Note        string  `json:"note"`
}

func (h *Handler) postTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	src, dst, err := h.service.PostTransfer(r.Context(), TransferInput{
		ProductID:   req.ProductID,
		VariantID:   req.VariantID,
		SrcLocation: req.SrcLocation,
		DstLocation: req.DstLocation,
		Qty:         req.Qty,
		Note:        req.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"source": toItemResponse(src), "destination": toItemResponse(dst)})
}

type countRequest struct {
	ProductID  int64   `json:"product_id" validate:"required"`
	VariantID  int64   `json:"variant_id"`
	LocationID int64   `json:"location_id" validate:"required"`
	CountedQty float64 `json:"counted_qty" validate:"gte=0"`
	Note       string  `json:"note"`
}

func (h *Handler) postCount(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := h.service.RecordCount(r.Context(), CountInput{
		ItemKey:    ItemKey{ProductID: req.ProductID, VariantID: req.VariantID, LocationID: req.LocationID},
		CountedQty: req.CountedQty,
		Note:       req.Note,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemResponse(item))
}

type reservationRequest struct {
	ProductID  int64   `json:"product_id" validate:"required"`
	VariantID  int64   `json:"variant_id"`
	LocationID int64   `json:"location_id" validate:"required"`
	Qty        float64 `json:"qty" validate:"required,gt=0"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	h.handleReservation(w, r, h.service.Reserve)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.handleReservation(w, r, h.service.Release)
}

func (h *Handler) handleReservation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, key ItemKey, qty float64) (Item, error)) {
	var req reservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := op(r.Context(), ItemKey{ProductID: req.ProductID, VariantID: req.VariantID, LocationID: req.LocationID}, req.Qty)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrItemNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost),
		errors.Is(err, ErrInvalidReference), errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func queryInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
