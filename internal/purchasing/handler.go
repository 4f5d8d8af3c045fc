package purchasing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// Handler wires HTTP endpoints for purchasing.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs purchasing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchasing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders", h.list)
	r.Post("/orders", h.create)
	r.Get("/orders/{id}", h.get)
	r.Post("/orders/{id}/approve", h.approve)
	r.Post("/orders/{id}/receive", h.receive)
	r.Post("/orders/{id}/cancel", h.cancel)
}

type createItemRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	VariantID int64   `json:"variant_id"`
	Quantity  float64 `json:"quantity" validate:"required,gt=0"`
	UnitCost  float64 `json:"unit_cost" validate:"gte=0"`
}

type createRequest struct {
	SupplierID int64               `json:"supplier_id" validate:"required"`
	LocationID int64               `json:"location_id" validate:"required"`
	Notes      string              `json:"notes"`
	Items      []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{
		SupplierID: req.SupplierID,
		LocationID: req.LocationID,
		Notes:      req.Notes,
		ActorID:    shared.ActorFromContext(r.Context()),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, CreateItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitCost:  item.UnitCost,
		})
	}
	po, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.Get(r.Context(), pathID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	supplierID, _ := strconv.ParseInt(q.Get("supplier_id"), 10, 64)
	page := shared.PageFromQuery(q)
	orders, err := h.service.List(r.Context(), Filter{
		SupplierID: supplierID,
		Status:     Status(q.Get("status")),
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.Approve(r.Context(), pathID(r), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

type receiveLineRequest struct {
	ItemID int64   `json:"item_id" validate:"required"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

type receiveRequest struct {
	Lines []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReceiveInput{
		OrderID:   pathID(r),
		RequestID: r.Header.Get("X-Request-ID"),
		ActorID:   shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ReceiveLine{ItemID: line.ItemID, Qty: line.Qty})
	}
	po, err := h.service.Receive(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.Cancel(r.Context(), pathID(r), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrNothingToReceive), errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, stock.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	default:
		h.logger.Error("purchasing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}
