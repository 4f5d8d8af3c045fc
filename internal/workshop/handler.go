package workshop

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// Handler wires HTTP endpoints for workshop orders.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs workshop handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers workshop routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders", h.list)
	r.Post("/orders", h.create)
	r.Get("/orders/{id}", h.get)
	r.Post("/orders/{id}/start", h.transition((*Service).Start))
	r.Post("/orders/{id}/complete", h.transition((*Service).Complete))
	r.Post("/orders/{id}/reopen", h.transition((*Service).Reopen))
	r.Post("/orders/{id}/cancel", h.transition((*Service).Cancel))
	r.Post("/orders/{id}/parts", h.consumeParts)
	r.Post("/orders/{id}/labor", h.addLabor)
	r.Post("/orders/{id}/invoice", h.invoice)
}

type createRequest struct {
	CustomerID  int64  `json:"customer_id" validate:"required"`
	LocationID  int64  `json:"location_id" validate:"required"`
	Description string `json:"description"`
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
	order, err := h.service.Create(r.Context(), CreateInput{
		CustomerID:  req.CustomerID,
		LocationID:  req.LocationID,
		Description: req.Description,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Get(r.Context(), pathID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	customerID, _ := strconv.ParseInt(q.Get("customer_id"), 10, 64)
	page := shared.PageFromQuery(q)
	orders, err := h.service.List(r.Context(), Filter{
		CustomerID: customerID,
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

func (h *Handler) transition(op func(*Service, context.Context, int64, int64) (ServiceOrder, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := op(h.service, r.Context(), pathID(r), shared.ActorFromContext(r.Context()))
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, order)
	}
}

type partLineRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	VariantID int64   `json:"variant_id"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
	UnitPrice string  `json:"unit_price"`
}

type consumeRequest struct {
	Lines []partLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) consumeParts(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ConsumeInput{
		OrderID: pathID(r),
		ActorID: shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		price := decimal.Zero
		if line.UnitPrice != "" {
			parsed, err := decimal.NewFromString(line.UnitPrice)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid unit_price")
				return
			}
			price = parsed
		}
		input.Lines = append(input.Lines, PartLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Qty:       line.Qty,
			UnitPrice: price,
		})
	}
	order, err := h.service.ConsumeParts(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type laborRequest struct {
	Description string `json:"description" validate:"required"`
	Price       string `json:"price" validate:"required"`
}

func (h *Handler) addLabor(w http.ResponseWriter, r *http.Request) {
	var req laborRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid price")
		return
	}
	order, err := h.service.AddLabor(r.Context(), LaborInput{
		OrderID:     pathID(r),
		Description: req.Description,
		Price:       price,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) invoice(w http.ResponseWriter, r *http.Request) {
	order, invoice, err := h.service.Invoice(r.Context(), pathID(r), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": order, "invoice": invoice})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, stock.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("workshop request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}
