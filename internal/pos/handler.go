package pos

import (
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

// Handler wires HTTP endpoints for point of sale.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs pos handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers pos routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.list)
	r.Get("/invoices/{id}", h.get)
	r.Post("/checkout", h.checkout)
	r.Post("/invoices/{id}/payments", h.registerPayment)
	r.Post("/invoices/{id}/returns", h.postReturn)
}

type cartLineRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	VariantID int64   `json:"variant_id"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
	UnitPrice string  `json:"unit_price"`
}

type checkoutRequest struct {
	CustomerID int64             `json:"customer_id"`
	LocationID int64             `json:"location_id" validate:"required"`
	Notes      string            `json:"notes"`
	Lines      []cartLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CheckoutInput{
		CustomerID: req.CustomerID,
		LocationID: req.LocationID,
		Notes:      req.Notes,
		ActorID:    shared.ActorFromContext(r.Context()),
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
		input.Lines = append(input.Lines, CartLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Qty:       line.Qty,
			UnitPrice: price,
		})
	}
	inv, err := h.service.Checkout(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Get(r.Context(), pathID(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	customerID, _ := strconv.ParseInt(q.Get("customer_id"), 10, 64)
	locationID, _ := strconv.ParseInt(q.Get("location_id"), 10, 64)
	page := shared.PageFromQuery(q)
	invoices, err := h.service.List(r.Context(), Filter{
		CustomerID: customerID,
		LocationID: locationID,
		Status:     Status(q.Get("status")),
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

type paymentRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (h *Handler) registerPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid amount")
		return
	}
	inv, err := h.service.RegisterPayment(r.Context(), pathID(r), amount, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

type returnLineRequest struct {
	ItemID int64   `json:"item_id" validate:"required"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

type returnRequest struct {
	Note  string              `json:"note"`
	Lines []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) postReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReturnInput{
		InvoiceID: pathID(r),
		Note:      req.Note,
		ActorID:   shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ReturnLine{ItemID: line.ItemID, Qty: line.Qty})
	}
	inv, err := h.service.Return(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, stock.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrNothingToReturn), errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("pos request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}
