package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for supplier billing.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs billing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.list)
	r.Post("/invoices", h.create)
	r.Get("/invoices/aging", h.aging)
	r.Get("/invoices/{id}", h.get)
	r.Post("/invoices/{id}/payments", h.registerPayment)
	r.Post("/invoices/{id}/cancel", h.cancel)
	r.Post("/invoices/from-order/{id}", h.createFromOrder)
}

type createRequest struct {
	SupplierID int64  `json:"supplier_id" validate:"required"`
	OrderID    int64  `json:"order_id"`
	Total      string `json:"total" validate:"required"`
	DueAt      string `json:"due_at"`
	Notes      string `json:"notes"`
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
	total, err := decimal.NewFromString(req.Total)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid total")
		return
	}
	dueAt, err := parseDate(req.DueAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid due_at date")
		return
	}
	inv, err := h.service.Create(r.Context(), CreateInput{
		SupplierID: req.SupplierID,
		OrderID:    req.OrderID,
		Total:      total,
		DueAt:      dueAt,
		Notes:      req.Notes,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

type fromOrderRequest struct {
	DueAt string `json:"due_at"`
}

func (h *Handler) createFromOrder(w http.ResponseWriter, r *http.Request) {
	var req fromOrderRequest
	// Body is optional; an omitted due date defaults downstream.
	_ = httpx.DecodeJSON(r, &req)
	dueAt, err := parseDate(req.DueAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid due_at date")
		return
	}
	inv, err := h.service.CreateFromPurchaseOrder(r.Context(), pathID(r), dueAt, shared.ActorFromContext(r.Context()))
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
	supplierID, _ := strconv.ParseInt(q.Get("supplier_id"), 10, 64)
	page := shared.PageFromQuery(q)
	invoices, err := h.service.List(r.Context(), Filter{
		SupplierID: supplierID,
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
	Method string `json:"method"`
	Note   string `json:"note"`
	PaidAt string `json:"paid_at"`
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
	paidAt, err := parseDate(req.PaidAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid paid_at date")
		return
	}
	inv, err := h.service.RegisterPayment(r.Context(), PaymentInput{
		InvoiceID: pathID(r),
		Amount:    amount,
		Method:    req.Method,
		Note:      req.Note,
		PaidAt:    paidAt,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Cancel(r.Context(), pathID(r), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid as_of date")
		return
	}
	report, err := h.service.AgingReport(r.Context(), asOf)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, shared.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("billing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}
