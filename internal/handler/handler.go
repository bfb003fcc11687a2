package handler

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/database"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/poller"
)

// Handler manages HTTP request handling for invoices and operator actions.
type Handler struct {
	db             *database.Database
	poller         *poller.Poller
	networks       map[string]bool
	operatorAPIKey string
}

// NewHandler creates a new Handler instance. networks is the set of
// registered chain networks, used to reject invoices nothing could verify.
func NewHandler(db *database.Database, p *poller.Poller, networks []string, operatorAPIKey string) *Handler {
	known := make(map[string]bool, len(networks))
	for _, n := range networks {
		known[n] = true
	}
	return &Handler{
		db:             db,
		poller:         p,
		networks:       known,
		operatorAPIKey: operatorAPIKey,
	}
}

// OperatorAuth middleware checks if the request has a valid operator API key
func (h *Handler) OperatorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if h.operatorAPIKey == "" || apiKey != h.operatorAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.Response{
				Success: false,
				Error:   "invalid API key",
			})
			return
		}
		c.Next()
	}
}

// CreateInvoice handles invoice creation requests
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req model.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	amount, err := decimal.NewFromString(req.ExpectedAmount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "expected_amount must be a positive decimal string",
		})
		return
	}

	if !h.networks[req.Network] {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   fmt.Sprintf("unsupported network %q", req.Network),
		})
		return
	}

	toleranceClass := model.ToleranceClass(req.ToleranceClass)
	switch toleranceClass {
	case model.ToleranceStablecoin, model.ToleranceNative:
	case "":
		toleranceClass = model.ToleranceNative
	default:
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "tolerance_class must be \"stablecoin\" or \"native\"",
		})
		return
	}

	invoice, err := h.db.CreateInvoice(&model.Invoice{
		ExpectedAmount: amount,
		Currency:       req.Currency,
		Network:        req.Network,
		DepositAddress: req.DepositAddress,
		ToleranceClass: toleranceClass,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   fmt.Sprintf("failed to create invoice: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    invoice,
	})
}

// GetInvoice handles invoice retrieval requests
func (h *Handler) GetInvoice(c *gin.Context) {
	id, ok := h.invoiceID(c)
	if !ok {
		return
	}

	invoice, err := h.db.GetInvoice(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, model.Response{
			Success: false,
			Error:   "invoice not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to get invoice",
		})
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    invoice,
	})
}

// ListPayments returns every payment record observed for an invoice
func (h *Handler) ListPayments(c *gin.Context) {
	id, ok := h.invoiceID(c)
	if !ok {
		return
	}

	records, err := h.db.GetPaymentRecords(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to get payment records",
		})
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    records,
	})
}

// ListEvents returns the state-transition history for an invoice
func (h *Handler) ListEvents(c *gin.Context) {
	id, ok := h.invoiceID(c)
	if !ok {
		return
	}

	events, err := h.db.ListStatusEvents(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to get status events",
		})
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    events,
	})
}

// CancelInvoice moves a not-yet-settled invoice to CANCELLED
func (h *Handler) CancelInvoice(c *gin.Context) {
	id, ok := h.invoiceID(c)
	if !ok {
		return
	}

	invoice, err := h.db.GetInvoice(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, model.Response{
			Success: false,
			Error:   "invoice not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to get invoice",
		})
		return
	}
	if invoice.Status.Terminal() {
		c.JSON(http.StatusConflict, model.Response{
			Success: false,
			Error:   fmt.Sprintf("invoice is already %s", invoice.Status),
		})
		return
	}

	if err := h.db.UpdateInvoiceStatus(id, model.InvoiceStatusCancelled, nil); err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to cancel invoice",
		})
		return
	}

	c.JSON(http.StatusOK, model.Response{Success: true})
}

// ManualVerify lets an operator submit a transaction hash for verification
func (h *Handler) ManualVerify(c *gin.Context) {
	var req model.ManualVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	operatorID := c.GetHeader("X-Operator-ID")
	if operatorID == "" {
		operatorID = "operator"
	}

	resp := h.poller.ManualVerify(c.Request.Context(), req.InvoiceID, req.TxHash, operatorID)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resp)
}

func (h *Handler) invoiceID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid invoice id",
		})
		return 0, false
	}
	return id, true
}
