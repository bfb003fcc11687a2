package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusSent      InvoiceStatus = "SENT"
	InvoiceStatusDetected  InvoiceStatus = "DETECTED"
	InvoiceStatusPartial   InvoiceStatus = "PARTIAL"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusOverpaid  InvoiceStatus = "OVERPAID"
	InvoiceStatusExpired   InvoiceStatus = "EXPIRED"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusOverpaid, InvoiceStatusExpired, InvoiceStatusCancelled:
		return true
	}
	return false
}

// ToleranceClass selects the accepted deviation band between the expected
// and the received amount. Pegged stablecoins get a tight band, native
// assets a wider one that absorbs network-fee variance.
type ToleranceClass string

const (
	ToleranceStablecoin ToleranceClass = "stablecoin"
	ToleranceNative     ToleranceClass = "native"
)

// Invoice is a payment request bound to one deposit address on one network.
// Status and PaidAt are only ever written by the reconciliation path.
type Invoice struct {
	ID             int64           `json:"id"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Currency       string          `json:"currency"`
	Network        string          `json:"network"`
	DepositAddress string          `json:"deposit_address"`
	ToleranceClass ToleranceClass  `json:"tolerance_class"`
	Status         InvoiceStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
}

// CreateInvoiceRequest is the request body for creating an invoice.
type CreateInvoiceRequest struct {
	ExpectedAmount string `json:"expected_amount" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	Network        string `json:"network" binding:"required"`
	DepositAddress string `json:"deposit_address" binding:"required"`
	ToleranceClass string `json:"tolerance_class"`
}

// ManualVerifyRequest is the request body for the operator verification path.
type ManualVerifyRequest struct {
	InvoiceID int64  `json:"invoice_id" binding:"required"`
	TxHash    string `json:"tx_hash" binding:"required"`
}

// ManualVerifyResponse reports the outcome of an operator verification.
type ManualVerifyResponse struct {
	Success bool   `json:"success"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// Response is the generic API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
