package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a single observed transaction.
type PaymentStatus string

const (
	PaymentStatusDetected  PaymentStatus = "DETECTED"
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	PaymentStatusManual    PaymentStatus = "MANUAL"
)

// PaymentObservation is what a verification source reports for one
// transaction. It is transient and never persisted as-is; the Source tag
// ("exchange" or "chain:<network>") is recorded for audit only.
type PaymentObservation struct {
	TxHash        string
	Amount        decimal.Decimal
	Currency      string
	Network       string
	Confirmations int
	Source        string
	ObservedAt    time.Time
}

// PaymentRecord is the persisted form of an observation, keyed by
// (invoice_id, tx_hash). Records are never deleted; confirmations only move
// forward.
type PaymentRecord struct {
	ID                   int64           `json:"id"`
	InvoiceID            int64           `json:"invoice_id"`
	TxHash               string          `json:"tx_hash"`
	Amount               decimal.Decimal `json:"amount"`
	Confirmations        int             `json:"confirmations"`
	Status               PaymentStatus   `json:"status"`
	Source               string          `json:"source"`
	IsManualVerification bool            `json:"is_manual_verification"`
	VerifiedBy           string          `json:"verified_by,omitempty"`
	DetectedAt           time.Time       `json:"detected_at"`
	ConfirmedAt          *time.Time      `json:"confirmed_at,omitempty"`
}

// ReconciliationResult is the pure output of comparing the confirmed total
// against the expected amount.
type ReconciliationResult struct {
	Status           InvoiceStatus   `json:"status"`
	TotalReceived    decimal.Decimal `json:"total_received"`
	ShortageOrExcess decimal.Decimal `json:"shortage_or_excess"`
	PercentageDelta  decimal.Decimal `json:"percentage_delta"`
}

// StatusEvent records one state transition for dashboards and notifiers.
type StatusEvent struct {
	ID        string          `json:"id"`
	InvoiceID int64           `json:"invoice_id"`
	Type      string          `json:"type"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Source    string          `json:"source,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RefundEntry is one queued overpayment refund, at most one per invoice.
type RefundEntry struct {
	InvoiceID    int64           `json:"invoice_id"`
	ExcessAmount decimal.Decimal `json:"excess_amount"`
	Currency     string          `json:"currency"`
	CreatedAt    time.Time       `json:"created_at"`
}
