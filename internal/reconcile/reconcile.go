// Package reconcile decides an invoice's settlement status from the full
// set of its confirmed payments. It is pure computation: no I/O, no clock,
// identical inputs always produce identical results.
package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

var (
	// toleranceStablecoin is tight: pegged assets arrive at face value.
	toleranceStablecoin = decimal.RequireFromString("0.001")
	// toleranceNative is wider to absorb network-fee-driven underpayment
	// on volatile assets.
	toleranceNative = decimal.RequireFromString("0.005")

	hundred = decimal.NewFromInt(100)
)

// Tolerance returns the accepted relative deviation for a tolerance class.
// Unknown classes get the wider native band.
func Tolerance(class model.ToleranceClass) decimal.Decimal {
	if class == model.ToleranceStablecoin {
		return toleranceStablecoin
	}
	return toleranceNative
}

// Reconcile aggregates every confirmed payment for the invoice and compares
// the total against the expected amount within the invoice's tolerance band.
// It always recomputes from the full set so split payments settle correctly.
func Reconcile(invoice model.Invoice, confirmed []model.PaymentRecord) model.ReconciliationResult {
	total := decimal.Zero
	for _, p := range confirmed {
		total = total.Add(p.Amount)
	}

	expected := invoice.ExpectedAmount
	tolerance := Tolerance(invoice.ToleranceClass)
	minAcceptable := expected.Mul(decimal.NewFromInt(1).Sub(tolerance))
	maxAcceptable := expected.Mul(decimal.NewFromInt(1).Add(tolerance))

	result := model.ReconciliationResult{TotalReceived: total}

	switch {
	case total.LessThan(minAcceptable):
		result.Status = model.InvoiceStatusPartial
		result.ShortageOrExcess = expected.Sub(total)
	case total.GreaterThan(maxAcceptable):
		result.Status = model.InvoiceStatusOverpaid
		result.ShortageOrExcess = total.Sub(expected)
	default:
		result.Status = model.InvoiceStatusPaid
		result.ShortageOrExcess = total.Sub(expected).Abs()
	}

	if expected.IsPositive() {
		result.PercentageDelta = result.ShortageOrExcess.Div(expected).Mul(hundred)
	}
	return result
}
