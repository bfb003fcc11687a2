package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func invoice(t *testing.T, expected string, class model.ToleranceClass) model.Invoice {
	t.Helper()
	return model.Invoice{
		ID:             1,
		ExpectedAmount: dec(t, expected),
		Currency:       "BTC",
		Network:        "bitcoin",
		ToleranceClass: class,
	}
}

func payments(t *testing.T, amounts ...string) []model.PaymentRecord {
	t.Helper()
	out := make([]model.PaymentRecord, 0, len(amounts))
	for i, a := range amounts {
		out = append(out, model.PaymentRecord{
			ID:     int64(i + 1),
			Amount: dec(t, a),
			Status: model.PaymentStatusConfirmed,
		})
	}
	return out
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name         string
		expected     string
		class        model.ToleranceClass
		amounts      []string
		wantStatus   model.InvoiceStatus
		wantTotal    string
		wantDelta    string
		wantDeltaPct string
	}{
		{
			name:       "single payment within native tolerance",
			expected:   "1.00000000",
			class:      model.ToleranceNative,
			amounts:    []string{"0.99995000"},
			wantStatus: model.InvoiceStatusPaid,
			wantTotal:  "0.99995",
		},
		{
			name:       "split payment summing to exact amount",
			expected:   "1.00000000",
			class:      model.ToleranceNative,
			amounts:    []string{"0.60000000", "0.40000000"},
			wantStatus: model.InvoiceStatusPaid,
			wantTotal:  "1",
		},
		{
			name:         "stablecoin underpayment is partial",
			expected:     "100.00",
			class:        model.ToleranceStablecoin,
			amounts:      []string{"95.00"},
			wantStatus:   model.InvoiceStatusPartial,
			wantTotal:    "95",
			wantDelta:    "5",
			wantDeltaPct: "5",
		},
		{
			name:         "overpayment beyond tolerance",
			expected:     "1.00000000",
			class:        model.ToleranceNative,
			amounts:      []string{"1.10000000"},
			wantStatus:   model.InvoiceStatusOverpaid,
			wantTotal:    "1.1",
			wantDelta:    "0.1",
			wantDeltaPct: "10",
		},
		{
			name:       "payment exactly at lower native bound",
			expected:   "1",
			class:      model.ToleranceNative,
			amounts:    []string{"0.995"},
			wantStatus: model.InvoiceStatusPaid,
			wantTotal:  "0.995",
		},
		{
			name:       "payment just below lower native bound",
			expected:   "1",
			class:      model.ToleranceNative,
			amounts:    []string{"0.99499999"},
			wantStatus: model.InvoiceStatusPartial,
			wantTotal:  "0.99499999",
		},
		{
			name:       "payment exactly at upper native bound",
			expected:   "1",
			class:      model.ToleranceNative,
			amounts:    []string{"1.005"},
			wantStatus: model.InvoiceStatusPaid,
			wantTotal:  "1.005",
		},
		{
			name:       "payment just above upper stablecoin bound",
			expected:   "100",
			class:      model.ToleranceStablecoin,
			amounts:    []string{"100.11"},
			wantStatus: model.InvoiceStatusOverpaid,
			wantTotal:  "100.11",
		},
		{
			name:       "stablecoin band is tighter than native",
			expected:   "100",
			class:      model.ToleranceStablecoin,
			amounts:    []string{"99.7"},
			wantStatus: model.InvoiceStatusPartial,
			wantTotal:  "99.7",
		},
		{
			name:       "same deviation passes under native band",
			expected:   "100",
			class:      model.ToleranceNative,
			amounts:    []string{"99.7"},
			wantStatus: model.InvoiceStatusPaid,
			wantTotal:  "99.7",
		},
		{
			name:       "no confirmed payments",
			expected:   "1",
			class:      model.ToleranceNative,
			amounts:    nil,
			wantStatus: model.InvoiceStatusPartial,
			wantTotal:  "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := invoice(t, tt.expected, tt.class)
			result := Reconcile(inv, payments(t, tt.amounts...))

			assert.Equal(t, tt.wantStatus, result.Status)
			assert.True(t, result.TotalReceived.Equal(dec(t, tt.wantTotal)),
				"total %s != %s", result.TotalReceived, tt.wantTotal)
			if tt.wantDelta != "" {
				assert.True(t, result.ShortageOrExcess.Equal(dec(t, tt.wantDelta)),
					"delta %s != %s", result.ShortageOrExcess, tt.wantDelta)
			}
			if tt.wantDeltaPct != "" {
				assert.True(t, result.PercentageDelta.Equal(dec(t, tt.wantDeltaPct)),
					"delta pct %s != %s", result.PercentageDelta, tt.wantDeltaPct)
			}
		})
	}
}

func TestReconcileDeterministic(t *testing.T) {
	inv := invoice(t, "2.5", model.ToleranceNative)
	records := payments(t, "1.5", "0.7", "0.3")

	first := Reconcile(inv, records)
	for i := 0; i < 10; i++ {
		again := Reconcile(inv, records)
		assert.Equal(t, first.Status, again.Status)
		assert.True(t, first.TotalReceived.Equal(again.TotalReceived))
		assert.True(t, first.ShortageOrExcess.Equal(again.ShortageOrExcess))
		assert.True(t, first.PercentageDelta.Equal(again.PercentageDelta))
	}
}

func TestToleranceSelection(t *testing.T) {
	assert.True(t, Tolerance(model.ToleranceStablecoin).Equal(dec(t, "0.001")))
	assert.True(t, Tolerance(model.ToleranceNative).Equal(dec(t, "0.005")))
	// Unknown classes fall back to the wider band.
	assert.True(t, Tolerance("weird").Equal(dec(t, "0.005")))
}
