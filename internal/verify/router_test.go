package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/chain"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/exchange"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

type stubExchange struct {
	deposits []exchange.Deposit
	err      error
}

func (s *stubExchange) ListRecentDeposits(ctx context.Context, currency, network string, since time.Time) ([]exchange.Deposit, error) {
	return s.deposits, s.err
}

func (s *stubExchange) GetTransaction(ctx context.Context, txHash string) (exchange.Deposit, error) {
	if s.err != nil {
		return exchange.Deposit{}, s.err
	}
	for _, d := range s.deposits {
		if d.TxHash == txHash {
			return d, nil
		}
	}
	return exchange.Deposit{}, exchange.ErrDepositNotFound
}

type stubChain struct {
	network      string
	observations map[string]model.PaymentObservation
	err          error
}

func (s *stubChain) Network() string { return s.network }

func (s *stubChain) Verify(ctx context.Context, txHash, expectedAddress, currency string) (model.PaymentObservation, error) {
	if s.err != nil {
		return model.PaymentObservation{}, s.err
	}
	obs, ok := s.observations[txHash]
	if !ok {
		return model.PaymentObservation{}, chain.ErrTxNotFound
	}
	return obs, nil
}

func (s *stubChain) FindDeposits(ctx context.Context, address, currency string, since time.Time) ([]model.PaymentObservation, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.PaymentObservation
	for _, obs := range s.observations {
		out = append(out, obs)
	}
	return out, nil
}

func testInvoice() model.Invoice {
	return model.Invoice{
		ID:             7,
		ExpectedAmount: decimal.RequireFromString("10"),
		Currency:       "USDT",
		Network:        "ethereum",
		DepositAddress: "0xdeposit",
		ToleranceClass: model.ToleranceStablecoin,
		Status:         model.InvoiceStatusSent,
	}
}

func chainObservation(txHash string) model.PaymentObservation {
	return model.PaymentObservation{
		TxHash:        txHash,
		Amount:        decimal.RequireFromString("10"),
		Currency:      "USDT",
		Network:       "ethereum",
		Confirmations: 14,
		Source:        "chain:ethereum",
		ObservedAt:    time.Now().UTC(),
	}
}

func newTestRouter(t *testing.T, ex ExchangeSource, c chain.Client) *Router {
	t.Helper()
	registry := chain.NewRegistry()
	require.NoError(t, registry.Register(c))
	return NewRouter(ex, registry, zerolog.Nop())
}

func TestObservePrefersExchange(t *testing.T) {
	ex := &stubExchange{deposits: []exchange.Deposit{{
		TxHash:        "0xabc",
		Amount:        decimal.RequireFromString("10"),
		Currency:      "USDT",
		Network:       "ethereum",
		Address:       "0xdeposit",
		Confirmations: 2,
	}}}
	c := &stubChain{network: "ethereum", observations: map[string]model.PaymentObservation{
		"0xabc": chainObservation("0xabc"),
	}}

	r := newTestRouter(t, ex, c)
	obs, err := r.Observe(context.Background(), testInvoice(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "exchange", obs.Source)
	assert.Equal(t, 2, obs.Confirmations)
}

func TestObserveFallsBackWhenExchangeDown(t *testing.T) {
	ex := &stubExchange{err: errors.New("exchange unreachable")}
	c := &stubChain{network: "ethereum", observations: map[string]model.PaymentObservation{
		"0xabc": chainObservation("0xabc"),
	}}

	r := newTestRouter(t, ex, c)
	obs, err := r.Observe(context.Background(), testInvoice(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "chain:ethereum", obs.Source)
	assert.Equal(t, 14, obs.Confirmations)
}

func TestObserveFallsBackWhenExchangeMissesDeposit(t *testing.T) {
	ex := &stubExchange{}
	c := &stubChain{network: "ethereum", observations: map[string]model.PaymentObservation{
		"0xabc": chainObservation("0xabc"),
	}}

	r := newTestRouter(t, ex, c)
	obs, err := r.Observe(context.Background(), testInvoice(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "chain:ethereum", obs.Source)
}

func TestObserveIgnoresExchangeDepositForOtherAddress(t *testing.T) {
	ex := &stubExchange{deposits: []exchange.Deposit{{
		TxHash:   "0xabc",
		Amount:   decimal.RequireFromString("10"),
		Currency: "USDT",
		Network:  "ethereum",
		Address:  "0xsomeone-else",
	}}}
	c := &stubChain{network: "ethereum", observations: map[string]model.PaymentObservation{
		"0xabc": chainObservation("0xabc"),
	}}

	r := newTestRouter(t, ex, c)
	obs, err := r.Observe(context.Background(), testInvoice(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "chain:ethereum", obs.Source)
}

func TestObserveWithoutExchange(t *testing.T) {
	c := &stubChain{network: "ethereum", observations: map[string]model.PaymentObservation{
		"0xabc": chainObservation("0xabc"),
	}}

	r := newTestRouter(t, nil, c)
	obs, err := r.Observe(context.Background(), testInvoice(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "chain:ethereum", obs.Source)
}

func TestObserveUnknownNetwork(t *testing.T) {
	c := &stubChain{network: "ethereum"}
	r := newTestRouter(t, nil, c)

	inv := testInvoice()
	inv.Network = "dogecoin"
	_, err := r.Observe(context.Background(), inv, "0xabc")
	assert.Error(t, err)
}

func TestDiscoverFiltersExchangeByAddress(t *testing.T) {
	ex := &stubExchange{deposits: []exchange.Deposit{
		{TxHash: "0x1", Amount: decimal.RequireFromString("4"), Currency: "USDT", Network: "ethereum", Address: "0xdeposit"},
		{TxHash: "0x2", Amount: decimal.RequireFromString("6"), Currency: "USDT", Network: "ethereum", Address: "0xother"},
	}}
	c := &stubChain{network: "ethereum"}

	r := newTestRouter(t, ex, c)
	obs, err := r.Discover(context.Background(), testInvoice(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "0x1", obs[0].TxHash)
	assert.Equal(t, "exchange", obs[0].Source)
}

func TestDiscoverFallsBackToChain(t *testing.T) {
	ex := &stubExchange{err: errors.New("rate limited")}
	c := &stubChain{network: "ethereum", observations: map[string]model.PaymentObservation{
		"0xabc": chainObservation("0xabc"),
	}}

	r := newTestRouter(t, ex, c)
	obs, err := r.Discover(context.Background(), testInvoice(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "chain:ethereum", obs[0].Source)
}
