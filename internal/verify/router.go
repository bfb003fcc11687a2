// Package verify routes payment verification between the exchange account
// API and the per-network chain clients.
package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/chain"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/exchange"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

// ExchangeSource is the optional low-latency deposit source. Implemented by
// *exchange.Client; nil when no exchange account is configured.
type ExchangeSource interface {
	ListRecentDeposits(ctx context.Context, currency, network string, since time.Time) ([]exchange.Deposit, error)
	GetTransaction(ctx context.Context, txHash string) (exchange.Deposit, error)
}

// Router normalizes all verification sources into PaymentObservations. The
// exchange is tried first because it often confirms before on-chain
// thresholds are met; the invoice network's chain client is the fallback
// and the authoritative ground truth.
type Router struct {
	exchange ExchangeSource
	chains   *chain.Registry
	logger   zerolog.Logger
}

func NewRouter(exchangeSource ExchangeSource, chains *chain.Registry, logger zerolog.Logger) *Router {
	return &Router{
		exchange: exchangeSource,
		chains:   chains,
		logger:   logger.With().Str("component", "verify").Logger(),
	}
}

// Observe verifies a known transaction hash against the invoice. The source
// that succeeded is recorded on the observation for audit.
func (r *Router) Observe(ctx context.Context, invoice model.Invoice, txHash string) (model.PaymentObservation, error) {
	if r.exchange != nil {
		deposit, err := r.exchange.GetTransaction(ctx, txHash)
		if err == nil && matchesInvoice(deposit, invoice) {
			return toObservation(deposit), nil
		}
		if err != nil && err != exchange.ErrDepositNotFound {
			r.logger.Warn().
				Str("tx_hash", txHash).
				Err(err).
				Msg("Exchange lookup failed, falling back to chain")
		}
	}

	client, err := r.chains.Client(invoice.Network)
	if err != nil {
		return model.PaymentObservation{}, err
	}
	return client.Verify(ctx, txHash, invoice.DepositAddress, invoice.Currency)
}

// Discover finds new deposits to the invoice's address since the given
// time. Exchange results are filtered to the invoice's deposit address;
// when the exchange sees nothing the chain is consulted directly.
func (r *Router) Discover(ctx context.Context, invoice model.Invoice, since time.Time) ([]model.PaymentObservation, error) {
	if r.exchange != nil {
		deposits, err := r.exchange.ListRecentDeposits(ctx, invoice.Currency, invoice.Network, since)
		if err != nil {
			r.logger.Warn().
				Int64("invoice_id", invoice.ID).
				Err(err).
				Msg("Exchange discovery failed, falling back to chain")
		} else {
			var out []model.PaymentObservation
			for _, d := range deposits {
				if matchesInvoice(d, invoice) {
					out = append(out, toObservation(d))
				}
			}
			if len(out) > 0 {
				return out, nil
			}
		}
	}

	client, err := r.chains.Client(invoice.Network)
	if err != nil {
		return nil, err
	}
	return client.FindDeposits(ctx, invoice.DepositAddress, invoice.Currency, since)
}

func matchesInvoice(d exchange.Deposit, invoice model.Invoice) bool {
	return d.Currency == invoice.Currency &&
		d.Network == invoice.Network &&
		d.Address == invoice.DepositAddress
}

func toObservation(d exchange.Deposit) model.PaymentObservation {
	return model.PaymentObservation{
		TxHash:        d.TxHash,
		Amount:        d.Amount,
		Currency:      d.Currency,
		Network:       d.Network,
		Confirmations: d.Confirmations,
		Source:        "exchange",
		ObservedAt:    d.ObservedAt,
	}
}
