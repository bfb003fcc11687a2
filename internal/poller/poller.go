// Package poller drives periodic payment discovery, confirmation tracking
// and reconciliation for all pending invoices.
package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/chain"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/config"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/notify"
	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/reconcile"
)

// Store is the persistence boundary the poller writes through. Implemented
// by *database.Database; all methods are idempotent under repeated calls.
type Store interface {
	GetInvoice(id int64) (*model.Invoice, error)
	GetPendingInvoices() ([]model.Invoice, error)
	ExpireInvoices(before time.Time) ([]int64, error)
	UpdateInvoiceStatus(id int64, status model.InvoiceStatus, paidAt *time.Time) error
	GetPaymentRecords(invoiceID int64) ([]model.PaymentRecord, error)
	GetConfirmedPayments(invoiceID int64) ([]model.PaymentRecord, error)
	GetPaymentRecord(invoiceID int64, txHash string) (*model.PaymentRecord, error)
	UpsertPaymentRecord(rec *model.PaymentRecord) (*model.PaymentRecord, error)
	CountTxHashUsage(txHash string, excludeInvoiceID int64) (int, error)
	RecordOverpayment(invoiceID int64, excess decimal.Decimal, currency string) (bool, error)
	InsertStatusEvent(ev model.StatusEvent) error
}

// Verifier resolves transactions to observations. Implemented by
// *verify.Router.
type Verifier interface {
	Observe(ctx context.Context, invoice model.Invoice, txHash string) (model.PaymentObservation, error)
	Discover(ctx context.Context, invoice model.Invoice, since time.Time) ([]model.PaymentObservation, error)
}

// Poller re-checks every pending invoice on a fixed interval. Per-invoice
// work runs on a bounded worker pool; writes for one invoice are serialized
// through a per-invoice lock shared with the manual verification path.
type Poller struct {
	store    Store
	verifier Verifier
	policy   *chain.Policy
	sinks    []notify.Sink
	cfg      config.PollerConfig
	logger   zerolog.Logger

	locks sync.Map // invoice id -> *sync.Mutex
	clock func() time.Time
}

func New(store Store, verifier Verifier, policy *chain.Policy, sinks []notify.Sink, cfg config.PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Poller{
		store:    store,
		verifier: verifier,
		policy:   policy,
		sinks:    sinks,
		cfg:      cfg,
		logger:   logger.With().Str("component", "poller").Logger(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (p *Poller) WithClock(clock func() time.Time) {
	p.clock = clock
}

// Run blocks until ctx is cancelled. Cycles never overlap: the next tick is
// only consumed after the previous cycle, including its in-flight invoice
// checks, has finished.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Int("workers", p.cfg.Workers).
		Msg("Payment poller started")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Payment poller stopped")
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) {
	if p.cfg.InvoiceTTL > 0 {
		p.expireStale()
	}

	invoices, err := p.store.GetPendingInvoices()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to load pending invoices")
		return
	}
	if len(invoices) == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for _, inv := range invoices {
		select {
		case <-ctx.Done():
			// Stop scheduling; in-flight checks finish below.
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(inv model.Invoice) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.checkInvoice(ctx, inv); err != nil {
				p.logger.Error().
					Int64("invoice_id", inv.ID).
					Err(err).
					Msg("Invoice check failed, will retry next cycle")
			}
		}(inv)
	}
	wg.Wait()
}

func (p *Poller) expireStale() {
	cutoff := p.clock().Add(-p.cfg.InvoiceTTL)
	ids, err := p.store.ExpireInvoices(cutoff)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to expire stale invoices")
		return
	}
	for _, id := range ids {
		p.logger.Info().Int64("invoice_id", id).Msg("Invoice expired without payment")
		p.emit(model.StatusEvent{
			InvoiceID: id,
			Type:      string(model.InvoiceStatusExpired),
		})
	}
}

// checkInvoice runs one full detection pass for a single invoice: refresh
// confirmations of known pending hashes, or discover new deposits when
// there are none, then reconcile if anything changed.
func (p *Poller) checkInvoice(ctx context.Context, inv model.Invoice) error {
	lock := p.lockFor(inv.ID)
	lock.Lock()
	defer lock.Unlock()

	if inv.Status.Terminal() {
		return nil
	}

	records, err := p.store.GetPaymentRecords(inv.ID)
	if err != nil {
		return fmt.Errorf("failed to load payment records: %w", err)
	}

	var pending []model.PaymentRecord
	for _, rec := range records {
		if rec.Status == model.PaymentStatusDetected {
			pending = append(pending, rec)
		}
	}

	var observations []model.PaymentObservation
	if len(pending) > 0 {
		// Cheap path: only refresh the hashes we already know about.
		for _, rec := range pending {
			obs, err := p.observe(ctx, inv, rec.TxHash)
			if err != nil {
				p.logObservationError(inv, rec.TxHash, err)
				continue
			}
			observations = append(observations, obs)
		}
	} else {
		observations, err = p.discover(ctx, inv)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
	}

	changed := false
	for _, obs := range observations {
		c, err := p.applyObservation(inv, obs, false, "")
		if err != nil {
			return err
		}
		changed = changed || c
	}

	if changed {
		return p.reconcileInvoice(inv)
	}
	return nil
}

func (p *Poller) observe(ctx context.Context, inv model.Invoice, txHash string) (model.PaymentObservation, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	return p.verifier.Observe(callCtx, inv, txHash)
}

func (p *Poller) discover(ctx context.Context, inv model.Invoice) ([]model.PaymentObservation, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	return p.verifier.Discover(callCtx, inv, inv.CreatedAt)
}

// applyObservation upserts the payment record for one observation and
// returns whether anything worth reconciling changed. Manual observations
// are confirmed immediately regardless of threshold.
func (p *Poller) applyObservation(inv model.Invoice, obs model.PaymentObservation, manual bool, verifiedBy string) (bool, error) {
	existing, err := p.store.GetPaymentRecord(inv.ID, obs.TxHash)
	if err != nil {
		return false, fmt.Errorf("failed to load payment record: %w", err)
	}

	if existing == nil {
		n, err := p.store.CountTxHashUsage(obs.TxHash, inv.ID)
		if err != nil {
			return false, err
		}
		if n > 0 {
			p.logger.Warn().
				Str("anomaly", "duplicate_tx_hash").
				Int64("invoice_id", inv.ID).
				Str("tx_hash", obs.TxHash).
				Int("other_invoices", n).
				Msg("Transaction hash already recorded for another invoice")
		}
	}

	confirmations := obs.Confirmations
	if existing != nil {
		if obs.Confirmations < existing.Confirmations {
			// Possible reorg. Deliberately no rollback: keep the higher
			// count and flag for manual review.
			p.logger.Warn().
				Str("anomaly", "confirmation_regression").
				Int64("invoice_id", inv.ID).
				Str("tx_hash", obs.TxHash).
				Int("previous", existing.Confirmations).
				Int("observed", obs.Confirmations).
				Msg("Confirmation count decreased")
			confirmations = existing.Confirmations
		}
		if !manual && confirmations == existing.Confirmations && existing.Status != model.PaymentStatusDetected {
			return false, nil
		}
	}

	threshold := p.policy.Require(inv.Network)
	now := p.clock()

	rec := model.PaymentRecord{
		InvoiceID:     inv.ID,
		TxHash:        obs.TxHash,
		Amount:        obs.Amount,
		Confirmations: confirmations,
		Status:        model.PaymentStatusDetected,
		Source:        obs.Source,
		DetectedAt:    now,
	}
	if existing != nil {
		rec.Status = existing.Status
		rec.DetectedAt = existing.DetectedAt
		rec.Amount = existing.Amount
	}

	wasConfirmed := existing != nil && existing.Status != model.PaymentStatusDetected
	if manual {
		rec.Status = model.PaymentStatusManual
		rec.IsManualVerification = true
		rec.VerifiedBy = verifiedBy
		rec.ConfirmedAt = &now
	} else if rec.Status == model.PaymentStatusDetected && confirmations >= threshold {
		rec.Status = model.PaymentStatusConfirmed
		rec.ConfirmedAt = &now
	}

	if _, err := p.store.UpsertPaymentRecord(&rec); err != nil {
		return false, fmt.Errorf("failed to upsert payment record: %w", err)
	}

	if existing == nil {
		p.logger.Info().
			Int64("invoice_id", inv.ID).
			Str("tx_hash", obs.TxHash).
			Str("amount", obs.Amount.String()).
			Str("source", obs.Source).
			Msg("Payment detected")
		p.emit(model.StatusEvent{
			InvoiceID: inv.ID,
			Type:      string(model.PaymentStatusDetected),
			TxHash:    obs.TxHash,
			Amount:    obs.Amount,
			Currency:  inv.Currency,
			Source:    obs.Source,
		})
		if inv.Status == model.InvoiceStatusSent {
			if err := p.store.UpdateInvoiceStatus(inv.ID, model.InvoiceStatusDetected, nil); err != nil {
				return false, err
			}
		}
	}

	nowConfirmed := rec.Status != model.PaymentStatusDetected
	if nowConfirmed && !wasConfirmed {
		p.logger.Info().
			Int64("invoice_id", inv.ID).
			Str("tx_hash", obs.TxHash).
			Int("confirmations", confirmations).
			Int("threshold", threshold).
			Msg("Payment confirmed")
		p.emit(model.StatusEvent{
			InvoiceID: inv.ID,
			Type:      string(model.PaymentStatusConfirmed),
			TxHash:    obs.TxHash,
			Amount:    rec.Amount,
			Currency:  inv.Currency,
			Source:    obs.Source,
		})
		return true, nil
	}
	return existing == nil, nil
}

// reconcileInvoice recomputes settlement from the full confirmed-payment
// set and applies the decision atomically.
func (p *Poller) reconcileInvoice(inv model.Invoice) error {
	confirmed, err := p.store.GetConfirmedPayments(inv.ID)
	if err != nil {
		return fmt.Errorf("failed to load confirmed payments: %w", err)
	}
	if len(confirmed) == 0 {
		return nil
	}

	result := reconcile.Reconcile(inv, confirmed)

	current, err := p.store.GetInvoice(inv.ID)
	if err != nil {
		return err
	}
	if current.Status == result.Status || current.Status.Terminal() {
		return nil
	}

	var paidAt *time.Time
	if result.Status == model.InvoiceStatusPaid || result.Status == model.InvoiceStatusOverpaid {
		t := latestConfirmation(confirmed, p.clock())
		paidAt = &t
	}

	if err := p.store.UpdateInvoiceStatus(inv.ID, result.Status, paidAt); err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}

	p.logger.Info().
		Int64("invoice_id", inv.ID).
		Str("status", string(result.Status)).
		Str("total_received", result.TotalReceived.String()).
		Str("expected", inv.ExpectedAmount.String()).
		Str("delta_pct", result.PercentageDelta.StringFixed(4)).
		Msg("Invoice reconciled")

	p.emit(model.StatusEvent{
		InvoiceID: inv.ID,
		Type:      string(result.Status),
		Amount:    result.TotalReceived,
		Currency:  inv.Currency,
	})

	// Refund queueing happens after the status write and never rolls it
	// back; the invoice_id key deduplicates across repeated reconciliations.
	if result.Status == model.InvoiceStatusOverpaid {
		created, err := p.store.RecordOverpayment(inv.ID, result.ShortageOrExcess, inv.Currency)
		if err != nil {
			p.logger.Error().
				Int64("invoice_id", inv.ID).
				Err(err).
				Msg("Failed to queue overpayment refund")
		} else if created {
			p.logger.Info().
				Int64("invoice_id", inv.ID).
				Str("excess", result.ShortageOrExcess.String()).
				Msg("Overpayment refund queued")
		}
	}
	return nil
}

// ManualVerify lets an operator submit a transaction hash for an invoice.
// The hash is verified through the same router as automatic detection and
// the resulting record is marked as a manual verification.
func (p *Poller) ManualVerify(ctx context.Context, invoiceID int64, txHash, operatorID string) model.ManualVerifyResponse {
	inv, err := p.store.GetInvoice(invoiceID)
	if err != nil {
		if isNotFound(err) {
			return model.ManualVerifyResponse{Success: false, Message: "invoice not found"}
		}
		return model.ManualVerifyResponse{Success: false, Message: fmt.Sprintf("failed to load invoice: %v", err)}
	}
	if inv.Status.Terminal() {
		return model.ManualVerifyResponse{Success: false, Message: fmt.Sprintf("invoice is already %s", inv.Status)}
	}

	lock := p.lockFor(inv.ID)
	lock.Lock()
	defer lock.Unlock()

	obs, err := p.observe(ctx, *inv, txHash)
	if err != nil {
		p.logObservationError(*inv, txHash, err)
		return model.ManualVerifyResponse{Success: false, Message: fmt.Sprintf("verification failed: %v", err)}
	}

	if _, err := p.applyObservation(*inv, obs, true, operatorID); err != nil {
		return model.ManualVerifyResponse{Success: false, Message: fmt.Sprintf("failed to record payment: %v", err)}
	}
	if err := p.reconcileInvoice(*inv); err != nil {
		return model.ManualVerifyResponse{Success: false, Source: obs.Source, Message: fmt.Sprintf("payment recorded but reconciliation failed: %v", err)}
	}

	return model.ManualVerifyResponse{
		Success: true,
		Source:  obs.Source,
		Message: fmt.Sprintf("verified %s %s via %s", obs.Amount.String(), inv.Currency, obs.Source),
	}
}

func (p *Poller) logObservationError(inv model.Invoice, txHash string, err error) {
	if chain.Permanent(err) {
		p.logger.Error().
			Str("error_kind", "permanent_verification_failure").
			Int64("invoice_id", inv.ID).
			Str("tx_hash", txHash).
			Err(err).
			Msg("Discarding unverifiable transaction")
		return
	}
	p.logger.Warn().
		Int64("invoice_id", inv.ID).
		Str("tx_hash", txHash).
		Err(err).
		Msg("Verification unavailable, retrying next cycle")
}

func (p *Poller) emit(ev model.StatusEvent) {
	ev.ID = uuid.NewString()
	ev.CreatedAt = p.clock()
	if err := p.store.InsertStatusEvent(ev); err != nil {
		p.logger.Error().
			Int64("invoice_id", ev.InvoiceID).
			Str("type", ev.Type).
			Err(err).
			Msg("Failed to persist status event")
	}
	for _, sink := range p.sinks {
		sink.Notify(ev)
	}
}

func (p *Poller) lockFor(invoiceID int64) *sync.Mutex {
	v, _ := p.locks.LoadOrStore(invoiceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func latestConfirmation(confirmed []model.PaymentRecord, fallback time.Time) time.Time {
	latest := time.Time{}
	for _, rec := range confirmed {
		if rec.ConfirmedAt != nil && rec.ConfirmedAt.After(latest) {
			latest = *rec.ConfirmedAt
		}
	}
	if latest.IsZero() {
		return fallback
	}
	return latest
}
