package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

// Database wraps the SQLite connection backing invoices, payment records,
// the refund queue and the status event log.
type Database struct {
	db *sql.DB
}

// New creates a new Database instance and initializes the schema.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			expected_amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			network TEXT NOT NULL,
			deposit_address TEXT NOT NULL,
			tolerance_class TEXT NOT NULL DEFAULT 'native',
			status TEXT NOT NULL DEFAULT 'SENT',
			created_at INTEGER NOT NULL,
			paid_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS payment_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id INTEGER NOT NULL,
			tx_hash TEXT NOT NULL,
			amount TEXT NOT NULL,
			confirmations INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'DETECTED',
			source TEXT NOT NULL DEFAULT '',
			is_manual_verification INTEGER NOT NULL DEFAULT 0,
			verified_by TEXT NOT NULL DEFAULT '',
			detected_at INTEGER NOT NULL,
			confirmed_at INTEGER,
			UNIQUE (invoice_id, tx_hash),
			FOREIGN KEY (invoice_id) REFERENCES invoices(id)
		)`,
		`CREATE TABLE IF NOT EXISTS refund_queue (
			invoice_id INTEGER PRIMARY KEY,
			excess_amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (invoice_id) REFERENCES invoices(id)
		)`,
		`CREATE TABLE IF NOT EXISTS status_events (
			id TEXT PRIMARY KEY,
			invoice_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL DEFAULT '0',
			currency TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (invoice_id) REFERENCES invoices(id)
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query: %w\nQuery: %s", err, query)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CreateInvoice persists a new invoice in SENT state.
func (d *Database) CreateInvoice(inv *model.Invoice) (*model.Invoice, error) {
	if inv.Status == "" {
		inv.Status = model.InvoiceStatusSent
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	stmt, err := d.db.Prepare(`INSERT INTO invoices
		(expected_amount, currency, network, deposit_address, tolerance_class, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	res, err := stmt.Exec(
		inv.ExpectedAmount.String(), inv.Currency, inv.Network,
		inv.DepositAddress, string(inv.ToleranceClass), string(inv.Status),
		inv.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetInvoice(id)
}

// GetInvoice retrieves an invoice by its ID.
func (d *Database) GetInvoice(id int64) (*model.Invoice, error) {
	row := d.db.QueryRow(`SELECT id, expected_amount, currency, network, deposit_address,
		tolerance_class, status, created_at, paid_at FROM invoices WHERE id = ?`, id)
	return scanInvoice(row)
}

// GetPendingInvoices returns every invoice that is not in a terminal state.
func (d *Database) GetPendingInvoices() ([]model.Invoice, error) {
	rows, err := d.db.Query(`SELECT id, expected_amount, currency, network, deposit_address,
		tolerance_class, status, created_at, paid_at FROM invoices
		WHERE status NOT IN ('PAID', 'OVERPAID', 'EXPIRED', 'CANCELLED')
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// UpdateInvoiceStatus writes a reconciliation decision onto an invoice.
// Terminal invoices are never overwritten, so repeated identical calls are
// safe.
func (d *Database) UpdateInvoiceStatus(id int64, status model.InvoiceStatus, paidAt *time.Time) error {
	var paidAtUnix sql.NullInt64
	if paidAt != nil {
		paidAtUnix = sql.NullInt64{Int64: paidAt.Unix(), Valid: true}
	}

	_, err := d.db.Exec(`UPDATE invoices
		SET status = ?, paid_at = COALESCE(?, paid_at)
		WHERE id = ? AND status NOT IN ('PAID', 'OVERPAID', 'EXPIRED', 'CANCELLED')`,
		string(status), paidAtUnix, id)
	return err
}

// ExpireInvoices moves SENT invoices created before the cutoff to EXPIRED
// and returns their IDs. Invoices that already detected a payment are left
// alone.
func (d *Database) ExpireInvoices(before time.Time) ([]int64, error) {
	rows, err := d.db.Query(`SELECT id FROM invoices
		WHERE status = 'SENT' AND created_at < ?`, before.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := d.db.Exec(`UPDATE invoices SET status = 'EXPIRED'
			WHERE id = ? AND status = 'SENT'`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// UpsertPaymentRecord inserts a record on first observation of a tx hash
// and refreshes confirmations/status on every later one. The (invoice_id,
// tx_hash) key makes repeated polls idempotent; confirmed_at sticks to its
// first value.
func (d *Database) UpsertPaymentRecord(rec *model.PaymentRecord) (*model.PaymentRecord, error) {
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	var confirmedAt sql.NullInt64
	if rec.ConfirmedAt != nil {
		confirmedAt = sql.NullInt64{Int64: rec.ConfirmedAt.Unix(), Valid: true}
	}

	stmt, err := d.db.Prepare(`INSERT INTO payment_records
		(invoice_id, tx_hash, amount, confirmations, status, source,
		 is_manual_verification, verified_by, detected_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invoice_id, tx_hash) DO UPDATE SET
			confirmations = excluded.confirmations,
			status = excluded.status,
			is_manual_verification = MAX(payment_records.is_manual_verification, excluded.is_manual_verification),
			verified_by = CASE WHEN excluded.verified_by != '' THEN excluded.verified_by ELSE payment_records.verified_by END,
			confirmed_at = COALESCE(payment_records.confirmed_at, excluded.confirmed_at)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	_, err = stmt.Exec(
		rec.InvoiceID, rec.TxHash, rec.Amount.String(), rec.Confirmations,
		string(rec.Status), rec.Source, boolToInt(rec.IsManualVerification),
		rec.VerifiedBy, rec.DetectedAt.Unix(), confirmedAt,
	)
	if err != nil {
		return nil, err
	}
	return d.GetPaymentRecord(rec.InvoiceID, rec.TxHash)
}

// GetPaymentRecord retrieves one record by its idempotency key, or nil when
// the hash has not been observed for the invoice yet.
func (d *Database) GetPaymentRecord(invoiceID int64, txHash string) (*model.PaymentRecord, error) {
	row := d.db.QueryRow(`SELECT id, invoice_id, tx_hash, amount, confirmations, status, source,
		is_manual_verification, verified_by, detected_at, confirmed_at
		FROM payment_records WHERE invoice_id = ? AND tx_hash = ?`, invoiceID, txHash)
	rec, err := scanPaymentRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// GetPaymentRecords returns every record for an invoice, oldest first.
func (d *Database) GetPaymentRecords(invoiceID int64) ([]model.PaymentRecord, error) {
	return d.queryPaymentRecords(`SELECT id, invoice_id, tx_hash, amount, confirmations, status, source,
		is_manual_verification, verified_by, detected_at, confirmed_at
		FROM payment_records WHERE invoice_id = ? ORDER BY id`, invoiceID)
}

// GetConfirmedPayments returns the records that count toward settlement.
func (d *Database) GetConfirmedPayments(invoiceID int64) ([]model.PaymentRecord, error) {
	return d.queryPaymentRecords(`SELECT id, invoice_id, tx_hash, amount, confirmations, status, source,
		is_manual_verification, verified_by, detected_at, confirmed_at
		FROM payment_records WHERE invoice_id = ? AND status IN ('CONFIRMED', 'MANUAL') ORDER BY id`, invoiceID)
}

// CountTxHashUsage reports how many other invoices already recorded the
// hash. A non-zero count is a data-integrity anomaly worth logging.
func (d *Database) CountTxHashUsage(txHash string, excludeInvoiceID int64) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM payment_records
		WHERE tx_hash = ? AND invoice_id != ?`, txHash, excludeInvoiceID).Scan(&n)
	return n, err
}

// RecordOverpayment appends one refund entry for the invoice. The primary
// key on invoice_id deduplicates repeated reconciliations; the return value
// reports whether a new entry was created.
func (d *Database) RecordOverpayment(invoiceID int64, excess decimal.Decimal, currency string) (bool, error) {
	res, err := d.db.Exec(`INSERT OR IGNORE INTO refund_queue
		(invoice_id, excess_amount, currency, created_at) VALUES (?, ?, ?, ?)`,
		invoiceID, excess.String(), currency, time.Now().UTC().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRefundEntry returns the queued refund for an invoice, or nil.
func (d *Database) GetRefundEntry(invoiceID int64) (*model.RefundEntry, error) {
	var entry model.RefundEntry
	var amount string
	var createdAt int64
	err := d.db.QueryRow(`SELECT invoice_id, excess_amount, currency, created_at
		FROM refund_queue WHERE invoice_id = ?`, invoiceID).
		Scan(&entry.InvoiceID, &amount, &entry.Currency, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.ExcessAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt excess amount for invoice %d: %w", invoiceID, err)
	}
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &entry, nil
}

// InsertStatusEvent appends one state-transition event to the audit log.
func (d *Database) InsertStatusEvent(ev model.StatusEvent) error {
	_, err := d.db.Exec(`INSERT INTO status_events
		(id, invoice_id, type, tx_hash, amount, currency, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InvoiceID, ev.Type, ev.TxHash, ev.Amount.String(),
		ev.Currency, ev.Source, ev.CreatedAt.Unix())
	return err
}

// ListStatusEvents returns the transition history for an invoice.
func (d *Database) ListStatusEvents(invoiceID int64) ([]model.StatusEvent, error) {
	rows, err := d.db.Query(`SELECT id, invoice_id, type, tx_hash, amount, currency, source, created_at
		FROM status_events WHERE invoice_id = ? ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.StatusEvent
	for rows.Next() {
		var ev model.StatusEvent
		var amount string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.InvoiceID, &ev.Type, &ev.TxHash, &amount, &ev.Currency, &ev.Source, &createdAt); err != nil {
			return nil, err
		}
		ev.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt event amount %q: %w", amount, err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (d *Database) queryPaymentRecords(query string, invoiceID int64) ([]model.PaymentRecord, error) {
	rows, err := d.db.Query(query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PaymentRecord
	for rows.Next() {
		rec, err := scanPaymentRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*model.Invoice, error) {
	var inv model.Invoice
	var amount, toleranceClass, status string
	var createdAt int64
	var paidAt sql.NullInt64

	err := row.Scan(&inv.ID, &amount, &inv.Currency, &inv.Network, &inv.DepositAddress,
		&toleranceClass, &status, &createdAt, &paidAt)
	if err != nil {
		return nil, err
	}

	inv.ExpectedAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt expected amount %q: %w", amount, err)
	}
	inv.ToleranceClass = model.ToleranceClass(toleranceClass)
	inv.Status = model.InvoiceStatus(status)
	inv.CreatedAt = time.Unix(createdAt, 0).UTC()
	if paidAt.Valid {
		t := time.Unix(paidAt.Int64, 0).UTC()
		inv.PaidAt = &t
	}
	return &inv, nil
}

func scanPaymentRecord(row rowScanner) (*model.PaymentRecord, error) {
	var rec model.PaymentRecord
	var amount, status string
	var isManual int
	var detectedAt int64
	var confirmedAt sql.NullInt64

	err := row.Scan(&rec.ID, &rec.InvoiceID, &rec.TxHash, &amount, &rec.Confirmations,
		&status, &rec.Source, &isManual, &rec.VerifiedBy, &detectedAt, &confirmedAt)
	if err != nil {
		return nil, err
	}

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt payment amount %q: %w", amount, err)
	}
	rec.Status = model.PaymentStatus(status)
	rec.IsManualVerification = isManual != 0
	rec.DetectedAt = time.Unix(detectedAt, 0).UTC()
	if confirmedAt.Valid {
		t := time.Unix(confirmedAt.Int64, 0).UTC()
		rec.ConfirmedAt = &t
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
