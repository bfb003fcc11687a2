package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

// ErrTxNotFound is returned when the explorer has no record of the hash.
// The transaction may simply not be indexed yet, so callers retry on the
// next poll cycle.
var ErrTxNotFound = errors.New("transaction not found")

// ErrAddressMismatch is returned when a transaction exists but does not pay
// the expected deposit address. This is permanent: the hash was mistyped or
// belongs to someone else.
var ErrAddressMismatch = errors.New("transaction does not pay the expected address")

// ErrTxFailed is returned when a transaction exists but reverted or failed
// on-chain, so it moved no funds.
var ErrTxFailed = errors.New("transaction failed on-chain")

// ParseError marks a malformed explorer response. Permanent for the given
// payload; the candidate is discarded.
type ParseError struct {
	Network string
	Detail  string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed explorer response: %s: %v", e.Network, e.Detail, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Permanent reports whether the error can never succeed on retry. Transient
// I/O failures are left to the next poll cycle instead.
func Permanent(err error) bool {
	var pe *ParseError
	return errors.Is(err, ErrAddressMismatch) || errors.Is(err, ErrTxFailed) || errors.As(err, &pe)
}

// Client verifies transactions against a deposit address on one blockchain.
// Implementations are pure readers: no shared state, no retries, one bounded
// HTTP round trip per call.
type Client interface {
	// Network returns the registry key this client serves.
	Network() string

	// Verify looks up txHash and returns an observation when the transaction
	// pays expectedAddress. Returns ErrTxNotFound when the explorer has no
	// such transaction, ErrAddressMismatch when it pays elsewhere.
	Verify(ctx context.Context, txHash, expectedAddress, currency string) (model.PaymentObservation, error)

	// FindDeposits discovers recent transactions paying address, newest
	// first. Used for full discovery when an invoice has no known hashes.
	FindDeposits(ctx context.Context, address, currency string, since time.Time) ([]model.PaymentObservation, error)
}

// Registry resolves a network name to its client. Populated once at startup;
// an unsupported network fails at registration time, not at call time.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(c Client) error {
	network := c.Network()
	if network == "" {
		return fmt.Errorf("chain client has empty network name")
	}
	if _, exists := r.clients[network]; exists {
		return fmt.Errorf("chain client for network %q already registered", network)
	}
	r.clients[network] = c
	return nil
}

func (r *Registry) Client(network string) (Client, error) {
	c, ok := r.clients[network]
	if !ok {
		return nil, fmt.Errorf("no chain client registered for network %q", network)
	}
	return c, nil
}

func (r *Registry) Networks() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
