package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDepositNotFound is returned when the exchange account has no deposit
// for the requested hash.
var ErrDepositNotFound = errors.New("deposit not found on exchange")

// Deposit is one entry from the exchange's deposit history.
type Deposit struct {
	TxHash        string
	Amount        decimal.Decimal
	Currency      string
	Network       string
	Address       string
	Confirmations int
	ObservedAt    time.Time
}

// Client reads deposit history from an exchange account API. The exchange
// usually sees a deposit before on-chain thresholds are met, which makes it
// the preferred first source; it is never authoritative.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
}

func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
	}
}

type depositEntry struct {
	TxID          string `json:"tx_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	Address       string `json:"address"`
	Confirmations int    `json:"confirmations"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
}

type depositsResponse struct {
	Deposits []depositEntry `json:"deposits"`
}

// ListRecentDeposits returns account deposits for a currency/network pair
// observed since the given time.
func (c *Client) ListRecentDeposits(ctx context.Context, currency, network string, since time.Time) ([]Deposit, error) {
	params := url.Values{
		"currency":  {currency},
		"network":   {network},
		"since":     {strconv.FormatInt(since.Unix(), 10)},
		"timestamp": {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}

	body, err := c.get(ctx, "/api/v1/deposits", params)
	if err != nil {
		return nil, err
	}

	var resp depositsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse deposits response: %w", err)
	}

	out := make([]Deposit, 0, len(resp.Deposits))
	for _, d := range resp.Deposits {
		deposit, err := toDeposit(d)
		if err != nil {
			return nil, err
		}
		out = append(out, deposit)
	}
	return out, nil
}

// GetTransaction looks up a single deposit by transaction hash.
func (c *Client) GetTransaction(ctx context.Context, txHash string) (Deposit, error) {
	params := url.Values{
		"tx_id":     {txHash},
		"timestamp": {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}

	body, err := c.get(ctx, "/api/v1/deposits", params)
	if err != nil {
		return Deposit{}, err
	}

	var resp depositsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Deposit{}, fmt.Errorf("failed to parse deposits response: %w", err)
	}
	if len(resp.Deposits) == 0 {
		return Deposit{}, ErrDepositNotFound
	}
	return toDeposit(resp.Deposits[0])
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	query := params.Encode()
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Signature", c.sign(query))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func toDeposit(d depositEntry) (Deposit, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return Deposit{}, fmt.Errorf("failed to parse deposit amount %q: %w", d.Amount, err)
	}
	return Deposit{
		TxHash:        d.TxID,
		Amount:        amount,
		Currency:      d.Currency,
		Network:       d.Network,
		Address:       d.Address,
		Confirmations: d.Confirmations,
		ObservedAt:    time.Unix(d.Timestamp, 0).UTC(),
	}, nil
}
