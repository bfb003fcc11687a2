package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

// TONClient verifies deposits through the toncenter HTTP API. Incoming
// value is carried on the in_msg of the account transaction; toncenter only
// lists transactions already committed to a masterchain block, so an
// indexed transaction counts as one confirmation.
type TONClient struct {
	network  string
	baseURL  string
	apiKey   string
	decimals int32
	http     *http.Client
}

func NewTONClient(network, baseURL, apiKey string, timeout time.Duration) *TONClient {
	return &TONClient{
		network:  network,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		decimals: 9, // 1 TON = 10^9 nanotons
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *TONClient) Network() string { return c.network }

type tonTransaction struct {
	Utime         int64 `json:"utime"`
	TransactionID struct {
		Hash string `json:"hash"`
	} `json:"transaction_id"`
	InMsg struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Value       string `json:"value"`
	} `json:"in_msg"`
}

type tonTransactionsResponse struct {
	OK     bool             `json:"ok"`
	Result []tonTransaction `json:"result"`
}

func (c *TONClient) Verify(ctx context.Context, txHash, expectedAddress, currency string) (model.PaymentObservation, error) {
	txs, err := c.listTransactions(ctx, expectedAddress)
	if err != nil {
		return model.PaymentObservation{}, err
	}

	for _, tx := range txs {
		if tx.TransactionID.Hash != txHash {
			continue
		}
		return c.observe(tx, expectedAddress, currency)
	}
	return model.PaymentObservation{}, ErrTxNotFound
}

func (c *TONClient) FindDeposits(ctx context.Context, addr, currency string, since time.Time) ([]model.PaymentObservation, error) {
	txs, err := c.listTransactions(ctx, addr)
	if err != nil {
		return nil, err
	}

	var out []model.PaymentObservation
	for _, tx := range txs {
		if tx.Utime < since.Unix() || tx.InMsg.Value == "" || tx.InMsg.Value == "0" {
			continue
		}
		obs, err := c.observe(tx, addr, currency)
		if err != nil {
			if Permanent(err) {
				continue
			}
			return nil, err
		}
		out = append(out, obs)
	}
	return out, nil
}

func (c *TONClient) observe(tx tonTransaction, expectedAddress, currency string) (model.PaymentObservation, error) {
	if !sameTONAddress(tx.InMsg.Destination, expectedAddress) {
		return model.PaymentObservation{}, fmt.Errorf("tx %s pays %s: %w", tx.TransactionID.Hash, tx.InMsg.Destination, ErrAddressMismatch)
	}

	nano, err := strconv.ParseInt(tx.InMsg.Value, 10, 64)
	if err != nil {
		return model.PaymentObservation{}, &ParseError{Network: c.network, Detail: "in_msg value " + tx.InMsg.Value, Err: err}
	}

	return model.PaymentObservation{
		TxHash:        tx.TransactionID.Hash,
		Amount:        decimal.New(nano, -c.decimals),
		Currency:      currency,
		Network:       c.network,
		Confirmations: 1,
		Source:        "chain:" + c.network,
		ObservedAt:    time.Now().UTC(),
	}, nil
}

func (c *TONClient) listTransactions(ctx context.Context, addr string) ([]tonTransaction, error) {
	endpoint := fmt.Sprintf("%s/getTransactions", c.baseURL)
	params := url.Values{
		"address":  {addr},
		"limit":    {"50"},
		"archival": {"true"},
	}

	reqURL := fmt.Sprintf("%s?%s", endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s explorer request failed: %w", c.network, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result tonTransactionsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ParseError{Network: c.network, Detail: "getTransactions response", Err: err}
	}
	if !result.OK {
		return nil, fmt.Errorf("%s explorer returned not OK status", c.network)
	}
	return result.Result, nil
}

// sameTONAddress compares two TON addresses across their raw and friendly
// representations. toncenter reports raw workchain:hex form while invoices
// usually carry the user-friendly base64 form.
func sameTONAddress(a, b string) bool {
	pa, err := parseTONAddress(a)
	if err != nil {
		return false
	}
	pb, err := parseTONAddress(b)
	if err != nil {
		return false
	}
	return pa.Workchain() == pb.Workchain() && bytes.Equal(pa.Data(), pb.Data())
}

func parseTONAddress(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}
