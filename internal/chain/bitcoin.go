package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

// BitcoinClient verifies deposits on UTXO chains through an esplora-style
// explorer API. The amount credited to the deposit address is the sum of
// all outputs paying it; confirmations come from the explorer's tip height.
type BitcoinClient struct {
	network  string
	baseURL  string
	decimals int32
	http     *http.Client
}

func NewBitcoinClient(network, baseURL string, decimals int32, timeout time.Duration) *BitcoinClient {
	if decimals == 0 {
		decimals = 8
	}
	return &BitcoinClient{
		network:  network,
		baseURL:  strings.TrimRight(baseURL, "/"),
		decimals: decimals,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *BitcoinClient) Network() string { return c.network }

type utxoTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptpubkeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

func (c *BitcoinClient) Verify(ctx context.Context, txHash, expectedAddress, currency string) (model.PaymentObservation, error) {
	body, status, err := c.get(ctx, "/tx/"+txHash)
	if err != nil {
		return model.PaymentObservation{}, err
	}
	if status == http.StatusNotFound {
		return model.PaymentObservation{}, ErrTxNotFound
	}
	if status != http.StatusOK {
		return model.PaymentObservation{}, fmt.Errorf("%s explorer returned status %d", c.network, status)
	}

	var tx utxoTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return model.PaymentObservation{}, &ParseError{Network: c.network, Detail: "tx response", Err: err}
	}

	obs, err := c.observe(ctx, tx, expectedAddress, currency, 0)
	if err != nil {
		return model.PaymentObservation{}, err
	}
	return obs, nil
}

func (c *BitcoinClient) FindDeposits(ctx context.Context, address, currency string, since time.Time) ([]model.PaymentObservation, error) {
	body, status, err := c.get(ctx, "/address/"+address+"/txs")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s explorer returned status %d", c.network, status)
	}

	var txs []utxoTx
	if err := json.Unmarshal(body, &txs); err != nil {
		return nil, &ParseError{Network: c.network, Detail: "address txs response", Err: err}
	}

	tip, err := c.tipHeight(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.PaymentObservation
	for _, tx := range txs {
		obs, err := c.observe(ctx, tx, address, currency, tip)
		if err != nil {
			// A listed transaction that pays someone else is just noise
			// from the same address page, not a failure.
			if Permanent(err) {
				continue
			}
			return nil, err
		}
		out = append(out, obs)
	}
	return out, nil
}

// observe sums the outputs addressed to expectedAddress. tip may be 0, in
// which case it is fetched on demand.
func (c *BitcoinClient) observe(ctx context.Context, tx utxoTx, expectedAddress, currency string, tip uint64) (model.PaymentObservation, error) {
	var sats int64
	for _, vout := range tx.Vout {
		if vout.ScriptpubkeyAddress == expectedAddress {
			sats += vout.Value
		}
	}
	if sats == 0 {
		return model.PaymentObservation{}, fmt.Errorf("tx %s: %w", tx.TxID, ErrAddressMismatch)
	}

	confirmations := 0
	if tx.Status.Confirmed {
		if tip == 0 {
			var err error
			tip, err = c.tipHeight(ctx)
			if err != nil {
				return model.PaymentObservation{}, err
			}
		}
		if tip >= tx.Status.BlockHeight {
			confirmations = int(tip-tx.Status.BlockHeight) + 1
		}
	}

	return model.PaymentObservation{
		TxHash:        tx.TxID,
		Amount:        decimal.New(sats, -c.decimals),
		Currency:      currency,
		Network:       c.network,
		Confirmations: confirmations,
		Source:        "chain:" + c.network,
		ObservedAt:    time.Now().UTC(),
	}, nil
}

func (c *BitcoinClient) tipHeight(ctx context.Context) (uint64, error) {
	body, status, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("%s explorer returned status %d", c.network, status)
	}
	tip, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, &ParseError{Network: c.network, Detail: "tip height", Err: err}
	}
	return tip, nil
}

func (c *BitcoinClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s explorer request failed: %w", c.network, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
