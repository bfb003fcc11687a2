package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

// EthereumClient verifies deposits on account-based EVM chains through an
// etherscan-compatible explorer API. Confirmations are computed as current
// head minus the transaction's block, and the receipt must report success.
type EthereumClient struct {
	network  string
	baseURL  string
	apiKey   string
	decimals int32
	http     *http.Client
}

func NewEthereumClient(network, baseURL, apiKey string, decimals int32, timeout time.Duration) *EthereumClient {
	if decimals == 0 {
		decimals = 18
	}
	return &EthereumClient{
		network:  network,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		decimals: decimals,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *EthereumClient) Network() string { return c.network }

type ethProxyResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type ethTransaction struct {
	Hash        string `json:"hash"`
	To          string `json:"to"`
	Value       string `json:"value"`
	BlockNumber string `json:"blockNumber"`
}

type ethReceipt struct {
	Status string `json:"status"`
}

func (c *EthereumClient) Verify(ctx context.Context, txHash, expectedAddress, currency string) (model.PaymentObservation, error) {
	var tx ethTransaction
	if err := c.proxyCall(ctx, "eth_getTransactionByHash", url.Values{"txhash": {txHash}}, &tx); err != nil {
		return model.PaymentObservation{}, err
	}
	if tx.Hash == "" {
		return model.PaymentObservation{}, ErrTxNotFound
	}
	if !strings.EqualFold(tx.To, expectedAddress) {
		return model.PaymentObservation{}, fmt.Errorf("tx %s pays %s: %w", txHash, tx.To, ErrAddressMismatch)
	}
	if tx.BlockNumber == "" {
		// Known to the node but not mined yet.
		return model.PaymentObservation{}, ErrTxNotFound
	}

	var receipt ethReceipt
	if err := c.proxyCall(ctx, "eth_getTransactionReceipt", url.Values{"txhash": {txHash}}, &receipt); err != nil {
		return model.PaymentObservation{}, err
	}
	if receipt.Status != "0x1" {
		return model.PaymentObservation{}, fmt.Errorf("tx %s receipt status %q: %w", txHash, receipt.Status, ErrTxFailed)
	}

	txBlock, err := parseHexUint(tx.BlockNumber)
	if err != nil {
		return model.PaymentObservation{}, &ParseError{Network: c.network, Detail: "blockNumber", Err: err}
	}
	head, err := c.blockNumber(ctx)
	if err != nil {
		return model.PaymentObservation{}, err
	}
	confirmations := int(0)
	if head > txBlock {
		confirmations = int(head - txBlock)
	}

	amount, err := c.parseWei(tx.Value)
	if err != nil {
		return model.PaymentObservation{}, err
	}

	return model.PaymentObservation{
		TxHash:        tx.Hash,
		Amount:        amount,
		Currency:      currency,
		Network:       c.network,
		Confirmations: confirmations,
		Source:        "chain:" + c.network,
		ObservedAt:    time.Now().UTC(),
	}, nil
}

type ethListResponse struct {
	Status string `json:"status"`
	Result []struct {
		Hash          string `json:"hash"`
		To            string `json:"to"`
		Value         string `json:"value"`
		TimeStamp     string `json:"timeStamp"`
		IsError       string `json:"isError"`
		Confirmations string `json:"confirmations"`
	} `json:"result"`
}

func (c *EthereumClient) FindDeposits(ctx context.Context, address, currency string, since time.Time) ([]model.PaymentObservation, error) {
	params := url.Values{
		"module":  {"account"},
		"action":  {"txlist"},
		"address": {address},
		"sort":    {"desc"},
		"apikey":  {c.apiKey},
	}

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var list ethListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &ParseError{Network: c.network, Detail: "txlist response", Err: err}
	}

	var out []model.PaymentObservation
	for _, entry := range list.Result {
		if !strings.EqualFold(entry.To, address) || entry.IsError != "0" {
			continue
		}
		ts, err := strconv.ParseInt(entry.TimeStamp, 10, 64)
		if err != nil || time.Unix(ts, 0).Before(since) {
			continue
		}
		confirmations, err := strconv.Atoi(entry.Confirmations)
		if err != nil {
			confirmations = 0
		}
		amount, err := c.parseDecimalUnits(entry.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PaymentObservation{
			TxHash:        entry.Hash,
			Amount:        amount,
			Currency:      currency,
			Network:       c.network,
			Confirmations: confirmations,
			Source:        "chain:" + c.network,
			ObservedAt:    time.Now().UTC(),
		})
	}
	return out, nil
}

func (c *EthereumClient) blockNumber(ctx context.Context) (uint64, error) {
	var raw string
	if err := c.proxyCall(ctx, "eth_blockNumber", url.Values{}, &raw); err != nil {
		return 0, err
	}
	head, err := parseHexUint(raw)
	if err != nil {
		return 0, &ParseError{Network: c.network, Detail: "eth_blockNumber", Err: err}
	}
	return head, nil
}

func (c *EthereumClient) proxyCall(ctx context.Context, action string, params url.Values, result interface{}) error {
	params.Set("module", "proxy")
	params.Set("action", action)
	params.Set("apikey", c.apiKey)

	body, err := c.get(ctx, params)
	if err != nil {
		return err
	}

	var resp ethProxyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &ParseError{Network: c.network, Detail: action + " response", Err: err}
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s failed: %s", c.network, action, resp.Error.Message)
	}
	if string(resp.Result) == "null" || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return &ParseError{Network: c.network, Detail: action + " result", Err: err}
	}
	return nil
}

func (c *EthereumClient) get(ctx context.Context, params url.Values) ([]byte, error) {
	reqURL := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s explorer request failed: %w", c.network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s explorer returned status %d", c.network, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseWei converts a hex quantity in the chain's smallest unit to the
// currency's decimal representation.
func (c *EthereumClient) parseWei(hexValue string) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return decimal.Zero, &ParseError{Network: c.network, Detail: "value " + hexValue, Err: fmt.Errorf("not a hex quantity")}
	}
	return decimal.NewFromBigInt(v, -c.decimals), nil
}

func (c *EthereumClient) parseDecimalUnits(value string) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return decimal.Zero, &ParseError{Network: c.network, Detail: "value " + value, Err: fmt.Errorf("not an integer quantity")}
	}
	return decimal.NewFromBigInt(v, -c.decimals), nil
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
