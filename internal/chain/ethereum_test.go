package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const depositAddr = "0x1111111111111111111111111111111111111111"

func newEthServer(t *testing.T, receiptStatus string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("action") {
		case "eth_getTransactionByHash":
			if q.Get("txhash") != "0xabc" {
				fmt.Fprint(w, `{"result": null}`)
				return
			}
			// 1 ETH at block 0x64
			fmt.Fprintf(w, `{"result": {"hash": "0xabc", "to": "%s", "value": "0xde0b6b3a7640000", "blockNumber": "0x64"}}`, depositAddr)
		case "eth_getTransactionReceipt":
			fmt.Fprintf(w, `{"result": {"status": %q}}`, receiptStatus)
		case "eth_blockNumber":
			fmt.Fprint(w, `{"result": "0x70"}`)
		case "txlist":
			fmt.Fprintf(w, `{"status": "1", "result": [
				{"hash": "0xaaa", "to": "%s", "value": "500000000000000000", "timeStamp": "1715500000", "isError": "0", "confirmations": "15"},
				{"hash": "0xbbb", "to": "0x2222222222222222222222222222222222222222", "value": "1000000000000000000", "timeStamp": "1715500000", "isError": "0", "confirmations": "15"},
				{"hash": "0xccc", "to": "%s", "value": "1000000000000000000", "timeStamp": "1715500000", "isError": "1", "confirmations": "15"}
			]}`, depositAddr, depositAddr)
		default:
			t.Fatalf("unexpected action %q", q.Get("action"))
		}
	}))
}

func TestEthereumVerify(t *testing.T) {
	srv := newEthServer(t, "0x1")
	defer srv.Close()

	c := NewEthereumClient("ethereum", srv.URL, "key", 18, 5*time.Second)
	obs, err := c.Verify(context.Background(), "0xabc", depositAddr, "ETH")
	require.NoError(t, err)

	assert.Equal(t, "0xabc", obs.TxHash)
	assert.True(t, obs.Amount.Equal(decimal.RequireFromString("1")), "amount %s", obs.Amount)
	assert.Equal(t, 12, obs.Confirmations) // 0x70 - 0x64
	assert.Equal(t, "chain:ethereum", obs.Source)
	assert.Equal(t, "ethereum", obs.Network)
}

func TestEthereumVerifyNotFound(t *testing.T) {
	srv := newEthServer(t, "0x1")
	defer srv.Close()

	c := NewEthereumClient("ethereum", srv.URL, "key", 18, 5*time.Second)
	_, err := c.Verify(context.Background(), "0xmissing", depositAddr, "ETH")
	assert.True(t, errors.Is(err, ErrTxNotFound))
	assert.False(t, Permanent(err))
}

func TestEthereumVerifyAddressMismatch(t *testing.T) {
	srv := newEthServer(t, "0x1")
	defer srv.Close()

	c := NewEthereumClient("ethereum", srv.URL, "key", 18, 5*time.Second)
	_, err := c.Verify(context.Background(), "0xabc", "0x9999999999999999999999999999999999999999", "ETH")
	assert.True(t, errors.Is(err, ErrAddressMismatch))
	assert.True(t, Permanent(err))
}

func TestEthereumVerifyFailedReceipt(t *testing.T) {
	srv := newEthServer(t, "0x0")
	defer srv.Close()

	c := NewEthereumClient("ethereum", srv.URL, "key", 18, 5*time.Second)
	_, err := c.Verify(context.Background(), "0xabc", depositAddr, "ETH")
	assert.True(t, errors.Is(err, ErrTxFailed))
	assert.True(t, Permanent(err))
}

func TestEthereumFindDeposits(t *testing.T) {
	srv := newEthServer(t, "0x1")
	defer srv.Close()

	c := NewEthereumClient("ethereum", srv.URL, "key", 18, 5*time.Second)
	obs, err := c.FindDeposits(context.Background(), depositAddr, "ETH", time.Unix(1715000000, 0))
	require.NoError(t, err)

	// Failed and foreign transactions are filtered out.
	require.Len(t, obs, 1)
	assert.Equal(t, "0xaaa", obs[0].TxHash)
	assert.True(t, obs[0].Amount.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 15, obs[0].Confirmations)
}

func TestEthereumFindDepositsSinceFilter(t *testing.T) {
	srv := newEthServer(t, "0x1")
	defer srv.Close()

	c := NewEthereumClient("ethereum", srv.URL, "key", 18, 5*time.Second)
	obs, err := c.FindDeposits(context.Background(), depositAddr, "ETH", time.Unix(1716000000, 0))
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestEthereumMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json at all`)
	}))
	defer srv.Close()

	c := NewEthereumClient("ethereum", srv.URL, "key", 18, 5*time.Second)
	_, err := c.Verify(context.Background(), "0xabc", depositAddr, "ETH")
	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
	assert.True(t, Permanent(err))
}
