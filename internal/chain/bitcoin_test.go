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

const btcAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

func newBtcServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/txid1":
			fmt.Fprintf(w, `{
				"txid": "txid1",
				"status": {"confirmed": true, "block_height": 700001},
				"vout": [
					{"scriptpubkey_address": "%s", "value": 100000000},
					{"scriptpubkey_address": "%s", "value": 50000000},
					{"scriptpubkey_address": "bc1qchange", "value": 12345}
				]
			}`, btcAddr, btcAddr)
		case "/tx/unconfirmed":
			fmt.Fprintf(w, `{
				"txid": "unconfirmed",
				"status": {"confirmed": false},
				"vout": [{"scriptpubkey_address": "%s", "value": 100000000}]
			}`, btcAddr)
		case "/blocks/tip/height":
			fmt.Fprint(w, "700010")
		case "/address/" + btcAddr + "/txs":
			fmt.Fprintf(w, `[
				{"txid": "txid1", "status": {"confirmed": true, "block_height": 700001},
				 "vout": [{"scriptpubkey_address": "%s", "value": 60000000}]},
				{"txid": "spend1", "status": {"confirmed": true, "block_height": 700002},
				 "vout": [{"scriptpubkey_address": "bc1qelsewhere", "value": 999}]}
			]`, btcAddr)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "Transaction not found")
		}
	}))
}

func TestBitcoinVerifySumsOutputs(t *testing.T) {
	srv := newBtcServer(t)
	defer srv.Close()

	c := NewBitcoinClient("bitcoin", srv.URL, 8, 5*time.Second)
	obs, err := c.Verify(context.Background(), "txid1", btcAddr, "BTC")
	require.NoError(t, err)

	// Two outputs pay the deposit address: 1.0 + 0.5 BTC.
	assert.True(t, obs.Amount.Equal(decimal.RequireFromString("1.5")), "amount %s", obs.Amount)
	assert.Equal(t, 10, obs.Confirmations) // 700010 - 700001 + 1
	assert.Equal(t, "chain:bitcoin", obs.Source)
}

func TestBitcoinVerifyUnconfirmed(t *testing.T) {
	srv := newBtcServer(t)
	defer srv.Close()

	c := NewBitcoinClient("bitcoin", srv.URL, 8, 5*time.Second)
	obs, err := c.Verify(context.Background(), "unconfirmed", btcAddr, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 0, obs.Confirmations)
}

func TestBitcoinVerifyNotFound(t *testing.T) {
	srv := newBtcServer(t)
	defer srv.Close()

	c := NewBitcoinClient("bitcoin", srv.URL, 8, 5*time.Second)
	_, err := c.Verify(context.Background(), "nosuchtx", btcAddr, "BTC")
	assert.True(t, errors.Is(err, ErrTxNotFound))
}

func TestBitcoinVerifyAddressMismatch(t *testing.T) {
	srv := newBtcServer(t)
	defer srv.Close()

	c := NewBitcoinClient("bitcoin", srv.URL, 8, 5*time.Second)
	_, err := c.Verify(context.Background(), "txid1", "bc1qnotmine", "BTC")
	assert.True(t, errors.Is(err, ErrAddressMismatch))
}

func TestBitcoinFindDeposits(t *testing.T) {
	srv := newBtcServer(t)
	defer srv.Close()

	c := NewBitcoinClient("bitcoin", srv.URL, 8, 5*time.Second)
	obs, err := c.FindDeposits(context.Background(), btcAddr, "BTC", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	// Spends from the same address page carry no output to it and are skipped.
	require.Len(t, obs, 1)
	assert.Equal(t, "txid1", obs[0].TxHash)
	assert.True(t, obs[0].Amount.Equal(decimal.RequireFromString("0.6")))
}
