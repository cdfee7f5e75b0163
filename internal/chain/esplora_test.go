package chain

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/address/bcrt1qgood/utxo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"txid":"ab","vout":0,"value":50000,"status":{"confirmed":true,"block_height":100}},
			{"txid":"cd","vout":1,"value":700,"status":{"confirmed":false}}
		]`))
	})
	mux.HandleFunc("/address/bcrt1qdown/utxo", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	mux.HandleFunc("/tx/ab/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"confirmed":true,"block_height":100}`))
	})
	mux.HandleFunc("/tx/ee/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"confirmed":false}`))
	})
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("102"))
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch string(body) {
		case "0200":
		case "0201":
			http.Error(w, "sendrawtransaction RPC error: txn-already-in-mempool", http.StatusBadRequest)
			return
		case "0202":
			http.Error(w, "upstream timeout", http.StatusBadGateway)
			return
		default:
			http.Error(w, "sendrawtransaction RPC error: bad-txns-inputs-missingorspent", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ff\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	c := NewClient(newTestServer(t).URL + "/")

	utxos, err := c.AddressUTXOs(ctx, "bcrt1qgood")
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	assert.Equal(t, int64(50000), utxos[0].Value)
	assert.True(t, utxos[0].Status.Confirmed)
	assert.False(t, utxos[1].Status.Confirmed)

	_, err = c.AddressUTXOs(ctx, "bcrt1qdown")
	assert.ErrorIs(t, err, models.ErrChainUnavailable)
	assert.ErrorIs(t, err, models.ErrExternalUnavailable)

	confs, err := c.Confirmations(ctx, "ab")
	require.NoError(t, err)
	assert.Equal(t, 3, confs)

	confs, err = c.Confirmations(ctx, "ee")
	require.NoError(t, err)
	assert.Equal(t, 0, confs)

	txid, err := c.Broadcast(ctx, "0200")
	require.NoError(t, err)
	assert.Equal(t, "ff", txid)

	// Unknown to the backend counts as unconfirmed.
	confs, err = c.Confirmations(ctx, "0badc0de")
	require.NoError(t, err)
	assert.Equal(t, 0, confs)
}

func TestClientBroadcastOutcomes(t *testing.T) {
	ctx := context.Background()
	c := NewClient(newTestServer(t).URL)

	txid, err := c.Broadcast(ctx, "0201")
	require.NoError(t, err)
	assert.Empty(t, txid)

	_, err = c.Broadcast(ctx, "0202")
	assert.ErrorIs(t, err, models.ErrChainUnavailable)
	assert.NotErrorIs(t, err, models.ErrTxRejected)

	_, err = c.Broadcast(ctx, "bad")
	assert.ErrorIs(t, err, models.ErrTxRejected)
	assert.NotErrorIs(t, err, models.ErrExternalUnavailable)
}
