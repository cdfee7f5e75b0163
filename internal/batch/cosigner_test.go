package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fi44er/custody_ledger/internal/models"
)

func TestHTTPCosigner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sign", r.URL.Path)
		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.PSBT {
		case "ok":
			_ = json.NewEncoder(w).Encode(signResponse{TxHex: "0200"})
		case "refuse":
			_ = json.NewEncoder(w).Encode(signResponse{Error: "policy violation"})
		default:
			http.Error(w, "down", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewHTTPCosigner(srv.URL)
	ctx := context.Background()

	raw, err := c.Sign(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, "0200", raw)

	_, err = c.Sign(ctx, "refuse")
	assert.ErrorContains(t, err, "policy violation")

	_, err = c.Sign(ctx, "other")
	assert.ErrorIs(t, err, models.ErrExternalUnavailable)
}
