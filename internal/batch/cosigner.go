package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Fi44er/custody_ledger/internal/models"
)

// HTTPCosigner forwards PSBTs to the external multisig signing service.
type HTTPCosigner struct {
	url  string
	http *http.Client
}

func NewHTTPCosigner(url string) *HTTPCosigner {
	return &HTTPCosigner{
		url:  strings.TrimRight(url, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type signRequest struct {
	PSBT string `json:"psbt"`
}

type signResponse struct {
	TxHex string `json:"tx_hex"`
	Error string `json:"error,omitempty"`
}

func (c *HTTPCosigner) Sign(ctx context.Context, psbt string) (string, error) {
	body, err := json.Marshal(signRequest{PSBT: psbt})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: cosigner: %v", models.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: cosigner: %v", models.ErrExternalUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: cosigner returned %d: %s", models.ErrExternalUnavailable,
			resp.StatusCode, bytes.TrimSpace(data))
	}

	var out signResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("invalid cosigner response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("cosigner refused: %s", out.Error)
	}
	if out.TxHex == "" {
		return "", fmt.Errorf("cosigner returned no transaction")
	}
	return out.TxHex, nil
}
