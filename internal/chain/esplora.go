package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Fi44er/custody_ledger/internal/models"
)

type TxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Value  int64    `json:"value"`
	Status TxStatus `json:"status"`
}

// StatusError is a non-200 answer. It unwraps to ErrChainUnavailable.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s %s returned %d: %s", models.ErrChainUnavailable, e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return models.ErrChainUnavailable }

// Client talks to an Esplora compatible REST API (mempool.space,
// blockstream.info). Any non-200 answer is ErrChainUnavailable.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.getJSON(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

func (c *Client) TxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	var status TxStatus
	if err := c.getJSON(ctx, "/tx/"+txid+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	h, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad tip height %q", models.ErrChainUnavailable, body)
	}
	return h, nil
}

// Confirmations returns 0 for unconfirmed or unknown transactions.
func (c *Client) Confirmations(ctx context.Context, txid string) (int, error) {
	status, err := c.TxStatus(ctx, txid)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !status.Confirmed {
		return 0, nil
	}
	tip, err := c.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return int(tip - status.BlockHeight + 1), nil
}

// Broadcast submits a raw transaction and returns its txid. A transaction the
// backend already knows returns an empty txid and no error. A 400 answer is
// ErrTxRejected, anything else stays ErrChainUnavailable because the
// transaction may have been accepted.
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/tx", strings.NewReader(rawTxHex))
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest {
		if strings.Contains(strings.ToLower(se.Body), "already") {
			return "", nil
		}
		return "", fmt.Errorf("%w: %s", models.ErrTxRejected, se.Body)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: invalid response from %s: %v", models.ErrChainUnavailable, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrChainUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", models.ErrChainUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	return data, nil
}
