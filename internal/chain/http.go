package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPAdapter reads chain data from an indexer sidecar's JSON API:
//
//	GET {base}/v1/{chain}/latest          -> {"number": N}
//	GET {base}/v1/{chain}/block/{number}  -> {"number": N, "hash": "...", "transactions": [...]}
//	GET {base}/v1/{chain}/balance/{addr}  -> [{"asset": "...", "balance": "..."}]
//
// Wrap with WithRetry at construction; the client itself performs exactly
// one attempt per call.
type HTTPAdapter struct {
	baseURL string
	chain   string
	client  *http.Client
}

func NewHTTPAdapter(baseURL, chainName string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		chain:   chainName,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) LatestBlock(ctx context.Context) (int64, error) {
	var out struct {
		Number int64 `json:"number"`
	}
	if err := a.get(ctx, fmt.Sprintf("/v1/%s/latest", a.chain), &out); err != nil {
		return 0, err
	}
	return out.Number, nil
}

func (a *HTTPAdapter) Block(ctx context.Context, number int64) (*Block, error) {
	var out struct {
		Number       int64    `json:"number"`
		Hash         string   `json:"hash"`
		Transactions []string `json:"transactions"`
	}
	if err := a.get(ctx, fmt.Sprintf("/v1/%s/block/%d", a.chain, number), &out); err != nil {
		return nil, err
	}
	return &Block{Number: out.Number, Hash: out.Hash, Transactions: out.Transactions}, nil
}

func (a *HTTPAdapter) CurrentBalance(ctx context.Context, address string) ([]AssetBalance, error) {
	var out []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	path := fmt.Sprintf("/v1/%s/balance/%s", a.chain, url.PathEscape(address))
	if err := a.get(ctx, path, &out); err != nil {
		return nil, err
	}

	balances := make([]AssetBalance, 0, len(out))
	for _, b := range out {
		amount, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return nil, fmt.Errorf("parse balance %q for %s: %w", b.Balance, b.Asset, err)
		}
		balances = append(balances, AssetBalance{Asset: b.Asset, Balance: amount})
	}
	return balances, nil
}

func (a *HTTPAdapter) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adapter %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("adapter %s: decode: %w", path, err)
	}
	return nil
}
