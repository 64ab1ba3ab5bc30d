// Package oneclick is a client for the 1-Click style swap-execution API.
// The same API doubles as the price oracle: its token list carries USD prices.
package oneclick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
)

// Client is a 1-Click API client
type Client struct {
	baseURL string
	jwt     string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new 1-Click API client. The JWT is optional; without it
// the venue applies its default fee tier.
func NewClient(baseURL, jwt string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		jwt:     jwt,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "oneclick").Logger(),
	}
}

// Tokens fetches the supported asset list with current USD prices.
// GET /v0/tokens
func (c *Client) Tokens(ctx context.Context) ([]Token, error) {
	var tokens []Token
	if err := c.get(ctx, "/v0/tokens", nil, &tokens); err != nil {
		return nil, fmt.Errorf("failed to fetch supported tokens: %w", err)
	}
	c.log.Debug().Int("count", len(tokens)).Msg("Fetched supported tokens")
	return tokens, nil
}

// RequestQuote asks for a swap quote.
// POST /v0/quote
func (c *Client) RequestQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	var resp quoteResponse
	if err := c.post(ctx, "/v0/quote", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to request quote: %w", err)
	}

	c.log.Info().
		Str("origin", req.OriginAsset).
		Str("destination", req.DestinationAsset).
		Str("amount", req.Amount).
		Str("deposit_address", resp.Quote.DepositAddress).
		Bool("dry", req.Dry).
		Msg("Quote received")

	return &resp.Quote, nil
}

// SubmitDeposit notifies the venue of the deposit transaction hash.
// POST /v0/deposit/submit
func (c *Client) SubmitDeposit(ctx context.Context, depositAddress, txHash string) error {
	req := depositSubmitRequest{DepositAddress: depositAddress, TxHash: txHash}
	if err := c.post(ctx, "/v0/deposit/submit", req, nil); err != nil {
		return fmt.Errorf("failed to submit deposit tx: %w", err)
	}
	return nil
}

// SwapStatus polls the settlement state of a swap by its deposit address.
// GET /v0/status
func (c *Client) SwapStatus(ctx context.Context, depositAddress string) (*StatusResponse, error) {
	params := url.Values{"depositAddress": {depositAddress}}
	var resp StatusResponse
	if err := c.get(ctx, "/v0/status", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to get swap status: %w", err)
	}
	return &resp, nil
}

// Balances fetches the held amounts per symbol for a venue account.
// GET /v0/balances
func (c *Client) Balances(ctx context.Context, accountID string) (map[string]float64, error) {
	params := url.Values{"account": {accountID}}
	var resp balancesResponse
	if err := c.get(ctx, "/v0/balances", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	return resp.Balances, nil
}

// HealthCheck verifies the API is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Tokens(ctx)
	return err
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}

		c.log.Error().
			Int("status", resp.StatusCode).
			Str("path", req.URL.Path).
			Str("message", msg).
			Msg("API error")

		if strings.Contains(strings.ToLower(msg), "insufficient") {
			return fmt.Errorf("swap venue rejected request: %s: %w", msg, domain.ErrInsufficientBalance)
		}
		return fmt.Errorf("api returned status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
