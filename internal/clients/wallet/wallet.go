// Package wallet abstracts the external signing provider that authorizes
// fund movements. Key material never enters this process.
package wallet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TransferAuthorization describes the deposit a signer must authorize
type TransferAuthorization struct {
	AssetID        string `json:"assetId"`
	Amount         string `json:"amount"` // smallest-unit integer, decimal string
	DepositAddress string `json:"depositAddress"`
}

// Signer is a signing capability for one account
type Signer interface {
	// Address returns the account's on-venue address
	Address() string
	// AuthorizeTransfer moves funds to the deposit address and returns the
	// resulting transaction hash
	AuthorizeTransfer(ctx context.Context, auth TransferAuthorization) (string, error)
}

// Provider resolves an account identifier to a signing capability
type Provider interface {
	SignerFor(ctx context.Context, accountID string) (Signer, error)
}

// HTTPProvider talks to an external wallet service that holds the keys
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPProvider creates a provider backed by a wallet service
func NewHTTPProvider(baseURL string, log zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "wallet").Logger(),
	}
}

// SignerFor resolves the signing capability for an account
func (p *HTTPProvider) SignerFor(ctx context.Context, accountID string) (Signer, error) {
	var resp struct {
		Address string `json:"address"`
	}
	if err := p.getJSON(ctx, "/v1/accounts/"+accountID, &resp); err != nil {
		return nil, fmt.Errorf("failed to resolve signer for account %s: %w", accountID, err)
	}
	return &httpSigner{provider: p, accountID: accountID, address: resp.Address}, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet service returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type httpSigner struct {
	provider  *HTTPProvider
	accountID string
	address   string
}

func (s *httpSigner) Address() string { return s.address }

func (s *httpSigner) AuthorizeTransfer(ctx context.Context, auth TransferAuthorization) (string, error) {
	payload, err := json.Marshal(struct {
		AccountID string `json:"accountId"`
		TransferAuthorization
	}{AccountID: s.accountID, TransferAuthorization: auth})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.provider.baseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wallet service rejected transfer: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode transfer response: %w", err)
	}

	s.provider.log.Info().
		Str("account", s.accountID).
		Str("deposit_address", auth.DepositAddress).
		Str("tx_hash", result.TxHash).
		Msg("Transfer authorized")

	return result.TxHash, nil
}

// StaticProvider authorizes transfers without an external service.
// Used in dev mode and tests; produces deterministic pseudo tx hashes.
type StaticProvider struct {
	address string
}

// NewStaticProvider creates a static provider for the given address
func NewStaticProvider(address string) *StaticProvider {
	return &StaticProvider{address: address}
}

// SignerFor returns a static signer for any account
func (p *StaticProvider) SignerFor(_ context.Context, accountID string) (Signer, error) {
	return &staticSigner{accountID: accountID, address: p.address}, nil
}

type staticSigner struct {
	accountID string
	address   string
}

func (s *staticSigner) Address() string { return s.address }

func (s *staticSigner) AuthorizeTransfer(_ context.Context, auth TransferAuthorization) (string, error) {
	sum := sha256.Sum256([]byte(s.accountID + auth.AssetID + auth.Amount + auth.DepositAddress))
	return "0x" + hex.EncodeToString(sum[:]), nil
}
