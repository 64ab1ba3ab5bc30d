// Package pricing is the price oracle adapter: a short-TTL cache over the
// swap venue's supported-asset list.
package pricing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/clients/oneclick"
	"github.com/cryptoindex/rebalancer/internal/domain"
)

// AssetSource provides the supported-asset list with prices
type AssetSource interface {
	Tokens(ctx context.Context) ([]oneclick.Token, error)
}

// Service caches asset metadata and USD prices. Constructed once at process
// start and injected into consumers; it holds its own cache state.
type Service struct {
	source AssetSource
	ttl    time.Duration
	log    zerolog.Logger

	mu        sync.RWMutex
	tokens    []oneclick.Token
	bySymbol  map[string]oneclick.Token
	fetchedAt time.Time
}

// NewService creates a pricing service with the given cache TTL
func NewService(source AssetSource, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		source: source,
		ttl:    ttl,
		log:    log.With().Str("service", "pricing").Logger(),
	}
}

// GetPrice returns the current USD price for a symbol.
// Returns domain.ErrPriceUnavailable when the venue does not price the asset.
func (s *Service) GetPrice(ctx context.Context, symbol string) (float64, error) {
	token, err := s.FindAsset(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if token.Price <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, domain.ErrPriceUnavailable)
	}
	return token.Price, nil
}

// GetPrices resolves prices for multiple symbols. Symbols the venue cannot
// price map to 0; callers treat a zero price as "exclude, warn".
func (s *Service) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		token, ok := s.bySymbol[strings.ToUpper(symbol)]
		if !ok || token.Price <= 0 {
			s.log.Warn().Str("symbol", symbol).Msg("Price unavailable")
			prices[symbol] = 0
			continue
		}
		prices[symbol] = token.Price
	}
	return prices, nil
}

// FindAsset resolves a symbol to its venue asset metadata
func (s *Service) FindAsset(ctx context.Context, symbol string) (*oneclick.Token, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrUnsupportedAsset)
	}
	return &token, nil
}

// ValidateSymbols checks every symbol is listed on the venue
func (s *Service) ValidateSymbols(ctx context.Context, symbols []string) error {
	for _, symbol := range symbols {
		if _, err := s.FindAsset(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

// ListAssets returns all supported assets with their current prices
func (s *Service) ListAssets(ctx context.Context) ([]oneclick.Token, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]oneclick.Token, len(s.tokens))
	copy(out, s.tokens)
	return out, nil
}

// USDValue converts an asset amount to its USD value
func (s *Service) USDValue(ctx context.Context, symbol string, amount float64) (float64, error) {
	price, err := s.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return amount * price, nil
}

// AssetAmount converts a USD value to asset units
func (s *Service) AssetAmount(ctx context.Context, symbol string, usdValue float64) (float64, error) {
	price, err := s.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return usdValue / price, nil
}

// ClearCache drops the cached snapshot; the next call refetches
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	s.bySymbol = nil
	s.fetchedAt = time.Time{}
}

// EvictExpired drops the snapshot once it has outlived the TTL.
// Called by the cache janitor job so an idle process does not serve
// arbitrarily stale prices on its next request burst.
func (s *Service) EvictExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens != nil && time.Since(s.fetchedAt) >= s.ttl {
		s.tokens = nil
		s.bySymbol = nil
		return true
	}
	return false
}

// refresh refetches the asset snapshot when the cache is cold or stale
func (s *Service) refresh(ctx context.Context) error {
	s.mu.RLock()
	fresh := s.tokens != nil && time.Since(s.fetchedAt) < s.ttl
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	tokens, err := s.source.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh asset prices: %w", err)
	}

	bySymbol := make(map[string]oneclick.Token, len(tokens))
	for _, t := range tokens {
		key := strings.ToUpper(t.Symbol)
		// Keep the first venue listing per symbol; the venue orders by liquidity
		if _, exists := bySymbol[key]; !exists {
			bySymbol[key] = t
		}
	}

	s.mu.Lock()
	s.tokens = tokens
	s.bySymbol = bySymbol
	s.fetchedAt = time.Now()
	s.mu.Unlock()

	s.log.Debug().Int("assets", len(tokens)).Msg("Refreshed price snapshot")
	return nil
}
