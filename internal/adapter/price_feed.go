package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

// PriceCache remembers the last good price set
type PriceCache interface {
	StoreLatestPrices(ctx context.Context, prices types.PriceSet) error
	LatestPrices(ctx context.Context) (*storage.CachedPrices, bool, error)
}

// PriceFeedClient reads quotes from the HTTP price service
type PriceFeedClient struct {
	http        *jsonClient
	baseURL     string
	assets      []string
	cache       PriceCache
	allowCached bool
	now         func() time.Time
}

var _ PriceFeed = (*PriceFeedClient)(nil)

type priceResponse struct {
	Prices types.PriceSet `json:"prices"`
}

// NewPriceFeedClient creates a price feed client. cache may be nil.
func NewPriceFeedClient(cfg config.PriceFeedConfig, cache PriceCache, allowCached bool, breakers *circuitbreaker.Registry) *PriceFeedClient {
	var breaker *circuitbreaker.CircuitBreaker
	if breakers != nil {
		breaker = breakers.GetOrCreate("price_feed", nil)
	}
	return &PriceFeedClient{
		http: newJSONClient("price_feed", jsonClientOptions{
			Timeout:        cfg.Timeout,
			RequestsPerSec: cfg.RequestsPerSec,
			Breaker:        breaker,
		}),
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		assets:      cfg.Assets,
		cache:       cache,
		allowCached: allowCached,
		now:         time.Now,
	}
}

// GetCurrentPrices fetches the latest quotes. When the feed fails and cached
// prices are allowed, the last good set is returned with every quote marked
// stale.
func (c *PriceFeedClient) GetCurrentPrices(ctx context.Context) (types.PriceSet, error) {
	logger := logging.FromContext(ctx)

	prices, err := c.fetch(ctx)
	if err == nil {
		if c.cache != nil {
			if cerr := c.cache.StoreLatestPrices(ctx, prices); cerr != nil {
				logger.WithError(cerr).Warn("Failed to cache prices")
			}
		}
		return prices, nil
	}

	if !c.allowCached || c.cache == nil {
		return nil, err
	}
	cached, found, cerr := c.cache.LatestPrices(ctx)
	if cerr != nil || !found {
		if cerr != nil {
			logger.WithError(cerr).Warn("Failed to read cached prices")
		}
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"cachedAt": cached.CachedAt,
		"assets":   len(cached.Prices),
	}).WithError(err).Warn("Price feed unavailable, serving cached prices")

	out := make(types.PriceSet, len(cached.Prices))
	for asset, q := range cached.Prices {
		q.Stale = true
		out[asset] = q
	}
	return out, nil
}

func (c *PriceFeedClient) fetch(ctx context.Context) (types.PriceSet, error) {
	endpoint := c.baseURL + "/prices"
	if len(c.assets) > 0 {
		endpoint += "?assets=" + url.QueryEscape(strings.Join(c.assets, ","))
	}

	var resp priceResponse
	if err := c.http.do(ctx, "GetCurrentPrices", http.MethodGet, endpoint, nil, &resp, true); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	out := make(types.PriceSet, len(resp.Prices))
	for asset, q := range resp.Prices {
		if q.Price <= 0 {
			continue
		}
		if q.Timestamp.IsZero() {
			q.Timestamp = now
		}
		out[strings.ToUpper(asset)] = q
	}
	if len(out) == 0 {
		return nil, NewAdapterError("price_feed", "GetCurrentPrices", fmt.Errorf("%w: no usable quotes", ErrInvalidResponse), nil)
	}
	return out, nil
}
