// Package oracle serves reference prices from an external market-data API
// through a TTL cache with stale fallback. The scheduler must never stall
// on a flaky upstream: a slightly stale price is safer than a missed
// window, because trigger semantics are bounded by slippage anyway.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultAPIURL   = "https://api.coingecko.com/api/v3"
	cacheTTL        = 30 * time.Minute
	upstreamTimeout = 5 * time.Second
)

// fallbackSpotPrice is the deterministic sample returned when the upstream
// is unreachable and nothing was ever cached, so a cold-started scheduler
// can still tick. The value is the reference coin's long-running list price
// and is always reported as degraded.
var fallbackSpotPrice = decimal.RequireFromString("0.082")

// PricePoint is one sample of a market chart.
type PricePoint struct {
	Time  time.Time
	Price decimal.Decimal
}

type Oracle struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	spots      *staleCache[decimal.Decimal]
	charts     *staleCache[[]PricePoint]
	log        *zap.SugaredLogger
}

func New(apiURL, apiKey string, log *zap.SugaredLogger) *Oracle {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Oracle{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: upstreamTimeout},
		spots:      newStaleCache[decimal.Decimal](cacheTTL),
		charts:     newStaleCache[[]PricePoint](cacheTTL),
		log:        log.Named("oracle"),
	}
}

// Spot returns the current USD price for the coin. degraded is true when the
// value did not come from a fresh upstream fetch. Spot never fails: with a
// dead upstream and an empty cache it returns fallbackSpotPrice.
func (o *Oracle) Spot(ctx context.Context, coinID string) (price decimal.Decimal, degraded bool, err error) {
	price, degraded, err = o.spots.GetOrFetch(coinID, func() (decimal.Decimal, error) {
		return o.fetchSpot(ctx, coinID)
	})
	if err != nil {
		o.log.Warnw("spot price degraded to fallback", "coin", coinID, "error", err)
		return fallbackSpotPrice, true, nil
	}
	if degraded {
		o.log.Warnw("serving stale spot price", "coin", coinID)
	}
	return price, degraded, nil
}

// Chart returns the USD price series for the coin over the given horizon.
func (o *Oracle) Chart(ctx context.Context, coinID string, days int) (series []PricePoint, degraded bool, err error) {
	key := fmt.Sprintf("%s:%d", coinID, days)
	series, degraded, err = o.charts.GetOrFetch(key, func() ([]PricePoint, error) {
		return o.fetchChart(ctx, coinID, days)
	})
	if degraded {
		o.log.Warnw("serving stale chart", "coin", coinID, "days", days)
	}
	return series, degraded, err
}

// SpotAge reports how long ago the spot price for the coin was fetched.
func (o *Oracle) SpotAge(coinID string) (time.Duration, bool) {
	return o.spots.Age(coinID)
}

func (o *Oracle) fetchSpot(ctx context.Context, coinID string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/coins/%s?localization=false&tickers=false&market_data=true&community_data=false&developer_data=false",
		o.apiURL, url.PathEscape(coinID))

	var raw struct {
		MarketData struct {
			CurrentPrice map[string]float64 `json:"current_price"`
		} `json:"market_data"`
	}
	if err := o.getJSON(ctx, u, &raw); err != nil {
		return decimal.Zero, err
	}

	usd, ok := raw.MarketData.CurrentPrice["usd"]
	if !ok || usd <= 0 {
		// A missing or non-positive price is an upstream failure.
		return decimal.Zero, fmt.Errorf("no usable current_price for %s", coinID)
	}
	return decimal.NewFromFloat(usd), nil
}

func (o *Oracle) fetchChart(ctx context.Context, coinID string, days int) ([]PricePoint, error) {
	u := fmt.Sprintf("%s/coins/%s/market_chart?vs_currency=usd&days=%d",
		o.apiURL, url.PathEscape(coinID), days)

	var raw struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := o.getJSON(ctx, u, &raw); err != nil {
		return nil, err
	}
	if len(raw.Prices) == 0 {
		return nil, fmt.Errorf("empty chart for %s", coinID)
	}

	series := make([]PricePoint, 0, len(raw.Prices))
	for _, p := range raw.Prices {
		series = append(series, PricePoint{
			Time:  time.UnixMilli(int64(p[0])),
			Price: decimal.NewFromFloat(p[1]),
		})
	}
	return series, nil
}

func (o *Oracle) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if o.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price API: HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("price API decode: %w", err)
	}
	return nil
}
