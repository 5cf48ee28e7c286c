package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func spotHandler(price string, healthy *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"market_data":{"current_price":{"usd":` + price + `}}}`))
	}
}

func TestSpotFetch(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(spotHandler("0.07", &healthy))
	defer srv.Close()

	o := New(srv.URL, "", zap.NewNop().Sugar())
	price, degraded, err := o.Spot(context.Background(), "crossfi")
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.True(t, price.Equal(decimal.RequireFromString("0.07")))

	age, ok := o.SpotAge("crossfi")
	require.True(t, ok)
	assert.Less(t, age, time.Minute)
}

func TestSpotServesStaleOnFailure(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(spotHandler("0.07", &healthy))
	defer srv.Close()

	o := New(srv.URL, "", zap.NewNop().Sugar())
	o.spots = newStaleCache[decimal.Decimal](time.Millisecond)

	_, _, err := o.Spot(context.Background(), "crossfi")
	require.NoError(t, err)

	healthy.Store(false)
	time.Sleep(5 * time.Millisecond)

	price, degraded, err := o.Spot(context.Background(), "crossfi")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.True(t, price.Equal(decimal.RequireFromString("0.07")))
}

func TestSpotFallbackWhenCold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := New(srv.URL, "", zap.NewNop().Sugar())
	price, degraded, err := o.Spot(context.Background(), "crossfi")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.True(t, price.Equal(fallbackSpotPrice))
}

func TestSpotRejectsMissingPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"market_data":{"current_price":{}}}`))
	}))
	defer srv.Close()

	o := New(srv.URL, "", zap.NewNop().Sugar())
	price, degraded, err := o.Spot(context.Background(), "crossfi")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.True(t, price.Equal(fallbackSpotPrice))
}

func TestChart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "days=7")
		w.Write([]byte(`{"prices":[[1700000000000,0.05],[1700003600000,0.06]]}`))
	}))
	defer srv.Close()

	o := New(srv.URL, "", zap.NewNop().Sugar())
	series, degraded, err := o.Chart(context.Background(), "crossfi", 7)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, series, 2)
	assert.True(t, series[0].Price.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, time.UnixMilli(1700000000000), series[0].Time)
}
