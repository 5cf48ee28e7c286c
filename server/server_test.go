package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RaghavSood/dcabot/db"
	"github.com/RaghavSood/dcabot/dca"
	"github.com/RaghavSood/dcabot/scheduler"
	"github.com/RaghavSood/dcabot/swap"
	"github.com/RaghavSood/dcabot/tokens"
)

type fakeBalances struct{}

func (fakeBalances) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 128), nil
}

func (fakeBalances) ERC20Balance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 128), nil
}

type fakeAddresses struct{}

func (fakeAddresses) AddressFor(ctx context.Context, ownerKey string) (common.Address, error) {
	return common.HexToAddress("0xff"), nil
}

type fakeOracle struct{}

func (fakeOracle) Spot(ctx context.Context, coinID string) (decimal.Decimal, bool, error) {
	return decimal.RequireFromString("0.07"), false, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, ownerKey, fromSymbol, toSymbol, fromAmount string, slippageBps int64) (*swap.Result, error) {
	return &swap.Result{Success: true}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := tokens.NewRegistry([]tokens.Token{
		{Symbol: "XFI", Address: common.HexToAddress("0x01"), Decimals: 18, Native: true},
		{Symbol: "WXFI", Address: common.HexToAddress("0x02"), Decimals: 18},
		{Symbol: "USDC", Address: common.HexToAddress("0x03"), Decimals: 6},
	}, "WXFI")
	require.NoError(t, err)

	orders := dca.NewService(store, registry, fakeBalances{}, fakeAddresses{})
	sched := scheduler.New(store, fakeOracle{}, fakeExecutor{}, registry, nil, zap.NewNop().Sugar(), scheduler.Options{
		CoinID:     "crossfi",
		Registerer: prometheus.NewRegistry(),
	})

	s := New(orders, sched, 0, zap.NewNop().Sugar())
	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)
	return srv, sched
}

func createOrderReq(t *testing.T, srv *httptest.Server, body map[string]interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/orders", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"owner_key":         "owner-1",
		"from_symbol":       "USDC",
		"to_symbol":         "XFI",
		"from_amount":       "10",
		"trigger_price":     "0.05",
		"trigger_condition": "below",
	}
}

func TestCreateAndFetchOrder(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := createOrderReq(t, srv, validBody())
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created orderResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "active", created.Status)
	assert.Equal(t, "10000000", created.FromAmount)

	getResp, err := http.Get(fmt.Sprintf("%s/api/orders/%s?owner_key=owner-1", srv.URL, created.ID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	// A different owner cannot see the order.
	otherResp, err := http.Get(fmt.Sprintf("%s/api/orders/%s?owner_key=owner-2", srv.URL, created.ID))
	require.NoError(t, err)
	defer otherResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, otherResp.StatusCode)
}

func TestCreateOrderRejections(t *testing.T) {
	srv, _ := newTestServer(t)

	body := validBody()
	body["trigger_price"] = "not-a-number"
	resp := createOrderReq(t, srv, body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "invalid_argument", out["error"])

	body = validBody()
	delete(body, "owner_key")
	resp = createOrderReq(t, srv, body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelOrder(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := createOrderReq(t, srv, validBody())
	var created orderResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	url := fmt.Sprintf("%s/api/orders/%s?owner_key=owner-1", srv.URL, created.ID)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)

	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	// Cancelling again conflicts with the terminal state.
	delResp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusConflict, delResp.StatusCode)
}

func TestListOrders(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		resp := createOrderReq(t, srv, validBody())
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/orders?owner_key=owner-1&status=active")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Orders []orderResponse `json:"orders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Orders, 2)
}

func TestStatusAndHealth(t *testing.T) {
	srv, sched := newTestServer(t)

	// Not started yet: unhealthy, but status still answers.
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop(time.Second)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st scheduler.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Running)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
