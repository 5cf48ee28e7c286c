package dca

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavSood/dcabot/db"
	"github.com/RaghavSood/dcabot/errs"
	"github.com/RaghavSood/dcabot/tokens"
)

type fakeBalances struct {
	native *big.Int
	erc20  *big.Int
}

func (f *fakeBalances) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeBalances) ERC20Balance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return f.erc20, nil
}

type fakeAddresses struct{}

func (fakeAddresses) AddressFor(ctx context.Context, ownerKey string) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000ff"), nil
}

func testRegistry(t *testing.T) *tokens.Registry {
	t.Helper()
	r, err := tokens.NewRegistry([]tokens.Token{
		{Symbol: "XFI", Address: common.HexToAddress("0x01"), Decimals: 18, Native: true},
		{Symbol: "WXFI", Address: common.HexToAddress("0x02"), Decimals: 18},
		{Symbol: "USDC", Address: common.HexToAddress("0x03"), Decimals: 6},
		{Symbol: "USDT", Address: common.HexToAddress("0x04"), Decimals: 6},
	}, "WXFI")
	require.NoError(t, err)
	return r
}

func newTestService(t *testing.T, balances *fakeBalances) *Service {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, testRegistry(t), balances, fakeAddresses{})
}

func richBalances() *fakeBalances {
	huge := new(big.Int).Lsh(big.NewInt(1), 128)
	return &fakeBalances{native: huge, erc20: huge}
}

func validParams() CreateParams {
	return CreateParams{
		OwnerKey:         "owner-1",
		FromSymbol:       "USDC",
		ToSymbol:         "XFI",
		FromAmount:       "10",
		TriggerPrice:     "0.05",
		TriggerCondition: db.ConditionBelow,
	}
}

func TestCreateOrderDefaults(t *testing.T) {
	s := newTestService(t, richBalances())

	o, err := s.CreateOrder(context.Background(), validParams())
	require.NoError(t, err)

	assert.Equal(t, "10000000", o.FromAmount)
	assert.Equal(t, int64(DefaultSlippageBps), o.MaxSlippageBps)
	assert.Equal(t, db.StatusActive, o.Status)
	assert.False(t, o.Primed)
	require.NotNil(t, o.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(DefaultExpiry), *o.ExpiresAt, time.Minute)
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestService(t, richBalances())
	ctx := context.Background()

	mutate := func(fn func(*CreateParams)) CreateParams {
		p := validParams()
		fn(&p)
		return p
	}
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name   string
		params CreateParams
		kind   errs.Kind
	}{
		{"unknown from", mutate(func(p *CreateParams) { p.FromSymbol = "DOGE" }), errs.KindInvalidArgument},
		{"unknown to", mutate(func(p *CreateParams) { p.ToSymbol = "DOGE" }), errs.KindInvalidArgument},
		{"same pair", mutate(func(p *CreateParams) { p.ToSymbol = "USDC" }), errs.KindInvalidArgument},
		{"denied token", mutate(func(p *CreateParams) { p.FromSymbol = "USDT" }), errs.KindPairUnsupported},
		{"bad trigger", mutate(func(p *CreateParams) { p.TriggerPrice = "abc" }), errs.KindInvalidArgument},
		{"zero trigger", mutate(func(p *CreateParams) { p.TriggerPrice = "0" }), errs.KindInvalidArgument},
		{"huge trigger", mutate(func(p *CreateParams) { p.TriggerPrice = "1000000001" }), errs.KindInvalidArgument},
		{"bad condition", mutate(func(p *CreateParams) { p.TriggerCondition = "sideways" }), errs.KindInvalidArgument},
		{"slippage too high", mutate(func(p *CreateParams) { p.SlippageBps = 5001 }), errs.KindInvalidArgument},
		{"negative slippage", mutate(func(p *CreateParams) { p.SlippageBps = -1 }), errs.KindInvalidArgument},
		{"bad amount", mutate(func(p *CreateParams) { p.FromAmount = "-3" }), errs.KindInvalidArgument},
		{"too many decimals", mutate(func(p *CreateParams) { p.FromAmount = "0.0000001" }), errs.KindInvalidArgument},
		{"past expiry", mutate(func(p *CreateParams) { p.ExpiresAt = &past }), errs.KindInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateOrder(ctx, tc.params)
			require.Error(t, err)
			assert.Equal(t, tc.kind, errs.KindOf(err))
		})
	}
}

func TestCreateOrderLiveBalanceCheck(t *testing.T) {
	s := newTestService(t, &fakeBalances{native: big.NewInt(0), erc20: big.NewInt(5_000_000)})

	_, err := s.CreateOrder(context.Background(), validParams())
	require.Error(t, err)
	assert.Equal(t, errs.KindInsufficientBalance, errs.KindOf(err))

	p := validParams()
	p.FromSymbol = "XFI"
	p.ToSymbol = "USDC"
	p.FromAmount = "3"
	_, err = s.CreateOrder(context.Background(), p)
	assert.Equal(t, errs.KindInsufficientBalance, errs.KindOf(err))
}

func TestCancelOrderLifecycle(t *testing.T) {
	s := newTestService(t, richBalances())
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, validParams())
	require.NoError(t, err)

	require.NoError(t, s.CancelOrder(ctx, "owner-1", o.ID))

	got, err := s.GetOrder(ctx, "owner-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, got.Status)

	err = s.CancelOrder(ctx, "owner-1", o.ID)
	assert.Equal(t, errs.KindTerminalState, errs.KindOf(err))
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	s := newTestService(t, richBalances())
	_, err := s.ListOrders(context.Background(), "owner-1", "pending", 0)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func order(cond string, trigger string) *db.Order {
	return &db.Order{
		TriggerCondition: cond,
		TriggerPrice:     decimal.RequireFromString(trigger),
	}
}

func TestShouldExecute(t *testing.T) {
	p := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	below := order(db.ConditionBelow, "0.05")
	assert.False(t, ShouldExecute(below, p("0.07")))
	assert.True(t, ShouldExecute(below, p("0.05")))
	assert.True(t, ShouldExecute(below, p("0.045")))

	above := order(db.ConditionAbove, "0.05")
	assert.True(t, ShouldExecute(above, p("0.07")))
	assert.True(t, ShouldExecute(above, p("0.05")))
	assert.False(t, ShouldExecute(above, p("0.045")))
}

func TestIsReady(t *testing.T) {
	p := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	below := order(db.ConditionBelow, "0.05")
	assert.True(t, IsReady(below, p("0.07")))
	assert.False(t, IsReady(below, p("0.05")))
	assert.False(t, IsReady(below, p("0.04")))

	above := order(db.ConditionAbove, "0.05")
	assert.False(t, IsReady(above, p("0.07")))
	assert.False(t, IsReady(above, p("0.05")))
	assert.True(t, IsReady(above, p("0.04")))
}
