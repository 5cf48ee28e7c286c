// Package dca owns the order lifecycle: creation-time validation, trigger
// semantics and owner-facing CRUD. Execution itself belongs to the swap
// executor; this package only decides when an order is eligible.
package dca

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/RaghavSood/dcabot/db"
	"github.com/RaghavSood/dcabot/errs"
	"github.com/RaghavSood/dcabot/quote"
	"github.com/RaghavSood/dcabot/tokens"
)

const (
	// DefaultSlippageBps applies when the order does not name a tolerance.
	DefaultSlippageBps = 100

	// DefaultExpiry bounds orders created without an explicit expiry.
	DefaultExpiry = 30 * 24 * time.Hour
)

var maxTriggerPrice = decimal.NewFromInt(1_000_000_000)

// BalanceReader is the slice of the chain gateway used for the live balance
// check at creation.
type BalanceReader interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	ERC20Balance(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// AddressSource resolves an owner key to its signing address.
type AddressSource interface {
	AddressFor(ctx context.Context, ownerKey string) (common.Address, error)
}

// CreateParams is the closed creation payload. FromAmount and TriggerPrice
// are decimal strings; unset SlippageBps and ExpiresAt take defaults.
type CreateParams struct {
	OwnerKey         string
	FromSymbol       string
	ToSymbol         string
	FromAmount       string
	TriggerPrice     string
	TriggerCondition string
	SlippageBps      int64
	ExpiresAt        *time.Time
}

type Service struct {
	store     *db.Store
	registry  *tokens.Registry
	balances  BalanceReader
	addresses AddressSource
}

func NewService(store *db.Store, registry *tokens.Registry, balances BalanceReader, addresses AddressSource) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		balances:  balances,
		addresses: addresses,
	}
}

// CreateOrder validates the payload, checks the owner's live balance and
// persists a new active order.
func (s *Service) CreateOrder(ctx context.Context, p CreateParams) (*db.Order, error) {
	fromToken, ok := s.registry.BySymbol(p.FromSymbol)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidArgument, "unknown token %s", p.FromSymbol)
	}
	toToken, ok := s.registry.BySymbol(p.ToSymbol)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidArgument, "unknown token %s", p.ToSymbol)
	}
	if fromToken.Symbol == toToken.Symbol {
		return nil, errs.Newf(errs.KindInvalidArgument, "cannot swap %s for itself", fromToken.Symbol)
	}
	if quote.Denied(fromToken.Symbol) || quote.Denied(toToken.Symbol) {
		return nil, errs.Newf(errs.KindPairUnsupported, "%s/%s is on the deny-list", fromToken.Symbol, toToken.Symbol)
	}

	trigger, err := decimal.NewFromString(p.TriggerPrice)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid trigger price", err)
	}
	if !trigger.IsPositive() || trigger.GreaterThan(maxTriggerPrice) {
		return nil, errs.Newf(errs.KindInvalidArgument, "trigger price %s outside (0, %s]", trigger, maxTriggerPrice)
	}

	if p.TriggerCondition != db.ConditionAbove && p.TriggerCondition != db.ConditionBelow {
		return nil, errs.Newf(errs.KindInvalidArgument, "trigger condition must be %q or %q", db.ConditionAbove, db.ConditionBelow)
	}

	slippage := p.SlippageBps
	if slippage == 0 {
		slippage = DefaultSlippageBps
	}
	if slippage < quote.MinSlippageBps || slippage > quote.MaxSlippageBps {
		return nil, errs.Newf(errs.KindInvalidArgument, "slippage %d bps outside [%d, %d]", slippage, quote.MinSlippageBps, quote.MaxSlippageBps)
	}

	amountRaw, err := fromToken.ToBaseUnits(p.FromAmount)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid amount", err)
	}

	if err := s.checkLiveBalance(ctx, p.OwnerKey, fromToken, amountRaw); err != nil {
		return nil, err
	}

	expiresAt := p.ExpiresAt
	if expiresAt == nil {
		t := time.Now().Add(DefaultExpiry).UTC()
		expiresAt = &t
	} else if expiresAt.Before(time.Now()) {
		return nil, errs.New(errs.KindInvalidArgument, "expiry is in the past")
	}

	order := &db.Order{
		OwnerKey:         p.OwnerKey,
		FromSymbol:       fromToken.Symbol,
		ToSymbol:         toToken.Symbol,
		FromAmount:       amountRaw.String(),
		TriggerPrice:     trigger,
		TriggerCondition: p.TriggerCondition,
		MaxSlippageBps:   slippage,
		ExpiresAt:        expiresAt,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) checkLiveBalance(ctx context.Context, ownerKey string, token tokens.Token, amountRaw *big.Int) error {
	addr, err := s.addresses.AddressFor(ctx, ownerKey)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "resolving owner address", err)
	}

	var balance *big.Int
	if token.Native {
		balance, err = s.balances.NativeBalance(ctx, addr)
	} else {
		balance, err = s.balances.ERC20Balance(ctx, token.Address, addr)
	}
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "reading balance", err)
	}
	if balance.Cmp(amountRaw) < 0 {
		return errs.Newf(errs.KindInsufficientBalance, "have %s, need %s of %s",
			balance, amountRaw, token.Symbol)
	}
	return nil
}

// ListOrders returns the owner's orders, optionally filtered by status.
func (s *Service) ListOrders(ctx context.Context, ownerKey, status string, limit int) ([]*db.Order, error) {
	switch status {
	case "", db.StatusActive, db.StatusExecuted, db.StatusCancelled, db.StatusFailed, db.StatusExpired:
	default:
		return nil, errs.Newf(errs.KindInvalidArgument, "unknown status %q", status)
	}
	return s.store.ListOrders(ctx, ownerKey, status, limit)
}

// GetOrder returns one order owned by the caller.
func (s *Service) GetOrder(ctx context.Context, ownerKey, id string) (*db.Order, error) {
	return s.store.GetOrder(ctx, ownerKey, id)
}

// CancelOrder cancels an active order; terminal orders report their state.
func (s *Service) CancelOrder(ctx context.Context, ownerKey, id string) error {
	return s.store.MarkCancelled(ctx, ownerKey, id)
}

// ShouldExecute reports whether price satisfies the order's trigger.
func ShouldExecute(o *db.Order, price decimal.Decimal) bool {
	if o.TriggerCondition == db.ConditionAbove {
		return price.GreaterThanOrEqual(o.TriggerPrice)
	}
	return price.LessThanOrEqual(o.TriggerPrice)
}

// IsReady reports whether the trigger is still unsatisfied at price. An
// order must be observed ready once before it may execute, so a trigger
// already met at creation does not fire immediately.
func IsReady(o *db.Order, price decimal.Decimal) bool {
	if o.TriggerCondition == db.ConditionAbove {
		return price.LessThan(o.TriggerPrice)
	}
	return price.GreaterThan(o.TriggerPrice)
}
