// Package quote prices a prospective swap against the AMM router. A Quote
// pins the path, the raw amounts, the slippage floor and the deadline the
// executor will later dispatch with.
package quote

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/RaghavSood/dcabot/chain"
	"github.com/RaghavSood/dcabot/errs"
	"github.com/RaghavSood/dcabot/tokens"
)

const (
	deadlineWindow = 15 * time.Minute
	bpsDenominator = 10000

	MinSlippageBps = 1
	MaxSlippageBps = 5000
)

// deniedSymbols lists tokens excluded from routing. The USDT pool on this
// network is mispriced against the oracle leg and would quote garbage.
var deniedSymbols = map[string]bool{
	"USDT": true,
}

// Denied reports whether the symbol is excluded from routing.
func Denied(symbol string) bool {
	return deniedSymbols[strings.ToUpper(symbol)]
}

// Quote describes one priced swap. From and To are the routed ERC-20 legs;
// when the caller declared a native leg, the wrapped form is substituted and
// the matching WrapRequired/UnwrapRequired flag is set.
type Quote struct {
	From tokens.Token
	To   tokens.Token

	DeclaredFrom string
	DeclaredTo   string

	Path           []common.Address
	FromAmountRaw  *big.Int
	ToAmountRaw    *big.Int
	MinReceivedRaw *big.Int

	Price       decimal.Decimal
	Deadline    time.Time
	SlippageBps int64

	WrapRequired   bool
	UnwrapRequired bool
}

// ContractReader is the read-only slice of the chain gateway the quoter
// needs.
type ContractReader interface {
	ReadContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

type Quoter struct {
	registry *tokens.Registry
	reader   ContractReader
	router   common.Address
}

func NewQuoter(registry *tokens.Registry, reader ContractReader, router common.Address) *Quoter {
	return &Quoter{
		registry: registry,
		reader:   reader,
		router:   router,
	}
}

// Quote resolves the pair, builds the routing path and prices fromAmount
// through the router's getAmountsOut.
func (q *Quoter) Quote(ctx context.Context, fromSymbol, toSymbol, fromAmount string, slippageBps int64) (*Quote, error) {
	if slippageBps < MinSlippageBps || slippageBps > MaxSlippageBps {
		return nil, errs.Newf(errs.KindInvalidArgument, "slippage %d bps outside [%d, %d]", slippageBps, MinSlippageBps, MaxSlippageBps)
	}

	fromSymbol = strings.ToUpper(strings.TrimSpace(fromSymbol))
	toSymbol = strings.ToUpper(strings.TrimSpace(toSymbol))
	if fromSymbol == toSymbol {
		return nil, errs.Newf(errs.KindInvalidArgument, "cannot swap %s for itself", fromSymbol)
	}
	if deniedSymbols[fromSymbol] || deniedSymbols[toSymbol] {
		return nil, errs.Newf(errs.KindPairUnsupported, "%s/%s is on the deny-list", fromSymbol, toSymbol)
	}

	declaredFrom, ok := q.registry.BySymbol(fromSymbol)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidArgument, "unknown token %s", fromSymbol)
	}
	declaredTo, ok := q.registry.BySymbol(toSymbol)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidArgument, "unknown token %s", toSymbol)
	}

	wn := q.registry.WrappedNative()

	from, to := declaredFrom, declaredTo
	wrapRequired, unwrapRequired := false, false
	if from.Native {
		from = wn
		wrapRequired = true
	}
	if to.Native {
		to = wn
		unwrapRequired = true
	}
	if from.Address == to.Address {
		// Native against its own wrapped form has no pool.
		return nil, errs.Newf(errs.KindPairUnsupported, "%s/%s resolves to the same routed token", fromSymbol, toSymbol)
	}

	var path []common.Address
	if from.Address == wn.Address || to.Address == wn.Address {
		path = []common.Address{from.Address, to.Address}
	} else {
		path = []common.Address{from.Address, wn.Address, to.Address}
	}

	fromRaw, err := declaredFrom.ToBaseUnits(fromAmount)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid amount", err)
	}

	toRaw, err := q.amountsOut(ctx, fromRaw, path)
	if err != nil {
		return nil, err
	}

	minReceived := new(big.Int).Mul(toRaw, big.NewInt(bpsDenominator-slippageBps))
	minReceived.Div(minReceived, big.NewInt(bpsDenominator))

	price := decimal.Zero
	if fromDec := declaredFrom.FromBaseUnits(fromRaw); !fromDec.IsZero() {
		price = declaredTo.FromBaseUnits(toRaw).Div(fromDec)
	}

	return &Quote{
		From:           from,
		To:             to,
		DeclaredFrom:   fromSymbol,
		DeclaredTo:     toSymbol,
		Path:           path,
		FromAmountRaw:  fromRaw,
		ToAmountRaw:    toRaw,
		MinReceivedRaw: minReceived,
		Price:          price,
		Deadline:       time.Now().Add(deadlineWindow),
		SlippageBps:    slippageBps,
		WrapRequired:   wrapRequired,
		UnwrapRequired: unwrapRequired,
	}, nil
}

func (q *Quoter) amountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := chain.RouterABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("packing getAmountsOut: %w", err)
	}

	out, err := q.reader.ReadContract(ctx, q.router, data)
	if err != nil {
		if chain.IsRevert(err) {
			// getAmountsOut reverts when no pool exists along the path.
			return nil, errs.Wrap(errs.KindPairUnsupported, "no routable pool", err)
		}
		return nil, errs.Wrap(errs.KindUpstreamError, "querying router", err)
	}

	decoded, err := chain.RouterABI.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "decoding getAmountsOut", err)
	}
	amounts, ok := decoded[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, errs.New(errs.KindUpstreamError, "malformed getAmountsOut response")
	}

	toRaw := amounts[len(amounts)-1]
	if toRaw.Sign() <= 0 {
		return nil, errs.New(errs.KindPairUnsupported, "router quoted zero output")
	}
	return toRaw, nil
}
