// Package tokens holds the static registry of tokens the engine can route.
// The registry is built once at start-up and read-only afterwards.
package tokens

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is a value object describing one registered asset. The native coin
// and its wrapped form are distinct entries sharing value conceptually.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
	Native   bool
}

// ToBaseUnits converts a human-readable decimal amount (e.g. "1.5") into the
// token's smallest unit. The amount must be positive and must not carry more
// fractional digits than the token's decimals.
func (t Token) ToBaseUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("amount %q is not positive", amount)
	}
	if -d.Exponent() > t.Decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimals of %s", amount, t.Decimals, t.Symbol)
	}
	return d.Shift(t.Decimals).BigInt(), nil
}

// FromBaseUnits converts a smallest-unit integer back to a decimal amount.
func (t Token) FromBaseUnits(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, 0).Shift(-t.Decimals)
}

// Registry maps symbols to tokens. Exactly one entry is the wrapped form of
// the chain's native coin; it is the intermediary for all AMM paths.
type Registry struct {
	bySymbol      map[string]Token
	wrappedNative string
}

func NewRegistry(list []Token, wrappedNativeSymbol string) (*Registry, error) {
	wrappedNativeSymbol = strings.ToUpper(wrappedNativeSymbol)

	bySymbol := make(map[string]Token, len(list))
	seenAddrs := make(map[common.Address]string, len(list))
	for _, t := range list {
		t.Symbol = strings.ToUpper(t.Symbol)
		if _, ok := bySymbol[t.Symbol]; ok {
			return nil, fmt.Errorf("duplicate token symbol %s", t.Symbol)
		}
		if prev, ok := seenAddrs[t.Address]; ok {
			return nil, fmt.Errorf("tokens %s and %s share address %s", prev, t.Symbol, t.Address.Hex())
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return nil, fmt.Errorf("token %s has invalid decimals %d", t.Symbol, t.Decimals)
		}
		bySymbol[t.Symbol] = t
		seenAddrs[t.Address] = t.Symbol
	}

	wn, ok := bySymbol[wrappedNativeSymbol]
	if !ok {
		return nil, fmt.Errorf("wrapped-native symbol %s is not registered", wrappedNativeSymbol)
	}
	if wn.Native {
		return nil, fmt.Errorf("wrapped-native %s must be an ERC-20, not the native coin", wrappedNativeSymbol)
	}

	return &Registry{
		bySymbol:      bySymbol,
		wrappedNative: wrappedNativeSymbol,
	}, nil
}

// BySymbol looks a token up by symbol, case-insensitively.
func (r *Registry) BySymbol(symbol string) (Token, bool) {
	t, ok := r.bySymbol[strings.ToUpper(symbol)]
	return t, ok
}

// WrappedNative returns the designated wrapped-native token.
func (r *Registry) WrappedNative() Token {
	return r.bySymbol[r.wrappedNative]
}

// IsNative reports whether the symbol names the chain's native coin.
func (r *Registry) IsNative(symbol string) bool {
	t, ok := r.BySymbol(symbol)
	return ok && t.Native
}

// NativeSymbol returns the symbol of the native coin, if one is registered.
func (r *Registry) NativeSymbol() (string, bool) {
	for sym, t := range r.bySymbol {
		if t.Native {
			return sym, true
		}
	}
	return "", false
}
