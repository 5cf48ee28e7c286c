// Package swap executes a single swap end to end: validate funds, approve,
// wrap if the source is native, dispatch the router, confirm inclusion and
// unwrap if the destination is native. Each phase fails fast with a coded
// error; the whole call is up to four on-chain transactions that are not
// atomic between themselves.
package swap

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/RaghavSood/dcabot/chain"
	"github.com/RaghavSood/dcabot/errs"
	"github.com/RaghavSood/dcabot/keyvault"
	"github.com/RaghavSood/dcabot/quote"
)

const (
	defaultApprovalPollInterval = 3 * time.Second
	defaultApprovalPollLimit    = 5
	wrapReceiptTimeout          = 2 * time.Minute
)

// Result reports a completed execution. WrapTxHash and UnwrapTxHash are set
// only when the corresponding phase ran. Warning carries the non-fatal
// unwrap failure; the swap itself still succeeded.
type Result struct {
	Success      bool
	SwapTxHash   common.Hash
	WrapTxHash   *common.Hash
	UnwrapTxHash *common.Hash

	FinalSymbol    string
	FinalAmountRaw *big.Int

	Warning string
}

// Gateway is the slice of the chain client the executor drives.
type Gateway interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	ERC20Balance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, holder, spender common.Address) (*big.Int, error)
	ERC20Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error)
	WriteContract(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*chain.Receipt, error)
}

// SignerSource resolves an owner key to a short-lived signer.
type SignerSource interface {
	SignerFor(ctx context.Context, ownerKey string) (keyvault.Signer, error)
}

// PriceQuoter produces the quote an execution is dispatched against.
type PriceQuoter interface {
	Quote(ctx context.Context, fromSymbol, toSymbol, fromAmount string, slippageBps int64) (*quote.Quote, error)
}

type Executor struct {
	gateway Gateway
	quoter  PriceQuoter
	signers SignerSource
	router  common.Address
	log     *zap.SugaredLogger

	// Shrunk by tests.
	approvalPollInterval time.Duration
	approvalPollLimit    int
}

func NewExecutor(gateway Gateway, quoter PriceQuoter, signers SignerSource, router common.Address, log *zap.SugaredLogger) *Executor {
	return &Executor{
		gateway:              gateway,
		quoter:               quoter,
		signers:              signers,
		router:               router,
		log:                  log.Named("swap"),
		approvalPollInterval: defaultApprovalPollInterval,
		approvalPollLimit:    defaultApprovalPollLimit,
	}
}

// Execute runs one swap for the owner. On failure the returned error carries
// one of the engine's error kinds and no Result is returned.
func (e *Executor) Execute(ctx context.Context, ownerKey, fromSymbol, toSymbol, fromAmount string, slippageBps int64) (*Result, error) {
	q, err := e.quoter.Quote(ctx, fromSymbol, toSymbol, fromAmount, slippageBps)
	if err != nil {
		return nil, err
	}

	signer, err := e.signers.SignerFor(ctx, ownerKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "resolving signer", err)
	}

	log := e.log.With("owner", ownerKey, "pair", q.DeclaredFrom+"/"+q.DeclaredTo, "amount", fromAmount)

	if err := e.validateFunds(ctx, signer, q); err != nil {
		return nil, err
	}

	if err := e.ensureAllowance(ctx, signer, q, log); err != nil {
		return nil, err
	}

	result := &Result{}

	if q.WrapRequired {
		wrapTx, err := e.wrap(ctx, signer, q)
		if err != nil {
			return nil, err
		}
		result.WrapTxHash = &wrapTx
		log.Infow("wrapped native for swap", "tx", wrapTx.Hex())
	}

	preBalance, err := e.gateway.ERC20Balance(ctx, q.To.Address, signer.Address)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "reading pre-swap balance", err)
	}

	swapTx, err := e.dispatch(ctx, signer, q)
	if err != nil {
		return nil, err
	}
	result.SwapTxHash = swapTx
	log.Infow("swap confirmed", "tx", swapTx.Hex())

	received, err := e.receivedAmount(ctx, signer, q, preBalance)
	if err != nil {
		return nil, err
	}
	result.FinalSymbol = q.To.Symbol
	result.FinalAmountRaw = received

	if q.UnwrapRequired {
		unwrapTx, err := e.unwrap(ctx, signer, q.To.Address, received)
		if err != nil {
			// The swap already landed; the owner keeps wrapped-native.
			log.Warnw("unwrap failed after successful swap", "error", err)
			result.Warning = string(errs.KindUnwrapFailed)
		} else {
			result.UnwrapTxHash = &unwrapTx
			result.FinalSymbol = q.DeclaredTo
		}
	}

	result.Success = true
	return result, nil
}

// validateFunds checks the balance that will actually be spent: the native
// balance when the source still needs wrapping, the routed ERC-20 balance
// otherwise.
func (e *Executor) validateFunds(ctx context.Context, signer keyvault.Signer, q *quote.Quote) error {
	var balance *big.Int
	var err error
	if q.WrapRequired {
		balance, err = e.gateway.NativeBalance(ctx, signer.Address)
	} else {
		balance, err = e.gateway.ERC20Balance(ctx, q.From.Address, signer.Address)
	}
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "reading balance", err)
	}
	if balance.Cmp(q.FromAmountRaw) < 0 {
		return errs.Newf(errs.KindInsufficientBalance, "have %s, need %s of %s", balance, q.FromAmountRaw, q.DeclaredFrom)
	}
	return nil
}

// ensureAllowance approves the router for the routed source token when the
// current allowance is short, then polls until the approval is visible. The
// 10% buffer covers fee-on-transfer tokens and later retries.
func (e *Executor) ensureAllowance(ctx context.Context, signer keyvault.Signer, q *quote.Quote, log *zap.SugaredLogger) error {
	allowance, err := e.gateway.ERC20Allowance(ctx, q.From.Address, signer.Address, e.router)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "reading allowance", err)
	}
	if allowance.Cmp(q.FromAmountRaw) >= 0 {
		return nil
	}

	// ceil(amount * 1.10)
	approveAmount := new(big.Int).Mul(q.FromAmountRaw, big.NewInt(110))
	approveAmount.Add(approveAmount, big.NewInt(99))
	approveAmount.Div(approveAmount, big.NewInt(100))

	approveTx, err := e.gateway.ERC20Approve(ctx, signer.Key, q.From.Address, e.router, approveAmount)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "submitting approval", err)
	}
	log.Infow("approval submitted", "tx", approveTx.Hex(), "amount", approveAmount)

	for i := 0; i < e.approvalPollLimit; i++ {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindUpstreamError, "waiting for approval", ctx.Err())
		case <-time.After(e.approvalPollInterval):
		}

		allowance, err = e.gateway.ERC20Allowance(ctx, q.From.Address, signer.Address, e.router)
		if err != nil {
			continue
		}
		if allowance.Cmp(q.FromAmountRaw) >= 0 {
			return nil
		}
	}
	return errs.Newf(errs.KindInsufficientAllowance, "approval not visible after %d polls", e.approvalPollLimit)
}

func (e *Executor) wrap(ctx context.Context, signer keyvault.Signer, q *quote.Quote) (common.Hash, error) {
	data, err := chain.WrappedNativeABI.Pack("deposit")
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindWrapFailed, "packing deposit", err)
	}

	wn := q.Path[0]
	txHash, err := e.gateway.WriteContract(ctx, signer.Key, wn, q.FromAmountRaw, data)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindWrapFailed, "submitting deposit", err)
	}

	receipt, err := e.gateway.WaitForReceipt(ctx, txHash, wrapReceiptTimeout)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindWrapFailed, "waiting for deposit", err)
	}
	if !receipt.Success {
		return common.Hash{}, errs.Newf(errs.KindWrapFailed, "deposit reverted: %s", txHash.Hex())
	}
	return txHash, nil
}

// dispatch submits the router swap and waits for inclusion up to the quote's
// deadline. All routed legs are ERC-20 by the time we get here, so a single
// entry point covers every pair.
func (e *Executor) dispatch(ctx context.Context, signer keyvault.Signer, q *quote.Quote) (common.Hash, error) {
	deadline := big.NewInt(q.Deadline.Unix())
	data, err := chain.RouterABI.Pack("swapExactTokensForTokens",
		q.FromAmountRaw, q.MinReceivedRaw, q.Path, signer.Address, deadline)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindTransactionFailed, "packing swap", err)
	}

	txHash, err := e.gateway.WriteContract(ctx, signer.Key, e.router, big.NewInt(0), data)
	if err != nil {
		if chain.IsRevert(err) {
			return common.Hash{}, mapSwapRevert(err)
		}
		return common.Hash{}, errs.Wrap(errs.KindUpstreamError, "submitting swap", err)
	}

	wait := time.Until(q.Deadline)
	if wait <= 0 {
		return common.Hash{}, errs.New(errs.KindDeadlineExpired, "deadline reached before inclusion")
	}
	receipt, err := e.gateway.WaitForReceipt(ctx, txHash, wait)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindDeadlineExpired, "swap not included before deadline", err)
	}
	if !receipt.Success {
		return common.Hash{}, errs.Newf(errs.KindTransactionFailed, "swap reverted: %s", txHash.Hex())
	}
	return txHash, nil
}

func (e *Executor) receivedAmount(ctx context.Context, signer keyvault.Signer, q *quote.Quote, preBalance *big.Int) (*big.Int, error) {
	postBalance, err := e.gateway.ERC20Balance(ctx, q.To.Address, signer.Address)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "reading post-swap balance", err)
	}
	received := new(big.Int).Sub(postBalance, preBalance)
	if received.Sign() < 0 {
		received.SetInt64(0)
	}
	return received, nil
}

func (e *Executor) unwrap(ctx context.Context, signer keyvault.Signer, wn common.Address, amount *big.Int) (common.Hash, error) {
	if amount.Sign() <= 0 {
		return common.Hash{}, errs.New(errs.KindUnwrapFailed, "nothing to unwrap")
	}

	data, err := chain.WrappedNativeABI.Pack("withdraw", amount)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindUnwrapFailed, "packing withdraw", err)
	}

	txHash, err := e.gateway.WriteContract(ctx, signer.Key, wn, big.NewInt(0), data)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindUnwrapFailed, "submitting withdraw", err)
	}

	receipt, err := e.gateway.WaitForReceipt(ctx, txHash, wrapReceiptTimeout)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.KindUnwrapFailed, "waiting for withdraw", err)
	}
	if !receipt.Success {
		return common.Hash{}, errs.Newf(errs.KindUnwrapFailed, "withdraw reverted: %s", txHash.Hex())
	}
	return txHash, nil
}

// mapSwapRevert classifies a router revert into the engine's error kinds.
func mapSwapRevert(err error) error {
	reason := strings.ToUpper(chain.RevertReason(err))
	switch {
	case strings.Contains(reason, "INSUFFICIENT_OUTPUT_AMOUNT"):
		return errs.Wrap(errs.KindSlippageExceeded, "pool moved past the slippage floor", err)
	case strings.Contains(reason, "EXPIRED"):
		return errs.Wrap(errs.KindDeadlineExpired, "router rejected an expired deadline", err)
	default:
		return errs.Wrap(errs.KindTransactionFailed, "swap reverted", err)
	}
}
