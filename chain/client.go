// Package chain wraps the JSON-RPC client with the reads, writes and
// receipt-waiting the swap pipeline needs. It is the only package that
// handles raw signing keys, and only for the duration of one call.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	readTimeout  = 10 * time.Second
	receiptPoll  = 2 * time.Second
	readBackoff  = 500 * time.Millisecond
	readAttempts = 1 // retries after the first attempt
)

// ErrReceiptTimeout is returned when a transaction is not included before
// the caller's timeout elapses.
var ErrReceiptTimeout = errors.New("transaction not included before timeout")

// Receipt is the subset of the on-chain receipt the engine consumes.
type Receipt struct {
	TxHash            common.Hash
	Success           bool
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

type Client struct {
	backend Backend
	chainID *big.Int
	log     *zap.SugaredLogger
}

func NewClient(backend Backend, chainID int64, log *zap.SugaredLogger) *Client {
	return &Client{
		backend: backend,
		chainID: big.NewInt(chainID),
		log:     log.Named("chain"),
	}
}

// NativeBalance returns the native coin balance of addr in wei.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.withReadRetry(ctx, func(ctx context.Context) error {
		var err error
		bal, err = c.backend.BalanceAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("native balance of %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// ERC20Balance returns holder's balance of the given token in base units.
func (c *Client) ERC20Balance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	out, err := c.ReadContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf on %s: %w", token.Hex(), err)
	}
	if len(out) < 32 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(out), nil
}

// ERC20Allowance returns the amount spender may move from holder.
func (c *Client) ERC20Allowance(ctx context.Context, token, holder, spender common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("allowance", holder, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.ReadContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance on %s: %w", token.Hex(), err)
	}
	if len(out) < 32 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(out), nil
}

// ERC20Approve submits an approval and returns after submission, not
// inclusion. Callers poll ERC20Allowance for visibility.
func (c *Client) ERC20Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.WriteContract(ctx, key, token, big.NewInt(0), data)
}

// ReadContract performs an eth_call with a bounded timeout, retrying once
// on transient errors. Reverts are not retried.
func (c *Client) ReadContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.withReadRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

// WriteContract builds, signs and submits a transaction, returning its hash.
// The key is used for the single SignTx call and never retained.
func (c *Client) WriteContract(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if key == nil {
		return common.Hash{}, errors.New("nil signing key")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getting nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getting gas price: %w", err)
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// A revert surfaces here before any gas is spent.
		return common.Hash{}, fmt.Errorf("estimating gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, gas, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing tx: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("sending tx: %w", err)
	}

	c.log.Infow("transaction sent", "tx", signedTx.Hash().Hex(), "to", to.Hex(), "nonce", nonce)
	return signedTx.Hash(), nil
}

// WaitForReceipt polls until the transaction is included or the timeout
// elapses. A reverted receipt is returned, not an error; the caller decides
// what a revert means for its step.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return &Receipt{
				TxHash:            txHash,
				Success:           receipt.Status == types.ReceiptStatusSuccessful,
				GasUsed:           receipt.GasUsed,
				EffectiveGasPrice: receipt.EffectiveGasPrice,
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) withReadRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(readAttempts, retry.NewConstant(readBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()
		if err := fn(callCtx); err != nil {
			if IsRevert(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// IsRevert reports whether the error is a contract revert rather than a
// transport failure.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

// RevertReason extracts the reason string from a revert error, if present.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted:"); idx != -1 {
		return strings.TrimSpace(msg[idx+len("execution reverted:"):])
	}
	return msg
}
