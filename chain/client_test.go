package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	balance  *big.Int
	callOut  []byte
	callErrs []error
	callIdx  int

	nonce       uint64
	gasPrice    *big.Int
	estimateErr error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balance:  big.NewInt(0),
		gasPrice: big.NewInt(1_000_000_000),
		nonce:    7,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callIdx < len(f.callErrs) {
		err := f.callErrs[f.callIdx]
		f.callIdx++
		if err != nil {
			return nil, err
		}
	}
	return f.callOut, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestClient(backend Backend) *Client {
	return NewClient(backend, 4157, zap.NewNop().Sugar())
}

func TestERC20Balance(t *testing.T) {
	backend := newFakeBackend()
	backend.callOut = common.BigToHash(big.NewInt(42)).Bytes()

	c := newTestClient(backend)
	bal, err := c.ERC20Balance(context.Background(), common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), bal)
}

func TestReadRetriesTransientError(t *testing.T) {
	backend := newFakeBackend()
	backend.callErrs = []error{errors.New("connection reset"), nil}
	backend.callOut = common.BigToHash(big.NewInt(1)).Bytes()

	c := newTestClient(backend)
	bal, err := c.ERC20Balance(context.Background(), common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), bal)
}

func TestReadDoesNotRetryRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.callErrs = []error{errors.New("execution reverted: nope"), nil}

	c := newTestClient(backend)
	_, err := c.ReadContract(context.Background(), common.HexToAddress("0x01"), nil)
	require.Error(t, err)
	assert.Equal(t, 1, backend.callIdx)
}

func TestWriteContractSignsForChain(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(backend)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	hash, err := c.WriteContract(context.Background(), key, to, big.NewInt(5), []byte{0xde, 0xad})
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, big.NewInt(5), tx.Value())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(4157)), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender)
}

func TestWriteContractSurfacesEstimateRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted: UniswapV2Router: EXPIRED")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	c := newTestClient(backend)
	_, err = c.WriteContract(context.Background(), key, common.HexToAddress("0xaa"), big.NewInt(0), nil)
	require.Error(t, err)
	assert.True(t, IsRevert(err))
	assert.Empty(t, backend.sent)
}

func TestWriteContractRejectsNilKey(t *testing.T) {
	c := newTestClient(newFakeBackend())
	_, err := c.WriteContract(context.Background(), nil, common.HexToAddress("0xaa"), big.NewInt(0), nil)
	assert.Error(t, err)
}

func TestWaitForReceipt(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0x01")
	backend.receipts[hash] = &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}

	c := newTestClient(backend)
	receipt, err := c.WaitForReceipt(context.Background(), hash, time.Second)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(21000), receipt.GasUsed)
}

func TestWaitForReceiptRevertedIsNotAnError(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0x02")
	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed}

	c := newTestClient(backend)
	receipt, err := c.WaitForReceipt(context.Background(), hash, time.Second)
	require.NoError(t, err)
	assert.False(t, receipt.Success)
}

func TestWaitForReceiptTimeout(t *testing.T) {
	c := newTestClient(newFakeBackend())
	_, err := c.WaitForReceipt(context.Background(), common.HexToHash("0x03"), time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestRevertHelpers(t *testing.T) {
	assert.True(t, IsRevert(errors.New("execution reverted: X")))
	assert.True(t, IsRevert(errors.New("always failing transaction: revert")))
	assert.False(t, IsRevert(errors.New("dial tcp: refused")))
	assert.False(t, IsRevert(nil))

	assert.Equal(t, "UniswapV2Router: EXPIRED",
		RevertReason(errors.New("rpc error: execution reverted: UniswapV2Router: EXPIRED")))
}
