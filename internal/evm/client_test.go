package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/evm/mock"
	"github.com/ggonzalez94/xbridge/internal/execution/signer"
	"github.com/ggonzalez94/xbridge/internal/id"
)

const (
	testKey   = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"
	testUSDC  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	testOwner = "0x00000000000000000000000000000000000000aa"
	testRoute = "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"
)

type revertDataError struct {
	data string
}

func (e revertDataError) Error() string          { return "execution reverted" }
func (e revertDataError) ErrorData() interface{} { return e.data }

func newTestClient(t *testing.T, backend Backend, opts TxOptions) *Client {
	t.Helper()
	client, err := NewClientWithDialer(map[int64]string{1: "http://127.0.0.1:8545"}, opts, zerolog.Nop(),
		func(context.Context, string) (Backend, error) { return backend, nil })
	require.NoError(t, err)
	return client
}

func packUint(t *testing.T, client *Client, method string, v *big.Int) []byte {
	t.Helper()
	out, err := client.erc20.Methods[method].Outputs.Pack(v)
	require.NoError(t, err)
	return out
}

func TestAllowance(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())

	backend.EXPECT().
		CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		DoAndReturn(func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			require.Equal(t, common.HexToAddress(testUSDC), *msg.To)
			require.Equal(t, client.erc20.Methods["allowance"].ID, msg.Data[:4])
			return packUint(t, client, "allowance", big.NewInt(1_500_000)), nil
		})

	got, err := client.Allowance(context.Background(), 1, testUSDC, testOwner, testRoute)
	require.NoError(t, err)
	require.Equal(t, "1500000", got.String())
}

func TestAllowanceRejectsInvalidAddresses(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := newTestClient(t, mock.NewMockBackend(ctrl), DefaultTxOptions())

	_, err := client.Allowance(context.Background(), 1, "usdc", testOwner, testRoute)
	require.Error(t, err)
	typed, ok := clierr.As(err)
	require.True(t, ok)
	require.Equal(t, clierr.CodeUsage, typed.Code)
}

func TestAllowanceCallFailureIsUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())

	backend.EXPECT().CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).Return(nil, errors.New("connection refused"))

	_, err := client.Allowance(context.Background(), 1, testUSDC, testOwner, testRoute)
	require.Error(t, err)
	require.Equal(t, int(clierr.CodeUnavailable), clierr.ExitCode(err))
	require.Contains(t, err.Error(), "backend.CallContract")
}

func TestBalanceOfNativeUsesAccountBalance(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())

	backend.EXPECT().BalanceAt(gomock.Any(), common.HexToAddress(testOwner), gomock.Nil()).Return(big.NewInt(42), nil)

	got, err := client.BalanceOf(context.Background(), 1, id.NativeTokenAddress, testOwner)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.Int64())
}

func TestBackendIsDialedOncePerChain(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	var dials atomic.Int32
	client, err := NewClientWithDialer(nil, DefaultTxOptions(), zerolog.Nop(), func(context.Context, string) (Backend, error) {
		dials.Add(1)
		return backend, nil
	})
	require.NoError(t, err)

	backend.EXPECT().BalanceAt(gomock.Any(), gomock.Any(), gomock.Nil()).Return(big.NewInt(1), nil).Times(2)
	backend.EXPECT().Close()

	for i := 0; i < 2; i++ {
		_, err := client.BalanceOf(context.Background(), 8453, id.NativeTokenAddress, testOwner)
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), dials.Load())
	client.Close()
}

func TestApproveCalldata(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := newTestClient(t, mock.NewMockBackend(ctrl), DefaultTxOptions())

	data, err := client.ApproveCalldata(testRoute, big.NewInt(0))
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)
	require.Equal(t, client.erc20.Methods["approve"].ID, data[:4])

	_, err = client.ApproveCalldata("nope", big.NewInt(1))
	require.Error(t, err)
}

func expectPricing(backend *mock.MockBackend) {
	backend.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	backend.EXPECT().SuggestGasTipCap(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	backend.EXPECT().HeaderByNumber(gomock.Any(), gomock.Nil()).Return(&types.Header{BaseFee: big.NewInt(10_000_000_000)}, nil)
}

func TestSendSimulatesSignsAndBroadcasts(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())
	txSigner, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testKey})
	require.NoError(t, err)

	expectPricing(backend)
	backend.EXPECT().CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).Return([]byte{}, nil)
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(100_000), nil)
	backend.EXPECT().PendingNonceAt(gomock.Any(), txSigner.Address()).Return(uint64(7), nil)

	var sent *types.Transaction
	backend.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, tx *types.Transaction) error {
		sent = tx
		return nil
	})

	hash, err := client.Send(context.Background(), txSigner, Call{ChainID: 1, To: testRoute, Data: "0xdeadbeef", Value: "0x10"})
	require.NoError(t, err)
	require.NotNil(t, sent)
	require.Equal(t, sent.Hash(), hash)
	require.Equal(t, uint64(7), sent.Nonce())
	require.Equal(t, uint64(120_000), sent.Gas())
	require.Equal(t, "21000000000", sent.GasFeeCap().String())
	require.Equal(t, "1000000000", sent.GasTipCap().String())
	require.Equal(t, int64(16), sent.Value().Int64())
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, sent.Data())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), sent)
	require.NoError(t, err)
	require.Equal(t, txSigner.Address(), from)
}

func TestSendSimulationRevertIsDecoded(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())
	txSigner, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testKey})
	require.NoError(t, err)

	backend.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	backend.EXPECT().CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(nil, revertDataError{data: "0x" + common.Bytes2Hex(revertPayload(t, "ERC20: insufficient allowance"))})

	_, err = client.Send(context.Background(), txSigner, Call{ChainID: 1, To: testRoute, Data: "0x"})
	require.Error(t, err)
	require.Equal(t, int(clierr.CodeActionSim), clierr.ExitCode(err))
	require.Contains(t, err.Error(), "revert: ERC20: insufficient allowance")
}

func TestSendRejectsChainMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())
	txSigner, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testKey})
	require.NoError(t, err)

	backend.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(10), nil)

	_, err = client.Send(context.Background(), txSigner, Call{ChainID: 1, To: testRoute, Data: "0x"})
	require.Error(t, err)
	require.Equal(t, int(clierr.CodeActionPlan), clierr.ExitCode(err))
}

func TestBuildWithOffsetSkipsSimulationAndFallsBackOnGas(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())

	expectPricing(backend)
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(0), errors.New("execution reverted"))
	backend.EXPECT().PendingNonceAt(gomock.Any(), common.HexToAddress(testOwner)).Return(uint64(3), nil)

	tx, err := client.Build(context.Background(), testOwner, Call{ChainID: 1, To: testRoute, Data: "0x01", GasLimit: 250_000}, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(4), tx.Nonce)
	require.Equal(t, uint64(250_000), tx.Gas)
	require.Equal(t, "0x01", tx.Data)
	require.Equal(t, "0", tx.Value)
	require.Equal(t, "21000000000", tx.MaxFeePerGas)
	require.Equal(t, int64(1), tx.ChainID)
}

func TestBuildFirstStepIsStrict(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())

	backend.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	backend.EXPECT().CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).Return([]byte{}, nil)
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(0), errors.New("execution reverted"))

	_, err := client.Build(context.Background(), testOwner, Call{ChainID: 1, To: testRoute, Data: "0x01"}, 0)
	require.Error(t, err)
	require.Equal(t, int(clierr.CodeActionSim), clierr.ExitCode(err))
}

func TestFeeOverrides(t *testing.T) {
	tip, err := parseGwei("1.5")
	require.NoError(t, err)
	require.Equal(t, "1500000000", tip.String())

	_, err = resolveFeeCap(big.NewInt(1), tip, "1")
	require.Error(t, err)

	feeCap, err := resolveFeeCap(big.NewInt(1), tip, "3")
	require.NoError(t, err)
	require.Equal(t, "3000000000", feeCap.String())

	_, err = parseGwei("0.0000000001")
	require.Error(t, err)
}

func TestWaitMinedReverted(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	opts := DefaultTxOptions()
	opts.PollInterval = time.Millisecond
	client := newTestClient(t, backend, opts)
	hash := common.HexToHash("0x01")

	gomock.InOrder(
		backend.EXPECT().TransactionReceipt(gomock.Any(), hash).Return(nil, ethereum.NotFound),
		backend.EXPECT().TransactionReceipt(gomock.Any(), hash).Return(&types.Receipt{Status: types.ReceiptStatusFailed}, nil),
	)

	_, err := client.WaitMined(context.Background(), 1, hash)
	require.Error(t, err)
	require.Equal(t, int(clierr.CodeSubmission), clierr.ExitCode(err))
}

func TestReceiptStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	client := newTestClient(t, backend, DefaultTxOptions())
	raw := "0x" + common.Bytes2Hex(common.HexToHash("0xabc").Bytes())

	backend.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(nil, ethereum.NotFound)
	state, err := client.ReceiptStatus(context.Background(), 1, raw)
	require.NoError(t, err)
	require.Equal(t, ReceiptPending, state)

	backend.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&types.Receipt{Status: types.ReceiptStatusSuccessful}, nil)
	state, err = client.ReceiptStatus(context.Background(), 1, raw)
	require.NoError(t, err)
	require.Equal(t, ReceiptSuccess, state)

	_, err = client.ReceiptStatus(context.Background(), 1, "0x1234")
	require.Error(t, err)
}

func revertPayload(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append(append([]byte{}, errorStringSelector...), packed...)
}

func TestDecodeRevertData(t *testing.T) {
	require.Equal(t, "boom", decodeRevertData(revertPayload(t, "boom")))
	require.Equal(t, "custom error 0x12345678", decodeRevertData([]byte{0x12, 0x34, 0x56, 0x78, 0x00}))
	require.Empty(t, decodeRevertData([]byte{0x01}))
}

func TestNonceLockSerializesPerSigner(t *testing.T) {
	chainID := big.NewInt(1)
	addr := common.HexToAddress(testOwner)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := acquireSignerNonceLock(chainID, addr)
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
}

func TestNormalizeTxHash(t *testing.T) {
	raw := "0x" + common.Bytes2Hex(common.HexToHash("0xABCDEF").Bytes())
	got, ok := NormalizeTxHash("  " + raw + " ")
	require.True(t, ok)
	require.Equal(t, raw, got)

	_, ok = NormalizeTxHash("0xzz")
	require.False(t, ok)
}
