package ethledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testContractAddress = "0x00000000000000000000000000000000000000c0"

// fakeBackend answers contract calls from canned outputs. Methods it does not override panic through the
// nil embedded interface, which keeps tests honest about what the gateway touches.
type fakeBackend struct {
	Backend
	contractABI abi.ABI
	outputs     map[string][]interface{}
	callErr     error
	head        uint64
	logs        []types.Log
	queries     []ethereum.FilterQuery
	sent        []*types.Transaction
	receipt     *types.Receipt
}

func (f *fakeBackend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	for name, method := range f.contractABI.Methods {
		if !bytes.Equal(call.Data[:4], method.ID) {
			continue
		}
		values, ok := f.outputs[name]
		if !ok {
			return nil, errors.New("unexpected call " + name)
		}
		return method.Outputs.Pack(values...)
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, query)
	var matched []types.Log
	for _, entry := range f.logs {
		if entry.BlockNumber < query.FromBlock.Uint64() || entry.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		if len(query.Topics) > 3 && len(query.Topics[3]) > 0 && entry.Topics[3] != query.Topics[3][0] {
			continue
		}
		matched = append(matched, entry)
	}
	return matched, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

// TransactionReceipt reports every transaction as pending unless a receipt was staged.
func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	receipt := *f.receipt
	receipt.TxHash = hash
	return &receipt, nil
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	contractABI, err := parseMarketplaceABI()
	require.NoError(t, err)
	return &fakeBackend{contractABI: contractABI, outputs: map[string][]interface{}{}}
}

func purchasedLog(t *testing.T, contractABI abi.ABI, block uint64, itemID, tokenID uint64, price *big.Int, buyer common.Address) types.Log {
	t.Helper()
	event := contractABI.Events[eventPurchased]
	data, err := event.Inputs.NonIndexed().Pack(price)
	require.NoError(t, err)
	return types.Log{
		Address: common.HexToAddress(testContractAddress),
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(new(big.Int).SetUint64(itemID)),
			common.BigToHash(new(big.Int).SetUint64(tokenID)),
			common.BytesToHash(buyer.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
	}
}

func TestNewValidatesConfiguration(t *testing.T) {
	_, err := New(nil, Config{ContractAddress: testContractAddress})
	require.ErrorIs(t, err, ErrMissingBackend)

	_, err = New(newFakeBackend(t), Config{ContractAddress: "not-an-address"})
	require.ErrorIs(t, err, ErrMissingContractAddress)

	_, err = New(newFakeBackend(t), Config{ContractAddress: testContractAddress, PrivateKey: "zz"})
	require.Error(t, err)
}

func TestNewDerivesSignerAccount(t *testing.T) {
	gateway, err := New(newFakeBackend(t), Config{
		ContractAddress: testContractAddress,
		PrivateKey:      "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		ChainID:         11155111,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), gateway.Account())
}

func TestReadsDecodeContractOutputs(t *testing.T) {
	backend := newFakeBackend(t)
	seller := common.HexToAddress("0x1000000000000000000000000000000000000001")
	price, _ := new(big.Int).SetString("2500000000000000000", 10)
	total, _ := new(big.Int).SetString("2525000000000000000", 10)
	backend.outputs["itemCount"] = []interface{}{big.NewInt(3)}
	backend.outputs["items"] = []interface{}{big.NewInt(3), big.NewInt(7), price, seller, true}
	backend.outputs["tokenURI"] = []interface{}{"ipfs://bafy/7.json"}
	backend.outputs["getTotalPrice"] = []interface{}{total}

	gateway, err := New(backend, Config{ContractAddress: testContractAddress})
	require.NoError(t, err)
	ctx := context.Background()

	count, err := gateway.ItemCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	record, err := gateway.GetItem(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, market.ItemID(3), record.ItemID)
	require.Equal(t, market.TokenID(7), record.TokenID)
	require.Equal(t, seller, record.Seller)
	require.Equal(t, "2.5", market.FormatEther(record.Price))
	require.True(t, record.Sold)

	uri, err := gateway.TokenMetadataURI(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "ipfs://bafy/7.json", uri)

	totalPrice, err := gateway.GetTotalPrice(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "2.525", market.FormatEther(totalPrice))
}

func TestReadFailuresAreLedgerReadErrors(t *testing.T) {
	backend := newFakeBackend(t)
	backend.callErr = errors.New("connection refused")
	gateway, err := New(backend, Config{ContractAddress: testContractAddress})
	require.NoError(t, err)

	_, err = gateway.GetItem(context.Background(), 5)
	var readErr *market.LedgerReadError
	require.ErrorAs(t, err, &readErr)
	require.Equal(t, "get_item", readErr.Op)
	require.Equal(t, market.ItemID(5), readErr.ItemID)
	require.True(t, market.IsRetryable(err))
}

func TestWritesRequireSigningKey(t *testing.T) {
	gateway, err := New(newFakeBackend(t), Config{ContractAddress: testContractAddress})
	require.NoError(t, err)

	_, err = gateway.PurchaseItem(context.Background(), 1, market.WeiFromUint64(1))
	var writeErr *market.LedgerWriteError
	require.ErrorAs(t, err, &writeErr)
	require.ErrorIs(t, err, ErrReadOnly)
}

func newSigningGateway(t *testing.T, backend *fakeBackend) *Gateway {
	t.Helper()
	gateway, err := New(backend, Config{
		ContractAddress: testContractAddress,
		PrivateKey:      "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		ChainID:         11155111,
		GasLimit:        300_000,
	})
	require.NoError(t, err)
	return gateway
}

func TestPurchaseWaitFailureCarriesTxHash(t *testing.T) {
	backend := newFakeBackend(t)
	gateway := newSigningGateway(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := gateway.PurchaseItem(ctx, 2, market.WeiFromUint64(101))

	var writeErr *market.LedgerWriteError
	require.ErrorAs(t, err, &writeErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, backend.sent, 1)
	require.Equal(t, backend.sent[0].Hash().Hex(), writeErr.TxHash)
	require.Empty(t, writeErr.Reason)
	require.True(t, writeErr.OutcomeUnknown())
}

func TestPurchaseMinedRevertIsKnownOutcome(t *testing.T) {
	backend := newFakeBackend(t)
	backend.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}
	backend.callErr = errors.New("execution reverted: item already sold")
	gateway := newSigningGateway(t, backend)

	_, err := gateway.PurchaseItem(context.Background(), 2, market.WeiFromUint64(101))
	var writeErr *market.LedgerWriteError
	require.ErrorAs(t, err, &writeErr)
	require.Equal(t, "item already sold", writeErr.Reason)
	require.Equal(t, backend.sent[0].Hash().Hex(), writeErr.TxHash)
	require.False(t, writeErr.OutcomeUnknown())

	backend.callErr = nil
	_, err = gateway.PurchaseItem(context.Background(), 3, market.WeiFromUint64(101))
	require.ErrorAs(t, err, &writeErr)
	require.Equal(t, reasonUnknownRevert, writeErr.Reason)
	require.False(t, writeErr.OutcomeUnknown())
}

func TestQueryPurchaseEventsScansWindowsAndFiltersBuyer(t *testing.T) {
	backend := newFakeBackend(t)
	buyer := common.HexToAddress("0x2000000000000000000000000000000000000002")
	other := common.HexToAddress("0x3000000000000000000000000000000000000003")
	backend.head = 250
	backend.logs = []types.Log{
		purchasedLog(t, backend.contractABI, 120, 1, 1, big.NewInt(100), buyer),
		purchasedLog(t, backend.contractABI, 180, 2, 2, big.NewInt(200), other),
		purchasedLog(t, backend.contractABI, 240, 3, 3, big.NewInt(300), buyer),
	}

	gateway, err := New(backend, Config{ContractAddress: testContractAddress, DeployBlock: 100, LogWindow: 50})
	require.NoError(t, err)

	events, err := gateway.QueryPurchaseEvents(context.Background(), market.PurchaseFilter{Buyer: &buyer})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, market.ItemID(1), events[0].ItemID)
	require.Equal(t, market.ItemID(3), events[1].ItemID)
	require.Equal(t, buyer, events[1].Buyer)
	require.Equal(t, "300", events[1].Price.String())

	require.Len(t, backend.queries, 4)
	require.Equal(t, uint64(100), backend.queries[0].FromBlock.Uint64())
	require.Equal(t, uint64(149), backend.queries[0].ToBlock.Uint64())
	require.Equal(t, uint64(250), backend.queries[3].ToBlock.Uint64())

	all, err := gateway.QueryPurchaseEvents(context.Background(), market.PurchaseFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestLogWindows(t *testing.T) {
	tests := []struct {
		name string
		from uint64
		head uint64
		size uint64
		want []blockWindow
	}{
		{name: "head-before-deploy", from: 10, head: 5, size: 10, want: nil},
		{name: "single-block", from: 7, head: 7, size: 10, want: []blockWindow{{from: 7, to: 7}}},
		{name: "exact", from: 0, head: 19, size: 10, want: []blockWindow{{from: 0, to: 9}, {from: 10, to: 19}}},
		{name: "remainder", from: 0, head: 20, size: 10, want: []blockWindow{{from: 0, to: 9}, {from: 10, to: 19}, {from: 20, to: 20}}},
		{name: "unbounded", from: 3, head: 900, size: 0, want: []blockWindow{{from: 3, to: 900}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, logWindows(tt.from, tt.head, tt.size))
		})
	}
}

func TestMintedIdentifiersReadsTransferAndOffered(t *testing.T) {
	contractABI, err := parseMarketplaceABI()
	require.NoError(t, err)
	address := common.HexToAddress(testContractAddress)
	seller := common.HexToAddress("0x1000000000000000000000000000000000000001")

	transfer := &types.Log{
		Address: address,
		Topics: []common.Hash{
			contractABI.Events[eventTransfer].ID,
			{},
			common.BytesToHash(seller.Bytes()),
			common.BigToHash(big.NewInt(11)),
		},
	}
	offered := &types.Log{
		Address: address,
		Topics: []common.Hash{
			contractABI.Events[eventOffered].ID,
			common.BigToHash(big.NewInt(4)),
			common.BigToHash(big.NewInt(11)),
			common.BytesToHash(seller.Bytes()),
		},
	}

	tokenID, itemID, found, err := mintedIdentifiers(contractABI, address, []*types.Log{transfer, offered})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, market.TokenID(11), tokenID)
	require.Equal(t, market.ItemID(4), itemID)

	_, _, found, err = mintedIdentifiers(contractABI, address, []*types.Log{transfer})
	require.NoError(t, err)
	require.False(t, found)

	_, _, _, err = mintedIdentifiers(contractABI, address, nil)
	require.Error(t, err)
}

type rpcDataError struct {
	data interface{}
}

func (e rpcDataError) Error() string          { return "execution reverted" }
func (e rpcDataError) ErrorData() interface{} { return e.data }

func TestRevertReasonDecodesErrorString(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("item already sold")
	require.NoError(t, err)
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	payload := append(selector, packed...)

	require.Equal(t, "item already sold", revertReason(rpcDataError{data: "0x" + common.Bytes2Hex(payload)}))
	require.Equal(t, "incorrect value", revertReason(errors.New("execution reverted: incorrect value")))
	require.Equal(t, "", revertReason(errors.New("nonce too low")))
}
