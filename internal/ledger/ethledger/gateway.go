package ethledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const (
	// DefaultLogWindow bounds the block span of one eth_getLogs request.
	DefaultLogWindow uint64 = 10000
)

var (
	// ErrMissingContractAddress indicates that no contract address was configured.
	ErrMissingContractAddress = errors.New("ethledger: contract address is required")
	// ErrMissingBackend indicates that no RPC backend was supplied.
	ErrMissingBackend = errors.New("ethledger: backend is required")
	// ErrReadOnly indicates a write attempted on a gateway without a signing key.
	ErrReadOnly = errors.New("ethledger: gateway has no signing key")
)

// reasonUnknownRevert stands in when a mined, failed transaction gives no revert string on replay.
const reasonUnknownRevert = "transaction reverted"

// Backend is the JSON-RPC surface the gateway needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures the gateway.
type Config struct {
	ContractAddress string
	// PrivateKey is a hex secp256k1 key; empty yields a read-only gateway.
	PrivateKey  string
	ChainID     int64
	DeployBlock uint64
	LogWindow   uint64
	// GasLimit of zero lets the node estimate gas, which also surfaces revert reasons before submission.
	GasLimit uint64
	Logger   *zap.Logger
}

// Gateway implements market.LedgerGateway against a deployed marketplace contract.
type Gateway struct {
	backend     Backend
	contract    *bind.BoundContract
	abi         abi.ABI
	address     common.Address
	signer      *bind.TransactOpts
	account     market.Account
	deployBlock uint64
	logWindow   uint64
	gasLimit    uint64
	logger      *zap.Logger
}

// Dial connects to rpcURL and constructs a Gateway over the resulting client.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	gateway, err := New(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return gateway, nil
}

// New constructs a Gateway over backend.
func New(backend Backend, cfg Config) (*Gateway, error) {
	if backend == nil {
		return nil, ErrMissingBackend
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, ErrMissingContractAddress
	}
	contractABI, err := parseMarketplaceABI()
	if err != nil {
		return nil, fmt.Errorf("parse marketplace abi: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logWindow := cfg.LogWindow
	if logWindow == 0 {
		logWindow = DefaultLogWindow
	}

	address := common.HexToAddress(cfg.ContractAddress)
	gateway := &Gateway{
		backend:     backend,
		contract:    bind.NewBoundContract(address, contractABI, backend, backend, backend),
		abi:         contractABI,
		address:     address,
		deployBlock: cfg.DeployBlock,
		logWindow:   logWindow,
		gasLimit:    cfg.GasLimit,
		logger:      logger,
	}

	if strings.TrimSpace(cfg.PrivateKey) != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
		gateway.signer = signer
		gateway.account = signer.From
	}

	return gateway, nil
}

// Close releases the backend connection when the backend supports it.
func (g *Gateway) Close() {
	if closer, ok := g.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Account returns the signing identity, or the zero address for a read-only gateway.
func (g *Gateway) Account() market.Account {
	return g.account
}

// ItemCount reads itemCount().
func (g *Gateway) ItemCount(ctx context.Context) (uint64, error) {
	values, err := g.call(ctx, "itemCount")
	if err != nil {
		return 0, &market.LedgerReadError{Op: "item_count", Err: err}
	}
	count, err := singleBig(values)
	if err != nil {
		return 0, &market.LedgerReadError{Op: "item_count", Err: err}
	}
	return count.Uint64(), nil
}

// GetItem reads items(itemID).
func (g *Gateway) GetItem(ctx context.Context, itemID market.ItemID) (market.ItemRecord, error) {
	values, err := g.call(ctx, "items", new(big.Int).SetUint64(itemID.Uint64()))
	if err != nil {
		return market.ItemRecord{}, &market.LedgerReadError{Op: "get_item", ItemID: itemID, Err: err}
	}
	record, err := decodeItem(values)
	if err != nil {
		return market.ItemRecord{}, &market.LedgerReadError{Op: "get_item", ItemID: itemID, Err: err}
	}
	return record, nil
}

// TokenMetadataURI reads tokenURI(tokenID).
func (g *Gateway) TokenMetadataURI(ctx context.Context, tokenID market.TokenID) (string, error) {
	values, err := g.call(ctx, "tokenURI", new(big.Int).SetUint64(tokenID.Uint64()))
	if err != nil {
		return "", &market.LedgerReadError{Op: "token_uri", Err: err}
	}
	if len(values) != 1 {
		return "", &market.LedgerReadError{Op: "token_uri", Err: fmt.Errorf("expected 1 output, got %d", len(values))}
	}
	uri, ok := values[0].(string)
	if !ok {
		return "", &market.LedgerReadError{Op: "token_uri", Err: fmt.Errorf("unexpected output type %T", values[0])}
	}
	return uri, nil
}

// GetTotalPrice reads getTotalPrice(itemID).
func (g *Gateway) GetTotalPrice(ctx context.Context, itemID market.ItemID) (market.Wei, error) {
	values, err := g.call(ctx, "getTotalPrice", new(big.Int).SetUint64(itemID.Uint64()))
	if err != nil {
		return market.Wei{}, &market.LedgerReadError{Op: "get_total_price", ItemID: itemID, Err: err}
	}
	total, err := singleBig(values)
	if err != nil {
		return market.Wei{}, &market.LedgerReadError{Op: "get_total_price", ItemID: itemID, Err: err}
	}
	return market.NewWei(total), nil
}

// Mint submits mint(uri, price) and waits for the receipt.
func (g *Gateway) Mint(ctx context.Context, metadataURI string, price market.Wei) (market.MintReceipt, error) {
	receipt, err := g.transact(ctx, "mint", 0, market.ZeroWei(), metadataURI, price.Big())
	if err != nil {
		return market.MintReceipt{}, err
	}

	tokenID, itemID, itemFound, err := mintedIdentifiers(g.abi, g.address, receipt.Logs)
	if err != nil {
		return market.MintReceipt{}, &market.LedgerWriteError{Op: "mint", Err: err}
	}
	if !itemFound {
		// Items are numbered sequentially, so the newest item id equals the count right after mint.
		count, err := g.ItemCount(ctx)
		if err != nil {
			return market.MintReceipt{}, err
		}
		itemID = market.ItemID(count)
	}

	return market.MintReceipt{TokenID: tokenID, ItemID: itemID, TxHash: receipt.TxHash.Hex()}, nil
}

// PurchaseItem submits purchaseItem(itemID) carrying value and waits for the receipt.
func (g *Gateway) PurchaseItem(ctx context.Context, itemID market.ItemID, value market.Wei) (market.Receipt, error) {
	receipt, err := g.transact(ctx, "purchaseItem", itemID, value, new(big.Int).SetUint64(itemID.Uint64()))
	if err != nil {
		return market.Receipt{}, err
	}
	return market.Receipt{TxHash: receipt.TxHash.Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

// QueryPurchaseEvents scans Purchased logs from the deploy block to the chain head in windows of logWindow
// blocks. Results keep chain order.
func (g *Gateway) QueryPurchaseEvents(ctx context.Context, filter market.PurchaseFilter) ([]market.PurchaseEvent, error) {
	head, err := g.backend.BlockNumber(ctx)
	if err != nil {
		return nil, &market.LedgerReadError{Op: "query_purchase_events", Err: err}
	}

	topics := [][]common.Hash{{g.abi.Events[eventPurchased].ID}, nil, nil}
	if filter.Buyer != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(filter.Buyer.Bytes())})
	}

	var events []market.PurchaseEvent
	for _, window := range logWindows(g.deployBlock, head, g.logWindow) {
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(window.from),
			ToBlock:   new(big.Int).SetUint64(window.to),
			Addresses: []common.Address{g.address},
			Topics:    topics,
		}
		logs, err := g.backend.FilterLogs(ctx, query)
		if err != nil {
			return nil, &market.LedgerReadError{Op: "query_purchase_events", Err: fmt.Errorf("blocks %d-%d: %w", window.from, window.to, err)}
		}
		for _, entry := range logs {
			if entry.Removed {
				continue
			}
			event, err := decodePurchased(g.abi, entry)
			if err != nil {
				return nil, &market.LedgerReadError{Op: "query_purchase_events", Err: err}
			}
			if filter.Matches(event) {
				events = append(events, event)
			}
		}
	}
	return events, nil
}

func (g *Gateway) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) transact(ctx context.Context, method string, itemID market.ItemID, value market.Wei, params ...interface{}) (*types.Receipt, error) {
	if g.signer == nil {
		return nil, &market.LedgerWriteError{Op: method, ItemID: itemID, Err: ErrReadOnly}
	}

	opts := *g.signer
	opts.Context = ctx
	opts.Value = value.Big()
	opts.GasLimit = g.gasLimit

	tx, err := g.contract.Transact(&opts, method, params...)
	if err != nil {
		g.logError(method, "submit_failed", err, zap.Uint64("item_id", itemID.Uint64()))
		return nil, &market.LedgerWriteError{Op: method, ItemID: itemID, Reason: revertReason(err), Err: err}
	}
	g.logger.Info("ledger transaction submitted",
		zap.String("method", method),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("item_id", itemID.Uint64()))

	receipt, err := bind.WaitMined(ctx, g.backend, tx)
	if err != nil {
		g.logError(method, "wait_failed", err, zap.String("tx_hash", tx.Hash().Hex()))
		return nil, &market.LedgerWriteError{Op: method, ItemID: itemID, TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := g.replayRevertReason(ctx, tx, receipt.BlockNumber)
		if reason == "" {
			reason = reasonUnknownRevert
		}
		g.logError(method, "reverted", errors.New(reason), zap.String("tx_hash", tx.Hash().Hex()))
		return nil, &market.LedgerWriteError{Op: method, ItemID: itemID, Reason: reason, TxHash: tx.Hash().Hex(), Err: fmt.Errorf("transaction reverted")}
	}
	return receipt, nil
}

// replayRevertReason re-executes a failed transaction as a call at its block to recover the revert string.
func (g *Gateway) replayRevertReason(ctx context.Context, tx *types.Transaction, block *big.Int) string {
	message := ethereum.CallMsg{
		From:  g.account,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err := g.backend.CallContract(ctx, message, block)
	if err == nil {
		return ""
	}
	return revertReason(err)
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	base := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	g.logger.Error("ledger operation failed", append(base, fields...)...)
}

type dataError interface {
	ErrorData() interface{}
}

// revertReason extracts an Error(string) revert reason from an RPC error, falling back to the node's message.
func revertReason(err error) string {
	var withData dataError
	if errors.As(err, &withData) {
		var payload []byte
		switch data := withData.ErrorData().(type) {
		case string:
			payload, _ = hexutil.Decode(data)
		case []byte:
			payload = data
		}
		if reason, unpackErr := abi.UnpackRevert(payload); unpackErr == nil {
			return reason
		}
	}
	message := err.Error()
	if index := strings.Index(message, "execution reverted: "); index >= 0 {
		return message[index+len("execution reverted: "):]
	}
	return ""
}

func singleBig(values []interface{}) (*big.Int, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("expected 1 output, got %d", len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", values[0])
	}
	return value, nil
}
