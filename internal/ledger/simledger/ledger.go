package simledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Revert reasons reported by the simulated contract.
const (
	ReasonItemDoesNotExist  = "item doesn't exist"
	ReasonAlreadySold       = "item already sold"
	ReasonNotEnoughEther    = "not enough ether to cover item price and market fee"
	ReasonIncorrectValue    = "incorrect value"
	ReasonInsufficientFunds = "insufficient funds for transfer"
	ReasonZeroPrice         = "price must be greater than zero"
	ReasonMissingURI        = "token uri is required"
)

const headBlockID = 1

var (
	// ErrMissingDatabase indicates that no database handle was supplied.
	ErrMissingDatabase = errors.New("simledger: database is required")
	// ErrItemNotFound indicates a read for an item id above the item count.
	ErrItemNotFound = errors.New("simledger: item not found")
	// ErrTokenNotFound indicates a read for an unknown token id.
	ErrTokenNotFound = errors.New("simledger: token not found")
)

// DefaultInitialBalance is credited to an account the first time it is touched: 10000 ether.
var DefaultInitialBalance = market.NewWei(new(big.Int).Mul(big.NewInt(10000), new(big.Int).Exp(big.NewInt(10), big.NewInt(market.EtherDecimals), nil)))

// Config configures the simulated ledger.
type Config struct {
	Database       *gorm.DB
	FeePercent     uint64
	FeeAccount     market.Account
	InitialBalance market.Wei
	Account        market.Account
	Logger         *zap.Logger
}

// Ledger is an in-process marketplace contract backed by gorm. It implements market.LedgerGateway and signs
// writes as its configured account.
type Ledger struct {
	db             *gorm.DB
	feePercent     uint64
	feeAccount     market.Account
	initialBalance market.Wei
	account        market.Account
	logger         *zap.Logger
}

type revertError struct {
	reason string
}

func (e *revertError) Error() string {
	return e.reason
}

// New constructs a Ledger over an already migrated database.
func New(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	initialBalance := cfg.InitialBalance
	if initialBalance.IsZero() {
		initialBalance = DefaultInitialBalance
	}
	return &Ledger{
		db:             cfg.Database,
		feePercent:     cfg.FeePercent,
		feeAccount:     cfg.FeeAccount,
		initialBalance: initialBalance,
		account:        cfg.Account,
		logger:         logger,
	}, nil
}

// WithAccount returns a gateway that shares the same store but signs as account.
func (l *Ledger) WithAccount(account market.Account) *Ledger {
	clone := *l
	clone.account = account
	return &clone
}

// Account returns the signing identity.
func (l *Ledger) Account() market.Account {
	return l.account
}

// ItemCount returns the number of items ever listed.
func (l *Ledger) ItemCount(ctx context.Context) (uint64, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&Item{}).Count(&count).Error; err != nil {
		return 0, &market.LedgerReadError{Op: "item_count", Err: err}
	}
	return uint64(count), nil
}

// GetItem returns the record for itemID.
func (l *Ledger) GetItem(ctx context.Context, itemID market.ItemID) (market.ItemRecord, error) {
	item, err := findItem(l.db.WithContext(ctx), itemID)
	if err != nil {
		return market.ItemRecord{}, &market.LedgerReadError{Op: "get_item", ItemID: itemID, Err: err}
	}
	return item.record()
}

// TokenMetadataURI returns the metadata URI recorded at mint.
func (l *Ledger) TokenMetadataURI(ctx context.Context, tokenID market.TokenID) (string, error) {
	var token Token
	err := l.db.WithContext(ctx).Where("token_id = ?", tokenID.Uint64()).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = fmt.Errorf("%w: %d", ErrTokenNotFound, tokenID)
	}
	if err != nil {
		return "", &market.LedgerReadError{Op: "token_uri", Err: err}
	}
	return token.URI, nil
}

// GetTotalPrice returns price plus the market fee.
func (l *Ledger) GetTotalPrice(ctx context.Context, itemID market.ItemID) (market.Wei, error) {
	item, err := findItem(l.db.WithContext(ctx), itemID)
	if err != nil {
		return market.Wei{}, &market.LedgerReadError{Op: "get_total_price", ItemID: itemID, Err: err}
	}
	price, err := market.ParseWei(item.PriceWei)
	if err != nil {
		return market.Wei{}, &market.LedgerReadError{Op: "get_total_price", ItemID: itemID, Err: err}
	}
	return l.totalPrice(price), nil
}

// Mint creates a token and lists it for price, with the signer as seller.
func (l *Ledger) Mint(ctx context.Context, metadataURI string, price market.Wei) (market.MintReceipt, error) {
	if strings.TrimSpace(metadataURI) == "" {
		return market.MintReceipt{}, &market.LedgerWriteError{Op: "mint", Reason: ReasonMissingURI}
	}
	if price.IsZero() {
		return market.MintReceipt{}, &market.LedgerWriteError{Op: "mint", Reason: ReasonZeroPrice}
	}

	seller := accountKey(l.account)
	var receipt market.MintReceipt
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		token := Token{URI: metadataURI, Owner: seller}
		if err := tx.Create(&token).Error; err != nil {
			return err
		}
		item := Item{TokenID: token.TokenID, Seller: seller, PriceWei: price.String()}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		block, err := advanceBlock(tx)
		if err != nil {
			return err
		}
		receipt = market.MintReceipt{
			TokenID: market.TokenID(token.TokenID),
			ItemID:  market.ItemID(item.ItemID),
			TxHash:  transactionHash("mint", item.ItemID, block, seller),
		}
		return nil
	})
	if err != nil {
		l.logError("mint", "transaction_failed", err, zap.String("uri", metadataURI))
		return market.MintReceipt{}, &market.LedgerWriteError{Op: "mint", Err: err}
	}

	l.logger.Info("item minted",
		zap.Uint64("item_id", receipt.ItemID.Uint64()),
		zap.Uint64("token_id", receipt.TokenID.Uint64()),
		zap.String("seller", seller),
		zap.String("price", price.String()))
	return receipt, nil
}

// PurchaseItem buys itemID for exactly value. The whole transfer commits atomically or reverts.
func (l *Ledger) PurchaseItem(ctx context.Context, itemID market.ItemID, value market.Wei) (market.Receipt, error) {
	buyer := accountKey(l.account)
	var receipt market.Receipt
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := findItem(tx, itemID)
		if errors.Is(err, ErrItemNotFound) {
			return &revertError{reason: ReasonItemDoesNotExist}
		}
		if err != nil {
			return err
		}
		if item.Sold {
			return &revertError{reason: ReasonAlreadySold}
		}
		price, err := market.ParseWei(item.PriceWei)
		if err != nil {
			return err
		}
		total := l.totalPrice(price)
		switch value.Cmp(total) {
		case -1:
			return &revertError{reason: ReasonNotEnoughEther}
		case 1:
			return &revertError{reason: ReasonIncorrectValue}
		}

		if err := l.transfer(tx, buyer, value.Big(), item.Seller, price.Big()); err != nil {
			return err
		}

		update := tx.Model(&Item{}).Where("item_id = ? AND sold = ?", item.ItemID, false).Update("sold", true)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected != 1 {
			return &revertError{reason: ReasonAlreadySold}
		}
		if err := tx.Model(&Token{}).Where("token_id = ?", item.TokenID).Update("owner", buyer).Error; err != nil {
			return err
		}

		block, err := advanceBlock(tx)
		if err != nil {
			return err
		}
		purchase := Purchase{
			ItemID:      item.ItemID,
			TokenID:     item.TokenID,
			Buyer:       buyer,
			PriceWei:    item.PriceWei,
			BlockNumber: block,
			TxHash:      transactionHash("purchase", item.ItemID, block, buyer),
		}
		if err := tx.Create(&purchase).Error; err != nil {
			return err
		}
		receipt = market.Receipt{TxHash: purchase.TxHash, BlockNumber: block}
		return nil
	})
	if err != nil {
		var reverted *revertError
		if errors.As(err, &reverted) {
			l.logger.Info("purchase reverted",
				zap.Uint64("item_id", itemID.Uint64()),
				zap.String("buyer", buyer),
				zap.String("reason", reverted.reason))
			return market.Receipt{}, &market.LedgerWriteError{Op: "purchase_item", ItemID: itemID, Reason: reverted.reason}
		}
		l.logError("purchase_item", "transaction_failed", err, zap.Uint64("item_id", itemID.Uint64()))
		return market.Receipt{}, &market.LedgerWriteError{Op: "purchase_item", ItemID: itemID, Err: err}
	}

	l.logger.Info("item purchased",
		zap.Uint64("item_id", itemID.Uint64()),
		zap.String("buyer", buyer),
		zap.String("tx_hash", receipt.TxHash))
	return receipt, nil
}

// QueryPurchaseEvents returns the purchase log in emission order.
func (l *Ledger) QueryPurchaseEvents(ctx context.Context, filter market.PurchaseFilter) ([]market.PurchaseEvent, error) {
	query := l.db.WithContext(ctx).Order("seq ASC")
	if filter.Buyer != nil {
		query = query.Where("buyer = ?", accountKey(*filter.Buyer))
	}
	var purchases []Purchase
	if err := query.Find(&purchases).Error; err != nil {
		return nil, &market.LedgerReadError{Op: "query_purchase_events", Err: err}
	}

	events := make([]market.PurchaseEvent, 0, len(purchases))
	for _, purchase := range purchases {
		price, err := market.ParseWei(purchase.PriceWei)
		if err != nil {
			return nil, &market.LedgerReadError{Op: "query_purchase_events", ItemID: market.ItemID(purchase.ItemID), Err: err}
		}
		events = append(events, market.PurchaseEvent{
			TokenID: market.TokenID(purchase.TokenID),
			ItemID:  market.ItemID(purchase.ItemID),
			Buyer:   storedAccount(purchase.Buyer),
			Price:   price,
		})
	}
	return events, nil
}

// BalanceOf returns the spendable balance of account.
func (l *Ledger) BalanceOf(ctx context.Context, account market.Account) (market.Wei, error) {
	balance, err := l.balance(l.db.WithContext(ctx), accountKey(account))
	if err != nil {
		return market.Wei{}, &market.LedgerReadError{Op: "balance_of", Err: err}
	}
	return market.NewWei(balance), nil
}

func (l *Ledger) totalPrice(price market.Wei) market.Wei {
	total := new(big.Int).Mul(price.Big(), new(big.Int).SetUint64(100+l.feePercent))
	return market.NewWei(total.Div(total, big.NewInt(100)))
}

func (l *Ledger) transfer(tx *gorm.DB, buyer string, value *big.Int, seller string, price *big.Int) error {
	buyerBalance, err := l.balance(tx, buyer)
	if err != nil {
		return err
	}
	if buyerBalance.Cmp(value) < 0 {
		return &revertError{reason: ReasonInsufficientFunds}
	}
	if err := setBalance(tx, buyer, new(big.Int).Sub(buyerBalance, value)); err != nil {
		return err
	}

	credits := []struct {
		account string
		amount  *big.Int
	}{
		{account: seller, amount: price},
		{account: accountKey(l.feeAccount), amount: new(big.Int).Sub(value, price)},
	}
	for _, credit := range credits {
		current, err := l.balance(tx, credit.account)
		if err != nil {
			return err
		}
		if err := setBalance(tx, credit.account, current.Add(current, credit.amount)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) balance(tx *gorm.DB, account string) (*big.Int, error) {
	var row Balance
	err := tx.Where("account = ?", account).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return l.initialBalance.Big(), nil
	}
	if err != nil {
		return nil, err
	}
	amount, err := market.ParseWei(row.BalanceWei)
	if err != nil {
		return nil, err
	}
	return amount.Big(), nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	base := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	l.logger.Error("simulated ledger operation failed", append(base, fields...)...)
}

func setBalance(tx *gorm.DB, account string, amount *big.Int) error {
	row := Balance{Account: account, BalanceWei: amount.String()}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func findItem(db *gorm.DB, itemID market.ItemID) (Item, error) {
	var item Item
	err := db.Where("item_id = ?", itemID.Uint64()).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	return item, err
}

func (i Item) record() (market.ItemRecord, error) {
	price, err := market.ParseWei(i.PriceWei)
	if err != nil {
		return market.ItemRecord{}, &market.LedgerReadError{Op: "get_item", ItemID: market.ItemID(i.ItemID), Err: err}
	}
	return market.ItemRecord{
		ItemID:  market.ItemID(i.ItemID),
		TokenID: market.TokenID(i.TokenID),
		Seller:  storedAccount(i.Seller),
		Price:   price,
		Sold:    i.Sold,
	}, nil
}

func advanceBlock(tx *gorm.DB) (uint64, error) {
	var head Block
	if err := tx.Where(Block{ID: headBlockID}).FirstOrCreate(&head).Error; err != nil {
		return 0, err
	}
	next := head.Number + 1
	if err := tx.Model(&head).Update("number", next).Error; err != nil {
		return 0, err
	}
	return next, nil
}

func transactionHash(operation string, itemID uint64, block uint64, account string) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d:%d:%s", operation, itemID, block, account))).Hex()
}

// accountKey is the stored form of an account: lower-case hex with the 0x prefix.
func accountKey(account market.Account) string {
	return strings.ToLower(account.Hex())
}

func storedAccount(stored string) market.Account {
	account, err := market.ParseAccount(stored)
	if err != nil {
		return market.Account{}
	}
	return account
}
