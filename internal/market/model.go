package market

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidItemID indicates that an item identifier is zero; ledger ids start at 1.
	ErrInvalidItemID = errors.New("market: invalid item id")
	// ErrInvalidAccount indicates that an account identity is not a 20-byte hex address.
	ErrInvalidAccount = errors.New("market: invalid account")
)

// ItemID identifies a marketplace item. The ledger assigns ids sequentially from 1 and never reuses them.
type ItemID uint64

// NewItemID validates raw input and returns an ItemID.
func NewItemID(value uint64) (ItemID, error) {
	if value == 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidItemID, value)
	}
	return ItemID(value), nil
}

// Uint64 exposes the raw identifier.
func (id ItemID) Uint64() uint64 {
	return uint64(id)
}

// TokenID identifies the underlying asset an item refers to.
type TokenID uint64

// Uint64 exposes the raw identifier.
func (id TokenID) Uint64() uint64 {
	return uint64(id)
}

// Account is a wallet identity on the ledger.
type Account = common.Address

// ParseAccount accepts a hex address with or without the 0x prefix, in any letter case.
func ParseAccount(rawInput string) (Account, error) {
	trimmed := strings.TrimSpace(rawInput)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(trimmed) != 2*common.AddressLength {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidAccount, rawInput)
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidAccount, rawInput)
	}
	return common.HexToAddress(trimmed), nil
}

// SameAccount reports whether two identities refer to the same account. Address bytes are compared, so
// checksum casing in the textual form never matters.
func SameAccount(a, b Account) bool {
	return a == b
}

// ItemRecord is the ledger's entry for one listed asset. Only Sold ever changes, and only from false to true.
type ItemRecord struct {
	ItemID  ItemID  `json:"item_id"`
	TokenID TokenID `json:"token_id"`
	Seller  Account `json:"seller"`
	Price   Wei     `json:"price"`
	Sold    bool    `json:"sold"`
}

// Metadata is the off-chain descriptive document referenced by a token URI.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// AnnotatedRecord joins an item record with its metadata and display price.
type AnnotatedRecord struct {
	ItemRecord
	Metadata
	FormattedPrice string `json:"formatted_price"`
}

// Annotate builds an AnnotatedRecord from a record and its resolved metadata.
func Annotate(record ItemRecord, metadata Metadata) AnnotatedRecord {
	return AnnotatedRecord{
		ItemRecord:     record,
		Metadata:       metadata,
		FormattedPrice: FormatEther(record.Price),
	}
}

// PurchaseEvent is one entry of the ledger's append-only purchase log.
type PurchaseEvent struct {
	TokenID TokenID `json:"token_id"`
	ItemID  ItemID  `json:"item_id"`
	Buyer   Account `json:"buyer"`
	Price   Wei     `json:"price"`
}

// PurchaseFilter narrows a purchase log query. A nil Buyer matches every buyer.
type PurchaseFilter struct {
	Buyer *Account
}

// Matches reports whether the event satisfies the filter.
func (f PurchaseFilter) Matches(event PurchaseEvent) bool {
	if f.Buyer == nil {
		return true
	}
	return SameAccount(*f.Buyer, event.Buyer)
}

// OwnerEntry is one record in a seller's view. TotalPrice is set only for sold records and is what the buyer
// paid; Price is what the seller receives.
type OwnerEntry struct {
	AnnotatedRecord
	TotalPrice     *Wei   `json:"total_price,omitempty"`
	FormattedTotal string `json:"formatted_total,omitempty"`
}

// RetainedFee returns TotalPrice minus Price for sold entries and zero otherwise.
func (e OwnerEntry) RetainedFee() Wei {
	if e.TotalPrice == nil {
		return ZeroWei()
	}
	return e.TotalPrice.Sub(e.Price)
}

// PurchaseEntry is one record in a buyer's purchase history.
type PurchaseEntry struct {
	Event          PurchaseEvent `json:"event"`
	Metadata       Metadata      `json:"metadata"`
	TotalPrice     Wei           `json:"total_price"`
	FormattedPrice string        `json:"formatted_price"`
	FormattedTotal string        `json:"formatted_total"`
}

// MintReceipt is returned by a successful mint.
type MintReceipt struct {
	TokenID TokenID `json:"token_id"`
	ItemID  ItemID  `json:"item_id"`
	TxHash  string  `json:"tx_hash"`
}

// Receipt describes a transaction that reached finality.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}
