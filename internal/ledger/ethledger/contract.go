package ethledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// marketplaceABI covers the subset of the merged NFT + marketplace contract the gateway calls.
const marketplaceABI = `[
  {"type":"function","name":"itemCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"items","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
    {"name":"itemId","type":"uint256"},
    {"name":"tokenId","type":"uint256"},
    {"name":"price","type":"uint256"},
    {"name":"seller","type":"address"},
    {"name":"sold","type":"bool"}
  ]},
  {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"getTotalPrice","stateMutability":"view","inputs":[{"name":"_itemId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"_tokenURI","type":"string"},{"name":"_price","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"purchaseItem","stateMutability":"payable","inputs":[{"name":"_itemId","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}
  ]},
  {"type":"event","name":"Offered","anonymous":false,"inputs":[
    {"name":"itemId","type":"uint256","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"seller","type":"address","indexed":true}
  ]},
  {"type":"event","name":"Purchased","anonymous":false,"inputs":[
    {"name":"itemId","type":"uint256","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"buyer","type":"address","indexed":true}
  ]}
]`

const (
	eventTransfer  = "Transfer"
	eventOffered   = "Offered"
	eventPurchased = "Purchased"
)

func parseMarketplaceABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(marketplaceABI))
}

// decodeItem maps the items(uint256) tuple onto an ItemRecord.
func decodeItem(values []interface{}) (market.ItemRecord, error) {
	if len(values) != 5 {
		return market.ItemRecord{}, fmt.Errorf("items: expected 5 outputs, got %d", len(values))
	}
	itemID, okItem := values[0].(*big.Int)
	tokenID, okToken := values[1].(*big.Int)
	price, okPrice := values[2].(*big.Int)
	seller, okSeller := values[3].(common.Address)
	sold, okSold := values[4].(bool)
	if !okItem || !okToken || !okPrice || !okSeller || !okSold {
		return market.ItemRecord{}, fmt.Errorf("items: unexpected output types")
	}
	return market.ItemRecord{
		ItemID:  market.ItemID(itemID.Uint64()),
		TokenID: market.TokenID(tokenID.Uint64()),
		Seller:  seller,
		Price:   market.NewWei(price),
		Sold:    sold,
	}, nil
}

// decodePurchased reads a Purchased log. itemId, tokenId and buyer are topics; price is the only data word.
func decodePurchased(contractABI abi.ABI, entry types.Log) (market.PurchaseEvent, error) {
	event, ok := contractABI.Events[eventPurchased]
	if !ok {
		return market.PurchaseEvent{}, fmt.Errorf("abi has no %s event", eventPurchased)
	}
	if len(entry.Topics) != 4 || entry.Topics[0] != event.ID {
		return market.PurchaseEvent{}, fmt.Errorf("log %s is not a %s event", entry.TxHash.Hex(), eventPurchased)
	}
	values, err := contractABI.Unpack(eventPurchased, entry.Data)
	if err != nil {
		return market.PurchaseEvent{}, err
	}
	if len(values) != 1 {
		return market.PurchaseEvent{}, fmt.Errorf("%s: expected 1 data value, got %d", eventPurchased, len(values))
	}
	price, ok := values[0].(*big.Int)
	if !ok {
		return market.PurchaseEvent{}, fmt.Errorf("%s: unexpected price type", eventPurchased)
	}
	return market.PurchaseEvent{
		ItemID:  market.ItemID(entry.Topics[1].Big().Uint64()),
		TokenID: market.TokenID(entry.Topics[2].Big().Uint64()),
		Buyer:   common.BytesToAddress(entry.Topics[3].Bytes()),
		Price:   market.NewWei(price),
	}, nil
}

// mintedIdentifiers extracts the token id from the ERC-721 Transfer log and the item id from the Offered log.
// itemFound is false when the receipt carries no Offered log.
func mintedIdentifiers(contractABI abi.ABI, contract common.Address, logs []*types.Log) (tokenID market.TokenID, itemID market.ItemID, itemFound bool, err error) {
	transfer := contractABI.Events[eventTransfer].ID
	offered := contractABI.Events[eventOffered].ID
	tokenFound := false
	for _, entry := range logs {
		if entry == nil || entry.Address != contract || len(entry.Topics) == 0 {
			continue
		}
		switch {
		case entry.Topics[0] == transfer && len(entry.Topics) == 4 && !tokenFound:
			tokenID = market.TokenID(entry.Topics[3].Big().Uint64())
			tokenFound = true
		case entry.Topics[0] == offered && len(entry.Topics) >= 2 && !itemFound:
			itemID = market.ItemID(entry.Topics[1].Big().Uint64())
			itemFound = true
		}
	}
	if !tokenFound {
		return 0, 0, false, fmt.Errorf("mint receipt carries no %s log", eventTransfer)
	}
	return tokenID, itemID, itemFound, nil
}

// blockWindow is an inclusive block range for one log query.
type blockWindow struct {
	from uint64
	to   uint64
}

// logWindows splits [from, head] into inclusive windows of at most size blocks.
func logWindows(from, head, size uint64) []blockWindow {
	if head < from {
		return nil
	}
	if size == 0 {
		return []blockWindow{{from: from, to: head}}
	}
	windows := make([]blockWindow, 0, (head-from)/size+1)
	for start := from; start <= head; start += size {
		end := start + size - 1
		if end > head || end < start {
			end = head
		}
		windows = append(windows, blockWindow{from: start, to: end})
		if end == head {
			break
		}
	}
	return windows
}
