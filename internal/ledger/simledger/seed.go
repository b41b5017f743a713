package simledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"go.uber.org/zap"
)

// SeedItem describes one listing to create at startup. Buyer, when set, purchases the item right after mint.
type SeedItem struct {
	URI      string `json:"uri"`
	PriceEth string `json:"price_eth"`
	Seller   string `json:"seller"`
	Buyer    string `json:"buyer,omitempty"`
}

// LoadSeedFile reads a JSON array of SeedItem.
func LoadSeedFile(path string) ([]SeedItem, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var items []SeedItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return items, nil
}

// Seed mints and optionally sells each item. It does nothing when the ledger already holds items so that a
// file-backed store is not seeded twice.
func (l *Ledger) Seed(ctx context.Context, items []SeedItem) error {
	count, err := l.ItemCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		l.logger.Info("seed skipped", zap.Uint64("item_count", count))
		return nil
	}

	for index, item := range items {
		seller, err := market.ParseAccount(item.Seller)
		if err != nil {
			return fmt.Errorf("seed item %d seller: %w", index, err)
		}
		price, err := market.ParseEther(item.PriceEth)
		if err != nil {
			return fmt.Errorf("seed item %d price: %w", index, err)
		}
		minted, err := l.WithAccount(seller).Mint(ctx, item.URI, price)
		if err != nil {
			return fmt.Errorf("seed item %d mint: %w", index, err)
		}
		if item.Buyer == "" {
			continue
		}

		buyer, err := market.ParseAccount(item.Buyer)
		if err != nil {
			return fmt.Errorf("seed item %d buyer: %w", index, err)
		}
		buyerLedger := l.WithAccount(buyer)
		total, err := buyerLedger.GetTotalPrice(ctx, minted.ItemID)
		if err != nil {
			return err
		}
		if _, err := buyerLedger.PurchaseItem(ctx, minted.ItemID, total); err != nil {
			return fmt.Errorf("seed item %d purchase: %w", index, err)
		}
	}

	l.logger.Info("ledger seeded", zap.Int("items", len(items)))
	return nil
}
