package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HistorySnapshot is one buyer's purchase history in ledger log order.
type HistorySnapshot struct {
	Buyer    market.Account         `json:"buyer"`
	Entries  []market.PurchaseEntry `json:"entries"`
	Failures []ItemFailure          `json:"failures"`
	BuiltAt  time.Time              `json:"built_at"`
}

// HistoryView derives purchase history from the ledger's purchase log. The log is the only record of
// purchases; nothing is tracked locally.
type HistoryView struct {
	loader *Loader
	cfg    ViewConfig

	mu     sync.Mutex
	guards map[market.Account]*rebuildGuard[HistorySnapshot]
}

// NewHistoryView constructs a HistoryView. It reuses the loader's gateway, resolver and fan-out bound.
func NewHistoryView(loader *Loader, cfg ViewConfig) (*HistoryView, error) {
	if loader == nil {
		return nil, ErrMissingLoader
	}
	return &HistoryView{
		loader: loader,
		cfg:    cfg.withDefaults(),
		guards: make(map[market.Account]*rebuildGuard[HistorySnapshot]),
	}, nil
}

// Build queries the purchase log for buyer and joins each event with metadata and the current total price.
// A failed log query fails the view; a failed join excludes only that event.
func (v *HistoryView) Build(ctx context.Context, buyer market.Account) (HistorySnapshot, error) {
	return v.guardFor(buyer).rebuild(ctx, func(buildCtx context.Context) (HistorySnapshot, error) {
		return v.build(buildCtx, buyer)
	}, func() { discardStale(v.cfg, ViewHistory) })
}

func (v *HistoryView) guardFor(buyer market.Account) *rebuildGuard[HistorySnapshot] {
	v.mu.Lock()
	defer v.mu.Unlock()
	guard, ok := v.guards[buyer]
	if !ok {
		guard = &rebuildGuard[HistorySnapshot]{}
		v.guards[buyer] = guard
	}
	return guard
}

func (v *HistoryView) build(ctx context.Context, buyer market.Account) (HistorySnapshot, error) {
	started := v.cfg.Clock()
	ledger := v.loader.Ledger()
	events, err := ledger.QueryPurchaseEvents(ctx, market.PurchaseFilter{Buyer: &buyer})
	if err != nil {
		v.loader.logError("purchase_history", "query_failed", err, zap.String("account", buyer.Hex()))
		observe(v.cfg, ViewHistory, started, 0, err)
		return HistorySnapshot{}, market.NewServiceError("catalog.purchase_history", "query_failed", market.NewReadError("query_purchase_events", 0, err))
	}

	entries := make([]*market.PurchaseEntry, len(events))
	failures := make([]*ItemFailure, len(events))
	var group errgroup.Group
	group.SetLimit(v.loader.concurrency)
	for index, event := range events {
		group.Go(func() error {
			entry, failure := v.join(ctx, event)
			entries[index] = entry
			failures[index] = failure
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		observe(v.cfg, ViewHistory, started, 0, err)
		return HistorySnapshot{}, err
	}

	snapshot := HistorySnapshot{Buyer: buyer}
	fetchFailures := 0
	for index := range events {
		if failures[index] != nil {
			snapshot.Failures = append(snapshot.Failures, *failures[index])
			if failures[index].Op == OpFetchMetadata {
				fetchFailures++
			}
			continue
		}
		snapshot.Entries = append(snapshot.Entries, *entries[index])
	}
	v.cfg.Metrics.AddMetadataFailures(fetchFailures)
	snapshot.BuiltAt = v.cfg.Clock().UTC()
	observe(v.cfg, ViewHistory, started, len(snapshot.Failures), nil)
	return snapshot, nil
}

func (v *HistoryView) join(ctx context.Context, event market.PurchaseEvent) (*market.PurchaseEntry, *ItemFailure) {
	record := market.ItemRecord{ItemID: event.ItemID, TokenID: event.TokenID}
	metadata, err := v.loader.resolve(ctx, record)
	if err != nil {
		return nil, &ItemFailure{ItemID: event.ItemID, Op: failureOp(err), Err: err}
	}

	total, err := v.loader.Ledger().GetTotalPrice(ctx, event.ItemID)
	if err != nil {
		err = market.NewReadError(OpGetTotalPrice, event.ItemID, err)
		v.loader.logFailure(event.ItemID, OpGetTotalPrice, err)
		return nil, &ItemFailure{ItemID: event.ItemID, Op: OpGetTotalPrice, Err: err}
	}

	return &market.PurchaseEntry{
		Event:          event,
		Metadata:       metadata,
		TotalPrice:     total,
		FormattedPrice: market.FormatEther(event.Price),
		FormattedTotal: market.FormatEther(total),
	}, nil
}
