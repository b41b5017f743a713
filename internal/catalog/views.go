package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// View names used in logs and metrics.
const (
	ViewCatalog = "catalog"
	ViewOwner   = "owner"
	ViewHistory = "history"
)

// ViewConfig carries the ambient dependencies shared by every view.
type ViewConfig struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

func (cfg ViewConfig) withDefaults() ViewConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// CatalogSnapshot is the active listings read model.
type CatalogSnapshot struct {
	Items     []market.AnnotatedRecord `json:"items"`
	Failures  []ItemFailure            `json:"failures"`
	ItemCount uint64                   `json:"item_count"`
	BuiltAt   time.Time                `json:"built_at"`
}

// CatalogView derives the unsold listings, ordered by item id.
type CatalogView struct {
	loader *Loader
	cfg    ViewConfig
	guard  rebuildGuard[CatalogSnapshot]
}

// NewCatalogView constructs a CatalogView over loader.
func NewCatalogView(loader *Loader, cfg ViewConfig) (*CatalogView, error) {
	if loader == nil {
		return nil, ErrMissingLoader
	}
	return &CatalogView{loader: loader, cfg: cfg.withDefaults()}, nil
}

// Rebuild derives a fresh snapshot and caches it.
func (v *CatalogView) Rebuild(ctx context.Context) (CatalogSnapshot, error) {
	return v.guard.rebuild(ctx, v.build, func() { discardStale(v.cfg, ViewCatalog) })
}

// Current returns the cached snapshot, if one survives since the last invalidation.
func (v *CatalogView) Current() (CatalogSnapshot, bool) {
	return v.guard.current()
}

// Get returns the cached snapshot. Without one it joins the rebuild in flight or starts one.
func (v *CatalogView) Get(ctx context.Context) (CatalogSnapshot, error) {
	return v.guard.load(ctx, v.build, func() { discardStale(v.cfg, ViewCatalog) })
}

// Invalidate drops the cached snapshot so the next read rebuilds.
func (v *CatalogView) Invalidate() {
	v.guard.invalidate()
}

func (v *CatalogView) build(ctx context.Context) (CatalogSnapshot, error) {
	started := v.cfg.Clock()
	result, err := v.loader.Load(ctx, LoadOptions{UnsoldOnly: true})
	if err != nil {
		observe(v.cfg, ViewCatalog, started, 0, err)
		return CatalogSnapshot{}, err
	}

	items := make([]market.AnnotatedRecord, 0, len(result.Records))
	for _, record := range result.Records {
		if !record.Sold {
			items = append(items, record)
		}
	}
	observe(v.cfg, ViewCatalog, started, len(result.Failures), nil)
	return CatalogSnapshot{
		Items:     items,
		Failures:  result.Failures,
		ItemCount: result.ItemCount,
		BuiltAt:   v.cfg.Clock().UTC(),
	}, nil
}

// OwnerSnapshot is one seller's read model. Listed and Sold are disjoint and together cover every record the
// seller listed, except those reported in Failures.
type OwnerSnapshot struct {
	Account  market.Account      `json:"account"`
	Listed   []market.OwnerEntry `json:"listed"`
	Sold     []market.OwnerEntry `json:"sold"`
	Failures []ItemFailure       `json:"failures"`
	BuiltAt  time.Time           `json:"built_at"`
}

// OwnerView derives per-account listed and sold partitions.
type OwnerView struct {
	loader *Loader
	cfg    ViewConfig

	mu     sync.Mutex
	guards map[market.Account]*rebuildGuard[OwnerSnapshot]
}

// NewOwnerView constructs an OwnerView over loader.
func NewOwnerView(loader *Loader, cfg ViewConfig) (*OwnerView, error) {
	if loader == nil {
		return nil, ErrMissingLoader
	}
	return &OwnerView{
		loader: loader,
		cfg:    cfg.withDefaults(),
		guards: make(map[market.Account]*rebuildGuard[OwnerSnapshot]),
	}, nil
}

// Build derives a fresh snapshot for account and caches it.
func (v *OwnerView) Build(ctx context.Context, account market.Account) (OwnerSnapshot, error) {
	guard := v.guardFor(account)
	return guard.rebuild(ctx, func(buildCtx context.Context) (OwnerSnapshot, error) {
		return v.build(buildCtx, account)
	}, func() { discardStale(v.cfg, ViewOwner) })
}

// Current returns the cached snapshot for account, if any.
func (v *OwnerView) Current(account market.Account) (OwnerSnapshot, bool) {
	return v.guardFor(account).current()
}

// Get returns the cached snapshot for account, joining or starting a build when there is none.
func (v *OwnerView) Get(ctx context.Context, account market.Account) (OwnerSnapshot, error) {
	return v.guardFor(account).load(ctx, func(buildCtx context.Context) (OwnerSnapshot, error) {
		return v.build(buildCtx, account)
	}, func() { discardStale(v.cfg, ViewOwner) })
}

// Invalidate drops every account's snapshot.
func (v *OwnerView) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, guard := range v.guards {
		guard.invalidate()
	}
}

func (v *OwnerView) guardFor(account market.Account) *rebuildGuard[OwnerSnapshot] {
	v.mu.Lock()
	defer v.mu.Unlock()
	guard, ok := v.guards[account]
	if !ok {
		guard = &rebuildGuard[OwnerSnapshot]{}
		v.guards[account] = guard
	}
	return guard
}

func (v *OwnerView) build(ctx context.Context, account market.Account) (OwnerSnapshot, error) {
	started := v.cfg.Clock()
	result, err := v.loader.Load(ctx, LoadOptions{Seller: &account})
	if err != nil {
		observe(v.cfg, ViewOwner, started, 0, err)
		return OwnerSnapshot{}, err
	}

	snapshot := OwnerSnapshot{Account: account, Failures: result.Failures}
	var sold []market.AnnotatedRecord
	for _, record := range result.Records {
		if record.Sold {
			sold = append(sold, record)
			continue
		}
		snapshot.Listed = append(snapshot.Listed, market.OwnerEntry{AnnotatedRecord: record})
	}

	// Total price is only read for records already known to be sold.
	entries := make([]*market.OwnerEntry, len(sold))
	failures := make([]*ItemFailure, len(sold))
	ledger := v.loader.Ledger()
	var group errgroup.Group
	group.SetLimit(v.loader.concurrency)
	for index, record := range sold {
		group.Go(func() error {
			total, err := ledger.GetTotalPrice(ctx, record.ItemID)
			if err != nil {
				err = market.NewReadError(OpGetTotalPrice, record.ItemID, err)
				v.loader.logFailure(record.ItemID, OpGetTotalPrice, err)
				failures[index] = &ItemFailure{ItemID: record.ItemID, Op: OpGetTotalPrice, Err: err}
				return nil
			}
			entries[index] = &market.OwnerEntry{
				AnnotatedRecord: record,
				TotalPrice:      &total,
				FormattedTotal:  market.FormatEther(total),
			}
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		observe(v.cfg, ViewOwner, started, 0, err)
		return OwnerSnapshot{}, err
	}

	for index := range sold {
		if failures[index] != nil {
			snapshot.Failures = append(snapshot.Failures, *failures[index])
			continue
		}
		snapshot.Sold = append(snapshot.Sold, *entries[index])
	}
	snapshot.BuiltAt = v.cfg.Clock().UTC()
	observe(v.cfg, ViewOwner, started, len(snapshot.Failures), nil)
	return snapshot, nil
}

func observe(cfg ViewConfig, view string, started time.Time, failures int, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailure
	case failures > 0:
		outcome = metrics.OutcomePartial
	}
	cfg.Metrics.ObserveLoad(view, outcome, cfg.Clock().Sub(started))
}

func discardStale(cfg ViewConfig, view string) {
	cfg.Metrics.StaleDiscarded(view)
	cfg.Logger.Debug("rebuild result dropped", zap.String("view", view), zap.Error(market.ErrStaleViewDiscarded))
}
