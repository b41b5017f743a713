package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/metrics"
	"go.uber.org/zap"
)

var (
	sellerA = mustAccount("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	sellerB = mustAccount("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	buyerC  = mustAccount("0xcccccccccccccccccccccccccccccccccccccccc")
)

var errNotSupported = errors.New("fake: not supported")

func mustAccount(raw string) market.Account {
	account, err := market.ParseAccount(raw)
	if err != nil {
		panic(err)
	}
	return account
}

func ether(display string) market.Wei {
	amount, err := market.ParseEther(display)
	if err != nil {
		panic(err)
	}
	return amount
}

// fakeLedger is an in-memory LedgerGateway with a 1% fee.
type fakeLedger struct {
	mu            sync.Mutex
	items         []market.ItemRecord
	events        []market.PurchaseEvent
	countErr      error
	eventsErr     error
	itemErr       map[market.ItemID]error
	totalErr      map[market.ItemID]error
	totalCalls    int
	itemCountHook func(ctx context.Context) error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{itemErr: map[market.ItemID]error{}, totalErr: map[market.ItemID]error{}}
}

func (f *fakeLedger) list(seller market.Account, price string, sold bool) market.ItemID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := market.ItemID(len(f.items) + 1)
	f.items = append(f.items, market.ItemRecord{
		ItemID:  id,
		TokenID: market.TokenID(100 + id),
		Seller:  seller,
		Price:   ether(price),
		Sold:    sold,
	})
	return id
}

func (f *fakeLedger) markSold(id market.ItemID, buyer market.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := &f.items[id-1]
	record.Sold = true
	f.events = append(f.events, market.PurchaseEvent{TokenID: record.TokenID, ItemID: id, Buyer: buyer, Price: record.Price})
}

func (f *fakeLedger) ItemCount(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	hook := f.itemCountHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return 0, &market.LedgerReadError{Op: "item_count", Err: err}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, &market.LedgerReadError{Op: "item_count", Err: f.countErr}
	}
	return uint64(len(f.items)), nil
}

func (f *fakeLedger) GetItem(ctx context.Context, itemID market.ItemID) (market.ItemRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.itemErr[itemID]; err != nil {
		return market.ItemRecord{}, &market.LedgerReadError{Op: "get_item", ItemID: itemID, Err: err}
	}
	if itemID == 0 || int(itemID) > len(f.items) {
		return market.ItemRecord{}, &market.LedgerReadError{Op: "get_item", ItemID: itemID, Err: errors.New("missing")}
	}
	return f.items[itemID-1], nil
}

func (f *fakeLedger) TokenMetadataURI(ctx context.Context, tokenID market.TokenID) (string, error) {
	return fmt.Sprintf("https://meta.test/%d.json", tokenID), nil
}

func (f *fakeLedger) GetTotalPrice(ctx context.Context, itemID market.ItemID) (market.Wei, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalCalls++
	if err := f.totalErr[itemID]; err != nil {
		return market.Wei{}, &market.LedgerReadError{Op: "get_total_price", ItemID: itemID, Err: err}
	}
	price := f.items[itemID-1].Price.Big()
	total := new(big.Int).Div(new(big.Int).Mul(price, big.NewInt(101)), big.NewInt(100))
	return market.NewWei(total), nil
}

func (f *fakeLedger) Mint(ctx context.Context, metadataURI string, price market.Wei) (market.MintReceipt, error) {
	return market.MintReceipt{}, errNotSupported
}

func (f *fakeLedger) PurchaseItem(ctx context.Context, itemID market.ItemID, value market.Wei) (market.Receipt, error) {
	return market.Receipt{}, errNotSupported
}

func (f *fakeLedger) QueryPurchaseEvents(ctx context.Context, filter market.PurchaseFilter) ([]market.PurchaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eventsErr != nil {
		return nil, &market.LedgerReadError{Op: "query_purchase_events", Err: f.eventsErr}
	}
	var matched []market.PurchaseEvent
	for _, event := range f.events {
		if filter.Matches(event) {
			matched = append(matched, event)
		}
	}
	return matched, nil
}

func (f *fakeLedger) Account() market.Account {
	return market.Account{}
}

// fakeResolver serves metadata for every token URI, failing the ones listed in failures.
type fakeResolver struct {
	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
	delay    func(uri string) time.Duration
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{failures: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeResolver) Fetch(ctx context.Context, uri string) (market.Metadata, error) {
	f.mu.Lock()
	f.calls[uri]++
	err := f.failures[uri]
	delay := f.delay
	f.mu.Unlock()

	if delay != nil {
		select {
		case <-time.After(delay(uri)):
		case <-ctx.Done():
			return market.Metadata{}, &market.MetadataFetchError{URI: uri, Err: ctx.Err()}
		}
	}
	if err != nil {
		return market.Metadata{}, err
	}
	return market.Metadata{Name: "name " + uri, Description: "description", Image: uri + ".png"}, nil
}

func (f *fakeResolver) callCount(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func tokenURI(tokenID market.TokenID) string {
	return fmt.Sprintf("https://meta.test/%d.json", tokenID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []InvalidationEvent
}

func (p *recordingPublisher) PublishInvalidation(event InvalidationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []InvalidationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InvalidationEvent(nil), p.events...)
}

type testHarness struct {
	ledger   *fakeLedger
	resolver *fakeResolver
	loader   *Loader
	catalog  *CatalogView
	owners   *OwnerView
	history  *HistoryView
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ledger := newFakeLedger()
	resolver := newFakeResolver()
	m := metrics.New()
	loader, err := NewLoader(LoaderConfig{Ledger: ledger, Resolver: resolver, Concurrency: 4, Logger: zap.NewNop(), Metrics: m})
	if err != nil {
		t.Fatalf("failed to build loader: %v", err)
	}
	viewConfig := ViewConfig{Logger: zap.NewNop(), Metrics: m}
	catalogView, err := NewCatalogView(loader, viewConfig)
	if err != nil {
		t.Fatalf("failed to build catalog view: %v", err)
	}
	ownerView, err := NewOwnerView(loader, viewConfig)
	if err != nil {
		t.Fatalf("failed to build owner view: %v", err)
	}
	historyView, err := NewHistoryView(loader, viewConfig)
	if err != nil {
		t.Fatalf("failed to build history view: %v", err)
	}
	return &testHarness{
		ledger:   ledger,
		resolver: resolver,
		loader:   loader,
		catalog:  catalogView,
		owners:   ownerView,
		history:  historyView,
		metrics:  m,
	}
}
