package catalog

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds per-item fan-out when no limit is configured.
const DefaultConcurrency = 8

// Per-item operations reported in ItemFailure.Op.
const (
	OpGetItem       = "get_item"
	OpTokenURI      = "token_uri"
	OpFetchMetadata = "fetch_metadata"
	OpGetTotalPrice = "get_total_price"
)

var (
	// ErrMissingLedger indicates that no ledger gateway was supplied.
	ErrMissingLedger = errors.New("catalog: ledger gateway is required")
	// ErrMissingResolver indicates that no metadata resolver was supplied.
	ErrMissingResolver = errors.New("catalog: metadata resolver is required")
	// ErrMissingLoader indicates that a view was built without a loader.
	ErrMissingLoader = errors.New("catalog: loader is required")
)

// ItemFailure reports one item excluded from a view and why.
type ItemFailure struct {
	ItemID market.ItemID
	Op     string
	Err    error
}

// Retryable reports whether retrying the view may recover the item.
func (f ItemFailure) Retryable() bool {
	return market.IsRetryable(f.Err)
}

// MarshalJSON renders the failure with its error message.
func (f ItemFailure) MarshalJSON() ([]byte, error) {
	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}
	return json.Marshal(struct {
		ItemID    market.ItemID `json:"item_id"`
		Op        string        `json:"op"`
		Error     string        `json:"error"`
		Retryable bool          `json:"retryable"`
	}{ItemID: f.ItemID, Op: f.Op, Error: message, Retryable: f.Retryable()})
}

// LoadOptions narrows a load. Records filtered out are skipped before any metadata I/O.
type LoadOptions struct {
	UnsoldOnly bool
	Seller     *market.Account
}

// LoadResult is the outcome of one pass over items 1..ItemCount.
type LoadResult struct {
	Records   []market.AnnotatedRecord
	Failures  []ItemFailure
	ItemCount uint64
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Ledger      market.LedgerGateway
	Resolver    market.MetadataResolver
	Concurrency int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Loader enumerates the ledger's items and joins each with its metadata.
type Loader struct {
	ledger      market.LedgerGateway
	resolver    market.MetadataResolver
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

type itemSlot struct {
	record  market.AnnotatedRecord
	failure *ItemFailure
	loaded  bool
}

// NewLoader constructs a Loader.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Ledger == nil {
		return nil, ErrMissingLedger
	}
	if cfg.Resolver == nil {
		return nil, ErrMissingResolver
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		ledger:      cfg.Ledger,
		resolver:    cfg.Resolver,
		concurrency: concurrency,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Ledger returns the gateway the loader reads from.
func (l *Loader) Ledger() market.LedgerGateway {
	return l.ledger
}

// Load reads the item count, then every item concurrently. A failed count fails the load; a failed item is
// excluded and reported in Failures. Records are ordered by item id.
func (l *Loader) Load(ctx context.Context, options LoadOptions) (LoadResult, error) {
	count, err := l.ledger.ItemCount(ctx)
	if err != nil {
		l.logError("load_items", "item_count_failed", err)
		return LoadResult{}, market.NewServiceError("catalog.load_items", "item_count_failed", market.NewReadError("item_count", 0, err))
	}

	slots := make([]itemSlot, count)
	var group errgroup.Group
	group.SetLimit(l.concurrency)
	for index := range slots {
		itemID := market.ItemID(index + 1)
		group.Go(func() error {
			slots[index] = l.loadItem(ctx, itemID, options)
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return LoadResult{}, err
	}

	result := LoadResult{ItemCount: count}
	fetchFailures := 0
	for _, slot := range slots {
		if slot.failure != nil {
			result.Failures = append(result.Failures, *slot.failure)
			if slot.failure.Op == OpFetchMetadata {
				fetchFailures++
			}
			continue
		}
		if slot.loaded {
			result.Records = append(result.Records, slot.record)
		}
	}
	slices.SortFunc(result.Records, func(a, b market.AnnotatedRecord) int {
		return cmp.Compare(a.ItemID, b.ItemID)
	})
	l.metrics.AddMetadataFailures(fetchFailures)

	return result, nil
}

func (l *Loader) loadItem(ctx context.Context, itemID market.ItemID, options LoadOptions) itemSlot {
	record, err := l.ledger.GetItem(ctx, itemID)
	if err != nil {
		return l.failed(itemID, OpGetItem, market.NewReadError(OpGetItem, itemID, err))
	}
	if options.UnsoldOnly && record.Sold {
		return itemSlot{}
	}
	if options.Seller != nil && !market.SameAccount(*options.Seller, record.Seller) {
		return itemSlot{}
	}

	metadata, err := l.resolve(ctx, record)
	if err != nil {
		return itemSlot{failure: &ItemFailure{ItemID: itemID, Op: failureOp(err), Err: err}}
	}
	return itemSlot{record: market.Annotate(record, metadata), loaded: true}
}

// resolve fetches the metadata behind a record's token.
func (l *Loader) resolve(ctx context.Context, record market.ItemRecord) (market.Metadata, error) {
	uri, err := l.ledger.TokenMetadataURI(ctx, record.TokenID)
	if err != nil {
		err = market.NewReadError(OpTokenURI, record.ItemID, err)
		l.logFailure(record.ItemID, OpTokenURI, err)
		return market.Metadata{}, err
	}
	metadata, err := l.resolver.Fetch(ctx, uri)
	if err != nil {
		err = withItem(err, record.ItemID, uri)
		l.logFailure(record.ItemID, OpFetchMetadata, err, zap.String("uri", uri))
		return market.Metadata{}, err
	}
	return metadata, nil
}

func (l *Loader) failed(itemID market.ItemID, op string, err error) itemSlot {
	l.logFailure(itemID, op, err)
	return itemSlot{failure: &ItemFailure{ItemID: itemID, Op: op, Err: err}}
}

func (l *Loader) logFailure(itemID market.ItemID, op string, err error, fields ...zap.Field) {
	base := []zap.Field{
		zap.Uint64("item_id", itemID.Uint64()),
		zap.String("operation", op),
		zap.Error(err),
	}
	l.logger.Warn("item excluded from view", append(base, fields...)...)
}

func (l *Loader) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	base := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	l.logger.Error("catalog operation failed", append(base, fields...)...)
}

// withItem attaches the item id to a metadata failure.
func withItem(err error, itemID market.ItemID, uri string) error {
	var fetchErr *market.MetadataFetchError
	if errors.As(err, &fetchErr) {
		annotated := *fetchErr
		annotated.ItemID = itemID
		return &annotated
	}
	return &market.MetadataFetchError{ItemID: itemID, URI: uri, Err: err}
}

func failureOp(err error) string {
	var fetchErr *market.MetadataFetchError
	if errors.As(err, &fetchErr) {
		return OpFetchMetadata
	}
	return OpTokenURI
}
