package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"go.uber.org/zap"
)

// Trigger names the external change that asked for re-synchronization.
type Trigger string

// Supported triggers.
const (
	TriggerManual            Trigger = "manual"
	TriggerAccountChanged    Trigger = "account_changed"
	TriggerNetworkChanged    Trigger = "network_changed"
	TriggerPurchaseConfirmed Trigger = "purchase_confirmed"
)

// EventCatalogInvalidated is the type of every event the synchronizer publishes.
const EventCatalogInvalidated = "catalog-invalidated"

// ErrUnknownTrigger indicates a trigger outside the supported set.
var ErrUnknownTrigger = errors.New("catalog: unknown trigger")

// ParseTrigger validates raw input. Empty input means a manual refresh.
func ParseTrigger(rawInput string) (Trigger, error) {
	trimmed := Trigger(strings.TrimSpace(strings.ToLower(rawInput)))
	switch trimmed {
	case "":
		return TriggerManual, nil
	case TriggerManual, TriggerAccountChanged, TriggerNetworkChanged, TriggerPurchaseConfirmed:
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTrigger, rawInput)
	}
}

// InvalidationEvent tells subscribers that derived views are out of date.
type InvalidationEvent struct {
	Type      string          `json:"type"`
	Trigger   Trigger         `json:"trigger"`
	ItemID    market.ItemID   `json:"item_id,omitempty"`
	Account   *market.Account `json:"account,omitempty"`
	ItemCount uint64          `json:"item_count"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher fans invalidation events out to subscribers. Publishing must not block.
type Publisher interface {
	PublishInvalidation(event InvalidationEvent)
}

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	Catalog   *CatalogView
	Owners    *OwnerView
	Publisher Publisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Synchronizer is the single entry point for external change notifications. Invalidation is a request to
// rebuild; no view is patched in place.
type Synchronizer struct {
	catalog   *CatalogView
	owners    *OwnerView
	publisher Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

// NewSynchronizer constructs a Synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.Catalog == nil || cfg.Owners == nil {
		return nil, fmt.Errorf("catalog: synchronizer needs catalog and owner views")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Synchronizer{
		catalog:   cfg.Catalog,
		owners:    cfg.Owners,
		publisher: cfg.Publisher,
		logger:    logger,
		clock:     clock,
	}, nil
}

// Resync invalidates the catalog and owner views, rebuilds the catalog and tells subscribers.
func (s *Synchronizer) Resync(ctx context.Context, trigger Trigger) (CatalogSnapshot, error) {
	if _, err := ParseTrigger(string(trigger)); err != nil {
		return CatalogSnapshot{}, market.NewServiceError("catalog.resync", "invalid_trigger", err)
	}

	s.invalidate()
	snapshot, err := s.catalog.Rebuild(ctx)
	if err != nil {
		s.logger.Error("catalog operation failed",
			zap.String("operation", "catalog.resync"),
			zap.String("reason", "rebuild_failed"),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}

	s.publish(InvalidationEvent{Trigger: trigger, ItemCount: snapshot.ItemCount})
	s.logger.Info("catalog resynchronized",
		zap.String("trigger", string(trigger)),
		zap.Uint64("item_count", snapshot.ItemCount),
		zap.Int("failures", len(snapshot.Failures)))
	return snapshot, err
}

// PurchaseConfirmed invalidates the catalog and owner views after a purchase reached finality, or was broadcast
// and may still land. The next read of either view rebuilds.
func (s *Synchronizer) PurchaseConfirmed(itemID market.ItemID, buyer market.Account) {
	s.invalidate()
	s.publish(InvalidationEvent{Trigger: TriggerPurchaseConfirmed, ItemID: itemID, Account: &buyer})
	s.logger.Info("views invalidated",
		zap.String("trigger", string(TriggerPurchaseConfirmed)),
		zap.Uint64("item_id", itemID.Uint64()),
		zap.String("account", buyer.Hex()))
}

func (s *Synchronizer) invalidate() {
	s.catalog.Invalidate()
	s.owners.Invalidate()
}

func (s *Synchronizer) publish(event InvalidationEvent) {
	if s.publisher == nil {
		return
	}
	event.Type = EventCatalogInvalidated
	event.Timestamp = s.clock().UTC()
	s.publisher.PublishInvalidation(event)
}
