package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// State is the position of an attempt in its lifecycle.
type State string

// Attempt states. Confirmed and Failed are terminal.
const (
	StateIdle          State = "idle"
	StatePriceResolved State = "price_resolved"
	StateSubmitted     State = "submitted"
	StateConfirmed     State = "confirmed"
	StateFailed        State = "failed"
)

// DefaultFinalityTimeout bounds the wait for a submitted purchase when Config.FinalityTimeout is unset.
const DefaultFinalityTimeout = 10 * time.Minute

// ReasonValueBelowTotal is the LedgerWriteError reason for a quote under the ledger's current total price.
const ReasonValueBelowTotal = "value below ledger total"

var (
	// ErrMissingSigners indicates that the orchestrator was built without a signer lookup.
	ErrMissingSigners = errors.New("purchase: signers are required")
	// ErrUnknownSigner indicates that no gateway can sign for the requested account.
	ErrUnknownSigner = errors.New("purchase: no signer for account")
	// ErrValueBelowTotal indicates a quoted value that no longer covers the ledger's total price.
	ErrValueBelowTotal = errors.New("purchase: quoted value is below the total price")
)

// Attempt is one purchase of one item by one buyer. A failed attempt is never resumed; callers start a new one.
type Attempt struct {
	ID         uuid.UUID      `json:"id"`
	ItemID     market.ItemID  `json:"item_id"`
	Buyer      market.Account `json:"buyer"`
	State      State          `json:"state"`
	TotalPrice *market.Wei    `json:"total_price,omitempty"`
	Value      *market.Wei    `json:"value,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	Block      uint64         `json:"block_number,omitempty"`
	Err        error          `json:"-"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Signers resolves the gateway that signs writes for account.
type Signers func(account market.Account) (market.LedgerGateway, error)

// FixedSigner signs only as the gateway's own account.
func FixedSigner(gateway market.LedgerGateway) Signers {
	return func(account market.Account) (market.LedgerGateway, error) {
		if gateway == nil || !market.SameAccount(gateway.Account(), account) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, account.Hex())
		}
		return gateway, nil
	}
}

// Invalidator is told about purchases that reached finality, and about broadcast purchases whose outcome was
// never observed.
type Invalidator interface {
	PurchaseConfirmed(itemID market.ItemID, buyer market.Account)
}

// Config wires the orchestrator dependencies.
type Config struct {
	Signers     Signers
	Invalidator Invalidator
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	// FinalityTimeout bounds the wait after submission. The wait outlives the caller's context.
	FinalityTimeout time.Duration
}

// Orchestrator resolves the ledger's total price, submits the purchase and waits for finality. Submissions are
// serialized per buyer account.
type Orchestrator struct {
	signers     Signers
	invalidator Invalidator
	logger      *zap.Logger
	metrics     *metrics.Metrics
	clock       func() time.Time
	finality    time.Duration

	mu    sync.Mutex
	locks map[market.Account]*semaphore.Weighted
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Signers == nil {
		return nil, ErrMissingSigners
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	finality := cfg.FinalityTimeout
	if finality <= 0 {
		finality = DefaultFinalityTimeout
	}
	return &Orchestrator{
		signers:     cfg.Signers,
		invalidator: cfg.Invalidator,
		logger:      logger,
		metrics:     cfg.Metrics,
		clock:       clock,
		finality:    finality,
		locks:       make(map[market.Account]*semaphore.Weighted),
	}, nil
}

// Purchase buys itemID for buyer, paying exactly the total price the ledger reports right before submission.
func (o *Orchestrator) Purchase(ctx context.Context, buyer market.Account, itemID market.ItemID) (Attempt, error) {
	return o.run(ctx, buyer, itemID, nil)
}

// PurchaseWithValue submits value instead of the fresh total price. A quote below the fresh total fails before
// anything is sent; a quote at or above it goes to the ledger unchanged.
func (o *Orchestrator) PurchaseWithValue(ctx context.Context, buyer market.Account, itemID market.ItemID, value market.Wei) (Attempt, error) {
	return o.run(ctx, buyer, itemID, &value)
}

func (o *Orchestrator) run(ctx context.Context, buyer market.Account, itemID market.ItemID, quoted *market.Wei) (Attempt, error) {
	attempt := Attempt{
		ID:        newAttemptID(),
		ItemID:    itemID,
		Buyer:     buyer,
		State:     StateIdle,
		StartedAt: o.clock().UTC(),
	}
	if itemID == 0 {
		return o.fail(attempt, market.NewServiceError("purchase.submit", "invalid_item", market.ErrInvalidItemID))
	}

	ledger, err := o.signers(buyer)
	if err != nil {
		return o.fail(attempt, market.NewServiceError("purchase.submit", "unknown_signer", err))
	}

	lock := o.lockFor(buyer)
	if err := lock.Acquire(ctx, 1); err != nil {
		return o.fail(attempt, err)
	}
	defer lock.Release(1)

	total, err := ledger.GetTotalPrice(ctx, itemID)
	if err != nil {
		return o.fail(attempt, market.NewReadError("get_total_price", itemID, err))
	}
	attempt.TotalPrice = &total
	attempt.State = StatePriceResolved

	value := total
	if quoted != nil {
		value = *quoted
	}
	attempt.Value = &value
	if value.Cmp(total) < 0 {
		return o.fail(attempt, &market.LedgerWriteError{
			Op:     "purchase_item",
			ItemID: itemID,
			Reason: ReasonValueBelowTotal,
			Err:    fmt.Errorf("%w: %s < %s", ErrValueBelowTotal, value, total),
		})
	}
	attempt.State = StateSubmitted
	o.logger.Info("purchase submitted",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Uint64("item_id", itemID.Uint64()),
		zap.String("account", buyer.Hex()),
		zap.String("value", value.String()))

	// Once broadcast, the transaction may confirm whether or not the caller is still waiting.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finality)
	defer cancel()
	receipt, err := ledger.PurchaseItem(submitCtx, itemID, value)
	if err != nil {
		err = asWriteError(itemID, err)
		var writeErr *market.LedgerWriteError
		if errors.As(err, &writeErr) && writeErr.OutcomeUnknown() {
			attempt.TxHash = writeErr.TxHash
			attempt, err = o.fail(attempt, err)
			o.invalidate(itemID, buyer)
			return attempt, err
		}
		return o.fail(attempt, err)
	}

	attempt.State = StateConfirmed
	attempt.TxHash = receipt.TxHash
	attempt.Block = receipt.BlockNumber
	attempt.FinishedAt = o.clock().UTC()
	o.metrics.PurchaseFinished(string(StateConfirmed))
	o.logger.Info("purchase confirmed",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Uint64("item_id", itemID.Uint64()),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("block_number", receipt.BlockNumber))

	o.invalidate(itemID, buyer)
	return attempt, nil
}

func (o *Orchestrator) invalidate(itemID market.ItemID, buyer market.Account) {
	if o.invalidator != nil {
		o.invalidator.PurchaseConfirmed(itemID, buyer)
	}
}

func (o *Orchestrator) fail(attempt Attempt, err error) (Attempt, error) {
	attempt.State = StateFailed
	attempt.Err = err
	attempt.FinishedAt = o.clock().UTC()
	o.metrics.PurchaseFinished(string(StateFailed))
	o.logger.Warn("purchase failed",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Uint64("item_id", attempt.ItemID.Uint64()),
		zap.String("account", attempt.Buyer.Hex()),
		zap.String("tx_hash", attempt.TxHash),
		zap.Error(err))
	return attempt, err
}

func (o *Orchestrator) lockFor(account market.Account) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[account]
	if !ok {
		lock = semaphore.NewWeighted(1)
		o.locks[account] = lock
	}
	return lock
}

// asWriteError keeps ledger write errors as they are and wraps anything else from the submission step.
func asWriteError(itemID market.ItemID, err error) error {
	var writeErr *market.LedgerWriteError
	if errors.As(err, &writeErr) {
		return err
	}
	return &market.LedgerWriteError{Op: "purchase_item", ItemID: itemID, Err: err}
}

func newAttemptID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
