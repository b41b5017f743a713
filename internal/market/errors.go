package market

import (
	"errors"
	"fmt"
)

// ErrStaleViewDiscarded signals that a superseded rebuild finished after a newer one started and its result
// was dropped. Views consume it internally; it never reaches API callers.
var ErrStaleViewDiscarded = errors.New("market: stale view discarded")

// LedgerReadError reports a failed read call. Reads have no side effects, so the caller may retry.
type LedgerReadError struct {
	Op     string
	ItemID ItemID
	Err    error
}

func (e *LedgerReadError) Error() string {
	if e.ItemID != 0 {
		return fmt.Sprintf("ledger read %s (item %d): %v", e.Op, e.ItemID, e.Err)
	}
	return fmt.Sprintf("ledger read %s: %v", e.Op, e.Err)
}

func (e *LedgerReadError) Unwrap() error {
	return e.Err
}

// LedgerWriteError reports a transaction that was rejected before submission or reverted on-chain.
// Reason carries the revert reason when the ledger supplied one. TxHash is set once the transaction was
// broadcast.
type LedgerWriteError struct {
	Op     string
	ItemID ItemID
	Reason string
	TxHash string
	Err    error
}

func (e *LedgerWriteError) Error() string {
	message := fmt.Sprintf("ledger write %s", e.Op)
	if e.ItemID != 0 {
		message = fmt.Sprintf("%s (item %d)", message, e.ItemID)
	}
	if e.TxHash != "" {
		message = fmt.Sprintf("%s tx %s", message, e.TxHash)
	}
	if e.Reason != "" {
		message = fmt.Sprintf("%s reverted: %s", message, e.Reason)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}

// OutcomeUnknown reports a broadcast transaction whose result was never observed. It may still be mined.
func (e *LedgerWriteError) OutcomeUnknown() bool {
	return e.TxHash != "" && e.Reason == ""
}

// MetadataFetchError reports a metadata document that could not be fetched or parsed.
// StatusCode is the upstream HTTP status when one was received.
type MetadataFetchError struct {
	ItemID     ItemID
	URI        string
	StatusCode int
	Err        error
}

func (e *MetadataFetchError) Error() string {
	prefix := "metadata fetch"
	if e.ItemID != 0 {
		prefix = fmt.Sprintf("metadata fetch (item %d)", e.ItemID)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d", prefix, e.URI, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", prefix, e.URI, e.Err)
}

func (e *MetadataFetchError) Unwrap() error {
	return e.Err
}

// NewReadError wraps err as a LedgerReadError unless it already carries a ledger error kind.
func NewReadError(op string, itemID ItemID, err error) error {
	var readErr *LedgerReadError
	if errors.As(err, &readErr) {
		return err
	}
	return &LedgerReadError{Op: op, ItemID: itemID, Err: err}
}

// IsRetryable reports whether the failure is transient from the caller's perspective.
// Write failures are terminal for the attempt that produced them.
func IsRetryable(err error) bool {
	var readErr *LedgerReadError
	var fetchErr *MetadataFetchError
	return errors.As(err, &readErr) || errors.As(err, &fetchErr)
}
