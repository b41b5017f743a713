package market

import (
	"context"
	"fmt"
)

// LedgerGateway is typed access to the marketplace contract. Reads are side-effect free and safe to issue
// concurrently. Writes return only once the transaction reached finality.
type LedgerGateway interface {
	ItemCount(ctx context.Context) (uint64, error)
	GetItem(ctx context.Context, itemID ItemID) (ItemRecord, error)
	TokenMetadataURI(ctx context.Context, tokenID TokenID) (string, error)
	GetTotalPrice(ctx context.Context, itemID ItemID) (Wei, error)
	Mint(ctx context.Context, metadataURI string, price Wei) (MintReceipt, error)
	PurchaseItem(ctx context.Context, itemID ItemID, value Wei) (Receipt, error)
	QueryPurchaseEvents(ctx context.Context, filter PurchaseFilter) ([]PurchaseEvent, error)
	// Account is the identity that signs writes.
	Account() Account
}

// MetadataResolver fetches and parses the metadata document behind a token URI.
type MetadataResolver interface {
	Fetch(ctx context.Context, uri string) (Metadata, error)
}

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError for operation and reason.
func NewServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
