package types

import "errors"

// Every failure returned by the core is one of these, possibly wrapped.
var (
	ErrUnknownTrader          = errors.New("trader does not exist in market")
	ErrUnknownMarket          = errors.New("market does not exist")
	ErrInsufficientBaseFunds  = errors.New("not enough base tokens")
	ErrInsufficientQuoteFunds = errors.New("not enough quote tokens")
	ErrAlreadyMatched         = errors.New("order already matched")
	ErrInvalidOrderIndex      = errors.New("invalid order index")
	ErrInvalidOrderType       = errors.New("invalid order type")
	ErrInvalidOrderOwner      = errors.New("invalid order owner")
	ErrMismatchingOrders      = errors.New("mismatching orders")
	ErrAlreadyExists          = errors.New("already exists")
	ErrAuthorityMismatch      = errors.New("record is not owned by the calling context")
	ErrInvalidAsset           = errors.New("asset is not part of the market")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrTransitionPending      = errors.New("record ownership transition pending")
	ErrRecordBusy             = errors.New("record is being mutated by another operation")
	ErrInvalidAttestation     = errors.New("invalid price attestation")
)
