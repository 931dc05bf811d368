package presale

import "github.com/0gfoundation/0g-token-presale/internal/errs"

var (
	ErrPaused             = errs.New(errs.KindState, "Paused", "presale is paused")
	ErrReentrantCall      = errs.New(errs.KindState, "ReentrantCall", "reentrant call")
	ErrPolicyMismatch     = errs.New(errs.KindState, "PolicyMismatch", "round advance not available under this round policy")
	ErrPricesLocked       = errs.New(errs.KindState, "PricesLocked", "prices can only change before the sale starts")
	ErrNoActiveRound      = errs.New(errs.KindState, "NoActiveRound", "emergency price override needs an active round")
	ErrNothingToClaim     = errs.New(errs.KindState, "NothingToClaim", "nothing to claim")
	ErrSaleNotEnded       = errs.New(errs.KindState, "SaleNotEnded", "sale has not ended")
	ErrInvalidAsset       = errs.New(errs.KindState, "InvalidAsset", "no collaborator for asset")
	ErrZeroAuthorizer     = errs.New(errs.KindState, "ZeroAuthorizer", "authorizer must not be nil")
	ErrVoucherRequired    = errs.New(errs.KindAuthorization, "VoucherRequired", "voucher required")
	ErrVoucherAlreadyUsed = errs.New(errs.KindAuthorization, "VoucherAlreadyUsed", "voucher already used")
	ErrSupplyExceeded     = errs.New(errs.KindArithmetic, "SupplyExceeded", "purchase exceeds max tokens to mint")
)
