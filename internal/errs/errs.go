// Package errs defines the rejection taxonomy shared by the presale engine,
// the voucher authorizer and the HTTP surface.
package errs

import "errors"

// Kind classifies a rejection. Access errors (unauthorized admin caller) are
// kept apart from the business kinds so callers never conflate them.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAccess
	KindAuthorization
	KindState
	KindArithmetic
	KindAssetTransfer
)

func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindArithmetic:
		return "arithmetic"
	case KindAssetTransfer:
		return "asset_transfer"
	default:
		return "unknown"
	}
}

// Error is a sentinel rejection. Compare with errors.Is against the package
// level values; wrap with fmt.Errorf("%w: ...") to add detail.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Unauthorized is returned by every admin-only entry point for a non-admin caller.
var Unauthorized = New(KindAccess, "Unauthorized", "caller is not the admin")
