package voucher

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

// NativeAsset is the payment-token sentinel for purchases made in the
// network's native value currency.
var NativeAsset = common.Address{}

// NoDeadline marks a voucher that never expires (uint256 max).
var NoDeadline = new(big.Int).Set(math.MaxBig256)

// PresaleVoucher is the off-platform authorization a buyer presents with a
// purchase. Signature is not part of the EIP-712 struct; it travels with the
// voucher so the outbox and HTTP layer can carry one JSON object.
type PresaleVoucher struct {
	Buyer        common.Address `json:"buyer"`
	Beneficiary  common.Address `json:"beneficiary"`
	PaymentToken common.Address `json:"payment_token"`
	USDLimit     *big.Int       `json:"usd_limit"`
	Nonce        *big.Int       `json:"nonce"`
	Deadline     *big.Int       `json:"deadline"`
	Presale      common.Address `json:"presale"`
	Signature    hexutil.Bytes  `json:"signature"`
}

var errMalformed = errors.New("malformed voucher")

// Validate rejects vouchers whose numeric fields cannot be ABI-encoded as uint256.
func (v *PresaleVoucher) Validate() error {
	if v == nil {
		return errMalformed
	}
	for _, n := range []*big.Int{v.USDLimit, v.Nonce, v.Deadline} {
		if n == nil || n.Sign() < 0 || n.BitLen() > 256 {
			return errMalformed
		}
	}
	return nil
}

// NeverExpires reports whether the deadline is the uint256 max sentinel.
func (v *PresaleVoucher) NeverExpires() bool {
	return v.Deadline != nil && v.Deadline.Cmp(math.MaxBig256) == 0
}

// Redis key templates
const (
	OutboxKeyFmt      = "voucher:queue:%s"   // %s = buyer address (checksummed)
	IssuerNonceKeyFmt = "issuer:nonce:%s:%s" // %s = presale, buyer (lowercase)
)
