package api

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-token-presale/internal/presale"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/vesting"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

// Amounts travel as base-10 strings of base units; USD prices as decimal
// dollar strings ("0.05").

type purchaseRequest struct {
	Asset       string                  `json:"asset"` // "native" or an address
	Amount      string                  `json:"amount"`
	Beneficiary string                  `json:"beneficiary,omitempty"`
	Voucher     *voucher.PresaleVoucher `json:"voucher,omitempty"`
}

type receiptView struct {
	Beneficiary string `json:"beneficiary"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	USD         string `json:"usd"`
	Tokens      string `json:"tokens"`
	Round       int    `json:"round"`
}

type statusView struct {
	Phase           string `json:"phase"`
	EffectivePhase  string `json:"effective_phase"`
	Policy          string `json:"round_policy"`
	StartTime       int64  `json:"start_time"`
	Round1EndTime   int64  `json:"round1_end_time"`
	SaleEndTime     int64  `json:"sale_end_time"`
	TGE             *int64 `json:"tge"`
	Paused          bool   `json:"paused"`
	VoucherRequired bool   `json:"voucher_required"`
	PresaleRate     string `json:"presale_rate"`
	MaxTokens       string `json:"max_tokens"`
	Minted          string `json:"minted"`
	Remaining       string `json:"remaining"`
}

type priceView struct {
	Asset    string `json:"asset"`
	PriceUSD string `json:"price_usd"`
	Decimals uint8  `json:"decimals"`
	Active   bool   `json:"active"`
}

type accountView struct {
	Address        string  `json:"address"`
	TotalPurchased string  `json:"total_purchased"`
	Claimed        string  `json:"claimed"`
	Claimable      string  `json:"claimable"`
	FullyClaimed   bool    `json:"fully_claimed"`
	VoucherNonce   *uint64 `json:"voucher_nonce,omitempty"`
}

type unlockView struct {
	At         int64  `json:"at"`
	Cumulative string `json:"cumulative"`
	Unlocked   bool   `json:"unlocked"`
}

type roundSalesView struct {
	Round     int               `json:"round"`
	Purchases uint64            `json:"purchases"`
	Tokens    string            `json:"tokens"`
	USD       string            `json:"usd"`
	Raised    map[string]string `json:"raised"`
}

type priceRequest struct {
	Asset    string `json:"asset"`
	PriceUSD string `json:"price_usd"`
	Decimals uint8  `json:"decimals"`
	Active   *bool  `json:"active,omitempty"` // default true
	Round    int    `json:"round,omitempty"`  // 0 writes every round
}

type advanceRequest struct {
	Prices map[string]string `json:"prices"` // asset -> decimal dollars
}

type withdrawRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type toggleRequest struct {
	Required bool `json:"required"`
}

type grantRequest struct {
	Buyer        string `json:"buyer"`
	Beneficiary  string `json:"beneficiary,omitempty"`
	PaymentToken string `json:"payment_token"`
	USDLimit     string `json:"usd_limit"` // decimal dollars
	Deadline     int64  `json:"deadline,omitempty"`
}

func parseAsset(s string) (common.Address, error) {
	if s == "" || strings.EqualFold(s, "native") {
		return voucher.NativeAsset, nil
	}
	return parseAddress(s)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

func assetLabel(a common.Address) string {
	if a == voucher.NativeAsset {
		return "native"
	}
	return a.Hex()
}

func toReceiptView(r presale.Receipt) receiptView {
	return receiptView{
		Beneficiary: r.Beneficiary.Hex(),
		Asset:       assetLabel(r.Asset),
		Amount:      r.Amount.String(),
		USD:         pricing.FormatUSD(r.USD),
		Tokens:      r.Tokens.String(),
		Round:       r.Round,
	}
}

func toStatusView(s presale.Status) statusView {
	v := statusView{
		Phase:           s.Phase.String(),
		EffectivePhase:  s.EffectivePhase.String(),
		Policy:          s.Policy.String(),
		StartTime:       s.StartTime,
		Round1EndTime:   s.Round1EndTime,
		SaleEndTime:     s.SaleEndTime,
		Paused:          s.Paused,
		VoucherRequired: s.VoucherRequired,
		PresaleRate:     s.PresaleRate.String(),
		MaxTokens:       s.MaxTokens.String(),
		Minted:          s.Minted.String(),
		Remaining:       s.Remaining.String(),
	}
	if s.TGESet {
		tge := s.TGE
		v.TGE = &tge
	}
	return v
}

func toPriceView(e pricing.Entry) priceView {
	return priceView{
		Asset:    assetLabel(e.Asset),
		PriceUSD: pricing.FormatUSD(e.PriceUSD),
		Decimals: e.Decimals,
		Active:   e.Active,
	}
}

func toAccountView(a presale.AccountView) accountView {
	return accountView{
		Address:        a.Address.Hex(),
		TotalPurchased: a.TotalPurchased.String(),
		Claimed:        a.Claimed.String(),
		Claimable:      a.Claimable.String(),
		FullyClaimed:   a.FullyClaimed,
	}
}

func toUnlockViews(us []vesting.Unlock) []unlockView {
	out := make([]unlockView, len(us))
	for i, u := range us {
		out[i] = unlockView{At: u.At, Cumulative: u.Cumulative.String(), Unlocked: u.Unlocked}
	}
	return out
}

func toRoundSalesView(round int, rs presale.RoundSales) roundSalesView {
	raised := make(map[string]string, len(rs.Raised))
	for a, v := range rs.Raised {
		raised[assetLabel(a)] = v.String()
	}
	return roundSalesView{
		Round:     round,
		Purchases: rs.Purchases,
		Tokens:    rs.Tokens.String(),
		USD:       pricing.FormatUSD(rs.USD),
		Raised:    raised,
	}
}
