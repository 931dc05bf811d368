package api

import (
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
	"github.com/0gfoundation/0g-token-presale/internal/issuer"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
)

func (h *Handler) ok(c *gin.Context, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeStatus(c)
}

func (h *Handler) handleAdvance(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	set := make(pricing.PriceSet, len(req.Prices))
	for k, v := range req.Prices {
		a, err := parseAsset(k)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		price, err := pricing.ParseUSD(v)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		set[a] = price
	}
	h.ok(c, h.engine.AdvanceRound(c.Request.Context(), caller(c), set))
}

func (h *Handler) handleEnd(c *gin.Context) {
	h.ok(c, h.engine.EndSale(c.Request.Context(), caller(c)))
}

func (h *Handler) handleEmergencyEnd(c *gin.Context) {
	h.ok(c, h.engine.EmergencyEndSale(c.Request.Context(), caller(c)))
}

func (h *Handler) handleSetPrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	a, err := parseAsset(req.Asset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	price, err := pricing.ParseUSD(req.PriceUSD)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	entry := pricing.Entry{Asset: a, PriceUSD: price, Decimals: req.Decimals, Active: true}
	if req.Active != nil {
		entry.Active = *req.Active
	}
	if req.Round == 0 {
		err = h.engine.SetAssetPrice(c.Request.Context(), caller(c), entry)
	} else {
		err = h.engine.SetRoundPrice(c.Request.Context(), caller(c), req.Round, entry)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPriceView(entry))
}

func (h *Handler) handleEmergencyPrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	a, err := parseAsset(req.Asset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	price, err := pricing.ParseUSD(req.PriceUSD)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.engine.SetEmergencyPrice(c.Request.Context(), caller(c), a, price); err != nil {
		h.fail(c, err)
		return
	}
	e, err := h.engine.Price(c.Request.Context(), a)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPriceView(e))
}

func (h *Handler) handlePause(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if paused {
			h.ok(c, h.engine.Pause(c.Request.Context(), caller(c)))
			return
		}
		h.ok(c, h.engine.Unpause(c.Request.Context(), caller(c)))
	}
}

func (h *Handler) handleVoucherRequired(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	h.ok(c, h.engine.SetVoucherRequired(c.Request.Context(), caller(c), req.Required))
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	a, err := parseAsset(req.Asset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.engine.WithdrawFunds(c.Request.Context(), caller(c), a, to, amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": amount.String(), "asset": assetLabel(a), "to": to.Hex()})
}

// onlyOwner guards routes that do not pass through an engine entry point.
func (h *Handler) onlyOwner(c *gin.Context) bool {
	if caller(c) != h.engine.Owner() {
		h.fail(c, errs.Unauthorized)
		return false
	}
	return true
}

func (h *Handler) handleIssueVoucher(c *gin.Context) {
	if !h.onlyOwner(c) {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	g := issuer.Grant{Buyer: buyer}
	if req.Beneficiary != "" {
		if g.Beneficiary, err = parseAddress(req.Beneficiary); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if g.PaymentToken, err = parseAsset(req.PaymentToken); err != nil {
		badRequest(c, err.Error())
		return
	}
	if g.USDLimit, err = pricing.ParseUSD(req.USDLimit); err != nil || g.USDLimit.Sign() == 0 {
		badRequest(c, "invalid usd_limit")
		return
	}
	if req.Deadline > 0 {
		g.Deadline = big.NewInt(req.Deadline)
	}

	v, err := h.issuer.Issue(c.Request.Context(), g)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *Handler) handleResync(c *gin.Context) {
	if !h.onlyOwner(c) {
		return
	}
	var req struct {
		Buyer string `json:"buyer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.issuer.Resync(c.Request.Context(), buyer); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buyer": buyer.Hex(), "resynced": true})
}
