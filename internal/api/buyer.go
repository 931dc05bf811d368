package api

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/issuer"
	"github.com/0gfoundation/0g-token-presale/internal/presale"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

func (h *Handler) handlePurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	a, err := parseAsset(req.Asset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var beneficiary common.Address
	if req.Beneficiary != "" {
		if beneficiary, err = parseAddress(req.Beneficiary); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	o := presale.Order{
		Buyer:       caller(c),
		Beneficiary: beneficiary,
		Asset:       a,
		Amount:      amount,
		Voucher:     req.Voucher,
	}
	var r presale.Receipt
	if a == voucher.NativeAsset {
		r, err = h.engine.PurchaseWithNative(c.Request.Context(), o)
	} else {
		r, err = h.engine.PurchaseWithAsset(c.Request.Context(), o)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toReceiptView(r))
}

func (h *Handler) handleClaim(c *gin.Context) {
	amount, err := h.engine.Claim(c.Request.Context(), caller(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": amount.String()})
}

func (h *Handler) handleStart(c *gin.Context) {
	if err := h.engine.StartSale(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.writeStatus(c)
}

// handleNextVoucher pops the caller's oldest queued voucher.
func (h *Handler) handleNextVoucher(c *gin.Context) {
	v, err := h.issuer.Next(c.Request.Context(), caller(c))
	if errors.Is(err, issuer.ErrOutboxEmpty) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("voucher pop failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, v)
}
