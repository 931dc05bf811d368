package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-token-presale/internal/asset"
)

// The dev ledger routes let buyers approve the presale and the owner mint
// test balances when the service runs on in-memory assets.

type ledgerRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to,omitempty"`
	Amount string `json:"amount"`
}

func (h *Handler) ledger(c *gin.Context, s string) (*asset.Ledger, common.Address, bool) {
	a, err := parseAsset(s)
	if err != nil {
		badRequest(c, err.Error())
		return nil, common.Address{}, false
	}
	l, ok := h.ledgers[a]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
		return nil, common.Address{}, false
	}
	return l, a, true
}

func (h *Handler) handleLedgerBalance(c *gin.Context) {
	l, a, ok := h.ledger(c, c.Param("asset"))
	if !ok {
		return
	}
	who, err := parseAddress(c.Param("address"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	bal, _ := l.BalanceOf(c.Request.Context(), who)
	c.JSON(http.StatusOK, gin.H{
		"asset":     assetLabel(a),
		"address":   who.Hex(),
		"balance":   bal.String(),
		"allowance": l.Allowance(who, h.engine.Address()).String(),
	})
}

func (h *Handler) handleLedgerApprove(c *gin.Context) {
	var req ledgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	l, a, ok := h.ledger(c, req.Asset)
	if !ok {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	l.Approve(caller(c), h.engine.Address(), amount)
	c.JSON(http.StatusOK, gin.H{"asset": assetLabel(a), "spender": h.engine.Address().Hex(), "allowance": amount.String()})
}

func (h *Handler) handleLedgerMint(c *gin.Context) {
	if !h.onlyOwner(c) {
		return
	}
	var req ledgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	l, a, ok := h.ledger(c, req.Asset)
	if !ok {
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
	l.Mint(to, amount)
	c.JSON(http.StatusOK, gin.H{"asset": assetLabel(a), "to": to.Hex(), "minted": amount.String()})
}
