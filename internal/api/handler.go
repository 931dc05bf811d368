// Package api exposes the presale engine over HTTP. Every mutating route is
// guarded by the wallet-signature middleware; the recovered wallet is the
// caller the engine checks buyer and admin rights against.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/asset"
	"github.com/0gfoundation/0g-token-presale/internal/auth"
	"github.com/0gfoundation/0g-token-presale/internal/issuer"
	"github.com/0gfoundation/0g-token-presale/internal/presale"
)

// Nonces exposes the authorizer's per-buyer voucher nonce.
type Nonces interface {
	Nonce(buyer common.Address) uint64
}

// Options are the optional collaborators of the handler.
type Options struct {
	Issuer   *issuer.Issuer                    // enables voucher delivery and issuing
	Nonces   Nonces                            // adds voucher_nonce to account views
	Ledgers  map[common.Address]*asset.Ledger // enables the dev ledger routes
	Gatherer prometheus.Gatherer               // served at /metrics
	Clock    func() time.Time                  // signature expiry clock
}

// Handler wires the presale routes onto a Gin engine.
type Handler struct {
	engine  *presale.Engine
	rdb     *redis.Client
	issuer  *issuer.Issuer
	nonces  Nonces
	ledgers map[common.Address]*asset.Ledger
	gather  prometheus.Gatherer
	clock   func() time.Time
	log     *zap.Logger
}

func NewHandler(engine *presale.Engine, rdb *redis.Client, opts Options, log *zap.Logger) *Handler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		engine:  engine,
		rdb:     rdb,
		issuer:  opts.Issuer,
		nonces:  opts.Nonces,
		ledgers: opts.Ledgers,
		gather:  opts.Gatherer,
		clock:   opts.Clock,
		log:     log,
	}
}

func (h *Handler) signed(action string) gin.HandlerFunc {
	return auth.MiddlewareWithClock(h.rdb, action, h.clock)
}

// Register mounts all routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{})))

	api := r.Group("/api")

	// ── Queries ────────────────────────────────────────────────────────────
	api.GET("/status", h.handleStatus)
	api.GET("/supply", h.handleSupply)
	api.GET("/price/:asset", h.handlePrice)
	api.GET("/prices/:round", h.handlePriceTable)
	api.GET("/rounds/:round", h.handleRoundSales)
	api.GET("/accounts/:address", h.handleAccount)
	api.GET("/accounts/:address/schedule", h.handleSchedule)

	// ── Buyer ──────────────────────────────────────────────────────────────
	api.POST("/purchase", h.signed("purchase"), h.handlePurchase)
	api.POST("/claim", h.signed("claim"), h.handleClaim)
	api.POST("/start", h.signed("start"), h.handleStart)
	if h.issuer != nil {
		api.GET("/vouchers/next", h.signed("vouchers.next"), h.handleNextVoucher)
	}

	// ── Admin ──────────────────────────────────────────────────────────────
	admin := api.Group("/admin")
	admin.POST("/advance", h.signed("admin.advance"), h.handleAdvance)
	admin.POST("/end", h.signed("admin.end"), h.handleEnd)
	admin.POST("/emergency-end", h.signed("admin.emergency_end"), h.handleEmergencyEnd)
	admin.POST("/price", h.signed("admin.price"), h.handleSetPrice)
	admin.POST("/emergency-price", h.signed("admin.emergency_price"), h.handleEmergencyPrice)
	admin.POST("/pause", h.signed("admin.pause"), h.handlePause(true))
	admin.POST("/unpause", h.signed("admin.unpause"), h.handlePause(false))
	admin.POST("/voucher-required", h.signed("admin.voucher_required"), h.handleVoucherRequired)
	admin.POST("/withdraw", h.signed("admin.withdraw"), h.handleWithdraw)
	if h.issuer != nil {
		admin.POST("/vouchers", h.signed("admin.issue_voucher"), h.handleIssueVoucher)
		admin.POST("/vouchers/resync", h.signed("admin.resync_vouchers"), h.handleResync)
	}

	// ── Dev ledgers ────────────────────────────────────────────────────────
	if h.ledgers != nil {
		api.GET("/ledger/:asset/:address", h.handleLedgerBalance)
		api.POST("/ledger/approve", h.signed("ledger.approve"), h.handleLedgerApprove)
		admin.POST("/ledger/mint", h.signed("admin.mint"), h.handleLedgerMint)
	}
}

// caller returns the authenticated wallet. The middleware always sets it on
// signed routes.
func caller(c *gin.Context) common.Address {
	addr, _ := auth.Caller(c)
	return addr
}

func roundParam(c *gin.Context) (int, bool) {
	round, err := strconv.Atoi(c.Param("round"))
	if err != nil {
		badRequest(c, "invalid round")
		return 0, false
	}
	return round, true
}

// ── Queries ─────────────────────────────────────────────────────────────────

func (h *Handler) handleStatus(c *gin.Context) {
	h.writeStatus(c)
}

func (h *Handler) writeStatus(c *gin.Context) {
	st, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatusView(st))
}

func (h *Handler) handleSupply(c *gin.Context) {
	st, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"max_tokens": st.MaxTokens.String(),
		"minted":     st.Minted.String(),
		"remaining":  st.Remaining.String(),
	})
}

func (h *Handler) handlePrice(c *gin.Context) {
	a, err := parseAsset(c.Param("asset"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	e, err := h.engine.Price(c.Request.Context(), a)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPriceView(e))
}

func (h *Handler) handlePriceTable(c *gin.Context) {
	round, ok := roundParam(c)
	if !ok {
		return
	}
	tbl, err := h.engine.PriceTable(c.Request.Context(), round)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]priceView, 0, len(tbl))
	for _, a := range tbl.Accepted() {
		out = append(out, toPriceView(tbl[a]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleRoundSales(c *gin.Context) {
	round, ok := roundParam(c)
	if !ok {
		return
	}
	rs, err := h.engine.RoundSales(c.Request.Context(), round)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoundSalesView(round, rs))
}

func (h *Handler) handleAccount(c *gin.Context) {
	who, err := parseAddress(c.Param("address"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	acct, err := h.engine.Account(c.Request.Context(), who)
	if err != nil {
		h.fail(c, err)
		return
	}
	v := toAccountView(acct)
	if h.nonces != nil {
		n := h.nonces.Nonce(who)
		v.VoucherNonce = &n
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) handleSchedule(c *gin.Context) {
	who, err := parseAddress(c.Param("address"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	sched, err := h.engine.Schedule(c.Request.Context(), who)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toUnlockViews(sched))
}
