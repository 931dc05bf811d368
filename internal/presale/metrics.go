package presale

import (
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
)

// Metrics are the engine's prometheus series. A nil *Metrics records nothing.
type Metrics struct {
	purchases  *prometheus.CounterVec
	tokensSold *prometheus.CounterVec
	usdRaised  *prometheus.CounterVec
	rejections *prometheus.CounterVec
	claims     prometheus.Counter
	claimedSum prometheus.Counter
	remainingG prometheus.Gauge
}

// NewMetrics registers the engine series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		purchases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presale_purchases_total",
			Help: "Accepted purchases by round and payment asset.",
		}, []string{"round", "asset"}),
		tokensSold: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presale_tokens_sold_total",
			Help: "Sale token base units sold by round.",
		}, []string{"round"}),
		usdRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presale_usd_raised_total",
			Help: "USD value of accepted purchases by round.",
		}, []string{"round"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presale_rejections_total",
			Help: "Rejected calls by operation and error kind.",
		}, []string{"op", "kind", "code"}),
		claims: f.NewCounter(prometheus.CounterOpts{
			Name: "presale_claims_total",
			Help: "Successful claims.",
		}),
		claimedSum: f.NewCounter(prometheus.CounterOpts{
			Name: "presale_tokens_claimed_total",
			Help: "Sale token base units released by claims.",
		}),
		remainingG: f.NewGauge(prometheus.GaugeOpts{
			Name: "presale_remaining_supply",
			Help: "Sale token base units still available.",
		}),
	}
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (m *Metrics) purchased(round int, a common.Address, tokens, usd, remaining *big.Int) {
	if m == nil {
		return
	}
	r := strconv.Itoa(round)
	m.purchases.WithLabelValues(r, assetName(a)).Inc()
	m.tokensSold.WithLabelValues(r).Add(toFloat(tokens))
	usdF, _ := new(big.Float).Quo(new(big.Float).SetInt(usd), big.NewFloat(math.Pow10(pricing.PriceDecimals))).Float64()
	m.usdRaised.WithLabelValues(r).Add(usdF)
	m.remainingG.Set(toFloat(remaining))
}

func (m *Metrics) claimed(amount *big.Int) {
	if m == nil {
		return
	}
	m.claims.Inc()
	m.claimedSum.Add(toFloat(amount))
}

func (m *Metrics) reject(op string, err error) {
	if m == nil {
		return
	}
	code := errs.CodeOf(err)
	if code == "" {
		code = "unknown"
	}
	m.rejections.WithLabelValues(op, errs.KindOf(err).String(), code).Inc()
}

func (m *Metrics) setRemaining(v *big.Int) {
	if m == nil {
		return
	}
	m.remainingG.Set(toFloat(v))
}
