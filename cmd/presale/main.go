package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/api"
	"github.com/0gfoundation/0g-token-presale/internal/asset"
	"github.com/0gfoundation/0g-token-presale/internal/authorizer"
	"github.com/0gfoundation/0g-token-presale/internal/config"
	"github.com/0gfoundation/0g-token-presale/internal/issuer"
	"github.com/0gfoundation/0g-token-presale/internal/keeper"
	"github.com/0gfoundation/0g-token-presale/internal/presale"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/sale"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Issuer key (optional) ─────────────────────────────────────────────────
	var signerKey *ecdsa.PrivateKey
	trusted := common.HexToAddress(cfg.Chain.TrustedSigner)
	if cfg.Chain.SignerKey != "" {
		signerKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.SignerKey, "0x"))
		if err != nil {
			log.Fatal("invalid SIGNER_KEY", zap.Error(err))
		}
		if cfg.Chain.TrustedSigner == "" {
			trusted = crypto.PubkeyToAddress(signerKey.PublicKey)
		}
	}

	chainID := big.NewInt(cfg.Chain.ChainID)
	presaleAddr := common.HexToAddress(cfg.Chain.PresaleAddress)
	authz := authorizer.New(common.HexToAddress(cfg.Chain.AuthorizerAddress), chainID, trusted, log.Named("authorizer"))

	// ── Assets ────────────────────────────────────────────────────────────────
	ledgers, entries, round2, err := buildAssets(cfg.Assets)
	if err != nil {
		log.Fatal("asset config invalid", zap.Error(err))
	}
	token := asset.NewLedger(cfg.Sale.TokenSymbol, 18)

	balances := make(map[common.Address]asset.Balances, len(ledgers))
	for a, l := range ledgers {
		balances[a] = l
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	policy, err := sale.ParsePolicy(cfg.Sale.RoundPolicy)
	if err != nil {
		log.Fatal("invalid ROUND_POLICY", zap.Error(err))
	}
	rate, ok := new(big.Int).SetString(cfg.Sale.PresaleRate, 10)
	if !ok {
		log.Fatal("invalid PRESALE_RATE")
	}
	maxTokens, ok := new(big.Int).SetString(cfg.Sale.MaxTokens, 10)
	if !ok {
		log.Fatal("invalid MAX_TOKENS")
	}
	owner := common.HexToAddress(cfg.Sale.Owner)

	engine, err := presale.New(presale.Config{
		Address: presaleAddr,
		Owner:   owner,
		Schedule: sale.Schedule{
			LaunchTime:     time.Unix(cfg.Sale.LaunchTime, 0),
			Round1Duration: cfg.Sale.Round1Duration,
			TotalDuration:  cfg.Sale.SaleDuration,
		},
		Policy:          policy,
		PresaleRate:     rate,
		MaxTokens:       maxTokens,
		VoucherRequired: cfg.Sale.VoucherRequired,
		Prices:          entries,
	}, presale.Deps{
		Authorizer: authz,
		Token:      token,
		Assets:     balances,
		Metrics:    presale.NewMetrics(prometheus.DefaultRegisterer),
	}, log.Named("presale"))
	if err != nil {
		log.Fatal("presale init failed", zap.Error(err))
	}
	for _, e := range round2 {
		if err := engine.SetRoundPrice(ctx, owner, 2, e); err != nil {
			log.Fatal("round 2 price", zap.String("asset", e.Asset.Hex()), zap.Error(err))
		}
	}

	// ── Issuer (signer key → sign → Redis outbox) ─────────────────────────────
	opts := api.Options{
		Nonces:   authz,
		Gatherer: prometheus.DefaultGatherer,
	}
	if signerKey != nil {
		opts.Issuer = issuer.New(
			signerKey,
			chainID,
			authz.Address(),
			presaleAddr,
			rdb,
			issuer.NonceReaderFunc(func(_ context.Context, buyer common.Address) (uint64, error) {
				return authz.Nonce(buyer), nil
			}),
			log.Named("issuer"),
		)
	}
	if cfg.Sale.DevLedgers {
		opts.Ledgers = ledgers
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	go keeper.Run(ctx, engine, rdb, keeper.Options{Interval: 15 * time.Second, AutoStart: true}, log.Named("keeper"))

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	api.NewHandler(engine, rdb, opts, log.Named("api")).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("presale", presaleAddr.Hex()),
			zap.String("policy", policy.String()),
			zap.Bool("issuer", signerKey != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// buildAssets turns the asset list into ledgers, the Round1 price entries
// and any Round2 overrides.
func buildAssets(list []config.AssetConfig) (map[common.Address]*asset.Ledger, []pricing.Entry, []pricing.Entry, error) {
	ledgers := make(map[common.Address]*asset.Ledger, len(list))
	var entries, round2 []pricing.Entry
	for i, a := range list {
		addr := voucher.NativeAsset
		if a.Address != "" && !strings.EqualFold(a.Address, "native") {
			if !common.IsHexAddress(a.Address) {
				return nil, nil, nil, fmt.Errorf("assets[%d]: invalid address %q", i, a.Address)
			}
			addr = common.HexToAddress(a.Address)
		}
		if _, dup := ledgers[addr]; dup {
			return nil, nil, nil, fmt.Errorf("assets[%d]: duplicate asset %s", i, addr.Hex())
		}
		price, err := pricing.ParseUSD(a.PriceUSD)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("assets[%d]: %w", i, err)
		}
		var opts []asset.Option
		if a.FeeBps > 0 {
			opts = append(opts, asset.WithTransferFee(a.FeeBps))
		}
		ledgers[addr] = asset.NewLedger(a.Symbol, a.Decimals, opts...)
		entries = append(entries, pricing.Entry{Asset: addr, PriceUSD: price, Decimals: a.Decimals, Active: true})

		if a.Round2PriceUSD != "" {
			p2, err := pricing.ParseUSD(a.Round2PriceUSD)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("assets[%d] round 2: %w", i, err)
			}
			round2 = append(round2, pricing.Entry{Asset: addr, PriceUSD: p2, Decimals: a.Decimals, Active: true})
		}
	}
	return ledgers, entries, round2, nil
}
