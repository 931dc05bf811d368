package presale

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/asset"
	"github.com/0gfoundation/0g-token-presale/internal/authorizer"
	"github.com/0gfoundation/0g-token-presale/internal/errs"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/sale"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

// ── fixture ───────────────────────────────────────────────────────────────────

var (
	chainID     = big.NewInt(31337)
	presaleAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	authAddr    = common.HexToAddress("0xA0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0")
	owner       = common.HexToAddress("0x0000000000000000000000000000000000000A11")
	buyer       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	friend      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdcAddr    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	fotAddr     = common.HexToAddress("0x4444444444444444444444444444444444444444")
	launch      = time.Unix(1_760_000_000, 0)
	day         = 24 * time.Hour
)

// 20 tokens per USD, i.e. $0.05 per token.
var rate = mul(20, 18)

func mul(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func usd(n int64) *big.Int { return mul(n, pricing.PriceDecimals) }
func tok(n int64) *big.Int { return mul(n, 18) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	e      *Engine
	auth   *authorizer.VoucherAuthorizer
	key    *ecdsa.PrivateKey
	clock  *clock
	native *asset.Ledger
	usdc   *asset.Ledger
	fot    *asset.Ledger
	token  *asset.Ledger
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, tweak ...func(*Config)) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		key:    key,
		clock:  &clock{now: launch},
		native: asset.NewLedger("ETH", 18),
		usdc:   asset.NewLedger("USDC", 6),
		fot:    asset.NewLedger("FOT", 6, asset.WithTransferFee(100)),
		token:  asset.NewLedger("SALE", 18),
		reg:    prometheus.NewRegistry(),
	}
	f.auth = authorizer.New(authAddr, chainID, crypto.PubkeyToAddress(key.PublicKey), zap.NewNop())

	cfg := Config{
		Address: presaleAddr,
		Owner:   owner,
		Schedule: sale.Schedule{
			LaunchTime:     launch,
			Round1Duration: 7 * day,
			TotalDuration:  14 * day,
		},
		Policy:          sale.PolicyAuto,
		PresaleRate:     rate,
		MaxTokens:       tok(1_000_000),
		VoucherRequired: true,
		Prices: []pricing.Entry{
			{Asset: voucher.NativeAsset, PriceUSD: usd(2000), Decimals: 18, Active: true},
			{Asset: usdcAddr, PriceUSD: usd(1), Decimals: 6, Active: true},
			{Asset: fotAddr, PriceUSD: usd(1), Decimals: 6, Active: true},
		},
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	f.e, err = New(cfg, Deps{
		Authorizer: f.auth,
		Token:      f.token,
		Assets: map[common.Address]asset.Balances{
			voucher.NativeAsset: f.native,
			usdcAddr:            f.usdc,
			fotAddr:             f.fot,
		},
		Clock:   f.clock.Now,
		Metrics: NewMetrics(f.reg),
	}, zap.NewNop())
	require.NoError(t, err)

	f.native.Mint(buyer, tok(100))
	f.usdc.Mint(buyer, mul(1_000_000, 6))
	f.usdc.Approve(buyer, presaleAddr, mul(1_000_000, 6))
	f.fot.Mint(buyer, mul(10_000, 6))
	f.fot.Approve(buyer, presaleAddr, mul(10_000, 6))
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.e.StartSale(context.Background()))
}

func (f *fixture) voucherFor(t *testing.T, payment common.Address, limit *big.Int, nonce int64) *voucher.PresaleVoucher {
	t.Helper()
	v := &voucher.PresaleVoucher{
		Buyer:        buyer,
		Beneficiary:  buyer,
		PaymentToken: payment,
		USDLimit:     limit,
		Nonce:        big.NewInt(nonce),
		Deadline:     voucher.NoDeadline,
		Presale:      presaleAddr,
	}
	require.NoError(t, voucher.Sign(v, f.key, chainID, authAddr))
	return v
}

func (f *fixture) buyUSDC(t *testing.T, amount *big.Int, nonce int64) (Receipt, error) {
	t.Helper()
	return f.e.PurchaseWithAsset(context.Background(), Order{
		Buyer:   buyer,
		Asset:   usdcAddr,
		Amount:  amount,
		Voucher: f.voucherFor(t, usdcAddr, usd(10_000), nonce),
	})
}

func balanceOf(t *testing.T, b asset.Balances, who common.Address) *big.Int {
	t.Helper()
	v, err := b.BalanceOf(context.Background(), who)
	require.NoError(t, err)
	return v
}

func (f *fixture) status(t *testing.T) Status {
	t.Helper()
	st, err := f.e.Status(context.Background())
	require.NoError(t, err)
	return st
}

func (f *fixture) account(t *testing.T, who common.Address) AccountView {
	t.Helper()
	a, err := f.e.Account(context.Background(), who)
	require.NoError(t, err)
	return a
}

func (f *fixture) remaining(t *testing.T) *big.Int {
	t.Helper()
	r, err := f.e.RemainingSupply(context.Background())
	require.NoError(t, err)
	return r
}

func (f *fixture) voucherUsed(t *testing.T, h common.Hash) bool {
	t.Helper()
	used, err := f.e.VoucherUsed(context.Background(), h)
	require.NoError(t, err)
	return used
}

// ── start ─────────────────────────────────────────────────────────────────────

func TestStartSale_BeforeLaunch(t *testing.T) {
	f := newFixture(t)
	f.clock.set(launch.Add(-time.Second))

	err := f.e.StartSale(context.Background())
	require.ErrorIs(t, err, sale.ErrLaunchTimeNotReached)
	require.Equal(t, sale.NotStarted, f.status(t).Phase)
	require.Zero(t, balanceOf(t, f.token, presaleAddr).Sign(), "no allocation on failed start")
}

func TestStartSale_AllocatesOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	st := f.status(t)
	require.Equal(t, sale.Round1, st.Phase)
	require.Equal(t, launch.Unix(), st.StartTime)
	require.Equal(t, launch.Add(7*day).Unix(), st.Round1EndTime)
	require.Equal(t, launch.Add(14*day).Unix(), st.SaleEndTime)
	require.Equal(t, 0, balanceOf(t, f.token, presaleAddr).Cmp(tok(1_000_000)))

	require.ErrorIs(t, f.e.StartSale(context.Background()), sale.ErrAlreadyStarted)
	require.Equal(t, 0, f.token.TotalSupply().Cmp(tok(1_000_000)))
}

// ── purchase ──────────────────────────────────────────────────────────────────

func TestPurchase_BeforeStart(t *testing.T) {
	f := newFixture(t)
	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.ErrorIs(t, err, sale.ErrSaleNotStarted)
	require.Equal(t, uint64(0), f.auth.Nonce(buyer))
}

func TestPurchaseWithAsset_CreditsAndConsumes(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	v := f.voucherFor(t, usdcAddr, usd(10_000), 0)
	r, err := f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(1000, 6), Voucher: v})
	require.NoError(t, err)
	require.Equal(t, 0, r.USD.Cmp(usd(1000)))
	require.Equal(t, 0, r.Tokens.Cmp(tok(20_000)))
	require.Equal(t, 1, r.Round)

	acct := f.account(t, buyer)
	require.Equal(t, 0, acct.TotalPurchased.Cmp(tok(20_000)))
	require.Equal(t, uint64(1), f.auth.Nonce(buyer))
	require.True(t, f.voucherUsed(t, common.Hash(voucher.StructHash(v))))
	require.Equal(t, 0, balanceOf(t, f.usdc, presaleAddr).Cmp(mul(1000, 6)))
	require.Equal(t, 0, f.remaining(t).Cmp(tok(980_000)))

	rs, err := f.e.RoundSales(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rs.Purchases)
	require.Equal(t, 0, rs.Raised[usdcAddr].Cmp(mul(1000, 6)))
}

func TestPurchase_ReplayRejectedWithInvalidNonce(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	v := f.voucherFor(t, usdcAddr, usd(10_000), 0)
	o := Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(1000, 6), Voucher: v}
	_, err := f.e.PurchaseWithAsset(ctx, o)
	require.NoError(t, err)

	_, err = f.e.PurchaseWithAsset(ctx, o)
	require.ErrorIs(t, err, authorizer.ErrInvalidNonce)
	require.Equal(t, 0, f.account(t, buyer).TotalPurchased.Cmp(tok(20_000)))
	require.Equal(t, uint64(1), f.auth.Nonce(buyer))
}

func TestPurchase_SecondVoucherWithNextNonce(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.buyUSDC(t, mul(100, 6), 0)
	require.NoError(t, err)
	_, err = f.buyUSDC(t, mul(100, 6), 1)
	require.NoError(t, err)
	require.Equal(t, 0, f.account(t, buyer).TotalPurchased.Cmp(tok(4_000)))
}

func TestPurchase_OtherCallerRejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.e.PurchaseWithAsset(context.Background(), Order{
		Buyer:   friend,
		Asset:   usdcAddr,
		Amount:  mul(10, 6),
		Voucher: f.voucherFor(t, usdcAddr, usd(10_000), 0),
	})
	require.ErrorIs(t, err, authorizer.ErrBuyerMismatch)
	require.Equal(t, errs.KindAuthorization, errs.KindOf(err))
}

func TestPurchase_BeneficiaryCredited(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	v := &voucher.PresaleVoucher{
		Buyer:        buyer,
		Beneficiary:  friend,
		PaymentToken: usdcAddr,
		USDLimit:     usd(10_000),
		Nonce:        big.NewInt(0),
		Deadline:     voucher.NoDeadline,
		Presale:      presaleAddr,
	}
	require.NoError(t, voucher.Sign(v, f.key, chainID, authAddr))

	// defaulting the beneficiary to the buyer does not match the voucher
	_, err := f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(50, 6), Voucher: v})
	require.ErrorIs(t, err, authorizer.ErrBeneficiaryMismatch)

	_, err = f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Beneficiary: friend, Asset: usdcAddr, Amount: mul(50, 6), Voucher: v})
	require.NoError(t, err)
	require.Equal(t, 0, f.account(t, friend).TotalPurchased.Cmp(tok(1_000)))
	require.Zero(t, f.account(t, buyer).TotalPurchased.Sign())
}

func TestPurchase_VoucherLimit(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.e.PurchaseWithAsset(context.Background(), Order{
		Buyer:   buyer,
		Asset:   usdcAddr,
		Amount:  mul(1001, 6),
		Voucher: f.voucherFor(t, usdcAddr, usd(1000), 0),
	})
	require.ErrorIs(t, err, authorizer.ErrInsufficientLimit)
}

func TestPurchaseWithNative(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	r, err := f.e.PurchaseWithNative(ctx, Order{
		Buyer:   buyer,
		Amount:  mul(1, 17), // 0.1 native at $2000
		Voucher: f.voucherFor(t, voucher.NativeAsset, usd(10_000), 0),
	})
	require.NoError(t, err)
	require.Equal(t, 0, r.USD.Cmp(usd(200)))
	require.Equal(t, 0, r.Tokens.Cmp(tok(4_000)))
	require.Equal(t, 0, balanceOf(t, f.native, presaleAddr).Cmp(mul(1, 17)))
}

func TestPurchaseWithAsset_RejectsNativeSentinel(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.e.PurchaseWithAsset(context.Background(), Order{
		Buyer:   buyer,
		Asset:   voucher.NativeAsset,
		Amount:  mul(1, 17),
		Voucher: f.voucherFor(t, voucher.NativeAsset, usd(10_000), 0),
	})
	require.ErrorIs(t, err, ErrInvalidAsset)
}

func TestPurchase_DustRejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.e.PurchaseWithNative(context.Background(), Order{
		Buyer:   buyer,
		Amount:  big.NewInt(1), // 1 wei is worth 0 USD units
		Voucher: f.voucherFor(t, voucher.NativeAsset, usd(10_000), 0),
	})
	require.ErrorIs(t, err, pricing.ErrDustAmount)
	require.Equal(t, errs.KindArithmetic, errs.KindOf(err))
	require.Equal(t, uint64(0), f.auth.Nonce(buyer))
	require.Equal(t, 0, balanceOf(t, f.native, buyer).Cmp(tok(100)), "dust value stays with the buyer")
	require.Zero(t, balanceOf(t, f.native, presaleAddr).Sign())
}

func TestPurchase_UnacceptedAsset(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	other := common.HexToAddress("0x9999999999999999999999999999999999999999")

	_, err := f.e.PurchaseWithAsset(context.Background(), Order{
		Buyer:   buyer,
		Asset:   other,
		Amount:  mul(10, 6),
		Voucher: f.voucherFor(t, other, usd(10_000), 0),
	})
	require.ErrorIs(t, err, pricing.ErrAssetNotAccepted)
}

func TestPurchase_SupplyCap(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxTokens = tok(20_000) })
	f.start(t)

	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.NoError(t, err)
	require.Zero(t, f.remaining(t).Sign())

	_, err = f.buyUSDC(t, mul(1, 6), 1)
	require.ErrorIs(t, err, ErrSupplyExceeded)
	require.Equal(t, uint64(1), f.auth.Nonce(buyer), "nonce rolled back with the failed purchase")
}

func TestPurchase_FeeOnTransferRejectedAndRefunded(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	v := f.voucherFor(t, fotAddr, usd(10_000), 0)
	_, err := f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Asset: fotAddr, Amount: mul(1000, 6), Voucher: v})
	require.ErrorIs(t, err, asset.ErrUnsupportedAsset)
	require.Equal(t, errs.KindAssetTransfer, errs.KindOf(err))

	// nothing recorded, the 990 delivered came back less the fee on the refund
	require.Zero(t, f.account(t, buyer).TotalPurchased.Sign())
	require.Equal(t, uint64(0), f.auth.Nonce(buyer))
	require.False(t, f.voucherUsed(t, common.Hash(voucher.StructHash(v))))
	require.Equal(t, 0, f.remaining(t).Cmp(tok(1_000_000)))
	require.Zero(t, balanceOf(t, f.fot, presaleAddr).Sign())
	require.Equal(t, 0, balanceOf(t, f.fot, buyer).Cmp(big.NewInt(9_980_100_000)))
}

func TestPurchase_ReentrantCallRejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var (
		innerErr  error
		remaining *big.Int
	)
	f.usdc.SetHook(func(ctx context.Context, from, to common.Address, amount *big.Int) {
		if to != presaleAddr {
			return
		}
		_, innerErr = f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(1, 6)})
		remaining, _ = f.e.RemainingSupply(ctx)
	})

	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.NoError(t, err)
	require.ErrorIs(t, innerErr, ErrReentrantCall)
	// effects were applied before the payment moved
	require.Equal(t, 0, remaining.Cmp(tok(980_000)))
}

func TestPurchase_ReentryWithFreshContextRejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var (
		viewErr, buyErr error
		calls           int
	)
	f.usdc.SetHook(func(_ context.Context, from, to common.Address, amount *big.Int) {
		if to != presaleAddr {
			return
		}
		calls++
		// a hostile asset that drops the context it was handed
		_, viewErr = f.e.RemainingSupply(context.Background())
		_, buyErr = f.e.PurchaseWithAsset(context.Background(), Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(1, 6)})
	})

	o := Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(1000, 6), Voucher: f.voucherFor(t, usdcAddr, usd(10_000), 0)}
	done := make(chan error, 1)
	go func() {
		_, err := f.e.PurchaseWithAsset(context.Background(), o)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("purchase blocked on a re-entrant call")
	}
	require.Equal(t, 1, calls)
	require.ErrorIs(t, viewErr, ErrReentrantCall)
	require.ErrorIs(t, buyErr, ErrReentrantCall)

	// the guard is released once the collaborator returns
	f.usdc.SetHook(nil)
	require.Equal(t, 0, f.remaining(t).Cmp(tok(980_000)))
	_, err := f.buyUSDC(t, mul(10, 6), 1)
	require.NoError(t, err)
}

func TestPurchase_ReentryFromAuthorizerRejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var statusErr error
	hook := authorizerFunc(func(context.Context, authorizer.Request) (authorizer.Undo, error) {
		_, statusErr = f.e.Status(context.Background())
		return func() {}, nil
	})
	require.NoError(t, f.e.SetAuthorizer(context.Background(), owner, hook))

	o := Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(10, 6), Voucher: f.voucherFor(t, usdcAddr, usd(10_000), 0)}
	done := make(chan error, 1)
	go func() {
		_, err := f.e.PurchaseWithAsset(context.Background(), o)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("purchase blocked on a re-entrant call")
	}
	require.ErrorIs(t, statusErr, ErrReentrantCall)
}

type authorizerFunc func(context.Context, authorizer.Request) (authorizer.Undo, error)

func (fn authorizerFunc) Authorize(ctx context.Context, r authorizer.Request) (authorizer.Undo, error) {
	return fn(ctx, r)
}

type stubAuthorizer struct {
	undone int
}

func (s *stubAuthorizer) Authorize(context.Context, authorizer.Request) (authorizer.Undo, error) {
	return func() { s.undone++ }, nil
}

func TestPurchase_FailureRunsAuthorizerUndo(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxTokens = tok(100) })
	f.start(t)
	stub := &stubAuthorizer{}
	require.NoError(t, f.e.SetAuthorizer(context.Background(), owner, stub))

	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.ErrorIs(t, err, ErrSupplyExceeded)
	require.Equal(t, 1, stub.undone)
}

func TestPurchase_ConsumedSetCatchesLenientAuthorizer(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.NoError(t, f.e.SetAuthorizer(context.Background(), owner, &stubAuthorizer{}))

	v := f.voucherFor(t, usdcAddr, usd(10_000), 0)
	h := common.Hash(voucher.StructHash(v))
	require.False(t, f.voucherUsed(t, h))

	_, err := f.buyUSDC(t, mul(100, 6), 0)
	require.NoError(t, err)
	require.True(t, f.voucherUsed(t, h))

	_, err = f.buyUSDC(t, mul(100, 6), 0)
	require.ErrorIs(t, err, ErrVoucherAlreadyUsed)
	require.Equal(t, 0, f.account(t, buyer).TotalPurchased.Cmp(tok(2_000)))
}

func TestPurchase_MalformedVoucherWithLenientAuthorizer(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	stub := &stubAuthorizer{}
	require.NoError(t, f.e.SetAuthorizer(context.Background(), owner, stub))

	v := &voucher.PresaleVoucher{Buyer: buyer, Beneficiary: buyer, PaymentToken: usdcAddr}
	var err error
	require.NotPanics(t, func() {
		_, err = f.e.PurchaseWithAsset(context.Background(), Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(10, 6), Voucher: v})
	})
	require.ErrorIs(t, err, authorizer.ErrMalformedVoucher)
	require.Zero(t, stub.undone, "authorizer never consulted")

	require.Zero(t, f.account(t, buyer).TotalPurchased.Sign())
	require.Equal(t, 0, f.remaining(t).Cmp(tok(1_000_000)))
	require.Zero(t, balanceOf(t, f.usdc, presaleAddr).Sign())
}

func TestPurchase_PanickingCollaboratorReverts(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.clock.set(launch.Add(8 * day))
	require.NoError(t, f.e.SetAuthorizer(context.Background(), owner, authorizerFunc(
		func(context.Context, authorizer.Request) (authorizer.Undo, error) {
			panic("authorizer exploded")
		})))

	require.Panics(t, func() {
		_, _ = f.buyUSDC(t, mul(10, 6), 0)
	})

	// the lazy round transition was undone and the lock released
	require.Equal(t, sale.Round1, f.status(t).Phase)
	require.Equal(t, 0, f.remaining(t).Cmp(tok(1_000_000)))
	require.NoError(t, f.e.SetAuthorizer(context.Background(), owner, f.auth))
	_, err := f.buyUSDC(t, mul(10, 6), 0)
	require.NoError(t, err)
}

func TestPurchase_Paused(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	require.ErrorIs(t, f.e.Pause(ctx, buyer), errs.Unauthorized)
	require.NoError(t, f.e.Pause(ctx, owner))
	_, err := f.buyUSDC(t, mul(10, 6), 0)
	require.ErrorIs(t, err, ErrPaused)

	require.NoError(t, f.e.Unpause(ctx, owner))
	_, err = f.buyUSDC(t, mul(10, 6), 0)
	require.NoError(t, err)
}

func TestPurchase_VoucherNotRequired(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	_, err := f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(10, 6)})
	require.ErrorIs(t, err, ErrVoucherRequired)

	require.NoError(t, f.e.SetVoucherRequired(ctx, owner, false))
	_, err = f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Beneficiary: friend, Asset: usdcAddr, Amount: mul(10, 6)})
	require.NoError(t, err)
	require.Equal(t, 0, f.account(t, friend).TotalPurchased.Cmp(tok(200)))
	require.Equal(t, uint64(0), f.auth.Nonce(buyer))
}

// ── rounds ────────────────────────────────────────────────────────────────────

func TestAutoPolicy_AdvancesOnFirstPurchaseAfterRound1(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.e.SetRoundPrice(ctx, owner, 2, pricing.Entry{
		Asset: usdcAddr, PriceUSD: usd(2), Decimals: 6, Active: true,
	}))
	f.start(t)

	f.clock.set(launch.Add(7 * day))
	st := f.status(t)
	require.Equal(t, sale.Round1, st.Phase)
	require.Equal(t, sale.Round2, st.EffectivePhase)

	r, err := f.buyUSDC(t, mul(100, 6), 0)
	require.NoError(t, err)
	require.Equal(t, 2, r.Round)
	require.Equal(t, 0, r.Tokens.Cmp(tok(4_000)), "round 2 prices the dollar at $2")
	require.Equal(t, sale.Round2, f.status(t).Phase)

	require.ErrorIs(t, f.e.AdvanceRound(ctx, owner, pricing.PriceSet{usdcAddr: usd(3)}), ErrPolicyMismatch)
}

func TestFailedPurchase_RevertsLazyTransition(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	f.clock.set(launch.Add(8 * day))

	v := f.voucherFor(t, usdcAddr, usd(10_000), 0)
	v.Signature[5] ^= 0xff
	_, err := f.e.PurchaseWithAsset(ctx, Order{Buyer: buyer, Asset: usdcAddr, Amount: mul(10, 6), Voucher: v})
	require.ErrorIs(t, err, authorizer.ErrInvalidSignature)
	require.Equal(t, sale.Round1, f.status(t).Phase)
}

func TestAdminPolicy_AdvanceRound(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Policy = sale.PolicyAdmin })
	f.start(t)
	ctx := context.Background()

	// no clock-driven round advance under the admin policy
	f.clock.set(launch.Add(8 * day))
	require.Equal(t, sale.Round1, f.status(t).EffectivePhase)

	same := pricing.PriceSet{voucher.NativeAsset: usd(2000), usdcAddr: usd(1), fotAddr: usd(1)}
	require.ErrorIs(t, f.e.AdvanceRound(ctx, owner, same), pricing.ErrUnchangedPrices)
	require.ErrorIs(t, f.e.AdvanceRound(ctx, owner, pricing.PriceSet{usdcAddr: usd(2)}), pricing.ErrIncompletePriceSet)
	require.ErrorIs(t, f.e.AdvanceRound(ctx, buyer, same), errs.Unauthorized)

	next := pricing.PriceSet{voucher.NativeAsset: usd(2500), usdcAddr: usd(1), fotAddr: usd(1)}
	require.NoError(t, f.e.AdvanceRound(ctx, owner, next))
	require.Equal(t, sale.Round2, f.status(t).Phase)

	p, err := f.e.Price(ctx, voucher.NativeAsset)
	require.NoError(t, err)
	require.Equal(t, 0, p.PriceUSD.Cmp(usd(2500)))
	require.Equal(t, uint8(18), p.Decimals)

	require.ErrorIs(t, f.e.AdvanceRound(ctx, owner, next), sale.ErrWrongPhase)
}

func TestPrices_LockedAfterStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := pricing.Entry{Asset: usdcAddr, PriceUSD: usd(1), Decimals: 6, Active: true}

	require.ErrorIs(t, f.e.SetAssetPrice(ctx, buyer, entry), errs.Unauthorized)
	require.NoError(t, f.e.SetAssetPrice(ctx, owner, entry))
	f.start(t)
	require.ErrorIs(t, f.e.SetAssetPrice(ctx, owner, entry), ErrPricesLocked)
	require.ErrorIs(t, f.e.SetRoundPrice(ctx, owner, 2, entry), ErrPricesLocked)
}

func TestSetEmergencyPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.e.SetEmergencyPrice(ctx, owner, usdcAddr, usd(2)), ErrNoActiveRound)
	f.start(t)
	require.ErrorIs(t, f.e.SetEmergencyPrice(ctx, owner, usdcAddr, big.NewInt(0)), pricing.ErrInvalidPrice)
	require.NoError(t, f.e.SetEmergencyPrice(ctx, owner, usdcAddr, usd(2)))

	r, err := f.buyUSDC(t, mul(100, 6), 0)
	require.NoError(t, err)
	require.Equal(t, 0, r.USD.Cmp(usd(200)))
}

// ── end and claim ─────────────────────────────────────────────────────────────

func TestEndSale_OnlyFromRound2(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	require.ErrorIs(t, f.e.EndSale(ctx, owner), sale.ErrWrongPhase)
	f.clock.set(launch.Add(7 * day))
	require.ErrorIs(t, f.e.EndSale(ctx, buyer), errs.Unauthorized)
	require.NoError(t, f.e.EndSale(ctx, owner))

	st := f.status(t)
	require.Equal(t, sale.Ended, st.Phase)
	require.True(t, st.TGESet)
	require.Equal(t, launch.Add(7*day).Unix(), st.TGE)

	_, err := f.buyUSDC(t, mul(10, 6), 0)
	require.ErrorIs(t, err, sale.ErrSaleEnded)
	require.ErrorIs(t, f.e.EmergencyEndSale(ctx, owner), sale.ErrSaleEnded)
}

func TestEmergencyEndSale_FromRound1(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.ErrorIs(t, f.e.EmergencyEndSale(ctx, owner), sale.ErrSaleNotStarted)
	f.start(t)
	f.clock.set(launch.Add(day))
	require.NoError(t, f.e.EmergencyEndSale(ctx, owner))
	require.Equal(t, launch.Add(day).Unix(), f.status(t).TGE)
}

func TestClaim_VestingSchedule(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	_, err := f.buyUSDC(t, mul(1000, 6), 0) // 20,000 tokens
	require.NoError(t, err)

	_, err = f.e.Claim(ctx, buyer)
	require.ErrorIs(t, err, ErrNothingToClaim, "no claims before the TGE")
	_, err = f.e.Schedule(ctx, buyer)
	require.ErrorIs(t, err, ErrSaleNotEnded)

	f.clock.set(launch.Add(7 * day))
	require.NoError(t, f.e.EndSale(ctx, owner))
	tge := f.clock.Now()

	got, err := f.e.Claim(ctx, buyer)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(tok(5_000)))
	_, err = f.e.Claim(ctx, buyer)
	require.ErrorIs(t, err, ErrNothingToClaim)

	f.clock.set(tge.Add(30 * day))
	got, err = f.e.Claim(ctx, buyer)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(tok(5_000)))

	sched, err := f.e.Schedule(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, sched, 4)
	require.True(t, sched[1].Unlocked)
	require.False(t, sched[2].Unlocked)

	f.clock.set(tge.Add(95 * day))
	got, err = f.e.Claim(ctx, buyer)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(tok(10_000)))

	acct := f.account(t, buyer)
	require.True(t, acct.FullyClaimed)
	require.Equal(t, 0, acct.Claimed.Cmp(tok(20_000)))
	require.Equal(t, 0, balanceOf(t, f.token, buyer).Cmp(tok(20_000)))

	_, err = f.e.Claim(ctx, buyer)
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestClaim_SaleEndedByClock(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.NoError(t, err)

	end := launch.Add(14 * day)
	f.clock.set(end.Add(time.Hour))
	got, err := f.e.Claim(ctx, buyer)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(tok(5_000)))

	st := f.status(t)
	require.Equal(t, sale.Ended, st.Phase)
	require.Equal(t, end.Unix(), st.TGE)
}

func TestClaim_NoPurchase(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.clock.set(launch.Add(15 * day))
	_, err := f.e.Claim(context.Background(), friend)
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestClaim_Paused(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.NoError(t, err)
	f.clock.set(launch.Add(15 * day))

	require.NoError(t, f.e.Pause(context.Background(), owner))
	_, err = f.e.Claim(context.Background(), buyer)
	require.ErrorIs(t, err, ErrPaused)
	require.Zero(t, f.account(t, buyer).Claimed.Sign())
}

// ── admin and metrics ─────────────────────────────────────────────────────────

func TestWithdrawFunds(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.NoError(t, err)

	treasury := common.HexToAddress("0x7777777777777777777777777777777777777777")
	require.ErrorIs(t, f.e.WithdrawFunds(ctx, buyer, usdcAddr, treasury, mul(1, 6)), errs.Unauthorized)
	require.NoError(t, f.e.WithdrawFunds(ctx, owner, usdcAddr, treasury, mul(1000, 6)))
	require.Equal(t, 0, balanceOf(t, f.usdc, treasury).Cmp(mul(1000, 6)))

	err = f.e.WithdrawFunds(ctx, owner, usdcAddr, treasury, mul(1, 6))
	require.ErrorIs(t, err, asset.ErrTransferFailed)
}

func TestSetAuthorizer_RejectsNil(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.e.SetAuthorizer(context.Background(), owner, nil), ErrZeroAuthorizer)
}

func TestMetrics_Recorded(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.buyUSDC(t, mul(1000, 6), 0)
	require.NoError(t, err)
	_, err = f.buyUSDC(t, mul(1000, 6), 0)
	require.Error(t, err)

	families, err := f.reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names["presale_purchases_total"])
	require.True(t, names["presale_rejections_total"])
	require.True(t, names["presale_remaining_supply"])
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Owner: owner}, Deps{Authorizer: &stubAuthorizer{}, Token: asset.NewLedger("S", 18)}, nil)
	require.Error(t, err)
}
