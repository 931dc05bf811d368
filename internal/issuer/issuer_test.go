package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var (
	// Fixed deterministic test key (not used anywhere outside tests)
	testPrivKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testChainID    = big.NewInt(31337)
	testAuthorizer = common.HexToAddress("0xA0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0")
	testPresale    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testBuyer      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testUSDC       = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type mockNonceReader struct {
	next uint64
	err  error
}

func (m *mockNonceReader) NextNonce(context.Context, common.Address) (uint64, error) {
	return m.next, m.err
}

func newTestIssuer(t *testing.T, reader NonceReader) (*Issuer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	privKey, err := crypto.HexToECDSA(testPrivKeyHex)
	if err != nil {
		t.Fatalf("load test private key: %v", err)
	}
	return New(privKey, testChainID, testAuthorizer, testPresale, rdb, reader, zap.NewNop()), rdb
}

func grant(limit int64) Grant {
	return Grant{Buyer: testBuyer, PaymentToken: testUSDC, USDLimit: big.NewInt(limit)}
}

// ── IncrNonce ─────────────────────────────────────────────────────────────────

func TestIncrNonce_StartsAtZero(t *testing.T) {
	s, _ := newTestIssuer(t, &mockNonceReader{})
	ctx := context.Background()
	for want := int64(0); want < 3; want++ {
		n, err := s.IncrNonce(ctx, testBuyer)
		if err != nil {
			t.Fatalf("IncrNonce: %v", err)
		}
		if n.Int64() != want {
			t.Errorf("nonce: got %d want %d", n.Int64(), want)
		}
	}
}

func TestIncrNonce_SeedsFromReader(t *testing.T) {
	s, _ := newTestIssuer(t, &mockNonceReader{next: 5})
	ctx := context.Background()

	n1, _ := s.IncrNonce(ctx, testBuyer)
	n2, _ := s.IncrNonce(ctx, testBuyer)
	if n1.Int64() != 5 || n2.Int64() != 6 {
		t.Errorf("seeded nonces: got %d,%d want 5,6", n1.Int64(), n2.Int64())
	}
}

func TestIncrNonce_ReaderUnavailable_StartsAtZero(t *testing.T) {
	s, _ := newTestIssuer(t, &mockNonceReader{err: errors.New("presale unreachable")})
	n, err := s.IncrNonce(context.Background(), testBuyer)
	if err != nil {
		t.Fatalf("IncrNonce must not error when the reader is down: %v", err)
	}
	if n.Int64() != 0 {
		t.Errorf("fallback nonce: got %d want 0", n.Int64())
	}
}

func TestIncrNonce_KeyIsLowercase(t *testing.T) {
	s, rdb := newTestIssuer(t, nil)
	ctx := context.Background()
	s.IncrNonce(ctx, testBuyer) //nolint:errcheck

	key := fmt.Sprintf(voucher.IssuerNonceKeyFmt,
		strings.ToLower(testPresale.Hex()), strings.ToLower(testBuyer.Hex()))
	val, err := rdb.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("nonce key not found: %v", err)
	}
	if val != "1" {
		t.Errorf("counter: got %q want 1", val)
	}
}

func TestIncrNonce_ConcurrentSeed(t *testing.T) {
	s, _ := newTestIssuer(t, &mockNonceReader{next: 100})
	ctx := context.Background()

	results := make(chan int64, 2)
	for i := 0; i < 2; i++ {
		go func() {
			n, err := s.IncrNonce(ctx, testBuyer)
			if err != nil {
				t.Errorf("IncrNonce goroutine: %v", err)
				results <- -1
				return
			}
			results <- n.Int64()
		}()
	}
	n1, n2 := <-results, <-results
	if n1 == n2 {
		t.Errorf("concurrent IncrNonce returned duplicate nonce %d", n1)
	}
	for _, n := range []int64{n1, n2} {
		if n < 100 {
			t.Errorf("nonce %d should not be below the seed 100", n)
		}
	}
}

// ── Issue / outbox ────────────────────────────────────────────────────────────

func TestIssue_SignatureVerifiable(t *testing.T) {
	s, _ := newTestIssuer(t, nil)
	ctx := context.Background()

	if _, err := s.Issue(ctx, grant(1_000_00000000)); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := s.Next(ctx, testBuyer)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	recovered, err := voucher.Recover(got, testChainID, testAuthorizer)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != s.Signer() {
		t.Errorf("recovered signer: got %s want %s", recovered.Hex(), s.Signer().Hex())
	}
	if got.Beneficiary != testBuyer || got.Presale != testPresale || !got.NeverExpires() {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestIssue_QueueItemIsJSON(t *testing.T) {
	s, rdb := newTestIssuer(t, nil)
	ctx := context.Background()
	s.Issue(ctx, grant(42)) //nolint:errcheck

	raw, err := rdb.LPop(ctx, fmt.Sprintf(voucher.OutboxKeyFmt, testBuyer.Hex())).Result()
	if err != nil {
		t.Fatalf("LPop: %v", err)
	}
	var got voucher.PresaleVoucher
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("queue item is not valid JSON: %v", err)
	}
	if got.USDLimit.Int64() != 42 || len(got.Signature) != 65 {
		t.Errorf("decoded: limit=%s sig=%d bytes", got.USDLimit, len(got.Signature))
	}
}

func TestIssue_FIFOOrder(t *testing.T) {
	s, _ := newTestIssuer(t, nil)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, err := s.Issue(ctx, grant(i*100)); err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
	}
	if n, _ := s.Pending(ctx, testBuyer); n != 3 {
		t.Fatalf("pending: got %d want 3", n)
	}
	for i := int64(0); i < 3; i++ {
		v, err := s.Next(ctx, testBuyer)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if v.Nonce.Int64() != i {
			t.Errorf("FIFO order: got nonce %s want %d", v.Nonce, i)
		}
	}
	if _, err := s.Next(ctx, testBuyer); !errors.Is(err, ErrOutboxEmpty) {
		t.Errorf("drained outbox: got %v want ErrOutboxEmpty", err)
	}
}

func TestIssue_RejectsZeroLimit(t *testing.T) {
	s, _ := newTestIssuer(t, nil)
	if _, err := s.Issue(context.Background(), grant(0)); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestResync_ReseedsAndDropsQueue(t *testing.T) {
	reader := &mockNonceReader{}
	s, _ := newTestIssuer(t, reader)
	ctx := context.Background()

	s.Issue(ctx, grant(1)) //nolint:errcheck
	s.Issue(ctx, grant(1)) //nolint:errcheck
	reader.next = 1 // only the first voucher was redeemed

	if err := s.Resync(ctx, testBuyer); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if n, _ := s.Pending(ctx, testBuyer); n != 0 {
		t.Errorf("pending after resync: got %d want 0", n)
	}
	v, err := s.Issue(ctx, grant(1))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if v.Nonce.Int64() != 1 {
		t.Errorf("nonce after resync: got %s want 1", v.Nonce)
	}
}
