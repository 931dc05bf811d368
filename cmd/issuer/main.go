// cmd/issuer issues and verifies presale vouchers from the command line.
//
// Usage:
//
//	# sign a voucher and push it onto the buyer's Redis outbox
//	SIGNER_KEY=0x<key> go run ./cmd/issuer/ issue \
//	  --redis localhost:6379 --chain-id 16602 \
//	  --authorizer 0x... --presale 0x... \
//	  --buyer 0x... --token native --usd 5000 \
//	  --api http://localhost:8080
//
//	# check a voucher JSON file against a trusted signer
//	go run ./cmd/issuer/ verify --chain-id 16602 --authorizer 0x... \
//	  --signer 0x... --file voucher.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/issuer"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: issuer <issue|verify> [flags]")
		os.Exit(2)
	}
	switch os.Args[1] {
	case "issue":
		issue(os.Args[2:])
	case "verify":
		verify(os.Args[2:])
	default:
		fatalf("unknown command %q", os.Args[1])
	}
}

func issue(args []string) {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	redisAddr := fs.String("redis", "localhost:6379", "Redis address")
	chainID := fs.Int64("chain-id", 16602, "Chain ID")
	authorizerHex := fs.String("authorizer", "", "authorizer address (required)")
	presaleHex := fs.String("presale", "", "presale address (required)")
	buyerHex := fs.String("buyer", "", "buyer address (required)")
	beneficiaryHex := fs.String("beneficiary", "", "beneficiary address (defaults to buyer)")
	tokenArg := fs.String("token", "native", `payment asset address or "native"`)
	usd := fs.String("usd", "", "USD limit in dollars, e.g. 5000 (required)")
	ttl := fs.Duration("ttl", 0, "voucher lifetime; 0 never expires")
	apiURL := fs.String("api", "", "presale service URL used to seed the buyer's nonce")
	fs.Parse(args) //nolint:errcheck

	keyHex := strings.TrimPrefix(os.Getenv("SIGNER_KEY"), "0x")
	if keyHex == "" {
		fatalf("SIGNER_KEY not set")
	}
	privKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		fatalf("parse private key: %v", err)
	}

	g := issuer.Grant{
		Buyer:        mustAddress("buyer", *buyerHex),
		PaymentToken: voucher.NativeAsset,
	}
	if *beneficiaryHex != "" {
		g.Beneficiary = mustAddress("beneficiary", *beneficiaryHex)
	}
	if !strings.EqualFold(*tokenArg, "native") {
		g.PaymentToken = mustAddress("token", *tokenArg)
	}
	if g.USDLimit, err = pricing.ParseUSD(*usd); err != nil || g.USDLimit.Sign() == 0 {
		fatalf("invalid --usd %q", *usd)
	}
	if *ttl > 0 {
		g.Deadline = big.NewInt(time.Now().Add(*ttl).Unix())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fatalf("redis ping: %v", err)
	}

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	var nonces issuer.NonceReader
	if *apiURL != "" {
		nonces = issuer.NonceReaderFunc(func(ctx context.Context, buyer common.Address) (uint64, error) {
			return fetchNonce(ctx, *apiURL, buyer)
		})
	}

	iss := issuer.New(privKey, big.NewInt(*chainID),
		mustAddress("authorizer", *authorizerHex), mustAddress("presale", *presaleHex),
		rdb, nonces, log)

	v, err := iss.Issue(ctx, g)
	if err != nil {
		fatalf("issue: %v", err)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// fetchNonce reads voucher_nonce from the service's account view.
func fetchNonce(ctx context.Context, base string, buyer common.Address) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(base, "/")+"/api/accounts/"+buyer.Hex(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("account lookup: %s", resp.Status)
	}
	var acct struct {
		VoucherNonce *uint64 `json:"voucher_nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return 0, err
	}
	if acct.VoucherNonce == nil {
		return 0, fmt.Errorf("service does not report voucher nonces")
	}
	return *acct.VoucherNonce, nil
}

func verify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	chainID := fs.Int64("chain-id", 16602, "Chain ID")
	authorizerHex := fs.String("authorizer", "", "authorizer address (required)")
	signerHex := fs.String("signer", "", "expected signer address (required)")
	file := fs.String("file", "-", "voucher JSON file, - for stdin")
	fs.Parse(args) //nolint:errcheck

	var r io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fatalf("open: %v", err)
		}
		defer f.Close()
		r = f
	}
	var v voucher.PresaleVoucher
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fatalf("decode voucher: %v", err)
	}
	if err := v.Validate(); err != nil {
		fatalf("voucher: %v", err)
	}

	authorizer := mustAddress("authorizer", *authorizerHex)
	recovered, err := voucher.Recover(&v, big.NewInt(*chainID), authorizer)
	if err != nil {
		fatalf("recover: %v", err)
	}
	expected := mustAddress("signer", *signerHex)

	fmt.Printf("struct hash: %s\n", common.Hash(voucher.StructHash(&v)).Hex())
	fmt.Printf("recovered:   %s\n", recovered.Hex())
	if v.NeverExpires() {
		fmt.Println("deadline:    never")
	} else {
		fmt.Printf("deadline:    %s\n", time.Unix(v.Deadline.Int64(), 0).UTC().Format(time.RFC3339))
	}
	if recovered != expected {
		fatalf("signature does not match %s", expected.Hex())
	}
	fmt.Println("OK")
}

func mustAddress(name, s string) common.Address {
	if !common.IsHexAddress(s) {
		fatalf("invalid --%s %q", name, s)
	}
	return common.HexToAddress(s)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
