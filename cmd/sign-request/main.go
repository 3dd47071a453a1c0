package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/uhyunpark/nftswap/params"
	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/app/core/transaction"
	"github.com/uhyunpark/nftswap/pkg/crypto"
)

func main() {
	key := flag.String("key", "", "hex private key (generated when empty)")
	side := flag.String("side", "sell", "buy or sell")
	kind := flag.String("kind", "fixed", "fixed or dutch")
	collection := flag.String("collection", "0x00000000000000000000000000000000000000aa", "collection address")
	tokenID := flag.String("token", "1", "token id")
	price := flag.String("price", "1000000000000000000", "price (wei); start price for dutch")
	endPrice := flag.String("end-price", "0", "dutch auction end price (wei)")
	ttl := flag.Duration("ttl", 24*time.Hour, "order lifetime")
	nonce := flag.Uint64("nonce", 1, "request nonce; must exceed the account's last one")
	flag.Parse()

	cfg, err := params.LoadFromEnv("")
	if err != nil {
		fail("config", err)
	}

	// Step 1: Generate or load key
	var signer *crypto.Signer
	if *key == "" {
		signer, err = crypto.GenerateKey()
	} else {
		signer, err = crypto.FromPrivateKeyHex(*key)
	}
	if err != nil {
		fail("key", err)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())
	if *key == "" {
		fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}

	// Step 2: Build order
	s, err := order.ParseSide(*side)
	if err != nil {
		fail("side", err)
	}
	k, err := order.ParseSaleKind(*kind)
	if err != nil {
		fail("kind", err)
	}
	coll, err := crypto.ParseAddress(*collection)
	if err != nil {
		fail("collection", err)
	}
	o := order.Order{
		Side:     s,
		SaleKind: k,
		Maker:    signer.Address(),
		NFT:      order.Asset{TokenID: mustBig(*tokenID), Collection: coll, Amount: big.NewInt(1)},
		Price:    mustBig(*price),
		EndPrice: mustBig(*endPrice),
		Expiry:   uint64(time.Now().Add(*ttl).Unix()),
		Salt:     uint64(time.Now().UnixNano()),
	}
	orderKey, err := order.DeriveKey(&o)
	if err != nil {
		fail("order", err)
	}
	fmt.Fprintf(os.Stderr, "Order Key: %s\n", orderKey.Hex())

	value := "0"
	if o.Side == order.SideBuy {
		value = o.EscrowAmount().String()
	}

	// Step 3: Sign the make request in the node's domain
	verifier := transaction.NewVerifier(crypto.EIP712Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           cfg.Domain.ChainIDBig(),
		VerifyingContract: cfg.Market.OrderBookAddress,
	})
	tx, err := verifier.Sign(signer, transaction.TxTypeMake, transaction.MakePayload{
		Orders: []transaction.OrderPayload{transaction.FromOrder(&o)},
		Value:  value,
	}, *nonce)
	if err != nil {
		fail("sign", err)
	}

	// Step 4: Verify before printing
	recovered, err := verifier.Verify(tx)
	if err != nil || recovered != signer.Address() {
		fail("verify", fmt.Errorf("recovered %s: %v", recovered.Hex(), err))
	}

	txJSON, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	fmt.Fprintf(os.Stderr, "POST http://localhost%s/api/v1/orders\n", cfg.Node.APIAddr)
	fmt.Println(string(txJSON))
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		fail("number", fmt.Errorf("invalid integer %q", s))
	}
	return v
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}

