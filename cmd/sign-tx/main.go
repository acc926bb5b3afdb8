// Command sign-tx signs an exchange action and prints the JSON body for
// POST /api/v1/tx.
//
//	sign-tx -key 0x... -type list_sell -nonce 1 -instrument 42 -price 100
//	sign-tx -generate
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/optionbook/params"
	"github.com/uhyunpark/optionbook/pkg/app/core/transaction"
	"github.com/uhyunpark/optionbook/pkg/crypto"
	"github.com/uhyunpark/optionbook/pkg/util"
)

func main() {
	var (
		generate   = flag.Bool("generate", false, "generate a new key and exit")
		keyHex     = flag.String("key", os.Getenv("PRIVATE_KEY"), "hex private key (or PRIVATE_KEY)")
		txType     = flag.String("type", "", "list_sell | list_buy | list_series_bid | cancel_sell | cancel_buy | cancel_series_bid | withdraw | set_paused")
		nonce      = flag.String("nonce", "1", "must exceed the last committed nonce")
		deadline   = flag.String("deadline", "", "unix seconds after which the tx is rejected")
		instrument = flag.String("instrument", "", "instrument id")
		price      = flag.String("price", "", "ask or bid price")
		amount     = flag.String("amount", "", "withdraw amount")
		collAsset  = flag.String("collateral-asset", "", "series bid: collateral token")
		collAmount = flag.String("collateral-amount", "", "series bid: collateral amount")
		strAsset   = flag.String("strike-asset", "", "series bid: strike token")
		strAmount  = flag.String("strike-amount", "", "series bid: strike amount")
		expiration = flag.String("expiration", "", "series bid: unix expiration")
		seriesKey  = flag.String("series", "", "cancel_series_bid: series key")
		paused     = flag.Bool("paused", false, "set_paused: target state")
		chainID    = flag.Int64("chain-id", 1337, "EIP-712 chain id")
		exchange   = flag.String("exchange", params.DefaultExchangeAddress.Hex(), "exchange (verifying contract) address")
		typedData  = flag.Bool("typed-data", false, "also print the EIP-712 document")
	)
	flag.Parse()

	if *generate {
		s, err := crypto.GenerateKey()
		if err != nil {
			fail("generate key: %v", err)
		}
		fmt.Printf("Address: %s\n", s.Address().Hex())
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", s.PrivateKeyHex())
		return
	}
	if *keyHex == "" || *txType == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !common.IsHexAddress(*exchange) {
		fail("bad exchange address %q", *exchange)
	}

	signer, err := crypto.FromPrivateKeyHex(*keyHex)
	if err != nil {
		fail("load key: %v", err)
	}

	tx := &transaction.SignedTransaction{
		Type: transaction.TxType(strings.ToLower(*txType)),
		Payload: transaction.Payload{
			Owner:            signer.Address().Hex(),
			Nonce:            *nonce,
			Deadline:         *deadline,
			InstrumentID:     *instrument,
			Price:            *price,
			Amount:           *amount,
			CollateralAsset:  *collAsset,
			CollateralAmount: *collAmount,
			StrikeAsset:      *strAsset,
			StrikeAmount:     *strAmount,
			Expiration:       *expiration,
			SeriesKey:        *seriesKey,
			Paused:           *paused,
		},
	}

	domain := crypto.DefaultDomain(common.HexToAddress(*exchange))
	domain.ChainID = big.NewInt(*chainID)
	verifier := transaction.NewVerifier(domain, util.RealClock{})
	if err := verifier.Sign(signer, tx); err != nil {
		fail("sign: %v", err)
	}
	if _, err := verifier.Verify(tx); err != nil {
		fail("self-check: %v", err)
	}

	if *typedData {
		doc, err := verifier.TypedData(tx)
		if err != nil {
			fail("typed data: %v", err)
		}
		fmt.Fprintln(os.Stderr, doc)
	}

	out, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		fail("marshal: %v", err)
	}
	fmt.Println(string(out))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
