package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/optionbook/params"
	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/transaction"
	"github.com/uhyunpark/optionbook/pkg/app/core/vault"
	"github.com/uhyunpark/optionbook/pkg/app/optex"
	"github.com/uhyunpark/optionbook/pkg/crypto"
	"github.com/uhyunpark/optionbook/pkg/storage"
	"github.com/uhyunpark/optionbook/pkg/util"
)

var (
	custody = common.HexToAddress("0xe0c4")
	start   = time.Unix(1_700_000_000, 0)
)

type env struct {
	t      *testing.T
	app    *optex.App
	srv    *Server
	http   *httptest.Server
	seller *crypto.Signer
	buyer  *crypto.Signer
	admin  *crypto.Signer
}

func newEnv(t *testing.T, faucet bool) *env {
	t.Helper()
	e := &env{t: t}
	for _, s := range []**crypto.Signer{&e.seller, &e.buyer, &e.admin} {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		*s = k
	}

	store := storage.NewMemoryStore()
	reg := instrument.NewRegistry()
	g := &params.Genesis{Funding: []params.GenesisFunding{{Address: e.buyer.Address().Hex(), Amount: "500"}}}
	for id := uint64(1); id <= 2; id++ {
		g.Instruments = append(g.Instruments, params.GenesisInstrument{
			ID:               id,
			Owner:            e.seller.Address().Hex(),
			CollateralAsset:  "0x00000000000000000000000000000000000000c0",
			CollateralAmount: "1",
			StrikeAsset:      "0x00000000000000000000000000000000000000d0",
			StrikeAmount:     "2000",
			Expiration:       uint64(start.Add(time.Hour).Unix()),
		})
	}
	require.NoError(t, optex.ApplyGenesis(g, reg, store))
	app, err := optex.New(optex.Config{
		ChainID:  1337,
		Address:  custody,
		Admin:    e.admin.Address(),
		Registry: reg,
		Bank:     vault.NewMemory(),
		Store:    store,
		Clock:    util.NewManualClock(start),
	})
	require.NoError(t, err)
	e.app = app
	e.srv = NewServer(app, Options{Faucet: faucet})
	app.OnCommit(e.srv.BroadcastReceipt)

	ctx, cancel := context.WithCancel(context.Background())
	go app.Run(ctx)
	go e.srv.Hub().Run()
	e.http = httptest.NewServer(e.srv.Handler())
	t.Cleanup(func() {
		e.http.Close()
		e.srv.Hub().Stop()
		cancel()
	})
	return e
}

func (e *env) sign(s *crypto.Signer, typ transaction.TxType, nonce uint64, p transaction.Payload) []byte {
	e.t.Helper()
	p.Owner = s.Address().Hex()
	p.Nonce = fmt.Sprint(nonce)
	tx := &transaction.SignedTransaction{Type: typ, Payload: p}
	require.NoError(e.t, e.app.Verifier().Sign(s, tx))
	b, err := tx.Serialize()
	require.NoError(e.t, err)
	return b
}

func (e *env) get(path string, out any) int {
	e.t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) post(path string, body []byte, out any) int {
	e.t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	e := newEnv(t, false)
	var body map[string]string
	require.Equal(t, http.StatusOK, e.get("/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestInstrumentEndpoints(t *testing.T) {
	e := newEnv(t, false)
	var list []InstrumentInfo
	require.Equal(t, http.StatusOK, e.get("/api/v1/instruments", &list))
	require.Len(t, list, 2)
	require.Equal(t, "1", list[0].ID)
	require.Equal(t, e.seller.Address().Hex(), list[0].Owner)
	require.Equal(t, list[0].SeriesKey, list[1].SeriesKey)

	var errResp ErrorResponse
	require.Equal(t, http.StatusBadRequest, e.get("/api/v1/instruments/abc", &errResp))
	require.Equal(t, "InvalidToken", errResp.Error)
	require.Equal(t, http.StatusNotFound, e.get("/api/v1/instruments/99", &errResp))
	require.Equal(t, "InvalidToken", errResp.Error)

	var orders InstrumentOrders
	require.Equal(t, http.StatusOK, e.get("/api/v1/instruments/1/orders", &orders))
	require.Nil(t, orders.Sell)
	require.Nil(t, orders.Buy)
}

func TestSubmitTxFlow(t *testing.T) {
	e := newEnv(t, false)

	var receipt ReceiptInfo
	code := e.post("/api/v1/tx", e.sign(e.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"}), &receipt)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, uint64(1), receipt.Seq)
	require.Equal(t, "SellOrder", receipt.Events[0].Type)

	var orders InstrumentOrders
	require.Equal(t, http.StatusOK, e.get("/api/v1/instruments/1/orders", &orders))
	require.NotNil(t, orders.Sell)
	require.Equal(t, "100", orders.Sell.AskPrice)

	var inst InstrumentInfo
	require.Equal(t, http.StatusOK, e.get("/api/v1/instruments/1", &inst))
	require.Equal(t, custody.Hex(), inst.Owner)

	code = e.post("/api/v1/tx", e.sign(e.buyer, exchange.OpListBuy, 1, transaction.Payload{InstrumentID: "1", Price: "120"}), &receipt)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "FillOrder", receipt.Events[0].Type)
	require.Equal(t, "100", receipt.Events[0].Price)
	require.Equal(t, "20", receipt.Events[0].Refund)

	var acct AccountInfo
	require.Equal(t, http.StatusOK, e.get("/api/v1/accounts/"+strings.ToLower(e.buyer.Address().Hex()), &acct))
	require.Equal(t, "20", acct.Balance)
	require.Equal(t, "380", acct.External)
	require.Equal(t, uint64(1), acct.Nonce)

	var events []EventInfo
	require.Equal(t, http.StatusOK, e.get("/api/v1/events?from=2&limit=5", &events))
	require.Len(t, events, 1)
	require.Equal(t, "FillOrder", events[0].Type)

	var status StatusInfo
	require.Equal(t, http.StatusOK, e.get("/api/v1/status", &status))
	require.Equal(t, uint64(2), status.Seq)
	require.Equal(t, "120", status.Credits)
	require.Equal(t, "0", status.Escrowed)
	require.Equal(t, 2, status.Instruments)
}

func TestSubmitTxErrors(t *testing.T) {
	e := newEnv(t, false)
	sellTx := e.sign(e.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"})
	require.Equal(t, http.StatusOK, e.post("/api/v1/tx", sellTx, nil))

	forged := &transaction.SignedTransaction{}
	require.NoError(t, json.Unmarshal(e.sign(e.buyer, exchange.OpCancelSell, 2, transaction.Payload{InstrumentID: "1"}), forged))
	forged.Payload.Owner = e.seller.Address().Hex()
	forgedBody, err := forged.Serialize()
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   []byte
		status int
		reason string
	}{
		{"garbage", []byte("{"), http.StatusBadRequest, "Malformed"},
		{"forged", forgedBody, http.StatusUnauthorized, "BadSignature"},
		{"replay", sellTx, http.StatusConflict, "StaleNonce"},
		{"zero ask", e.sign(e.seller, exchange.OpListSell, 5, transaction.Payload{InstrumentID: "2", Price: "0"}), http.StatusBadRequest, "AskNotPositive"},
		{"not owner", e.sign(e.buyer, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "2", Price: "5"}), http.StatusConflict, "NotOwner"},
		{"underfunded", e.sign(e.buyer, exchange.OpListBuy, 2, transaction.Payload{InstrumentID: "2", Price: "501"}), http.StatusPaymentRequired, "DepositFailed"},
		{"overdraw", e.sign(e.buyer, exchange.OpWithdraw, 3, transaction.Payload{Amount: "1"}), http.StatusPaymentRequired, "InsufficientBalance"},
		{"not admin", e.sign(e.buyer, exchange.OpSetPaused, 4, transaction.Payload{Paused: true}), http.StatusBadRequest, "NotAdmin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			require.Equal(t, tt.status, e.post("/api/v1/tx", tt.body, &resp))
			require.Equal(t, tt.reason, resp.Error)
		})
	}
}

func TestPausedReturnsUnavailable(t *testing.T) {
	e := newEnv(t, false)
	require.Equal(t, http.StatusOK, e.post("/api/v1/tx", e.sign(e.admin, exchange.OpSetPaused, 1, transaction.Payload{Paused: true}), nil))

	var resp ErrorResponse
	code := e.post("/api/v1/tx", e.sign(e.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"}), &resp)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "Paused", resp.Error)

	var status StatusInfo
	e.get("/api/v1/status", &status)
	require.True(t, status.Paused)
}

func TestTypedData(t *testing.T) {
	e := newEnv(t, false)
	body, err := json.Marshal(transaction.SignedTransaction{
		Type:    exchange.OpWithdraw,
		Payload: transaction.Payload{Owner: e.buyer.Address().Hex(), Nonce: "1", Amount: "5"},
	})
	require.NoError(t, err)
	var doc map[string]any
	require.Equal(t, http.StatusOK, e.post("/api/v1/tx/typed-data", body, &doc))
	require.Equal(t, "Withdraw", doc["primaryType"])
}

func TestFaucet(t *testing.T) {
	e := newEnv(t, false)
	require.Equal(t, http.StatusNotFound, e.post("/api/v1/faucet", []byte(`{}`), nil))

	e = newEnv(t, true)
	addr := common.HexToAddress("0xf00d")
	var acct AccountInfo
	require.Equal(t, http.StatusOK, e.post("/api/v1/faucet", []byte(fmt.Sprintf(`{"address":%q,"amount":"42"}`, addr.Hex())), &acct))
	require.Equal(t, "42", acct.External)

	var resp ErrorResponse
	require.Equal(t, http.StatusBadRequest, e.post("/api/v1/faucet", []byte(`{"address":"0x1","amount":"1"}`), &resp))
	require.Equal(t, "InvalidAddress", resp.Error)
	require.Equal(t, http.StatusBadRequest, e.post("/api/v1/faucet", []byte(fmt.Sprintf(`{"address":%q,"amount":"-1"}`, addr.Hex())), &resp))
	require.Equal(t, "InvalidAmount", resp.Error)
}

func TestSeriesBidsEndpoint(t *testing.T) {
	e := newEnv(t, false)
	var resp ErrorResponse
	require.Equal(t, http.StatusBadRequest, e.get("/api/v1/series/0x1234/bids", &resp))
	require.Equal(t, "InvalidTerms", resp.Error)

	var list []InstrumentInfo
	e.get("/api/v1/instruments", &list)
	body := e.sign(e.buyer, exchange.OpListSeriesBid, 1, transaction.Payload{
		Price:            "30",
		CollateralAsset:  "0x00000000000000000000000000000000000000c0",
		CollateralAmount: "1",
		StrikeAsset:      "0x00000000000000000000000000000000000000d0",
		StrikeAmount:     "2000",
		Expiration:       fmt.Sprint(start.Add(time.Hour).Unix()),
	})
	require.Equal(t, http.StatusOK, e.post("/api/v1/tx", body, nil))

	var bids SeriesBids
	require.Equal(t, http.StatusOK, e.get("/api/v1/series/"+list[0].SeriesKey+"/bids", &bids))
	require.Len(t, bids.Bids, 1)
	require.Equal(t, "30", bids.Bids[0].BidPrice)
	require.Equal(t, e.buyer.Address().Hex(), bids.Bids[0].Buyer)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", transaction.ErrBadSignature), http.StatusUnauthorized},
		{transaction.ErrDeadline, http.StatusBadRequest},
		{optex.ErrHalted, http.StatusServiceUnavailable},
		{&exchange.Error{Kind: exchange.KindConflict, Err: exchange.ErrAlreadyListed}, http.StatusConflict},
		{exchange.ErrExpired, http.StatusBadRequest},
		{exchange.ErrInsufficientBalance, http.StatusPaymentRequired},
		{exchange.ErrPaused, http.StatusServiceUnavailable},
		{exchange.ErrCustody, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWebSocketAccountChannel(t *testing.T) {
	e := newEnv(t, false)
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := "account:" + strings.ToLower(e.seller.Address().Hex())
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channel}}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "ack", ack["type"])

	require.Equal(t, http.StatusOK, e.post("/api/v1/tx", e.sign(e.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "2", Price: "9"}), nil))

	var msg WSEventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "event", msg.Type)
	require.Equal(t, "account:"+e.seller.Address().Hex(), msg.Channel)
	require.Equal(t, "SellOrder", msg.Event.Type)
	require.Equal(t, "2", msg.Event.InstrumentID)
}

func TestChannelsFor(t *testing.T) {
	seller := common.HexToAddress("0x5e11")
	buyer := common.HexToAddress("0xb0b")
	key := common.HexToHash("0x01")
	got := channelsFor(exchange.Event{InstrumentID: 4, SeriesKey: key, Seller: seller, Buyer: buyer})
	require.Equal(t, []string{
		"events",
		"account:" + seller.Hex(),
		"account:" + buyer.Hex(),
		"instrument:4",
		"series:" + key.Hex(),
	}, got)
	require.Equal(t, []string{"events", "account:" + seller.Hex()}, channelsFor(exchange.Event{Seller: seller, Account: seller}))
}

func TestRelayServesOnlyFeed(t *testing.T) {
	srv := NewRelay(Options{})
	go srv.Hub().Run()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Hub().Stop()
	})

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"instrument:9"}}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "ack", ack["type"])

	srv.BroadcastReceipt(&exchange.Receipt{Seq: 3, Events: []exchange.Event{{Seq: 3, Type: exchange.EventSellOrder, InstrumentID: 9}}})
	var msg WSEventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "instrument:9", msg.Channel)
	require.Equal(t, uint64(3), msg.Event.Seq)
}
