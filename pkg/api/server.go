package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/optionbook/pkg/app/core/transaction"
	"github.com/uhyunpark/optionbook/pkg/app/optex"
)

const (
	maxBodyBytes      = 64 << 10
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Backend is the node surface the API serves. *optex.App implements it.
type Backend interface {
	Instruments() []instrument.Instrument
	Instrument(id instrument.ID) (instrument.Instrument, common.Address, error)
	Orders(id instrument.ID) (orderbook.SellOrder, orderbook.BuyOrder)
	SeriesBids(key instrument.SeriesKey) []orderbook.SeriesBid
	Account(addr common.Address) optex.Account
	Events(from uint64, limit int) ([]exchange.Event, error)
	Status() (optex.Status, error)
	Submit(ctx context.Context, tx *transaction.SignedTransaction) (*exchange.Receipt, error)
	TypedData(tx *transaction.SignedTransaction) (string, error)
	Fund(ctx context.Context, addr common.Address, amount *uint256.Int) error
}

// Options configures a Server.
type Options struct {
	CORSOrigins []string
	// Faucet enables POST /api/v1/faucet. Development only.
	Faucet bool
	Logger *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app    Backend
	router *mux.Router
	hub    *Hub
	opts   Options
	log    *zap.Logger
	http   *http.Server
}

// NewServer creates an API server over app.
func NewServer(app Backend, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    NewHub(opts.Logger),
		opts:   opts,
		log:    opts.Logger,
	}
	s.setupRoutes()
	return s
}

// NewRelay returns a server with only the websocket feed and health check.
// Read replicas use it to fan out events they follow from the sequencer.
func NewRelay(opts Options) *Server {
	return NewServer(nil, opts)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.app == nil {
		return
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Instrument endpoints
	api.HandleFunc("/instruments", s.handleGetInstruments).Methods("GET")
	api.HandleFunc("/instruments/{id}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/instruments/{id}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/series/{key}/bids", s.handleGetSeriesBids).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	// Exchange endpoints
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// Transaction submission
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/tx/typed-data", s.handleTypedData).Methods("POST")
	if s.opts.Faucet {
		api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	}
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub exposes the WebSocket hub so commits can be pushed to clients.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub and serves until Shutdown.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("api server starting", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the hub and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	list := s.app.Instruments()
	response := make([]InstrumentInfo, 0, len(list))
	for _, inst := range list {
		_, owner, err := s.app.Instrument(inst.ID)
		if err != nil {
			continue
		}
		response = append(response, instrumentInfo(inst, owner))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInstrumentID(w, r)
	if !ok {
		return
	}
	inst, owner, err := s.app.Instrument(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "InvalidToken", err.Error())
		return
	}
	respondJSON(w, instrumentInfo(inst, owner))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInstrumentID(w, r)
	if !ok {
		return
	}
	sell, buy := s.app.Orders(id)
	response := InstrumentOrders{InstrumentID: id.String()}
	if sell.IsOpen() {
		response.Sell = &SellOrderInfo{Seller: sell.Seller.Hex(), AskPrice: sell.AskPrice.Dec()}
	}
	if buy.IsOpen() {
		response.Buy = &BuyOrderInfo{Buyer: buy.Buyer.Hex(), BidPrice: buy.BidPrice.Dec()}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetSeriesBids(w http.ResponseWriter, r *http.Request) {
	raw, err := hexutil.Decode(mux.Vars(r)["key"])
	if err != nil || len(raw) != common.HashLength {
		respondError(w, http.StatusBadRequest, "InvalidTerms", "series key must be 32 bytes of 0x-prefixed hex")
		return
	}
	key := common.BytesToHash(raw)
	bids := s.app.SeriesBids(key)
	response := SeriesBids{SeriesKey: key.Hex(), Bids: make([]SeriesBidInfo, len(bids))}
	for i, b := range bids {
		response.Bids[i] = SeriesBidInfo{Buyer: b.Buyer.Hex(), BidPrice: b.BidPrice.Dec()}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "InvalidAddress", "")
		return
	}
	acct := s.app.Account(common.HexToAddress(addressStr))
	respondJSON(w, AccountInfo{
		Address:  acct.Address.Hex(),
		Balance:  acct.Balance.Dec(),
		External: acct.External.Dec(),
		Nonce:    acct.Nonce,
	})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from uint64
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "InvalidQuery", "from must be a sequence number")
			return
		}
		from = n
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "InvalidQuery", "limit must be positive")
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := s.app.Events(from, limit)
	if err != nil {
		s.log.Error("load events failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal", "")
		return
	}
	response := make([]EventInfo, len(events))
	for i, ev := range events {
		response[i] = eventInfo(ev)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Status()
	if err != nil {
		s.log.Error("status failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal", "")
		return
	}
	respondJSON(w, StatusInfo{
		Seq:         st.Seq,
		Paused:      st.Paused,
		Halted:      st.Halted,
		Exchange:    st.Exchange.Hex(),
		StateRoot:   st.StateRoot.Hex(),
		Instruments: st.Instruments,
		OpenSells:   st.OpenSells,
		OpenBuys:    st.OpenBuys,
		SeriesBids:  st.SeriesBids,
		Accounts:    st.Accounts,
		Credits:     st.Credits.Dec(),
		Escrowed:    st.Escrowed.Dec(),
	})
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	tx, ok := readTx(w, r)
	if !ok {
		return
	}
	receipt, err := s.app.Submit(r.Context(), tx)
	if err != nil {
		respondError(w, statusFor(err), optex.Reason(err), err.Error())
		return
	}
	response := ReceiptInfo{Seq: receipt.Seq, Op: string(receipt.Op.Kind), Events: make([]EventInfo, len(receipt.Events))}
	for i, ev := range receipt.Events {
		response.Events[i] = eventInfo(ev)
	}
	respondJSON(w, response)
}

// handleTypedData returns the EIP-712 document for an unsigned transaction
// so wallets can sign it with eth_signTypedData_v4.
func (s *Server) handleTypedData(w http.ResponseWriter, r *http.Request) {
	tx, ok := readTx(w, r)
	if !ok {
		return
	}
	doc, err := s.app.TypedData(tx)
	if err != nil {
		respondError(w, statusFor(err), optex.Reason(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, doc)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "InvalidAddress", "")
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil || amount.IsZero() {
		respondError(w, http.StatusBadRequest, "InvalidAmount", "amount must be a positive decimal")
		return
	}
	addr := common.HexToAddress(req.Address)
	if err := s.app.Fund(r.Context(), addr, amount); err != nil {
		respondError(w, statusFor(err), optex.Reason(err), err.Error())
		return
	}
	acct := s.app.Account(addr)
	respondJSON(w, AccountInfo{
		Address:  addr.Hex(),
		Balance:  acct.Balance.Dec(),
		External: acct.External.Dec(),
		Nonce:    acct.Nonce,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from the sequencer)
// ==============================

// BroadcastReceipt pushes every event of a committed receipt to the
// channels it touches.
func (s *Server) BroadcastReceipt(r *exchange.Receipt) {
	for _, ev := range r.Events {
		info := eventInfo(ev)
		for _, channel := range channelsFor(ev) {
			s.hub.BroadcastToChannel(channel, WSEventMessage{Type: "event", Channel: channel, Event: info})
		}
	}
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps an error to its HTTP status by taxonomy kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transaction.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, transaction.ErrMalformed), errors.Is(err, transaction.ErrDeadline):
		return http.StatusBadRequest
	case errors.Is(err, optex.ErrHalted), errors.Is(err, optex.ErrStopped),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch exchange.KindOf(err) {
	case exchange.KindValidation:
		return http.StatusBadRequest
	case exchange.KindConflict:
		return http.StatusConflict
	case exchange.KindFunds:
		return http.StatusPaymentRequired
	case exchange.KindAvailability:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func parseInstrumentID(w http.ResponseWriter, r *http.Request) (instrument.ID, bool) {
	id, err := instrument.ParseID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "InvalidToken", err.Error())
		return 0, false
	}
	return id, true
}

func readTx(w http.ResponseWriter, r *http.Request) (*transaction.SignedTransaction, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Malformed", err.Error())
		return nil, false
	}
	tx, err := transaction.Deserialize(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Malformed", err.Error())
		return nil, false
	}
	return tx, true
}

func instrumentInfo(inst instrument.Instrument, owner common.Address) InstrumentInfo {
	return InstrumentInfo{
		ID:               inst.ID.String(),
		Owner:            owner.Hex(),
		CollateralAsset:  inst.Terms.CollateralAsset.Hex(),
		CollateralAmount: inst.Terms.CollateralAmount.Dec(),
		StrikeAsset:      inst.Terms.StrikeAsset.Hex(),
		StrikeAmount:     inst.Terms.StrikeAmount.Dec(),
		Expiration:       inst.Terms.Expiration,
		SeriesKey:        inst.SeriesKey.Hex(),
	}
}

func eventInfo(ev exchange.Event) EventInfo {
	info := EventInfo{
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Price:     ev.Price.Dec(),
		Refund:    ev.Refund.Dec(),
		Amount:    ev.Amount.Dec(),
		Timestamp: ev.Timestamp,
	}
	if ev.InstrumentID != 0 {
		info.InstrumentID = ev.InstrumentID.String()
	}
	if ev.SeriesKey != (common.Hash{}) {
		info.SeriesKey = ev.SeriesKey.Hex()
	}
	if ev.Seller != (common.Address{}) {
		info.Seller = ev.Seller.Hex()
	}
	if ev.Buyer != (common.Address{}) {
		info.Buyer = ev.Buyer.Hex()
	}
	if ev.Account != (common.Address{}) {
		info.Account = ev.Account.Hex()
	}
	return info
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, reason string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   reason,
		Message: message,
	})
}
