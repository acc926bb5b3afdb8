package api

// API response types for REST endpoints and WebSocket messages. Amounts are
// decimal strings, addresses checksummed hex.

// ==============================
// REST Response Types
// ==============================

// InstrumentInfo is an option NFT and its current holder. Owner is the
// exchange address while a sell order is open.
type InstrumentInfo struct {
	ID               string `json:"id"`
	Owner            string `json:"owner"`
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
	StrikeAsset      string `json:"strikeAsset"`
	StrikeAmount     string `json:"strikeAmount"`
	Expiration       uint64 `json:"expiration"` // Unix seconds
	SeriesKey        string `json:"seriesKey"`
}

type SellOrderInfo struct {
	Seller   string `json:"seller"`
	AskPrice string `json:"askPrice"`
}

type BuyOrderInfo struct {
	Buyer    string `json:"buyer"`
	BidPrice string `json:"bidPrice"`
}

// InstrumentOrders is the two order slots of an instrument. A nil side is
// empty.
type InstrumentOrders struct {
	InstrumentID string         `json:"instrumentId"`
	Sell         *SellOrderInfo `json:"sell"`
	Buy          *BuyOrderInfo  `json:"buy"`
}

type SeriesBidInfo struct {
	Buyer    string `json:"buyer"`
	BidPrice string `json:"bidPrice"`
}

// SeriesBids lists resting series bids, oldest (next to fill) first.
type SeriesBids struct {
	SeriesKey string          `json:"seriesKey"`
	Bids      []SeriesBidInfo `json:"bids"`
}

// AccountInfo is the response for GET /accounts/{address}.
type AccountInfo struct {
	Address  string `json:"address"`
	Balance  string `json:"balance"`  // withdrawable exchange credit
	External string `json:"external"` // vault balance outside the exchange
	Nonce    uint64 `json:"nonce"`
}

// EventInfo is one exchange event with amounts as decimal strings.
type EventInfo struct {
	Seq          uint64 `json:"seq"`
	Type         string `json:"type"`
	InstrumentID string `json:"instrumentId,omitempty"`
	SeriesKey    string `json:"seriesKey,omitempty"`
	Seller       string `json:"seller,omitempty"`
	Buyer        string `json:"buyer,omitempty"`
	Account      string `json:"account,omitempty"`
	Price        string `json:"price"`
	Refund       string `json:"refund"`
	Amount       string `json:"amount"`
	Timestamp    int64  `json:"timestamp"` // Unix seconds
}

// StatusInfo is the response for GET /status.
type StatusInfo struct {
	Seq         uint64 `json:"seq"`
	Paused      bool   `json:"paused"`
	Halted      bool   `json:"halted"`
	Exchange    string `json:"exchange"`
	StateRoot   string `json:"stateRoot"`
	Instruments int    `json:"instruments"`
	OpenSells   int    `json:"openSells"`
	OpenBuys    int    `json:"openBuys"`
	SeriesBids  int    `json:"seriesBids"`
	Accounts    int    `json:"accounts"`
	Credits     string `json:"credits"`
	Escrowed    string `json:"escrowed"`
}

// ReceiptInfo is returned for a committed transaction
type ReceiptInfo struct {
	Seq    uint64      `json:"seq"`
	Op     string      `json:"op"`
	Events []EventInfo `json:"events"`
}

// FaucetRequest is the body of POST /faucet.
type FaucetRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// ErrorResponse carries the stable reason name in Error and free text in
// Message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a client subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["events", "account:0x..."]
}

// WSEventMessage is pushed for every event matching a subscribed channel
type WSEventMessage struct {
	Type    string    `json:"type"` // "event"
	Channel string    `json:"channel"`
	Event   EventInfo `json:"event"`
}
