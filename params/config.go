package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// API configures the HTTP and websocket server.
type API struct {
	Addr        string
	CORSOrigins []string
	// FaucetEnabled exposes POST /api/v1/faucet for funding external balances
	// on the in-memory vault. Devnet only.
	FaucetEnabled bool
}

// Exchange configures the engine and its EIP-712 domain.
type Exchange struct {
	ChainID int64
	// Address is the custody address instruments are transferred to while a
	// sell order is open. It is also the EIP-712 verifying contract.
	Address     common.Address
	Admin       common.Address
	StartPaused bool
	InboxSize   int
}

type Storage struct {
	DataDir     string // empty keeps all state in memory
	JournalFile string // optional append-only receipt log
	GenesisFile string
}

type P2P struct {
	Listen    string // empty disables event gossip
	Bootstrap []string
	// Replica runs the node as a read replica: it follows the first
	// bootstrap peer and relays its events to websocket clients.
	Replica bool
}

// Config is the full node configuration.
type Config struct {
	API      API
	Exchange Exchange
	Storage  Storage
	P2P      P2P
	LogFile  string
	Verbose  bool
}

// DefaultExchangeAddress is the devnet custody address.
var DefaultExchangeAddress = common.HexToAddress("0x000000000000000000000000000000000000E0C4")

// Default returns the devnet configuration.
func Default() Config {
	return Config{
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Exchange: Exchange{
			ChainID:   1337,
			Address:   DefaultExchangeAddress,
			InboxSize: 1024,
		},
		Storage: Storage{
			DataDir:     "data/optionbook",
			GenesisFile: "genesis.yaml",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}
	cfg.API.FaucetEnabled = getBool("FAUCET_ENABLED", cfg.API.FaucetEnabled)

	if id := os.Getenv("CHAIN_ID"); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.Exchange.ChainID = n
		}
	}
	if addr := os.Getenv("EXCHANGE_ADDRESS"); common.IsHexAddress(addr) {
		cfg.Exchange.Address = common.HexToAddress(addr)
	}
	if addr := os.Getenv("ADMIN_ADDRESS"); common.IsHexAddress(addr) {
		cfg.Exchange.Admin = common.HexToAddress(addr)
	}
	cfg.Exchange.StartPaused = getBool("START_PAUSED", cfg.Exchange.StartPaused)
	if size := os.Getenv("INBOX_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			cfg.Exchange.InboxSize = n
		}
	}

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	if _, ok := os.LookupEnv("DATA_DIR"); ok && os.Getenv("DATA_DIR") == "" {
		cfg.Storage.DataDir = ""
	}
	cfg.Storage.JournalFile = getEnv("JOURNAL_FILE", cfg.Storage.JournalFile)
	cfg.Storage.GenesisFile = getEnv("GENESIS_FILE", cfg.Storage.GenesisFile)

	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	if peers := os.Getenv("P2P_BOOTSTRAP"); peers != "" {
		cfg.P2P.Bootstrap = splitList(peers)
	}
	cfg.P2P.Replica = getBool("P2P_REPLICA", cfg.P2P.Replica)

	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.Verbose = getBool("VERBOSE", cfg.Verbose)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
