package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9090")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("ADMIN_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("START_PAUSED", "true")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("INBOX_SIZE", "not-a-number")
	t.Setenv("P2P_BOOTSTRAP", "/ip4/10.0.0.1/tcp/4001/p2p/a,/ip4/10.0.0.2/tcp/4001/p2p/b")
	t.Setenv("P2P_REPLICA", "1")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	require.Equal(t, ":9090", cfg.API.Addr)
	require.Equal(t, int64(31337), cfg.Exchange.ChainID)
	require.Equal(t, common.HexToAddress("0xaa"), cfg.Exchange.Admin)
	require.True(t, cfg.Exchange.StartPaused)
	require.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.API.CORSOrigins)
	require.Equal(t, Default().Exchange.InboxSize, cfg.Exchange.InboxSize)
	require.Equal(t, DefaultExchangeAddress, cfg.Exchange.Address)
	require.Len(t, cfg.P2P.Bootstrap, 2)
	require.True(t, cfg.P2P.Replica)
}

func TestLoadFromEnvEmptyDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.Empty(t, cfg.Storage.DataDir)
}

func TestParseGenesis(t *testing.T) {
	t.Setenv("ALICE", "0x00000000000000000000000000000000000000a1")
	raw := []byte(`
instruments:
  - id: 7
    owner: ${ALICE}
    collateral_asset: "0x00000000000000000000000000000000000000c0"
    collateral_amount: "1000"
    strike_asset: "0x00000000000000000000000000000000000000d0"
    strike_amount: "2000"
    expiration: 1893456000
funding:
  - address: ${ALICE}
    amount: "500"
`)
	g, err := ParseGenesis(raw)
	require.NoError(t, err)
	require.Len(t, g.Instruments, 1)
	require.Equal(t, uint64(7), g.Instruments[0].ID)
	require.Equal(t, "0x00000000000000000000000000000000000000a1", g.Instruments[0].Owner)
	require.Equal(t, "500", g.Funding[0].Amount)
}

func TestParseGenesisRejectsDuplicateIDs(t *testing.T) {
	raw := []byte("instruments:\n  - id: 1\n  - id: 1\n")
	_, err := ParseGenesis(raw)
	require.Error(t, err)
}

func TestLoadGenesisMissingFile(t *testing.T) {
	g, err := LoadGenesis(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Empty(t, g.Instruments)

	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instruments: [\n"), 0o644))
	_, err = LoadGenesis(path)
	require.Error(t, err)
}
