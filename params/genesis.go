package params

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GenesisInstrument is an option NFT minted at boot.
type GenesisInstrument struct {
	ID               uint64 `yaml:"id"`
	Owner            string `yaml:"owner"`
	CollateralAsset  string `yaml:"collateral_asset"`
	CollateralAmount string `yaml:"collateral_amount"`
	StrikeAsset      string `yaml:"strike_asset"`
	StrikeAmount     string `yaml:"strike_amount"`
	Expiration       uint64 `yaml:"expiration"`
}

// GenesisFunding seeds an external (vault) balance.
type GenesisFunding struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// Genesis is the initial instrument set and vault funding.
type Genesis struct {
	Instruments []GenesisInstrument `yaml:"instruments"`
	Funding     []GenesisFunding    `yaml:"funding"`
}

// LoadGenesis reads a YAML genesis file. Environment variables in the file
// are expanded before parsing. A missing file yields an empty genesis.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Genesis{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	return ParseGenesis(raw)
}

// ParseGenesis decodes YAML genesis after expanding environment variables.
func ParseGenesis(raw []byte) (*Genesis, error) {
	var g Genesis
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &g); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	seen := make(map[uint64]bool, len(g.Instruments))
	for _, inst := range g.Instruments {
		if inst.ID == 0 {
			return nil, fmt.Errorf("genesis: instrument id must be positive")
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("genesis: duplicate instrument id %d", inst.ID)
		}
		seen[inst.ID] = true
	}
	return &g, nil
}
