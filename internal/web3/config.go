package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the payment tokens
// deployed on it.
type ChainDefinition struct {
	Type        string            `yaml:"type"`
	ChainID     int64             `yaml:"chain_id"`
	RPCURL      string            `yaml:"rpc_url"`
	Description string            `yaml:"description"`
	Tokens      []TokenDefinition `yaml:"tokens"`
}

// TokenDefinition names an ERC-20 contract.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes and validates chain metadata.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		for _, tok := range chain.Tokens {
			if !common.IsHexAddress(tok.Address) {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的代币 %s 地址无效: %q", name, tok.Symbol, tok.Address)
			}
		}
	}
	return defs, nil
}

// Names returns the configured chain names in sorted order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks a chain by name. An empty name selects the configured default,
// falling back to the first chain in name order.
func (d ChainDefinitions) Resolve(name string) (string, ChainDefinition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = d.Default
	}
	if name == "" {
		names := d.Names()
		if len(names) == 0 {
			return "", ChainDefinition{}, fmt.Errorf("未配置任何链")
		}
		name = names[0]
	}
	chain, ok := d.Chains[name]
	if !ok {
		return "", ChainDefinition{}, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	return name, chain, nil
}

// TokenAddresses returns the addresses of the selected tokens. Symbols are
// matched case-insensitively; an empty selection returns every token.
func (c ChainDefinition) TokenAddresses(symbols ...string) ([]common.Address, error) {
	if len(symbols) == 0 {
		out := make([]common.Address, 0, len(c.Tokens))
		for _, tok := range c.Tokens {
			out = append(out, common.HexToAddress(tok.Address))
		}
		return out, nil
	}
	out := make([]common.Address, 0, len(symbols))
	for _, sym := range symbols {
		found := false
		for _, tok := range c.Tokens {
			if strings.EqualFold(tok.Symbol, sym) || strings.EqualFold(tok.Address, sym) {
				out = append(out, common.HexToAddress(tok.Address))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("代币 %s 未在链配置中找到", sym)
		}
	}
	return out, nil
}
