package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Token describes a known asset for presentation-boundary formatting.
// Amounts everywhere else stay raw smallest-unit integers.
type Token struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// Registry maps token addresses to display metadata. Unknown tokens fall
// back to 18 decimals and a truncated address as the symbol.
type Registry struct {
	tokens map[common.Address]Token
}

// LoadRegistry reads the YAML token list from disk. An empty path yields
// an empty registry rather than an error.
func LoadRegistry(path string) (*Registry, error) {
	reg := &Registry{tokens: make(map[common.Address]Token)}
	if strings.TrimSpace(path) == "" {
		return reg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token registry: %w", err)
	}
	var doc struct {
		Tokens []Token `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode token registry: %w", err)
	}
	for _, token := range doc.Tokens {
		if !common.IsHexAddress(token.Address) {
			return nil, fmt.Errorf("token %q has invalid address %q", token.Symbol, token.Address)
		}
		token.Symbol = strings.ToUpper(strings.TrimSpace(token.Symbol))
		if token.Decimals == 0 {
			token.Decimals = 18
		}
		reg.tokens[common.HexToAddress(token.Address)] = token
	}
	return reg, nil
}

// Lookup returns the metadata for a token address.
func (r *Registry) Lookup(addr common.Address) (Token, bool) {
	if r == nil {
		return Token{}, false
	}
	token, ok := r.tokens[addr]
	return token, ok
}

// Decimals returns the display precision for a token, defaulting to 18.
func (r *Registry) Decimals(addr common.Address) uint8 {
	if token, ok := r.Lookup(addr); ok {
		return token.Decimals
	}
	return 18
}

// Symbol returns a display symbol for a token, falling back to the
// shortened address.
func (r *Registry) Symbol(addr common.Address) string {
	if token, ok := r.Lookup(addr); ok && token.Symbol != "" {
		return token.Symbol
	}
	hex := addr.Hex()
	return hex[:6] + "…" + hex[len(hex)-4:]
}
