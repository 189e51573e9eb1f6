package domain

import (
	"fmt"
	"strings"
)

// ChainID names one of the ledgers an operation is mirrored on.
type ChainID string

const (
	ChainEthereum ChainID = "ethereum"
	ChainTon      ChainID = "ton"
	ChainSolana   ChainID = "solana"
)

var knownChains = []ChainID{ChainEthereum, ChainTon, ChainSolana}

// AllChains returns the reference three-chain configuration in a stable order.
func AllChains() []ChainID {
	out := make([]ChainID, len(knownChains))
	copy(out, knownChains)
	return out
}

func (c ChainID) Valid() bool {
	for _, known := range knownChains {
		if c == known {
			return true
		}
	}
	return false
}

func (c ChainID) String() string {
	return string(c)
}

func ParseChainID(value string) (ChainID, error) {
	id := ChainID(strings.ToLower(strings.TrimSpace(value)))
	if !id.Valid() {
		return "", fmt.Errorf("%w: unknown chain %q", ErrInvalidOperation, value)
	}
	return id, nil
}

// SecondariesOf returns every configured chain other than primary, preserving order.
func SecondariesOf(primary ChainID, chains []ChainID) []ChainID {
	out := make([]ChainID, 0, len(chains))
	for _, chain := range chains {
		if chain != primary {
			out = append(out, chain)
		}
	}
	return out
}
