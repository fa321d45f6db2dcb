// Package signer holds the keys that sign bridge and approval transactions.
package signer

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer produces signed transactions for one account. Key custody lives behind it.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// Controls reports whether s signs for address. A blank address always matches.
func Controls(s Signer, address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return true
	}
	if s == nil || !common.IsHexAddress(address) {
		return false
	}
	return s.Address() == common.HexToAddress(address)
}
