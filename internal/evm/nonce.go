package evm

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var signerNonceLocks sync.Map

// acquireSignerNonceLock serialises nonce allocation per signer and chain within the process.
func acquireSignerNonceLock(chainID *big.Int, address common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(address.Hex()))
	v, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
