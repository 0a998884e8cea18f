package state

import (
	"fmt"
	"strings"
)

// Connection ledger namespaces. Token records and owner indexes live under
// disjoint prefixes so the two maps never collide.
var (
	connectionsMetaKeyBytes     = []byte("connections/meta")
	connectionsCounterKeyBytes  = []byte("connections/counter")
	connectionsBalancesKeyBytes = []byte("connections/balances")
	connectionsTokenKeyFormat   = "connections/token/%020d"
	connectionsOwnerPrefix      = "connections/owner/"
	connectionsDepositPrefix    = "connections/deposit/"
)

// ConnectionsMetaKey stores the owner record; its presence marks the ledger
// as initialised.
func ConnectionsMetaKey() []byte { return append([]byte(nil), connectionsMetaKeyBytes...) }

// ConnectionsCounterKey stores the last assigned token id.
func ConnectionsCounterKey() []byte { return append([]byte(nil), connectionsCounterKeyBytes...) }

// ConnectionsBalancesKey stores the pool balance and transfer amount.
func ConnectionsBalancesKey() []byte { return append([]byte(nil), connectionsBalancesKeyBytes...) }

// ConnectionsTokenKey stores a single token record. Ids are zero padded so
// keys sort in mint order.
func ConnectionsTokenKey(id uint64) []byte {
	return []byte(fmt.Sprintf(connectionsTokenKeyFormat, id))
}

// ConnectionsOwnerKey stores the ordered token ids held by account.
func ConnectionsOwnerKey(account string) []byte {
	return []byte(connectionsOwnerPrefix + strings.TrimSpace(account))
}

// ConnectionsDepositKey marks a custody deposit reference as credited.
func ConnectionsDepositKey(reference string) []byte {
	return []byte(connectionsDepositPrefix + strings.TrimSpace(reference))
}
