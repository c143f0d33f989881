// Package chain anchors fraud scores on an EVM ledger and reads them back.
package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FraudLedgerABI is the contract interface: one write entry point and the
// event it emits.
const FraudLedgerABI = `[
	{"inputs":[{"name":"txHash","type":"bytes32"},{"name":"fraudScore","type":"uint256"},{"name":"modelVersion","type":"string"}],"name":"logFraud","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"txHash","type":"bytes32"},{"indexed":false,"name":"fraudScore","type":"uint256"},{"indexed":false,"name":"modelVersion","type":"string"}],"name":"FraudLogged","type":"event"}
]`

const (
	MethodLogFraud   = "logFraud"
	EventFraudLogged = "FraudLogged"
)

// ParseABI parses FraudLedgerABI.
func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(FraudLedgerABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse fraud ledger ABI: %w", err)
	}
	return parsed, nil
}

// Digest hashes an arbitrary-length reference into the contract's bytes32
// key. References are hashed, never truncated.
func Digest(reference string) common.Hash {
	return crypto.Keccak256Hash([]byte(reference))
}
