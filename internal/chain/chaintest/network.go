// Package chaintest provides an in-memory ledger that satisfies chain.Client.
//
// Every accepted transaction is mined into its own block immediately. Nonces
// are enforced per sender exactly like a real node: a reused nonce is "too
// low", a skipped one "too high".
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/opensource-finance/fraudproof/internal/chain"
)

const (
	// BlockTime is the spacing between mined block timestamps.
	BlockTime = 12

	// GasUsed is reported on every receipt.
	GasUsed = 48213
)

// GasPrice returned by SuggestGasPrice (1 gwei).
var GasPrice = big.NewInt(1_000_000_000)

// ErrNonceTooLow and ErrNonceTooHigh are returned by SendTransaction when
// the nonce does not match the sender's next expected nonce.
var (
	ErrNonceTooLow  = errors.New("nonce too low")
	ErrNonceTooHigh = errors.New("nonce too high")
)

// Network is a single-node in-memory ledger.
type Network struct {
	mu sync.Mutex

	signer  types.Signer
	abi     abi.ABI
	genesis uint64

	block    uint64
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	headers  map[uint64]*types.Header
	hidden   map[common.Hash]int
	sent     []*types.Transaction

	failSends int
	failErr   error
	reverts   int
	delay     int
	lag       uint64
	polls     int
}

// New creates a ledger for chainID whose genesis block has timestamp genesis.
func New(chainID int64, genesis uint64) *Network {
	parsed, err := chain.ParseABI()
	if err != nil {
		panic(err)
	}
	n := &Network{
		signer:   types.LatestSignerForChainID(big.NewInt(chainID)),
		abi:      parsed,
		genesis:  genesis,
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		headers:  make(map[uint64]*types.Header),
		hidden:   make(map[common.Hash]int),
	}
	n.headers[0] = &types.Header{Number: big.NewInt(0), Time: genesis}
	return n
}

// FailNextSends makes the next k SendTransaction calls return err without
// consuming a nonce.
func (n *Network) FailNextSends(k int, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failSends = k
	n.failErr = err
}

// RevertNext mines the next k transactions with status 0 and no logs.
func (n *Network) RevertNext(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reverts = k
}

// DelayReceipts hides the receipt of each subsequently mined transaction
// for the given number of TransactionReceipt polls.
func (n *Network) DelayReceipts(polls int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = polls
}

// RevealReceipts makes every hidden receipt visible and stops delaying
// new ones.
func (n *Network) RevealReceipts() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.hidden)
	n.delay = 0
}

// SetPendingNonceLag makes PendingNonceAt under-report by k, like a load
// balanced RPC endpoint whose backends have not seen recent submissions.
func (n *Network) SetPendingNonceLag(k uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lag = k
}

// Sent returns accepted transactions in submission order.
func (n *Network) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*types.Transaction, len(n.sent))
	copy(out, n.sent)
	return out
}

// Nonce returns the next nonce the ledger expects from addr.
func (n *Network) Nonce(addr common.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[addr]
}

// BlockNumber returns the latest mined block.
func (n *Network) BlockNumber() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.block
}

// ReceiptPolls counts TransactionReceipt calls.
func (n *Network) ReceiptPolls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.polls
}

// Inject mines an arbitrary receipt, for transactions that did not go
// through SendTransaction. Block fields are filled in.
func (n *Network) Inject(receipt *types.Receipt) common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	header := n.mine()
	receipt.BlockNumber = header.Number
	receipt.BlockHash = header.Hash()
	if receipt.TxHash == (common.Hash{}) {
		receipt.TxHash = crypto.Keccak256Hash(header.Number.Bytes(), []byte("injected"))
	}
	n.receipts[receipt.TxHash] = receipt
	return receipt.TxHash
}

func (n *Network) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := n.nonces[account]
	if n.lag >= next {
		return 0, nil
	}
	return next - n.lag, nil
}

func (n *Network) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(GasPrice), nil
}

func (n *Network) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 60000, nil
}

func (n *Network) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failSends > 0 {
		n.failSends--
		return n.failErr
	}

	from, err := types.Sender(n.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.To() == nil {
		return errors.New("contract creation not supported")
	}

	want := n.nonces[from]
	switch {
	case tx.Nonce() < want:
		return fmt.Errorf("%w: address %s, tx: %d state: %d", ErrNonceTooLow, from.Hex(), tx.Nonce(), want)
	case tx.Nonce() > want:
		return fmt.Errorf("%w: address %s, tx: %d state: %d", ErrNonceTooHigh, from.Hex(), tx.Nonce(), want)
	}
	n.nonces[from] = want + 1
	n.sent = append(n.sent, tx)

	header := n.mine()
	receipt := &types.Receipt{
		Type:        tx.Type(),
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		GasUsed:     GasUsed,
		BlockNumber: header.Number,
		BlockHash:   header.Hash(),
	}

	logEntry, err := n.execute(tx)
	if err != nil || n.reverts > 0 {
		if n.reverts > 0 {
			n.reverts--
		}
		receipt.Status = types.ReceiptStatusFailed
	} else {
		logEntry.TxHash = tx.Hash()
		logEntry.BlockNumber = header.Number.Uint64()
		logEntry.BlockHash = receipt.BlockHash
		receipt.Logs = []*types.Log{logEntry}
	}

	n.receipts[tx.Hash()] = receipt
	if n.delay > 0 {
		n.hidden[tx.Hash()] = n.delay
	}
	return nil
}

// execute decodes a logFraud call and builds the event it would emit.
func (n *Network) execute(tx *types.Transaction) (*types.Log, error) {
	data := tx.Data()
	if len(data) < 4 {
		return nil, errors.New("missing selector")
	}
	method, err := n.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != chain.MethodLogFraud {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	digest, ok := args[0].([32]byte)
	if !ok {
		return nil, errors.New("bad digest argument")
	}
	score, ok := args[1].(*big.Int)
	if !ok {
		return nil, errors.New("bad score argument")
	}
	version, ok := args[2].(string)
	if !ok {
		return nil, errors.New("bad version argument")
	}

	event := n.abi.Events[chain.EventFraudLogged]
	payload, err := event.Inputs.NonIndexed().Pack(score, version)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: *tx.To(),
		Topics:  []common.Hash{event.ID, common.Hash(digest)},
		Data:    payload,
	}, nil
}

// mine appends an empty block. Callers hold n.mu.
func (n *Network) mine() *types.Header {
	n.block++
	h := &types.Header{
		Number:     new(big.Int).SetUint64(n.block),
		Time:       n.genesis + n.block*BlockTime,
		ParentHash: n.headers[n.block-1].Hash(),
	}
	n.headers[n.block] = h
	return h
}

func (n *Network) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.polls++

	if left := n.hidden[txHash]; left > 0 {
		n.hidden[txHash] = left - 1
		return nil, ethereum.NotFound
	}
	r, ok := n.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (n *Network) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if number == nil {
		return n.headers[n.block], nil
	}
	h, ok := n.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (n *Network) Close() {}

var _ chain.Client = (*Network)(nil)
