package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
	"github.com/opensource-finance/fraudproof/internal/traces"
)

const (
	// DefaultGasLimit is used when estimation fails and none is configured.
	DefaultGasLimit = uint64(150000)

	// DefaultConfirmTimeout bounds how long Anchor waits for a receipt.
	DefaultConfirmTimeout = 90 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// WriterConfig configures a Writer. An empty PrivateKey or ContractAddress
// yields a writer that rejects every anchor with ErrSigning.
type WriterConfig struct {
	PrivateKey      string
	ContractAddress string
	ChainID         int64
	GasLimit        uint64
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
}

// AnchorResult describes a confirmed anchoring transaction.
type AnchorResult struct {
	TxHash      string
	Digest      string
	Nonce       uint64
	BlockNumber uint64
	GasUsed     uint64
	State       State
	History     []State
}

// Writer builds, signs, submits and confirms logFraud transactions for a
// single signing account.
type Writer struct {
	client   Client
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	contract *common.Address
	signer   types.Signer

	gasLimit       uint64
	pollInterval   time.Duration
	confirmTimeout time.Duration

	// lock serialises nonce fetch through submission. It is a channel so
	// waiters can give up when their context ends.
	lock chan struct{}

	// next is the nonce after the last accepted submission. It covers RPC
	// nodes whose pending nonce lags behind our own submissions.
	next     uint64
	haveNext bool
}

// NewWriter creates a writer. A malformed key or contract address is an
// error; a missing one is not.
func NewWriter(client Client, cfg WriterConfig) (*Writer, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain ID must be positive")
	}

	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}

	w := &Writer{
		client:         client,
		abi:            parsed,
		signer:         types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		gasLimit:       cfg.GasLimit,
		pollInterval:   cfg.PollInterval,
		confirmTimeout: cfg.ConfirmTimeout,
		lock:           make(chan struct{}, 1),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.confirmTimeout <= 0 {
		w.confirmTimeout = DefaultConfirmTimeout
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", domain.ErrSigning, err)
		}
		w.key = key
		w.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	if cfg.ContractAddress != "" {
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, fmt.Errorf("%w: invalid contract address %q", domain.ErrSigning, cfg.ContractAddress)
		}
		addr := common.HexToAddress(cfg.ContractAddress)
		w.contract = &addr
	}

	return w, nil
}

// Ready reports whether both a credential and a contract are configured.
func (w *Writer) Ready() bool {
	return w.key != nil && w.contract != nil
}

// Address returns the signing account, or the zero address without a key.
func (w *Writer) Address() common.Address {
	return w.from
}

// Anchor records {digest(reference), score, modelVersion} on-chain and waits
// for the receipt. Every failure is an *AnchorError.
func (w *Writer) Anchor(ctx context.Context, reference string, score int, modelVersion string) (*AnchorResult, error) {
	ctx, span := traces.StartSpan(ctx, "chain.Anchor", traces.FraudScore(score))
	defer span.End()

	start := time.Now()
	res, err := w.anchor(ctx, reference, score, modelVersion)
	if err != nil {
		var ae *AnchorError
		stage := "unknown"
		if errors.As(err, &ae) {
			stage = string(ae.Stage)
		}
		metrics.AnchorAttemptsTotal.WithLabelValues("failed", stage).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.AnchorAttemptsTotal.WithLabelValues("confirmed", "").Inc()
	metrics.AnchorDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.TxHash(res.TxHash), traces.Nonce(res.Nonce))
	return res, nil
}

// Await waits for the receipt of a transaction sent by an earlier Anchor
// call whose confirmation was not observed. It never sends anything. A
// timeout fails at StateSubmitted, like Anchor.
func (w *Writer) Await(ctx context.Context, txHash string) (*AnchorResult, error) {
	ctx, span := traces.StartSpan(ctx, "chain.Await", traces.TxHash(txHash))
	defer span.End()

	att := newAttempt()
	att.advance(StateSigned)
	att.advance(StateSubmitted)

	if !txHashPattern.MatchString(txHash) {
		return nil, att.fail(txHash, fmt.Errorf("%w: malformed transaction hash %q", domain.ErrInvalidInput, txHash))
	}

	receipt, err := w.waitForReceipt(ctx, common.HexToHash(txHash))
	if err == nil && receipt.Status == types.ReceiptStatusFailed {
		err = fmt.Errorf("%w: receipt status 0 in block %d", domain.ErrRevert, receipt.BlockNumber.Uint64())
	}
	if err != nil {
		metrics.AnchorAttemptsTotal.WithLabelValues("failed", string(StateSubmitted)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, att.fail(txHash, err)
	}

	att.advance(StateConfirmed)
	metrics.AnchorAttemptsTotal.WithLabelValues("confirmed", "").Inc()
	return &AnchorResult{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		State:       att.state,
		History:     att.snapshot(),
	}, nil
}

func (w *Writer) anchor(ctx context.Context, reference string, score int, modelVersion string) (*AnchorResult, error) {
	att := newAttempt()

	if w.key == nil {
		return nil, att.fail("", fmt.Errorf("%w: no private key configured", domain.ErrSigning))
	}
	if w.contract == nil {
		return nil, att.fail("", fmt.Errorf("%w: contract not configured", domain.ErrSigning))
	}
	if score < 0 || score > 100 {
		return nil, att.fail("", fmt.Errorf("%w: fraud score %d out of range", domain.ErrInvalidInput, score))
	}

	digest := Digest(reference)
	data, err := w.abi.Pack(MethodLogFraud, digest, big.NewInt(int64(score)), modelVersion)
	if err != nil {
		return nil, att.fail("", fmt.Errorf("%w: pack %s: %v", domain.ErrSigning, MethodLogFraud, err))
	}

	signed, nonce, err := w.submit(ctx, att, data)
	if err != nil {
		return nil, err
	}

	txHash := signed.Hash().Hex()
	slog.Info("anchor submitted",
		"tx_hash", txHash,
		"nonce", nonce,
		"fraud_score", score,
		"digest", digest.Hex(),
	)

	receipt, err := w.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, att.fail(txHash, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, att.fail(txHash, fmt.Errorf("%w: receipt status 0 in block %d", domain.ErrRevert, receipt.BlockNumber.Uint64()))
	}

	att.advance(StateConfirmed)
	return &AnchorResult{
		TxHash:      txHash,
		Digest:      digest.Hex(),
		Nonce:       nonce,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		State:       att.state,
		History:     att.snapshot(),
	}, nil
}

// submit runs fetch-nonce → build → sign → send under the account lock so
// concurrent anchors never observe the same nonce.
func (w *Writer) submit(ctx context.Context, att *attempt, data []byte) (*types.Transaction, uint64, error) {
	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, att.fail("", fmt.Errorf("%w: waiting for nonce lock: %v", domain.ErrNetwork, ctx.Err()))
	}
	defer func() { <-w.lock }()

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, 0, att.fail("", fmt.Errorf("%w: pending nonce: %v", domain.ErrNetwork, err))
	}
	if w.haveNext && w.next > nonce {
		slog.Debug("pending nonce behind local hint", "pending", nonce, "local", w.next)
		nonce = w.next
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, 0, att.fail("", fmt.Errorf("%w: gas price: %v", domain.ErrNetwork, err))
	}

	gasLimit := w.gasLimit
	if gasLimit == 0 {
		gasLimit, err = w.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  w.from,
			To:    w.contract,
			Value: big.NewInt(0),
			Data:  data,
		})
		if err != nil {
			slog.Debug("gas estimation failed, using default", "error", err, "gas_limit", DefaultGasLimit)
			gasLimit = DefaultGasLimit
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       w.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, w.signer, w.key)
	if err != nil {
		return nil, 0, att.fail("", fmt.Errorf("%w: sign: %v", domain.ErrSigning, err))
	}
	att.advance(StateSigned)

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		// The network may have moved on without us; re-fetch next time.
		w.haveNext = false
		return nil, 0, att.fail(signed.Hash().Hex(), fmt.Errorf("%w: %w", domain.ErrSubmission, err))
	}
	w.next = nonce + 1
	w.haveNext = true
	att.advance(StateSubmitted)

	return signed, nonce, nil
}

// waitForReceipt polls until the transaction is mined or the confirm
// timeout expires. Timing out only stops waiting; the transaction may
// still be included later.
func (w *Writer) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: waiting for receipt: %v (last error: %v)", domain.ErrNetwork, ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("%w: waiting for receipt: %v", domain.ErrNetwork, ctx.Err())
		case <-ticker.C:
		}
	}
}
