package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
	"github.com/opensource-finance/fraudproof/internal/traces"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// fraudLogged mirrors the non-indexed FraudLogged fields.
type fraudLogged struct {
	FraudScore   *big.Int
	ModelVersion string
}

// Reader reconstructs anchored scores from transaction receipts.
type Reader struct {
	client   Client
	abi      abi.ABI
	event    abi.Event
	contract *common.Address

	cache    domain.Cache
	cacheTTL time.Duration
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithCache memoises decoded events. Mined events never change, so the TTL
// only bounds memory.
func WithCache(c domain.Cache, ttl time.Duration) ReaderOption {
	return func(r *Reader) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// NewReader creates a reader. With an empty contract address any log
// carrying the FraudLogged signature is accepted.
func NewReader(client Client, contractAddress string, opts ...ReaderOption) (*Reader, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}

	r := &Reader{
		client: client,
		abi:    parsed,
		event:  parsed.Events[EventFraudLogged],
	}
	if contractAddress != "" {
		if !common.IsHexAddress(contractAddress) {
			return nil, fmt.Errorf("invalid contract address %q", contractAddress)
		}
		addr := common.HexToAddress(contractAddress)
		r.contract = &addr
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Read returns the FraudLogged event emitted by txHash. It fails with
// ErrNotFound when there is no receipt or the receipt carries no matching
// event, and with ErrNetwork on RPC failures.
func (r *Reader) Read(ctx context.Context, txHash string) (*domain.ChainEvent, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, fmt.Errorf("%w: malformed transaction hash %q", domain.ErrInvalidInput, txHash)
	}

	ctx, span := traces.StartSpan(ctx, "chain.Read", traces.TxHash(txHash))
	defer span.End()

	key := cacheKey(txHash)
	if ev := r.cached(ctx, key); ev != nil {
		metrics.ChainReadsTotal.WithLabelValues("cache").Inc()
		return ev, nil
	}

	ev, err := r.read(ctx, txHash)
	if err != nil {
		outcome := "error"
		if errors.Is(err, domain.ErrNotFound) {
			outcome = "not_found"
		}
		metrics.ChainReadsTotal.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		return nil, err
	}
	metrics.ChainReadsTotal.WithLabelValues("rpc").Inc()

	r.store(ctx, key, ev)
	return ev, nil
}

func (r *Reader) read(ctx context.Context, txHash string) (*domain.ChainEvent, error) {
	hash := common.HexToHash(txHash)

	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: no receipt for %s", domain.ErrNotFound, txHash)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", domain.ErrNetwork, txHash, err)
	}

	log, decoded, ok := r.match(receipt)
	if !ok {
		return nil, fmt.Errorf("%w: no %s event in %s", domain.ErrNotFound, EventFraudLogged, txHash)
	}

	header, err := r.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: block %v: %v", domain.ErrNetwork, receipt.BlockNumber, err)
	}

	return &domain.ChainEvent{
		FraudScore:      int(decoded.FraudScore.Int64()),
		ModelVersion:    decoded.ModelVersion,
		BlockTimestamp:  time.Unix(int64(header.Time), 0).UTC(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		GasUsed:         receipt.GasUsed,
		Digest:          log.Topics[1].Hex(),
		SourceReference: hash.Hex(),
	}, nil
}

// match returns the first log emitted by the contract with the FraudLogged
// signature that decodes cleanly.
func (r *Reader) match(receipt *types.Receipt) (*types.Log, *fraudLogged, bool) {
	for _, l := range receipt.Logs {
		if r.contract != nil && l.Address != *r.contract {
			continue
		}
		if len(l.Topics) < 2 || l.Topics[0] != r.event.ID {
			continue
		}
		var out fraudLogged
		if err := r.abi.UnpackIntoInterface(&out, EventFraudLogged, l.Data); err != nil {
			slog.Debug("skipping undecodable log", "tx_hash", receipt.TxHash.Hex(), "error", err)
			continue
		}
		if out.FraudScore == nil || !out.FraudScore.IsInt64() {
			continue
		}
		return l, &out, true
	}
	return nil, nil, false
}

func cacheKey(txHash string) string {
	return "chain:event:" + strings.ToLower(txHash)
}

func (r *Reader) cached(ctx context.Context, key string) *domain.ChainEvent {
	if r.cache == nil {
		return nil
	}
	data, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.ChainEventCacheTotal.WithLabelValues("error").Inc()
		slog.Debug("chain event cache read failed", "key", key, "error", err)
		return nil
	case data == nil:
		metrics.ChainEventCacheTotal.WithLabelValues("miss").Inc()
		return nil
	}
	var ev domain.ChainEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.ChainEventCacheTotal.WithLabelValues("error").Inc()
		return nil
	}
	metrics.ChainEventCacheTotal.WithLabelValues("hit").Inc()
	return &ev
}

func (r *Reader) store(ctx context.Context, key string, ev *domain.ChainEvent) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.cacheTTL); err != nil {
		slog.Debug("failed to cache chain event", "key", key, "error", err)
	}
}
