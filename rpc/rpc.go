// Package rpc wraps a JSON-RPC chain endpoint with the three operations the
// pipeline needs: batched eth_call over block ranges, eth_getLogs by topic,
// and block-header fetches. Every operation is charged against the shared
// rate limiter before it leaves the process.
package rpc

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Rate-limit call kinds. Admission keys are coarse: app ID plus call kind.
const (
	kindCall = "eth_call"
	kindLogs = "eth_logs"
)

// RetryOptions are used for retrying transient transport failures.
type RetryOptions struct {
	Base        time.Duration // Time interval before first retry.
	Max         time.Duration // Maximum time interval between two retries.
	Factor      float64       // next_interval = previous_interval * (1 + factor)
	Jitter      time.Duration // Random extra delay added to each interval.
	MaxAttempts int
}

// DefaultRetryOptions are the recommended retry settings.
var DefaultRetryOptions = RetryOptions{
	Base:        time.Second,
	Max:         5 * time.Second,
	Factor:      0.2,
	Jitter:      500 * time.Millisecond,
	MaxAttempts: 3,
}

// Limiter gates outbound requests. Implemented by ratelimit.Limiter.
type Limiter interface {
	TryAdmit(keyBits []string, weight int64) (bool, time.Duration)
}

// CallSpec describes a single eth_call in a batch.
type CallSpec struct {
	ABI    *abi.ABI
	Fn     string
	To     common.Address
	Params []interface{}
	Block  string // hex block number or "latest"; empty means "latest"
}

// Block is the subset of an Ethereum block header the pipeline reads.
type Block struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	Hash      common.Hash    `json:"hash"`
}

// Helper executes contract calls and log queries against a single chain
// endpoint. It is safe for concurrent use and is shared across workers.
type Helper struct {
	logger  logrus.FieldLogger
	client  *gethrpc.Client
	limiter Limiter
	appID   string
	retry   RetryOptions
}

// NewHelper returns a new Helper around an established RPC client.
func NewHelper(logger logrus.FieldLogger, client *gethrpc.Client, limiter Limiter, appID string) *Helper {
	return &Helper{
		logger:  logger,
		client:  client,
		limiter: limiter,
		appID:   appID,
		retry:   DefaultRetryOptions,
	}
}

// WithRetryOptions overrides the transport retry behaviour.
func (helper *Helper) WithRetryOptions(retry RetryOptions) *Helper {
	helper.retry = retry
	return helper
}

// BatchCallOverRange makes one eth_call per block in [from, to] in a single
// JSON-RPC batch and returns the decoded results in block order. The weight
// charged to the limiter is the number of blocks. A response with fewer
// results than blocks fails with PartialBatchError.
func (helper *Helper) BatchCallOverRange(ctx context.Context, contractABI *abi.ABI, fn string, to common.Address, fromBlock, toBlock uint64, params ...interface{}) ([][]interface{}, error) {
	if toBlock < fromBlock {
		return nil, &DecodeError{Err: errors.New("invalid block range")}
	}
	calls := make([]CallSpec, 0, toBlock-fromBlock+1)
	for block := fromBlock; block <= toBlock; block++ {
		calls = append(calls, CallSpec{
			ABI:    contractABI,
			Fn:     fn,
			To:     to,
			Params: params,
			Block:  hexutil.EncodeUint64(block),
		})
	}
	return helper.BatchCall(ctx, calls)
}

// BatchCall executes the given calls as one JSON-RPC batch and decodes each
// result with its call's ABI. The limiter is charged one unit per call.
func (helper *Helper) BatchCall(ctx context.Context, calls []CallSpec) ([][]interface{}, error) {
	if admitted, retryAfter := helper.limiter.TryAdmit([]string{helper.appID, kindCall}, int64(len(calls))); !admitted {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	elems := make([]gethrpc.BatchElem, len(calls))
	for i, call := range calls {
		data, err := call.ABI.Pack(call.Fn, call.Params...)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		block := call.Block
		if block == "" {
			block = "latest"
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{
					"to":   call.To,
					"data": hexutil.Bytes(data),
				},
				block,
			},
			Result: new(hexutil.Bytes),
		}
	}

	if err := helper.withRetry(ctx, func() error {
		return helper.client.BatchCallContext(ctx, elems)
	}); err != nil {
		return nil, &TransportError{Err: err}
	}

	results := make([][]interface{}, len(elems))
	missing := 0
	for i, elem := range elems {
		if elem.Error != nil {
			if errors.Is(elem.Error, gethrpc.ErrNoResult) {
				missing++
				continue
			}
			return nil, &TransportError{Err: elem.Error}
		}
		decoded, err := calls[i].ABI.Unpack(calls[i].Fn, *elem.Result.(*hexutil.Bytes))
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		results[i] = decoded
	}
	if missing > 0 {
		return nil, &PartialBatchError{Expected: len(calls), Got: len(calls) - missing}
	}
	return results, nil
}

// Call is a convenience wrapper for a single eth_call at the latest block.
func (helper *Helper) Call(ctx context.Context, contractABI *abi.ABI, fn string, to common.Address, params ...interface{}) ([]interface{}, error) {
	results, err := helper.BatchCall(ctx, []CallSpec{{ABI: contractABI, Fn: fn, To: to, Params: params}})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// GetLogs fetches logs emitted by the given contract within [from, to],
// filtered by topics. One request, weight one.
func (helper *Helper) GetLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64, topics [][]common.Hash) ([]types.Log, error) {
	if admitted, retryAfter := helper.limiter.TryAdmit([]string{helper.appID, kindLogs}, 1); !admitted {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	filter := map[string]interface{}{
		"address":   address,
		"fromBlock": hexutil.EncodeUint64(fromBlock),
		"toBlock":   hexutil.EncodeUint64(toBlock),
		"topics":    topics,
	}
	var logs []types.Log
	if err := helper.withRetry(ctx, func() error {
		return helper.client.CallContext(ctx, &logs, "eth_getLogs", filter)
	}); err != nil {
		return nil, &TransportError{Err: err}
	}
	return logs, nil
}

// GetBlock fetches the header of the given block. Weight one.
func (helper *Helper) GetBlock(ctx context.Context, number uint64) (Block, error) {
	if admitted, retryAfter := helper.limiter.TryAdmit([]string{helper.appID, kindCall}, 1); !admitted {
		return Block{}, &RateLimitedError{RetryAfter: retryAfter}
	}

	var block *Block
	if err := helper.withRetry(ctx, func() error {
		return helper.client.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	}); err != nil {
		return Block{}, &TransportError{Err: err}
	}
	if block == nil {
		return Block{}, &TransportError{Err: errors.New("block not found")}
	}
	return *block, nil
}

// AllPairsLength returns the number of pairs registered with the factory.
func (helper *Helper) AllPairsLength(ctx context.Context, factoryABI *abi.ABI, factory common.Address) (uint64, error) {
	result, err := helper.Call(ctx, factoryABI, "allPairsLength", factory)
	if err != nil {
		return 0, err
	}
	length, err := bigToUint64(result[0])
	if err != nil {
		return 0, &DecodeError{Err: err}
	}
	return length, nil
}

// PairByIndex returns the pair address registered at the given factory index.
func (helper *Helper) PairByIndex(ctx context.Context, factoryABI *abi.ABI, factory common.Address, index uint64) (common.Address, error) {
	result, err := helper.Call(ctx, factoryABI, "allPairs", factory, new(big.Int).SetUint64(index))
	if err != nil {
		return common.Address{}, err
	}
	pair, ok := result[0].(common.Address)
	if !ok {
		return common.Address{}, &DecodeError{Err: errors.New("allPairs did not return an address")}
	}
	return pair, nil
}

// withRetry retries fn on transport failure with jittered exponential backoff
// up to the configured number of attempts.
func (helper *Helper) withRetry(ctx context.Context, fn func() error) error {
	interval := helper.retry.Base
	var err error
	for attempt := 0; attempt < helper.retry.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == helper.retry.MaxAttempts-1 {
			break
		}
		wait := interval
		if helper.retry.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(helper.retry.Jitter)))
		}
		helper.logger.Debugf("[rpc] transient failure, retrying in %v: %v", wait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		interval = time.Duration(float64(interval) * (1 + helper.retry.Factor))
		if interval > helper.retry.Max {
			interval = helper.retry.Max
		}
	}
	return err
}

func bigToUint64(v interface{}) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return 0, errors.New("value is not a big integer")
	}
	return n.Uint64(), nil
}
