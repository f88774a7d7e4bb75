// Package testutils provides fake upstream services for testing: an in-memory
// chain behind a JSON-RPC HTTP endpoint, a recording audit service, and a
// rate limiter that always admits.
package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/epochlabs/snapshotter/contracts"
)

// TokenInfo is the ERC20 metadata the fake chain serves.
type TokenInfo struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Chain is an in-memory Ethereum state served over JSON-RPC. It understands
// the subset of methods the pipeline uses: eth_call (single and batched),
// eth_getLogs and eth_getBlockByNumber.
type Chain struct {
	server *httptest.Server

	mu         sync.Mutex
	tokens     map[common.Address]TokenInfo
	pairTokens map[common.Address][2]common.Address
	pools      map[[2]common.Address]common.Address
	reserves   map[common.Address]map[uint64][2]*big.Int
	amountsOut map[common.Address]*big.Int
	logs       []types.Log
	blocks     map[uint64]uint64
	allPairs   []common.Address

	omittedBlocks map[uint64]bool
	failHeaders   bool
	requests      int
}

// NewChain starts the fake chain's HTTP server.
func NewChain() *Chain {
	chain := &Chain{
		tokens:        map[common.Address]TokenInfo{},
		pairTokens:    map[common.Address][2]common.Address{},
		pools:         map[[2]common.Address]common.Address{},
		reserves:      map[common.Address]map[uint64][2]*big.Int{},
		amountsOut:    map[common.Address]*big.Int{},
		blocks:        map[uint64]uint64{},
		omittedBlocks: map[uint64]bool{},
	}
	chain.server = httptest.NewServer(http.HandlerFunc(chain.handle))
	return chain
}

// URL is the JSON-RPC endpoint to dial.
func (chain *Chain) URL() string {
	return chain.server.URL
}

// Close shuts the HTTP server down.
func (chain *Chain) Close() {
	chain.server.Close()
}

// AddToken registers ERC20 metadata for an address.
func (chain *Chain) AddToken(addr common.Address, name, symbol string, decimals uint8) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.tokens[addr] = TokenInfo{Name: name, Symbol: symbol, Decimals: decimals}
}

// AddPair registers a pool so that token0/token1 resolve on the pair contract
// and factory.getPair finds it in either token order.
func (chain *Chain) AddPair(pair, token0, token1 common.Address) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.pairTokens[pair] = [2]common.Address{token0, token1}
	chain.pools[[2]common.Address{token0, token1}] = pair
	chain.pools[[2]common.Address{token1, token0}] = pair
	chain.allPairs = append(chain.allPairs, pair)
}

// SetReserves fixes a pair's reserves at one block height.
func (chain *Chain) SetReserves(pair common.Address, block uint64, reserve0, reserve1 *big.Int) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	if chain.reserves[pair] == nil {
		chain.reserves[pair] = map[uint64][2]*big.Int{}
	}
	chain.reserves[pair][block] = [2]*big.Int{reserve0, reserve1}
}

// SetAmountOut fixes the router quote for swapping one whole unit of tokenIn.
func (chain *Chain) SetAmountOut(tokenIn common.Address, out *big.Int) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.amountsOut[tokenIn] = out
}

// SetBlock fixes a block's timestamp.
func (chain *Chain) SetBlock(number, timestamp uint64) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.blocks[number] = timestamp
}

// AddLog appends a log to the chain's event history.
func (chain *Chain) AddLog(log types.Log) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.logs = append(chain.logs, log)
}

// OmitBlock makes every eth_call pinned to the given block return no result,
// as an archival gateway does for heights it has pruned.
func (chain *Chain) OmitBlock(block uint64) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.omittedBlocks[block] = true
}

// FailBlockHeaders makes eth_getBlockByNumber return null.
func (chain *Chain) FailBlockHeaders(fail bool) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.failHeaders = fail
}

// Requests returns the number of JSON-RPC HTTP requests served so far. A
// batch counts as one request.
func (chain *Chain) Requests() int {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	return chain.requests
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (chain *Chain) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.requests++

	trimmed := strings.TrimSpace(string(body))
	w.Header().Set("Content-Type", "application/json")
	if strings.HasPrefix(trimmed, "[") {
		var requests []rpcRequest
		if err := json.Unmarshal(body, &requests); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		responses := make([]json.RawMessage, len(requests))
		for i, request := range requests {
			responses[i] = chain.dispatch(request)
		}
		out, _ := json.Marshal(responses)
		w.Write(out)
		return
	}

	var request rpcRequest
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Write(chain.dispatch(request))
}

func (chain *Chain) dispatch(request rpcRequest) json.RawMessage {
	switch request.Method {
	case "eth_call":
		return chain.ethCall(request)
	case "eth_getLogs":
		return chain.ethGetLogs(request)
	case "eth_getBlockByNumber":
		return chain.ethGetBlockByNumber(request)
	default:
		return errorResponse(request.ID, fmt.Sprintf("method %v not supported", request.Method))
	}
}

func (chain *Chain) ethCall(request rpcRequest) json.RawMessage {
	var call struct {
		To   common.Address `json:"to"`
		Data hexutil.Bytes  `json:"data"`
	}
	if len(request.Params) < 2 {
		return errorResponse(request.ID, "eth_call needs two params")
	}
	if err := json.Unmarshal(request.Params[0], &call); err != nil {
		return errorResponse(request.ID, err.Error())
	}
	var blockTag string
	if err := json.Unmarshal(request.Params[1], &blockTag); err != nil {
		return errorResponse(request.ID, err.Error())
	}
	block, omitted := chain.resolveBlock(blockTag)
	if omitted {
		return emptyResponse(request.ID)
	}
	if len(call.Data) < 4 {
		return errorResponse(request.ID, "calldata too short")
	}

	method := lookupMethod(call.Data[:4])
	if method == nil {
		return errorResponse(request.ID, fmt.Sprintf("unknown selector %x", call.Data[:4]))
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return errorResponse(request.ID, err.Error())
	}

	outputs, err := chain.execute(call.To, method.Name, args, block)
	if err != nil {
		return errorResponse(request.ID, err.Error())
	}
	packed, err := method.Outputs.Pack(outputs...)
	if err != nil {
		return errorResponse(request.ID, err.Error())
	}
	return resultResponse(request.ID, hexutil.Bytes(packed))
}

func (chain *Chain) execute(to common.Address, fn string, args []interface{}, block uint64) ([]interface{}, error) {
	switch fn {
	case "token0":
		tokens, ok := chain.pairTokens[to]
		if !ok {
			return nil, fmt.Errorf("no pair at %v", to.Hex())
		}
		return []interface{}{tokens[0]}, nil
	case "token1":
		tokens, ok := chain.pairTokens[to]
		if !ok {
			return nil, fmt.Errorf("no pair at %v", to.Hex())
		}
		return []interface{}{tokens[1]}, nil
	case "getReserves":
		reserve0, reserve1 := new(big.Int), new(big.Int)
		if heights, ok := chain.reserves[to]; ok {
			if reserves, ok := heights[block]; ok {
				reserve0, reserve1 = reserves[0], reserves[1]
			}
		}
		return []interface{}{reserve0, reserve1, uint32(block)}, nil
	case "name":
		return []interface{}{chain.tokens[to].Name}, nil
	case "symbol":
		return []interface{}{chain.tokens[to].Symbol}, nil
	case "decimals":
		return []interface{}{chain.tokens[to].Decimals}, nil
	case "getPair":
		tokenA, okA := args[0].(common.Address)
		tokenB, okB := args[1].(common.Address)
		if !okA || !okB {
			return nil, fmt.Errorf("getPair expects two addresses")
		}
		return []interface{}{chain.pools[[2]common.Address{tokenA, tokenB}]}, nil
	case "allPairsLength":
		return []interface{}{big.NewInt(int64(len(chain.allPairs)))}, nil
	case "allPairs":
		index, ok := args[0].(*big.Int)
		if !ok || !index.IsUint64() || index.Uint64() >= uint64(len(chain.allPairs)) {
			return nil, fmt.Errorf("allPairs index out of range")
		}
		return []interface{}{chain.allPairs[index.Uint64()]}, nil
	case "getAmountsOut":
		amountIn, ok := args[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("getAmountsOut expects an amount")
		}
		path, ok := args[1].([]common.Address)
		if !ok || len(path) < 2 {
			return nil, fmt.Errorf("getAmountsOut expects a path")
		}
		out := chain.amountsOut[path[0]]
		if out == nil {
			out = new(big.Int)
		}
		return []interface{}{[]*big.Int{amountIn, out}}, nil
	default:
		return nil, fmt.Errorf("unsupported call %v", fn)
	}
}

func (chain *Chain) ethGetLogs(request rpcRequest) json.RawMessage {
	var filter struct {
		Address   common.Address  `json:"address"`
		FromBlock string          `json:"fromBlock"`
		ToBlock   string          `json:"toBlock"`
		Topics    [][]common.Hash `json:"topics"`
	}
	if len(request.Params) < 1 {
		return errorResponse(request.ID, "eth_getLogs needs a filter")
	}
	if err := json.Unmarshal(request.Params[0], &filter); err != nil {
		return errorResponse(request.ID, err.Error())
	}
	from, _ := hexutil.DecodeUint64(filter.FromBlock)
	to, _ := hexutil.DecodeUint64(filter.ToBlock)

	matched := []types.Log{}
	for _, log := range chain.logs {
		if log.Address != filter.Address || log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if len(filter.Topics) > 0 && len(filter.Topics[0]) > 0 {
			if len(log.Topics) == 0 || !containsHash(filter.Topics[0], log.Topics[0]) {
				continue
			}
		}
		matched = append(matched, log)
	}
	return resultResponse(request.ID, matched)
}

func (chain *Chain) ethGetBlockByNumber(request rpcRequest) json.RawMessage {
	if chain.failHeaders || len(request.Params) < 1 {
		return resultResponse(request.ID, nil)
	}
	var blockTag string
	if err := json.Unmarshal(request.Params[0], &blockTag); err != nil {
		return errorResponse(request.ID, err.Error())
	}
	number, _ := chain.resolveBlock(blockTag)
	timestamp, ok := chain.blocks[number]
	if !ok {
		return resultResponse(request.ID, nil)
	}
	return resultResponse(request.ID, map[string]interface{}{
		"number":    hexutil.Uint64(number),
		"timestamp": hexutil.Uint64(timestamp),
		"hash":      crypto.Keccak256Hash(new(big.Int).SetUint64(number).Bytes()),
	})
}

// resolveBlock parses a block tag, mapping "latest" to the highest height with
// known reserves or headers. The second return reports an omitted height.
func (chain *Chain) resolveBlock(tag string) (uint64, bool) {
	if tag == "latest" || tag == "" {
		latest := uint64(0)
		for _, heights := range chain.reserves {
			for height := range heights {
				if height > latest {
					latest = height
				}
			}
		}
		for height := range chain.blocks {
			if height > latest {
				latest = height
			}
		}
		return latest, false
	}
	number, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0, false
	}
	return number, chain.omittedBlocks[number]
}

func lookupMethod(selector []byte) *abi.Method {
	for _, contractABI := range []*abi.ABI{&contracts.Pair, &contracts.ERC20, &contracts.Factory, &contracts.Router} {
		for name := range contractABI.Methods {
			method := contractABI.Methods[name]
			if string(method.ID) == string(selector) {
				return &method
			}
		}
	}
	return nil
}

func containsHash(hashes []common.Hash, hash common.Hash) bool {
	for _, h := range hashes {
		if h == hash {
			return true
		}
	}
	return false
}

func resultResponse(id json.RawMessage, result interface{}) json.RawMessage {
	payload, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, err.Error())
	}
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, payload))
}

// emptyResponse carries neither result nor error, which the geth client maps
// to ErrNoResult for the batch element.
func emptyResponse(id json.RawMessage) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s}`, id))
}

func errorResponse(id json.RawMessage, message string) json.RawMessage {
	payload, _ := json.Marshal(message)
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":%s}}`, id, payload))
}

// AlwaysAdmit is a rate limiter that admits everything.
type AlwaysAdmit struct{}

// TryAdmit implements the limiter interface.
func (AlwaysAdmit) TryAdmit(keyBits []string, weight int64) (bool, time.Duration) {
	return true, 0
}

// NeverAdmit is a rate limiter that denies everything with the given
// retry-after hint.
type NeverAdmit struct {
	RetryAfter time.Duration
}

// TryAdmit implements the limiter interface.
func (limiter NeverAdmit) TryAdmit(keyBits []string, weight int64) (bool, time.Duration) {
	return false, limiter.RetryAfter
}
