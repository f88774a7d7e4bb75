package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/contracts"
	"github.com/epochlabs/snapshotter/rpc"
)

// TokenMetadata describes one side of a pair.
type TokenMetadata struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8
}

// PairMetadata is the immutable token metadata of a pair contract.
type PairMetadata struct {
	Token0     TokenMetadata
	Token1     TokenMetadata
	PairSymbol string
}

// ContractCaller is the slice of the RPC helper the metadata cache needs.
type ContractCaller interface {
	BatchCall(ctx context.Context, calls []rpc.CallSpec) ([][]interface{}, error)
}

// MetadataCache memoizes pair token metadata in the shared store. Metadata is
// never invalidated; concurrent misses may duplicate the discovery calls, but
// the writes are idempotent so last-writer-wins is safe.
type MetadataCache struct {
	logger logrus.FieldLogger
	store  *Store
	caller ContractCaller
}

// NewMetadataCache returns a new MetadataCache.
func NewMetadataCache(logger logrus.FieldLogger, store *Store, caller ContractCaller) *MetadataCache {
	return &MetadataCache{
		logger: logger,
		store:  store,
		caller: caller,
	}
}

// Get returns the metadata for a pair, fetching and caching it on a miss.
func (cache *MetadataCache) Get(ctx context.Context, pair common.Address) (PairMetadata, error) {
	meta, ok, err := cache.cached(pair)
	if err != nil {
		return PairMetadata{}, err
	}
	if ok {
		return meta, nil
	}
	meta, err = cache.fetch(ctx, pair)
	if err != nil {
		return PairMetadata{}, err
	}
	if err := cache.put(pair, meta); err != nil {
		// A failed cache write is not fatal: the next miss refetches.
		cache.logger.Errorf("[metadata] cannot cache metadata for pair %v: %v", pair.Hex(), err)
	}
	return meta, nil
}

func (cache *MetadataCache) cached(pair common.Address) (PairMetadata, bool, error) {
	addrs, err := cache.store.client.HGetAll(cache.store.pairTokensAddressesKey(addrKey(pair))).Result()
	if err != nil {
		return PairMetadata{}, false, err
	}
	if len(addrs) == 0 {
		return PairMetadata{}, false, nil
	}
	data, err := cache.store.client.HGetAll(cache.store.pairTokensDataKey(addrKey(pair))).Result()
	if err != nil {
		return PairMetadata{}, false, err
	}
	if len(data) == 0 {
		return PairMetadata{}, false, nil
	}
	token0Decimals, err0 := strconv.ParseUint(data["token0_decimals"], 10, 8)
	token1Decimals, err1 := strconv.ParseUint(data["token1_decimals"], 10, 8)
	if err0 != nil || err1 != nil {
		return PairMetadata{}, false, nil
	}
	meta := PairMetadata{
		Token0: TokenMetadata{
			Address:  common.HexToAddress(addrs["token0Addr"]),
			Name:     data["token0_name"],
			Symbol:   data["token0_symbol"],
			Decimals: uint8(token0Decimals),
		},
		Token1: TokenMetadata{
			Address:  common.HexToAddress(addrs["token1Addr"]),
			Name:     data["token1_name"],
			Symbol:   data["token1_symbol"],
			Decimals: uint8(token1Decimals),
		},
		PairSymbol: data["pair_symbol"],
	}
	return meta, true, nil
}

func (cache *MetadataCache) fetch(ctx context.Context, pair common.Address) (PairMetadata, error) {
	tokens, err := cache.caller.BatchCall(ctx, []rpc.CallSpec{
		{ABI: &contracts.Pair, Fn: "token0", To: pair},
		{ABI: &contracts.Pair, Fn: "token1", To: pair},
	})
	if err != nil {
		return PairMetadata{}, err
	}
	token0Addr, ok0 := tokens[0][0].(common.Address)
	token1Addr, ok1 := tokens[1][0].(common.Address)
	if !ok0 || !ok1 {
		return PairMetadata{}, errors.New("pair token calls did not return addresses")
	}

	fields, err := cache.caller.BatchCall(ctx, []rpc.CallSpec{
		{ABI: &contracts.ERC20, Fn: "name", To: token0Addr},
		{ABI: &contracts.ERC20, Fn: "symbol", To: token0Addr},
		{ABI: &contracts.ERC20, Fn: "decimals", To: token0Addr},
		{ABI: &contracts.ERC20, Fn: "name", To: token1Addr},
		{ABI: &contracts.ERC20, Fn: "symbol", To: token1Addr},
		{ABI: &contracts.ERC20, Fn: "decimals", To: token1Addr},
	})
	if err != nil {
		return PairMetadata{}, err
	}

	token0, err := tokenFromFields(token0Addr, fields[0:3])
	if err != nil {
		return PairMetadata{}, err
	}
	token1, err := tokenFromFields(token1Addr, fields[3:6])
	if err != nil {
		return PairMetadata{}, err
	}
	return PairMetadata{
		Token0:     token0,
		Token1:     token1,
		PairSymbol: fmt.Sprintf("%s-%s", token0.Symbol, token1.Symbol),
	}, nil
}

func (cache *MetadataCache) put(pair common.Address, meta PairMetadata) error {
	if err := cache.store.client.HSet(cache.store.pairTokensAddressesKey(addrKey(pair)), map[string]interface{}{
		"token0Addr": meta.Token0.Address.Hex(),
		"token1Addr": meta.Token1.Address.Hex(),
	}).Err(); err != nil {
		return err
	}
	return cache.store.client.HSet(cache.store.pairTokensDataKey(addrKey(pair)), map[string]interface{}{
		"token0_name":     meta.Token0.Name,
		"token0_symbol":   meta.Token0.Symbol,
		"token0_decimals": strconv.FormatUint(uint64(meta.Token0.Decimals), 10),
		"token1_name":     meta.Token1.Name,
		"token1_symbol":   meta.Token1.Symbol,
		"token1_decimals": strconv.FormatUint(uint64(meta.Token1.Decimals), 10),
		"pair_symbol":     meta.PairSymbol,
	}).Err()
}

func tokenFromFields(addr common.Address, fields [][]interface{}) (TokenMetadata, error) {
	name, ok0 := fields[0][0].(string)
	symbol, ok1 := fields[1][0].(string)
	decimals, ok2 := fields[2][0].(uint8)
	if !ok0 || !ok1 || !ok2 {
		return TokenMetadata{}, fmt.Errorf("unexpected ERC20 metadata types for token %v", addr.Hex())
	}
	return TokenMetadata{
		Address:  addr,
		Name:     name,
		Symbol:   symbol,
		Decimals: decimals,
	}, nil
}
