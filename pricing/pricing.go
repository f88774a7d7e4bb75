// Package pricing derives per-block USD prices for pair tokens. Non-WETH
// tokens are priced through an ordered whitelist of bridge tokens: the first
// whitelist pool whose reserve, valued in ETH, clears the minimum-liquidity
// threshold on every block of the range wins. Tokens with no qualifying pool
// are priced as zero for the whole epoch. ETH itself is priced against the
// configured stablecoin pools.
package pricing

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/contracts"
	"github.com/epochlabs/snapshotter/rpc"
	"github.com/epochlabs/snapshotter/store"
)

// WETH always carries 18 decimals.
const wethDecimals = 18

// minWhitelistReserveEth is the minimum per-block whitelist-pool reserve,
// valued in ETH, below which a whitelist token is abandoned for the epoch.
const minWhitelistReserveEth = 1.0

// DefaultPruneHorizon bounds price-cache retention, in blocks behind the
// range being written.
const DefaultPruneHorizon = 20

// FailedError wraps any RPC failure inside the pricing cascade. The caller
// decides whether to retry or dead-letter.
type FailedError struct {
	Token common.Address
	Err   error
}

func (err *FailedError) Error() string {
	return fmt.Sprintf("pricing failed for token %v: %v", err.Token.Hex(), err.Err)
}

func (err *FailedError) Unwrap() error {
	return err.Err
}

// Config addresses the contracts the cascade consults.
type Config struct {
	Factory common.Address
	Router  common.Address
	WETH    common.Address
	USDT    common.Address
	DAI     common.Address

	// Whitelist is the ordered list of bridge tokens. Order is part of the
	// pricing contract: the first qualifying entry wins, not the deepest.
	Whitelist []common.Address

	// PruneHorizon is how many blocks of cached prices to retain behind the
	// range being written. Zero means DefaultPruneHorizon.
	PruneHorizon uint64
}

// Engine prices tokens over block ranges and writes results through the
// shared price cache.
type Engine struct {
	logger   logrus.FieldLogger
	helper   *rpc.Helper
	store    *store.Store
	metadata *store.MetadataCache
	config   Config
}

// New returns a new pricing Engine.
func New(logger logrus.FieldLogger, helper *rpc.Helper, st *store.Store, metadata *store.MetadataCache, config Config) *Engine {
	if config.PruneHorizon == 0 {
		config.PruneHorizon = DefaultPruneHorizon
	}
	return &Engine{
		logger:   logger,
		helper:   helper,
		store:    st,
		metadata: metadata,
		config:   config,
	}
}

// PriceOverRange returns the USD price of token for every block in
// [from, to]. Results are served from the cache when a complete range is
// present, and written back through it otherwise.
func (engine *Engine) PriceOverRange(ctx context.Context, token common.Address, from, to uint64) (map[uint64]float64, error) {
	if cached, err := engine.store.PriceRange(token, from, to); err == nil && uint64(len(cached)) == to-from+1 {
		prices := make(map[uint64]float64, len(cached))
		for _, point := range cached {
			prices[point.BlockHeight] = point.Price
		}
		return prices, nil
	}

	if token == engine.config.WETH {
		prices, err := engine.EthPriceUSD(ctx, from, to)
		if err != nil {
			return nil, &FailedError{Token: token, Err: err}
		}
		engine.writeBack(token, prices, to)
		return prices, nil
	}

	tokenEth, err := engine.cascade(ctx, token, from, to)
	if err != nil {
		return nil, &FailedError{Token: token, Err: err}
	}

	prices := make(map[uint64]float64, to-from+1)
	if len(tokenEth) > 0 {
		ethUsd, err := engine.EthPriceUSD(ctx, from, to)
		if err != nil {
			return nil, &FailedError{Token: token, Err: err}
		}
		for block := from; block <= to; block++ {
			prices[block] = tokenEth[block] * ethUsd[block]
		}
	} else {
		for block := from; block <= to; block++ {
			prices[block] = 0
		}
	}

	engine.writeBack(token, prices, to)
	return prices, nil
}

// cascade walks the whitelist in declared order and returns the token's
// per-block price in ETH, or an empty map when no whitelist pool qualifies.
func (engine *Engine) cascade(ctx context.Context, token common.Address, from, to uint64) (map[uint64]float64, error) {
	for _, white := range engine.config.Whitelist {
		pair, err := engine.getPair(ctx, white, token)
		if err != nil {
			return nil, err
		}
		if pair == contracts.ZeroAddress {
			continue
		}
		meta, err := engine.metadata.Get(ctx, pair)
		if err != nil {
			return nil, err
		}

		tokenInWhite, whiteReserves, err := engine.pairPriceAndWhiteReserves(ctx, pair, meta, white, from, to)
		if err != nil {
			return nil, err
		}
		whiteMeta := meta.Token0
		if meta.Token1.Address == white {
			whiteMeta = meta.Token1
		}
		whiteInEth, err := engine.derivedEth(ctx, whiteMeta, from, to)
		if err != nil {
			return nil, err
		}

		// The whitelist entry must clear the liquidity threshold on every
		// block of the range; a single shallow block abandons it entirely.
		tokenEth := make(map[uint64]float64, to-from+1)
		qualified := true
		for block := from; block <= to; block++ {
			if whiteReserves[block]*whiteInEth[block] < minWhitelistReserveEth {
				qualified = false
				break
			}
			tokenEth[block] = tokenInWhite[block] * whiteInEth[block]
		}
		if !qualified {
			continue
		}
		return tokenEth, nil
	}
	return map[uint64]float64{}, nil
}

// pairPriceAndWhiteReserves reads getReserves over the range and derives both
// the token's price in the whitelist token and the whitelist-side reserves.
// Either reserve being zero yields a zero price and a zero reserve for that
// block, which then falls below the liquidity threshold.
func (engine *Engine) pairPriceAndWhiteReserves(ctx context.Context, pair common.Address, meta store.PairMetadata, white common.Address, from, to uint64) (map[uint64]float64, map[uint64]float64, error) {
	reserves, err := engine.helper.BatchCallOverRange(ctx, &contracts.Pair, "getReserves", pair, from, to)
	if err != nil {
		return nil, nil, err
	}

	price := make(map[uint64]float64, len(reserves))
	whiteReserves := make(map[uint64]float64, len(reserves))
	for i, result := range reserves {
		block := from + uint64(i)
		reserve0 := normalize(result[0], meta.Token0.Decimals)
		reserve1 := normalize(result[1], meta.Token1.Decimals)
		switch {
		case reserve0 == 0 || reserve1 == 0:
			price[block] = 0
			whiteReserves[block] = 0
		case meta.Token0.Address == white:
			price[block] = reserve0 / reserve1
			whiteReserves[block] = reserve0
		default:
			price[block] = reserve1 / reserve0
			whiteReserves[block] = reserve1
		}
	}
	return price, whiteReserves, nil
}

// derivedEth returns the per-block ETH value of one whole whitelist token,
// quoted by the router. WETH is 1 by definition.
func (engine *Engine) derivedEth(ctx context.Context, white store.TokenMetadata, from, to uint64) (map[uint64]float64, error) {
	derived := make(map[uint64]float64, to-from+1)
	if white.Address == engine.config.WETH {
		for block := from; block <= to; block++ {
			derived[block] = 1
		}
		return derived, nil
	}

	amountIn := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(white.Decimals)), nil)
	results, err := engine.helper.BatchCallOverRange(
		ctx, &contracts.Router, "getAmountsOut", engine.config.Router, from, to,
		amountIn, []common.Address{white.Address, engine.config.WETH},
	)
	if err != nil {
		return nil, err
	}
	for i, result := range results {
		block := from + uint64(i)
		amounts, ok := result[0].([]*big.Int)
		if !ok || len(amounts) < 2 {
			derived[block] = 0
			continue
		}
		derived[block] = bigToFloat(amounts[1]) / math.Pow10(wethDecimals)
	}
	return derived, nil
}

// EthPriceUSD prices ETH per block as the average of the WETH-USDT and
// WETH-DAI pool quotes, cached in its own block-height zset.
func (engine *Engine) EthPriceUSD(ctx context.Context, from, to uint64) (map[uint64]float64, error) {
	if cached, err := engine.store.EthPriceRange(from, to); err == nil && uint64(len(cached)) == to-from+1 {
		prices := make(map[uint64]float64, len(cached))
		for _, point := range cached {
			prices[point.BlockHeight] = point.Price
		}
		return prices, nil
	}

	usdtQuotes, err := engine.stablecoinQuotes(ctx, engine.config.USDT, from, to)
	if err != nil {
		return nil, err
	}
	daiQuotes, err := engine.stablecoinQuotes(ctx, engine.config.DAI, from, to)
	if err != nil {
		return nil, err
	}

	prices := make(map[uint64]float64, to-from+1)
	points := make([]store.PricePoint, 0, to-from+1)
	for block := from; block <= to; block++ {
		quotes := 0
		sum := float64(0)
		if usdtQuotes[block] > 0 {
			sum += usdtQuotes[block]
			quotes++
		}
		if daiQuotes[block] > 0 {
			sum += daiQuotes[block]
			quotes++
		}
		price := float64(0)
		if quotes > 0 {
			price = sum / float64(quotes)
		}
		prices[block] = price
		points = append(points, store.PricePoint{BlockHeight: block, Price: price})
	}

	if err := engine.store.PutEthPrices(points); err != nil {
		engine.logger.Errorf("[pricing] cannot cache eth price range [%v, %v]: %v", from, to, err)
	} else if to > engine.config.PruneHorizon {
		if err := engine.store.PruneEthPrices(to - engine.config.PruneHorizon); err != nil {
			engine.logger.Debugf("[pricing] cannot prune eth price cache: %v", err)
		}
	}
	return prices, nil
}

// stablecoinQuotes returns the per-block price of WETH in the given
// stablecoin's pool, zero where the pool is missing or empty.
func (engine *Engine) stablecoinQuotes(ctx context.Context, stable common.Address, from, to uint64) (map[uint64]float64, error) {
	quotes := make(map[uint64]float64, to-from+1)
	pair, err := engine.getPair(ctx, engine.config.WETH, stable)
	if err != nil {
		return nil, err
	}
	if pair == contracts.ZeroAddress {
		for block := from; block <= to; block++ {
			quotes[block] = 0
		}
		return quotes, nil
	}
	meta, err := engine.metadata.Get(ctx, pair)
	if err != nil {
		return nil, err
	}
	reserves, err := engine.helper.BatchCallOverRange(ctx, &contracts.Pair, "getReserves", pair, from, to)
	if err != nil {
		return nil, err
	}
	for i, result := range reserves {
		block := from + uint64(i)
		reserve0 := normalize(result[0], meta.Token0.Decimals)
		reserve1 := normalize(result[1], meta.Token1.Decimals)
		wethReserve, stableReserve := reserve0, reserve1
		if meta.Token1.Address == engine.config.WETH {
			wethReserve, stableReserve = reserve1, reserve0
		}
		if wethReserve == 0 {
			quotes[block] = 0
			continue
		}
		quotes[block] = stableReserve / wethReserve
	}
	return quotes, nil
}

func (engine *Engine) getPair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	result, err := engine.helper.Call(ctx, &contracts.Factory, "getPair", engine.config.Factory, tokenA, tokenB)
	if err != nil {
		return common.Address{}, err
	}
	pair, ok := result[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getPair did not return an address")
	}
	return pair, nil
}

func (engine *Engine) writeBack(token common.Address, prices map[uint64]float64, to uint64) {
	if len(prices) == 0 {
		return
	}
	points := make([]store.PricePoint, 0, len(prices))
	for block, price := range prices {
		points = append(points, store.PricePoint{BlockHeight: block, Price: price})
	}
	if err := engine.store.PutPrices(token, points); err != nil {
		engine.logger.Errorf("[pricing] cannot cache price range for token %v: %v", token.Hex(), err)
		return
	}
	if to > engine.config.PruneHorizon {
		if err := engine.store.PrunePrices(token, to-engine.config.PruneHorizon); err != nil {
			engine.logger.Debugf("[pricing] cannot prune price cache for token %v: %v", token.Hex(), err)
		}
	}
}

// normalize scales an unscaled reserve down by the token's decimals.
// Arithmetic is IEEE-754 double throughout, matching the snapshot format.
func normalize(value interface{}, decimals uint8) float64 {
	n, ok := value.(*big.Int)
	if !ok {
		return 0
	}
	return bigToFloat(n) / math.Pow10(int(decimals))
}

func bigToFloat(n *big.Int) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}
