// Package trade decodes Swap, Mint and Burn logs for a pair over an epoch and
// turns them into USD-denominated trade and fee volumes.
package trade

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/renproject/phi"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/contracts"
	"github.com/epochlabs/snapshotter/pricing"
	"github.com/epochlabs/snapshotter/rpc"
	"github.com/epochlabs/snapshotter/store"
)

// swapFeeRate is the Uniswap V2 LP fee: 30 basis points on the input side.
const swapFeeRate = 0.003

// EventRecord is one decoded trade event with normalized amounts and its USD
// value under the epoch's prices.
type EventRecord struct {
	Event        string  `json:"event"`
	TxHash       string  `json:"transactionHash"`
	LogIndex     uint    `json:"logIndex"`
	BlockNum     uint64  `json:"blockNumber"`
	Token0Amount float64 `json:"token0_amount"`
	Token1Amount float64 `json:"token1_amount"`
	TradeUSD     float64 `json:"trade_amount_usd"`
	Sender       string  `json:"sender,omitempty"`
	To           string  `json:"to,omitempty"`
}

// Totals aggregates an epoch's trade activity for one pair.
type Totals struct {
	TradeUSD     float64
	FeeUSD       float64
	Token0Volume float64
	Token1Volume float64
	Events       []EventRecord
}

// Extractor fetches and decodes the three trade log streams for a pair and
// prices them through the pricing engine.
type Extractor struct {
	logger   logrus.FieldLogger
	helper   *rpc.Helper
	engine   *pricing.Engine
	metadata *store.MetadataCache
}

// NewExtractor returns a new Extractor.
func NewExtractor(logger logrus.FieldLogger, helper *rpc.Helper, engine *pricing.Engine, metadata *store.MetadataCache) *Extractor {
	return &Extractor{
		logger:   logger,
		helper:   helper,
		engine:   engine,
		metadata: metadata,
	}
}

// TradeVolume computes the trade totals for pair over [from, to]. Pricing
// failures degrade to zero prices rather than failing the extraction; log
// fetch failures are fatal.
func (extractor *Extractor) TradeVolume(ctx context.Context, pair common.Address, from, to uint64) (Totals, error) {
	meta, err := extractor.metadata.Get(ctx, pair)
	if err != nil {
		return Totals{}, fmt.Errorf("cannot get pair metadata: %v", err)
	}

	// The three log streams are independent; fetch them concurrently.
	streams := make([][]types.Log, len(contracts.TradeEvents))
	errs := make([]error, len(contracts.TradeEvents))
	phi.ParForAll(contracts.TradeEvents, func(i int) {
		topic := contracts.TradeEventTopics[contracts.TradeEvents[i]]
		streams[i], errs[i] = extractor.helper.GetLogs(ctx, pair, from, to, [][]common.Hash{{topic}})
	})
	for i, err := range errs {
		if err != nil {
			return Totals{}, fmt.Errorf("cannot fetch %v logs: %v", contracts.TradeEvents[i], err)
		}
	}

	price0 := extractor.priceOrZero(ctx, meta.Token0, from, to)
	price1 := extractor.priceOrZero(ctx, meta.Token1, from, to)

	totals := Totals{Events: []EventRecord{}}
	for i, name := range contracts.TradeEvents {
		for _, log := range streams[i] {
			record, fee, err := decodeAndPrice(name, log, meta, price0, price1)
			if err != nil {
				return Totals{}, fmt.Errorf("cannot decode %v log %v: %v", name, log.TxHash.Hex(), err)
			}
			totals.Token0Volume += record.Token0Amount
			totals.Token1Volume += record.Token1Amount
			totals.TradeUSD += record.TradeUSD
			totals.FeeUSD += fee
			totals.Events = append(totals.Events, record)
		}
	}

	sort.SliceStable(totals.Events, func(i, j int) bool {
		if totals.Events[i].BlockNum != totals.Events[j].BlockNum {
			return totals.Events[i].BlockNum < totals.Events[j].BlockNum
		}
		return totals.Events[i].LogIndex < totals.Events[j].LogIndex
	})
	return totals, nil
}

// priceOrZero resolves a token's price series, degrading to zeros on pricing
// failure so the trade snapshot still commits.
func (extractor *Extractor) priceOrZero(ctx context.Context, token store.TokenMetadata, from, to uint64) map[uint64]float64 {
	prices, err := extractor.engine.PriceOverRange(ctx, token.Address, from, to)
	if err != nil {
		extractor.logger.Errorf("[trade] pricing failed for %v (%v), using zero prices: %v", token.Symbol, token.Address.Hex(), err)
		return map[uint64]float64{}
	}
	return prices
}

// decodeAndPrice turns one raw log into a priced EventRecord and, for swaps,
// the fee charged on the input side.
func decodeAndPrice(name string, log types.Log, meta store.PairMetadata, price0, price1 map[uint64]float64) (EventRecord, float64, error) {
	values, err := contracts.Pair.Unpack(name, log.Data)
	if err != nil {
		return EventRecord{}, 0, err
	}

	record := EventRecord{
		Event:    name,
		TxHash:   log.TxHash.Hex(),
		LogIndex: log.Index,
		BlockNum: log.BlockNumber,
	}
	if len(log.Topics) > 1 {
		record.Sender = common.BytesToAddress(log.Topics[1].Bytes()).Hex()
	}
	if len(log.Topics) > 2 {
		record.To = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
	}

	p0 := price0[log.BlockNumber]
	p1 := price1[log.BlockNumber]
	fee := float64(0)

	switch name {
	case "Swap":
		amount0In := bigAt(values, 0)
		amount1In := bigAt(values, 1)
		amount0Out := bigAt(values, 2)
		amount1Out := bigAt(values, 3)

		// Exactly one input side is nonzero; volumes and the fee basis
		// follow the input side.
		var feeBasis float64
		var feePrice float64
		if amount1In.Sign() == 0 {
			record.Token0Amount = normalize(amount0In, meta.Token0.Decimals)
			record.Token1Amount = normalize(amount1Out, meta.Token1.Decimals)
			feeBasis = record.Token0Amount
			feePrice = p0
		} else {
			record.Token0Amount = normalize(amount0Out, meta.Token0.Decimals)
			record.Token1Amount = normalize(amount1In, meta.Token1.Decimals)
			feeBasis = record.Token1Amount
			feePrice = p1
		}

		// A swap's USD value counts one side only.
		switch {
		case p0 != 0:
			record.TradeUSD = record.Token0Amount * p0
		case p1 != 0:
			record.TradeUSD = record.Token1Amount * p1
		}
		fee = feeBasis * swapFeeRate * feePrice

	case "Mint", "Burn":
		record.Token0Amount = normalize(bigAt(values, 0), meta.Token0.Decimals)
		record.Token1Amount = normalize(bigAt(values, 1), meta.Token1.Decimals)
		switch {
		case p0 != 0 && p1 != 0:
			record.TradeUSD = record.Token0Amount*p0 + record.Token1Amount*p1
		case p0 != 0:
			record.TradeUSD = 2 * record.Token0Amount * p0
		case p1 != 0:
			record.TradeUSD = 2 * record.Token1Amount * p1
		}

	default:
		return EventRecord{}, 0, fmt.Errorf("unsupported trade event %q", name)
	}
	return record, fee, nil
}

func bigAt(values []interface{}, i int) *big.Int {
	if i >= len(values) {
		return new(big.Int)
	}
	n, ok := values[i].(*big.Int)
	if !ok {
		return new(big.Int)
	}
	return n
}

func normalize(n *big.Int, decimals uint8) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f / math.Pow10(int(decimals))
}
