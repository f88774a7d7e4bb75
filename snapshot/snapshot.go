// Package snapshot builds the two per-epoch artifacts committed to the audit
// service: a per-block reserves snapshot and an aggregate trade-volume
// snapshot.
package snapshot

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/contracts"
	"github.com/epochlabs/snapshotter/message"
	"github.com/epochlabs/snapshotter/rpc"
	"github.com/epochlabs/snapshotter/store"
	"github.com/epochlabs/snapshotter/trade"
)

// PairReserves is the per-block reserves snapshot of a pair over an epoch.
// The reserve maps are keyed "block{N}" for every block in the range; the
// key format is part of the audit-service contract.
type PairReserves struct {
	Contract         string             `json:"contract"`
	BroadcastID      string             `json:"broadcast_id"`
	Token0Reserves   map[string]float64 `json:"token0Reserves"`
	Token1Reserves   map[string]float64 `json:"token1Reserves"`
	ChainHeightRange message.Epoch      `json:"chainHeightRange"`
	Timestamp        int64              `json:"timestamp"`
}

// TradeVolume is the aggregate trade-volume snapshot of a pair over an epoch.
// Totals are rounded to 6 decimal places; events are ordered by
// (block, logIndex).
type TradeVolume struct {
	Contract          string              `json:"contract"`
	BroadcastID       string              `json:"broadcast_id"`
	ChainHeightRange  message.Epoch       `json:"chainHeightRange"`
	Timestamp         int64               `json:"timestamp"`
	TotalTrade        float64             `json:"totalTrade"`
	TotalFee          float64             `json:"totalFee"`
	Token0TradeVolume float64             `json:"token0TradeVolume"`
	Token1TradeVolume float64             `json:"token1TradeVolume"`
	Events            []trade.EventRecord `json:"events"`
}

// BlockKey formats the reserve-map key for a block.
func BlockKey(block uint64) string {
	return fmt.Sprintf("block%d", block)
}

// Builder constructs snapshots for work units.
type Builder struct {
	logger    logrus.FieldLogger
	helper    *rpc.Helper
	metadata  *store.MetadataCache
	extractor *trade.Extractor

	// strictTimestamps fails a snapshot when the end-block header cannot be
	// fetched, instead of falling back to wall-clock time.
	strictTimestamps bool
}

// NewBuilder returns a new Builder.
func NewBuilder(logger logrus.FieldLogger, helper *rpc.Helper, metadata *store.MetadataCache, extractor *trade.Extractor, strictTimestamps bool) *Builder {
	return &Builder{
		logger:           logger,
		helper:           helper,
		metadata:         metadata,
		extractor:        extractor,
		strictTimestamps: strictTimestamps,
	}
}

// BuildPairReserves reconstructs the pair's reserves for every block of the
// unit's epoch with a single batched getReserves call.
func (builder *Builder) BuildPairReserves(ctx context.Context, unit message.WorkUnit) (*PairReserves, error) {
	pair := common.HexToAddress(unit.Contract)
	meta, err := builder.metadata.Get(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("cannot get pair metadata: %v", err)
	}

	results, err := builder.helper.BatchCallOverRange(ctx, &contracts.Pair, "getReserves", pair, unit.Begin, unit.End)
	if err != nil {
		return nil, err
	}

	token0Reserves := make(map[string]float64, len(results))
	token1Reserves := make(map[string]float64, len(results))
	for i, result := range results {
		block := unit.Begin + uint64(i)
		token0Reserves[BlockKey(block)] = normalize(result[0], meta.Token0.Decimals)
		token1Reserves[BlockKey(block)] = normalize(result[1], meta.Token1.Decimals)
	}

	timestamp, err := builder.endBlockTimestamp(ctx, unit.End)
	if err != nil {
		return nil, err
	}
	return &PairReserves{
		Contract:         unit.Contract,
		BroadcastID:      unit.BroadcastID,
		Token0Reserves:   token0Reserves,
		Token1Reserves:   token1Reserves,
		ChainHeightRange: unit.Epoch,
		Timestamp:        timestamp,
	}, nil
}

// BuildTradeVolume extracts and prices the epoch's trade events.
func (builder *Builder) BuildTradeVolume(ctx context.Context, unit message.WorkUnit) (*TradeVolume, error) {
	pair := common.HexToAddress(unit.Contract)
	totals, err := builder.extractor.TradeVolume(ctx, pair, unit.Begin, unit.End)
	if err != nil {
		return nil, err
	}

	timestamp, err := builder.endBlockTimestamp(ctx, unit.End)
	if err != nil {
		return nil, err
	}
	return &TradeVolume{
		Contract:          unit.Contract,
		BroadcastID:       unit.BroadcastID,
		ChainHeightRange:  unit.Epoch,
		Timestamp:         timestamp,
		TotalTrade:        round6(totals.TradeUSD),
		TotalFee:          round6(totals.FeeUSD),
		Token0TradeVolume: round6(totals.Token0Volume),
		Token1TradeVolume: round6(totals.Token1Volume),
		Events:            totals.Events,
	}, nil
}

// endBlockTimestamp fetches the epoch end block's timestamp. Outside strict
// mode a fetch failure degrades to wall-clock time with an error log; the
// snapshot is still produced.
func (builder *Builder) endBlockTimestamp(ctx context.Context, end uint64) (int64, error) {
	block, err := builder.helper.GetBlock(ctx, end)
	if err != nil {
		if builder.strictTimestamps {
			return 0, fmt.Errorf("cannot fetch timestamp of block %v: %v", end, err)
		}
		builder.logger.Errorf("[snapshot] cannot fetch timestamp of block %v, falling back to wall clock: %v", end, err)
		return time.Now().Unix(), nil
	}
	return int64(block.Timestamp), nil
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

func normalize(value interface{}, decimals uint8) float64 {
	n, ok := value.(*big.Int)
	if !ok {
		return 0
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	return f / math.Pow10(int(decimals))
}
