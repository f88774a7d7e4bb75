// Package store holds all shared state of the pipeline: the pair-metadata
// cache, the block-height-scored price caches, the per-broadcast progress
// log, and the per-pair dead-letter queue of failed epochs. Everything lives
// in a Redis-compatible store so workers stay restartable and coordination
// never relies on in-process memory.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v7"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/message"
)

// PricePoint is one cached price observation, scored by block height.
type PricePoint struct {
	BlockHeight uint64  `json:"blockHeight"`
	Price       float64 `json:"price"`
}

// Store wraps the shared Redis connection with the pipeline's key schema.
type Store struct {
	logger    logrus.FieldLogger
	client    redis.Cmdable
	namespace string
}

// New returns a new Store.
func New(logger logrus.FieldLogger, client redis.Cmdable, namespace string) *Store {
	return &Store{
		logger:    logger,
		client:    client,
		namespace: namespace,
	}
}

func (store *Store) pairTokensAddressesKey(pair string) string {
	return fmt.Sprintf("uniswap:pairContract:%s:%s:PairContractTokensAddresses", store.namespace, pair)
}

func (store *Store) pairTokensDataKey(pair string) string {
	return fmt.Sprintf("uniswap:pairContract:%s:%s:PairContractTokensData", store.namespace, pair)
}

func (store *Store) tokenPriceKey(token string) string {
	return fmt.Sprintf("uniswap:pairContract:%s:%s:cachedPairBlockHeightTokenPrice", store.namespace, token)
}

func (store *Store) ethPriceKey() string {
	return fmt.Sprintf("uniswap:ethBlockHeightPrice:%s:ethPriceZset", store.namespace)
}

func broadcastLogsKey(broadcastID string) string {
	return fmt.Sprintf("uniswap:cb:broadcastProcessingLogs:%s", broadcastID)
}

func failedEpochsKey(pair string) string {
	return fmt.Sprintf("uniswap:failed_pair_total_reserves_epochs:%s", pair)
}

// addrKey lowercases an address for use inside Redis keys so that cache hits
// do not depend on checksum casing.
func addrKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// PriceRange returns the cached price points for token with
// from <= blockHeight <= to, in ascending block order. Consumers must treat
// the result as complete only when it holds exactly to-from+1 points.
func (store *Store) PriceRange(token common.Address, from, to uint64) ([]PricePoint, error) {
	return store.priceRange(store.tokenPriceKey(addrKey(token)), from, to)
}

// PutPrices inserts or replaces price points for token.
func (store *Store) PutPrices(token common.Address, points []PricePoint) error {
	return store.putPrices(store.tokenPriceKey(addrKey(token)), points)
}

// PrunePrices removes all cached points for token below the given height.
func (store *Store) PrunePrices(token common.Address, olderThan uint64) error {
	return store.prunePrices(store.tokenPriceKey(addrKey(token)), olderThan)
}

// EthPriceRange returns the cached ETH/USD points within [from, to].
func (store *Store) EthPriceRange(from, to uint64) ([]PricePoint, error) {
	return store.priceRange(store.ethPriceKey(), from, to)
}

// PutEthPrices inserts or replaces ETH/USD price points.
func (store *Store) PutEthPrices(points []PricePoint) error {
	return store.putPrices(store.ethPriceKey(), points)
}

// PruneEthPrices removes all cached ETH/USD points below the given height.
func (store *Store) PruneEthPrices(olderThan uint64) error {
	return store.prunePrices(store.ethPriceKey(), olderThan)
}

func (store *Store) priceRange(key string, from, to uint64) ([]PricePoint, error) {
	members, err := store.client.ZRangeByScore(key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from),
		Max: fmt.Sprintf("%d", to),
	}).Result()
	if err != nil {
		return nil, err
	}
	points := make([]PricePoint, 0, len(members))
	for _, member := range members {
		var point PricePoint
		if err := json.Unmarshal([]byte(member), &point); err != nil {
			return nil, fmt.Errorf("corrupt price point in %v: %v", key, err)
		}
		points = append(points, point)
	}
	return points, nil
}

func (store *Store) putPrices(key string, points []PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	members := make([]*redis.Z, 0, len(points))
	for _, point := range points {
		member, err := json.Marshal(point)
		if err != nil {
			return err
		}
		members = append(members, &redis.Z{
			Score:  float64(point.BlockHeight),
			Member: string(member),
		})
	}
	return store.client.ZAdd(key, members...).Err()
}

func (store *Store) prunePrices(key string, olderThan uint64) error {
	return store.client.ZRemRangeByScore(key, "-inf", fmt.Sprintf("(%d", olderThan)).Err()
}

// AppendProgress journals a lifecycle entry to the broadcast's processing
// log, scored by wall-clock seconds. The log is append-only; entries sharing
// a score may arrive in any order.
func (store *Store) AppendProgress(broadcastID string, entry message.ProgressLogEntry) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return store.client.ZAdd(broadcastLogsKey(broadcastID), &redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: string(member),
	}).Err()
}

// ProgressLog returns all journal entries for a broadcast in score order.
// Used by diagnostics only, never by workers.
func (store *Store) ProgressLog(broadcastID string) ([]message.ProgressLogEntry, error) {
	members, err := store.client.ZRangeByScore(broadcastLogsKey(broadcastID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]message.ProgressLogEntry, 0, len(members))
	for _, member := range members {
		var entry message.ProgressLogEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// EnqueueFailedEpoch pushes a work unit whose snapshot construction failed
// onto the pair's dead-letter list for out-of-band retry.
func (store *Store) EnqueueFailedEpoch(unit message.WorkUnit) error {
	body, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	return store.client.RPush(failedEpochsKey(unit.Contract), string(body)).Err()
}

// FailedEpochs returns the dead-letter list for a pair without consuming it.
func (store *Store) FailedEpochs(pair string) ([]message.WorkUnit, error) {
	members, err := store.client.LRange(failedEpochsKey(pair), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	units := make([]message.WorkUnit, 0, len(members))
	for _, member := range members {
		var unit message.WorkUnit
		if err := json.Unmarshal([]byte(member), &unit); err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}
