package testutils

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/epochlabs/snapshotter/contracts"
)

// SwapLog builds a Swap event log for the fake chain.
func SwapLog(pair common.Address, block uint64, index uint, sender, to common.Address, amount0In, amount1In, amount0Out, amount1Out *big.Int) types.Log {
	data := mustPackEvent("Swap", amount0In, amount1In, amount0Out, amount1Out)
	return eventLog(pair, block, index, []common.Hash{
		contracts.TradeEventTopics["Swap"],
		addressTopic(sender),
		addressTopic(to),
	}, data)
}

// MintLog builds a Mint event log for the fake chain.
func MintLog(pair common.Address, block uint64, index uint, sender common.Address, amount0, amount1 *big.Int) types.Log {
	data := mustPackEvent("Mint", amount0, amount1)
	return eventLog(pair, block, index, []common.Hash{
		contracts.TradeEventTopics["Mint"],
		addressTopic(sender),
	}, data)
}

// BurnLog builds a Burn event log for the fake chain.
func BurnLog(pair common.Address, block uint64, index uint, sender, to common.Address, amount0, amount1 *big.Int) types.Log {
	data := mustPackEvent("Burn", amount0, amount1)
	return eventLog(pair, block, index, []common.Hash{
		contracts.TradeEventTopics["Burn"],
		addressTopic(sender),
		addressTopic(to),
	}, data)
}

func eventLog(pair common.Address, block uint64, index uint, topics []common.Hash, data []byte) types.Log {
	return types.Log{
		Address:     pair,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("%v-%v-%v", pair.Hex(), block, index))),
	}
}

func mustPackEvent(name string, args ...interface{}) []byte {
	data, err := contracts.Pair.Events[name].Inputs.NonIndexed().Pack(args...)
	if err != nil {
		panic(fmt.Sprintf("cannot pack %v event: %v", name, err))
	}
	return data
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
