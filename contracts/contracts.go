// Package contracts embeds the UniswapV2 and ERC20 ABI fragments the pipeline
// calls and decodes. The ABIs are parsed once at init and shared read-only.
package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const pairABIJSON = `[
	{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"name":"_reserve0","type":"uint112"},{"name":"_reserve1","type":"uint112"},{"name":"_blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0In","type":"uint256"},{"indexed":false,"name":"amount1In","type":"uint256"},{"indexed":false,"name":"amount0Out","type":"uint256"},{"indexed":false,"name":"amount1Out","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Swap","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0","type":"uint256"},{"indexed":false,"name":"amount1","type":"uint256"}],"name":"Mint","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0","type":"uint256"},{"indexed":false,"name":"amount1","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Burn","type":"event"}
]`

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const factoryABIJSON = `[
	{"constant":true,"inputs":[{"name":"","type":"address"},{"name":"","type":"address"}],"name":"getPair","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"","type":"uint256"}],"name":"allPairs","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"allPairsLength","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const routerABIJSON = `[
	{"constant":true,"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"}
]`

// Parsed ABIs for the contracts the pipeline touches.
var (
	Pair    abi.ABI
	ERC20   abi.ABI
	Factory abi.ABI
	Router  abi.ABI
)

// Trade event names in the order snapshots report them.
var TradeEvents = []string{"Swap", "Mint", "Burn"}

// Topic hashes for the trade events, keyed by event name.
var TradeEventTopics map[string]common.Hash

// ZeroAddress is returned by factory.getPair when no pool exists.
var ZeroAddress = common.Address{}

func init() {
	Pair = mustParse("UniswapV2Pair", pairABIJSON)
	ERC20 = mustParse("ERC20", erc20ABIJSON)
	Factory = mustParse("UniswapV2Factory", factoryABIJSON)
	Router = mustParse("UniswapV2Router", routerABIJSON)

	TradeEventTopics = make(map[string]common.Hash, len(TradeEvents))
	for _, name := range TradeEvents {
		event, ok := Pair.Events[name]
		if !ok {
			panic(fmt.Sprintf("pair ABI is missing the %v event", name))
		}
		TradeEventTopics[name] = event.ID
	}
}

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("cannot parse %v ABI: %v", name, err))
	}
	return parsed
}
