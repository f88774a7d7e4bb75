package store_test

import (
	"context"
	"errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v7"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/epochlabs/snapshotter/rpc"
	. "github.com/epochlabs/snapshotter/store"
	"github.com/sirupsen/logrus"
)

// fakeCaller serves pair and ERC20 metadata calls from fixed values and counts
// the batches it receives.
type fakeCaller struct {
	token0  common.Address
	token1  common.Address
	batches int
	err     error
}

func (caller *fakeCaller) BatchCall(ctx context.Context, calls []rpc.CallSpec) ([][]interface{}, error) {
	caller.batches++
	if caller.err != nil {
		return nil, caller.err
	}
	results := make([][]interface{}, len(calls))
	for i, call := range calls {
		switch call.Fn {
		case "token0":
			results[i] = []interface{}{caller.token0}
		case "token1":
			results[i] = []interface{}{caller.token1}
		case "name":
			results[i] = []interface{}{"Token " + call.To.Hex()[2:6]}
		case "symbol":
			if call.To == caller.token0 {
				results[i] = []interface{}{"TK0"}
			} else {
				results[i] = []interface{}{"TK1"}
			}
		case "decimals":
			if call.To == caller.token0 {
				results[i] = []interface{}{uint8(18)}
			} else {
				results[i] = []interface{}{uint8(6)}
			}
		default:
			return nil, errors.New("unexpected call " + call.Fn)
		}
	}
	return results, nil
}

var _ = Describe("MetadataCache", func() {
	pair := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	token0 := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token1 := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	initCache := func() (*MetadataCache, *fakeCaller, *miniredis.Miniredis, *redis.Client) {
		mr, err := miniredis.Run()
		if err != nil {
			panic(err)
		}
		client := redis.NewClient(&redis.Options{
			Addr: mr.Addr(),
		})
		store := New(logrus.New(), client, "UNISWAPV2")
		caller := &fakeCaller{token0: token0, token1: token1}
		return NewMetadataCache(logrus.New(), store, caller), caller, mr, client
	}

	Context("when fetching metadata for an unseen pair", func() {
		It("should discover tokens and their ERC20 fields over the chain", func() {
			cache, caller, mr, client := initCache()
			defer mr.Close()
			defer client.Close()

			meta, err := cache.Get(context.Background(), pair)
			Expect(err).ToNot(HaveOccurred())
			Expect(caller.batches).To(Equal(2))
			Expect(meta.Token0.Address).To(Equal(token0))
			Expect(meta.Token1.Address).To(Equal(token1))
			Expect(meta.Token0.Symbol).To(Equal("TK0"))
			Expect(meta.Token1.Symbol).To(Equal("TK1"))
			Expect(meta.Token0.Decimals).To(Equal(uint8(18)))
			Expect(meta.Token1.Decimals).To(Equal(uint8(6)))
			Expect(meta.PairSymbol).To(Equal("TK0-TK1"))
		})

		It("should propagate chain failures", func() {
			cache, caller, mr, client := initCache()
			defer mr.Close()
			defer client.Close()

			caller.err = errors.New("boom")
			_, err := cache.Get(context.Background(), pair)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when fetching metadata for a cached pair", func() {
		It("should serve from the store without chain calls", func() {
			cache, caller, mr, client := initCache()
			defer mr.Close()
			defer client.Close()

			first, err := cache.Get(context.Background(), pair)
			Expect(err).ToNot(HaveOccurred())
			Expect(caller.batches).To(Equal(2))

			second, err := cache.Get(context.Background(), pair)
			Expect(err).ToNot(HaveOccurred())
			Expect(caller.batches).To(Equal(2))
			Expect(second).To(Equal(first))
		})

		It("should share the cache across instances", func() {
			cache, caller, mr, client := initCache()
			defer mr.Close()
			defer client.Close()

			_, err := cache.Get(context.Background(), pair)
			Expect(err).ToNot(HaveOccurred())
			Expect(caller.batches).To(Equal(2))

			store := New(logrus.New(), client, "UNISWAPV2")
			fresh := NewMetadataCache(logrus.New(), store, caller)
			_, err = fresh.Get(context.Background(), pair)
			Expect(err).ToNot(HaveOccurred())
			Expect(caller.batches).To(Equal(2))
		})
	})
})
