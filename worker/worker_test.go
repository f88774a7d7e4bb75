package worker_test

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/go-redis/redis/v7"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/epochlabs/snapshotter/audit"
	"github.com/epochlabs/snapshotter/message"
	"github.com/epochlabs/snapshotter/pricing"
	"github.com/epochlabs/snapshotter/rpc"
	"github.com/epochlabs/snapshotter/snapshot"
	"github.com/epochlabs/snapshotter/store"
	"github.com/epochlabs/snapshotter/testutils"
	"github.com/epochlabs/snapshotter/trade"
	. "github.com/epochlabs/snapshotter/worker"
	"github.com/sirupsen/logrus"
)

var _ = Describe("Worker", func() {
	var (
		factory = common.HexToAddress("0x00000000000000000000000000000000000000f0")
		router  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
		weth    = common.HexToAddress("0x00000000000000000000000000000000000000e0")
		token0  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
		token1  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
		pair    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	)

	unit := message.WorkUnit{
		Epoch:       message.Epoch{Begin: 100, End: 102},
		BroadcastID: "cb-1",
		Contract:    "0x00000000000000000000000000000000000000cc",
	}

	scale := func(amount int64, decimals uint) *big.Int {
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
		return new(big.Int).Mul(big.NewInt(amount), exp)
	}

	fastRetry := audit.RetryOptions{
		Base:        time.Millisecond,
		Max:         5 * time.Millisecond,
		Factor:      0.2,
		MaxAttempts: 2,
	}

	initWorker := func(registerPair bool) (*Worker, *store.Store, *testutils.Chain, *testutils.AuditServer, func()) {
		chain := testutils.NewChain()
		chain.AddToken(token0, "Token Zero", "TK0", 18)
		chain.AddToken(token1, "Token One", "TK1", 6)
		if registerPair {
			chain.AddPair(pair, token0, token1)
			for block := uint64(100); block <= 102; block++ {
				chain.SetReserves(pair, block, scale(int64(block), 18), scale(int64(block*2), 6))
			}
			chain.SetBlock(102, 1680000000)
		}
		auditServer := testutils.NewAuditServer()

		mr, err := miniredis.Run()
		if err != nil {
			panic(err)
		}
		redisClient := redis.NewClient(&redis.Options{
			Addr: mr.Addr(),
		})
		rpcClient, err := gethrpc.Dial(chain.URL())
		if err != nil {
			panic(err)
		}
		logger := logrus.New()
		helper := rpc.NewHelper(logger, rpcClient, testutils.AlwaysAdmit{}, "testapp").WithRetryOptions(rpc.RetryOptions{
			Base:        time.Millisecond,
			Max:         5 * time.Millisecond,
			Factor:      0.2,
			MaxAttempts: 2,
		})
		sharedStore := store.New(logger, redisClient, "UNISWAPV2")
		metadata := store.NewMetadataCache(logger, sharedStore, helper)
		engine := pricing.New(logger, helper, sharedStore, metadata, pricing.Config{
			Factory:   factory,
			Router:    router,
			WETH:      weth,
			Whitelist: []common.Address{weth},
		})
		extractor := trade.NewExtractor(logger, helper, engine, metadata)
		builder := snapshot.NewBuilder(logger, helper, metadata, extractor, false)
		auditClient := audit.NewClient(logger, auditServer.URL(), time.Second).WithRetryOptions(fastRetry)
		worker := New(logger, builder, auditClient, sharedStore, false)
		cleanup := func() {
			rpcClient.Close()
			redisClient.Close()
			mr.Close()
			auditServer.Close()
			chain.Close()
		}
		return worker, sharedStore, chain, auditServer, cleanup
	}

	marshal := func(unit message.WorkUnit) []byte {
		body, err := json.Marshal(unit)
		Expect(err).ToNot(HaveOccurred())
		return body
	}

	Context("when processing a work unit", func() {
		It("should commit both snapshot streams and journal every step", func() {
			worker, sharedStore, _, auditServer, cleanup := initWorker(true)
			defer cleanup()

			worker.Process(context.Background(), marshal(unit))

			commits := auditServer.Commits()
			Expect(commits).To(HaveLen(2))
			Expect(commits[0].Pair).To(Equal(unit.Contract))
			Expect(commits[0].Stream).To(Equal(StreamPairReserves))
			Expect(commits[1].Stream).To(Equal(StreamTradeVolume))

			var reserves snapshot.PairReserves
			Expect(json.Unmarshal(commits[0].Body, &reserves)).To(Succeed())
			Expect(reserves.Contract).To(Equal(unit.Contract))
			Expect(reserves.Token0Reserves).To(HaveKey("block100"))
			Expect(reserves.Token0Reserves).To(HaveKey("block102"))

			entries, err := sharedStore.ProgressLog("cb-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(4))
			actions := map[string]string{}
			for _, entry := range entries {
				actions[entry.Update.Action] = entry.Update.Info.Status
			}
			Expect(actions).To(HaveKeyWithValue("PairReserves.SnapshotBuild", message.StatusSuccess))
			Expect(actions).To(HaveKeyWithValue("PairReserves.SnapshotCommit", message.StatusSuccess))
			Expect(actions).To(HaveKeyWithValue("TradeVolume.SnapshotBuild", message.StatusSuccess))
			Expect(actions).To(HaveKeyWithValue("TradeVolume.SnapshotCommit", message.StatusSuccess))

			failed, err := sharedStore.FailedEpochs(unit.Contract)
			Expect(err).ToNot(HaveOccurred())
			Expect(failed).To(BeEmpty())
		})

		It("should preset diff rules before committing", func() {
			worker, _, _, auditServer, cleanup := initWorker(true)
			defer cleanup()

			worker.Process(context.Background(), marshal(unit))

			requests := auditServer.Requests()
			Expect(requests).To(HaveLen(4))
			Expect(requests[0].Kind).To(Equal("diffRules"))
			Expect(requests[1].Kind).To(Equal("payload"))
			Expect(requests[2].Kind).To(Equal("diffRules"))
			Expect(requests[3].Kind).To(Equal("payload"))
		})
	})

	Context("when snapshot construction fails", func() {
		It("should dead-letter the epoch for both streams and commit nothing", func() {
			worker, sharedStore, _, auditServer, cleanup := initWorker(false)
			defer cleanup()

			worker.Process(context.Background(), marshal(unit))

			Expect(auditServer.Commits()).To(BeEmpty())

			failed, err := sharedStore.FailedEpochs(unit.Contract)
			Expect(err).ToNot(HaveOccurred())
			Expect(failed).To(HaveLen(2))
			Expect(failed[0]).To(Equal(unit))

			entries, err := sharedStore.ProgressLog("cb-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			for _, entry := range entries {
				Expect(entry.Update.Info.Status).To(Equal(message.StatusFailed))
				Expect(entry.Update.Info.Exception).ToNot(BeEmpty())
			}
		})
	})

	Context("when the audit service rejects a snapshot", func() {
		It("should journal the rejection without dead-lettering", func() {
			worker, sharedStore, _, auditServer, cleanup := initWorker(true)
			defer cleanup()

			auditServer.RejectWith("duplicate snapshot")
			worker.Process(context.Background(), marshal(unit))

			failed, err := sharedStore.FailedEpochs(unit.Contract)
			Expect(err).ToNot(HaveOccurred())
			Expect(failed).To(BeEmpty())

			entries, err := sharedStore.ProgressLog("cb-1")
			Expect(err).ToNot(HaveOccurred())
			statuses := map[string]string{}
			for _, entry := range entries {
				statuses[entry.Update.Action] = entry.Update.Info.Status
			}
			Expect(statuses).To(HaveKeyWithValue("PairReserves.SnapshotCommit", message.StatusFailed))
			Expect(statuses).To(HaveKeyWithValue("TradeVolume.SnapshotCommit", message.StatusFailed))
			Expect(statuses).To(HaveKeyWithValue("PairReserves.SnapshotBuild", message.StatusSuccess))
		})
	})

	Context("when the payload is malformed", func() {
		It("should drop it without side effects", func() {
			worker, sharedStore, _, auditServer, cleanup := initWorker(true)
			defer cleanup()

			worker.Process(context.Background(), []byte("not json"))
			worker.Process(context.Background(), []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contract":"bogus"}`))

			Expect(auditServer.Requests()).To(BeEmpty())
			failed, err := sharedStore.FailedEpochs(unit.Contract)
			Expect(err).ToNot(HaveOccurred())
			Expect(failed).To(BeEmpty())
		})
	})
})
