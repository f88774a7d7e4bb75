package distributor_test

import (
	"context"
	"errors"
	"sync"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/epochlabs/snapshotter/bus"
	. "github.com/epochlabs/snapshotter/distributor"
	"github.com/epochlabs/snapshotter/message"
	"github.com/epochlabs/snapshotter/store"
	"github.com/sirupsen/logrus"
)

type published struct {
	exchange   string
	routingKey string
	body       []byte
}

// fakePublisher records publishes and optionally fails them.
type fakePublisher struct {
	mu        sync.Mutex
	published []published
	err       error
}

func (publisher *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.err != nil {
		return publisher.err
	}
	publisher.published = append(publisher.published, published{exchange, routingKey, body})
	return nil
}

func (publisher *fakePublisher) all() []published {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	return append([]published{}, publisher.published...)
}

var _ = Describe("Distributor", func() {
	topology := bus.Topology{
		Project:           "uniswap",
		Namespace:         "UNISWAPV2",
		CallbacksExchange: "uniswap-backend-callbacks",
	}
	broadcastKey := "uniswap-backend-callback:UNISWAPV2.pair_total_reserves.broadcast"

	initDistributor := func() (*Distributor, *fakePublisher, *store.Store, *miniredis.Miniredis, *redis.Client) {
		mr, err := miniredis.Run()
		if err != nil {
			panic(err)
		}
		client := redis.NewClient(&redis.Options{
			Addr: mr.Addr(),
		})
		sharedStore := store.New(logrus.New(), client, "UNISWAPV2")
		publisher := &fakePublisher{}
		return New(logrus.New(), publisher, sharedStore, topology), publisher, sharedStore, mr, client
	}

	Context("when distributing a broadcast epoch", func() {
		It("should publish one lowercased work unit per contract", func() {
			distributor, publisher, _, mr, client := initDistributor()
			defer mr.Close()
			defer client.Close()

			payload := []byte(`{
				"begin": 100, "end": 109, "broadcast_id": "cb-1",
				"contracts": [
					"0x00000000000000000000000000000000000000AA",
					"0x00000000000000000000000000000000000000bb"
				]
			}`)
			distributor.Distribute(context.Background(), broadcastKey, payload)

			units := publisher.all()
			Expect(units).To(HaveLen(2))
			for _, unit := range units {
				Expect(unit.exchange).To(Equal(topology.SubtopicsExchange()))
				Expect(unit.routingKey).To(Equal(topology.WorkerRoutingKey()))
			}
			first, err := message.ParseWorkUnit(units[0].body)
			Expect(err).ToNot(HaveOccurred())
			Expect(first.Contract).To(Equal("0x00000000000000000000000000000000000000aa"))
			Expect(first.Begin).To(Equal(uint64(100)))
			Expect(first.End).To(Equal(uint64(109)))
			Expect(first.BroadcastID).To(Equal("cb-1"))
		})

		It("should journal the fan-out to the broadcast's progress log", func() {
			distributor, _, sharedStore, mr, client := initDistributor()
			defer mr.Close()
			defer client.Close()

			payload := []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contracts":["0x00000000000000000000000000000000000000aa"]}`)
			distributor.Distribute(context.Background(), broadcastKey, payload)

			entries, err := sharedStore.ProgressLog("cb-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Update.Action).To(Equal("RabbitMQ.Publish"))
			Expect(entries[0].Update.Info.RoutingKey).To(Equal(topology.WorkerRoutingKey()))
			Expect(entries[0].Update.Info.Exchange).To(Equal(topology.SubtopicsExchange()))
		})
	})

	Context("when the callback belongs to another worker family", func() {
		It("should skip it without publishing or journaling", func() {
			distributor, publisher, sharedStore, mr, client := initDistributor()
			defer mr.Close()
			defer client.Close()

			payload := []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contracts":["0x00000000000000000000000000000000000000aa"]}`)
			distributor.Distribute(context.Background(), "uniswap-backend-callback:UNISWAPV2.liquidity_totals.broadcast", payload)

			Expect(publisher.all()).To(BeEmpty())
			entries, err := sharedStore.ProgressLog("cb-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})
	})

	Context("when the payload is malformed", func() {
		It("should drop it without publishing", func() {
			distributor, publisher, _, mr, client := initDistributor()
			defer mr.Close()
			defer client.Close()

			distributor.Distribute(context.Background(), broadcastKey, []byte("not json"))
			distributor.Distribute(context.Background(), broadcastKey, []byte(`{"begin":109,"end":100,"broadcast_id":"cb-1","contracts":["0x00000000000000000000000000000000000000aa"]}`))
			distributor.Distribute(context.Background(), broadcastKey, []byte(`{"begin":100,"end":109,"broadcast_id":"","contracts":["0x00000000000000000000000000000000000000aa"]}`))

			Expect(publisher.all()).To(BeEmpty())
		})
	})

	Context("when publishing fails", func() {
		It("should still journal the broadcast", func() {
			distributor, publisher, sharedStore, mr, client := initDistributor()
			defer mr.Close()
			defer client.Close()

			publisher.err = errors.New("broker gone")
			payload := []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contracts":["0x00000000000000000000000000000000000000aa"]}`)
			distributor.Distribute(context.Background(), broadcastKey, payload)

			Expect(publisher.all()).To(BeEmpty())
			entries, err := sharedStore.ProgressLog("cb-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})
	})
})
