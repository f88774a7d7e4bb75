package ratelimit_test

import (
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	. "github.com/epochlabs/snapshotter/ratelimit"
	"github.com/sirupsen/logrus"
)

var _ = Describe("Ratelimit", func() {
	initLimiter := func(limit string) (*Limiter, *miniredis.Miniredis, *redis.Client) {
		mr, err := miniredis.Run()
		if err != nil {
			panic(err)
		}
		client := redis.NewClient(&redis.Options{
			Addr: mr.Addr(),
		})
		parsed, err := ParseLimit(limit)
		Expect(err).ToNot(HaveOccurred())
		return New(logrus.New(), client, parsed), mr, client
	}

	Context("when parsing limits", func() {
		It("should parse capacity and period", func() {
			limit, err := ParseLimit("30/second")
			Expect(err).ToNot(HaveOccurred())
			Expect(limit.Capacity).To(Equal(int64(30)))
			Expect(limit.Period).To(Equal(time.Second))

			limit, err = ParseLimit("500/minute")
			Expect(err).ToNot(HaveOccurred())
			Expect(limit.Period).To(Equal(time.Minute))
		})

		It("should reject malformed limits", func() {
			_, err := ParseLimit("30")
			Expect(err).To(HaveOccurred())
			_, err = ParseLimit("abc/second")
			Expect(err).To(HaveOccurred())
			_, err = ParseLimit("30/fortnight")
			Expect(err).To(HaveOccurred())
			_, err = ParseLimit("0/second")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when admitting requests", func() {
		It("should admit up to the window capacity and then deny", func() {
			limiter, mr, client := initLimiter("5/second")
			defer mr.Close()
			defer client.Close()

			for i := 0; i < 5; i++ {
				admitted, _ := limiter.TryAdmit([]string{"app", "eth_call"}, 1)
				Expect(admitted).To(BeTrue())
			}
			admitted, retryAfter := limiter.TryAdmit([]string{"app", "eth_call"}, 1)
			Expect(admitted).To(BeFalse())
			Expect(retryAfter).To(BeNumerically(">", 0))
		})

		It("should charge weighted requests against capacity", func() {
			limiter, mr, client := initLimiter("10/second")
			defer mr.Close()
			defer client.Close()

			admitted, _ := limiter.TryAdmit([]string{"app", "eth_call"}, 10)
			Expect(admitted).To(BeTrue())
			admitted, _ = limiter.TryAdmit([]string{"app", "eth_call"}, 1)
			Expect(admitted).To(BeFalse())
		})

		It("should track windows per key", func() {
			limiter, mr, client := initLimiter("1/second")
			defer mr.Close()
			defer client.Close()

			admitted, _ := limiter.TryAdmit([]string{"app", "eth_call"}, 1)
			Expect(admitted).To(BeTrue())
			admitted, _ = limiter.TryAdmit([]string{"app", "eth_logs"}, 1)
			Expect(admitted).To(BeTrue())
			admitted, _ = limiter.TryAdmit([]string{"app", "eth_call"}, 1)
			Expect(admitted).To(BeFalse())
		})

		It("should admit again once the window expires", func() {
			limiter, mr, client := initLimiter("1/second")
			defer mr.Close()
			defer client.Close()

			admitted, _ := limiter.TryAdmit([]string{"app", "eth_call"}, 1)
			Expect(admitted).To(BeTrue())
			admitted, _ = limiter.TryAdmit([]string{"app", "eth_call"}, 1)
			Expect(admitted).To(BeFalse())

			mr.FastForward(2 * time.Second)

			admitted, _ = limiter.TryAdmit([]string{"app", "eth_call"}, 1)
			Expect(admitted).To(BeTrue())
		})
	})

	Context("when the store is unreachable", func() {
		It("should fail open", func() {
			limiter, mr, client := initLimiter("1/second")
			defer client.Close()
			mr.Close()

			for i := 0; i < 3; i++ {
				admitted, _ := limiter.TryAdmit([]string{"app", "eth_call"}, 1)
				Expect(admitted).To(BeTrue())
			}
		})
	})
})
