package audit_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	. "github.com/epochlabs/snapshotter/audit"
	"github.com/epochlabs/snapshotter/testutils"
	"github.com/sirupsen/logrus"
)

var _ = Describe("Audit client", func() {
	const pair = "0x00000000000000000000000000000000000000cc"

	fastRetry := RetryOptions{
		Base:        time.Millisecond,
		Max:         5 * time.Millisecond,
		Factor:      0.2,
		MaxAttempts: 3,
	}

	initClient := func() (*Client, *testutils.AuditServer) {
		server := testutils.NewAuditServer()
		client := NewClient(logrus.New(), server.URL(), time.Second).WithRetryOptions(fastRetry)
		return client, server
	}

	Context("when committing payloads", func() {
		It("should post to the pair's stream and return the response", func() {
			client, server := initClient()
			defer server.Close()

			response, err := client.CommitPayload(context.Background(), pair, "pair_total_reserves", map[string]string{"k": "v"})
			Expect(err).ToNot(HaveOccurred())
			Expect(string(response)).To(ContainSubstring("bafytest"))

			commits := server.Commits()
			Expect(commits).To(HaveLen(1))
			Expect(commits[0].Pair).To(Equal(pair))
			Expect(commits[0].Stream).To(Equal("pair_total_reserves"))
			Expect(string(commits[0].Body)).To(ContainSubstring(`"k":"v"`))
		})

		It("should retry transport failures", func() {
			client, server := initClient()
			defer server.Close()

			server.FailNext(2)
			_, err := client.CommitPayload(context.Background(), pair, "pair_total_reserves", map[string]string{"k": "v"})
			Expect(err).ToNot(HaveOccurred())
			Expect(server.Commits()).To(HaveLen(1))
		})

		It("should give up after exhausting its attempts", func() {
			client, server := initClient()
			defer server.Close()

			server.FailNext(10)
			_, err := client.CommitPayload(context.Background(), pair, "pair_total_reserves", map[string]string{"k": "v"})
			Expect(err).To(HaveOccurred())
			_, isReject := err.(*RejectError)
			Expect(isReject).To(BeFalse())
		})

		It("should surface rejections without retrying", func() {
			client, server := initClient()
			defer server.Close()

			server.RejectWith("duplicate snapshot")
			_, err := client.CommitPayload(context.Background(), pair, "pair_total_reserves", map[string]string{"k": "v"})
			reject, ok := err.(*RejectError)
			Expect(ok).To(BeTrue())
			Expect(reject.Message).To(Equal("duplicate snapshot"))
			Expect(server.Commits()).To(HaveLen(1))
		})
	})

	Context("when presetting diff rules", func() {
		It("should post the stream under the diff-rules path", func() {
			client, server := initClient()
			defer server.Close()

			Expect(client.SetDiffRule(context.Background(), pair, "trade_volume")).To(Succeed())

			requests := server.Requests()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].Kind).To(Equal("diffRules"))
			Expect(requests[0].Stream).To(Equal("trade_volume"))
			Expect(string(requests[0].Body)).To(ContainSubstring(`"stream":"trade_volume"`))
		})
	})
})
