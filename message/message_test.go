package message_test

import (
	"encoding/json"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	. "github.com/epochlabs/snapshotter/message"
)

var _ = Describe("Message", func() {
	Context("when validating epochs", func() {
		It("should accept well-formed ranges", func() {
			Expect(Epoch{Begin: 10, End: 12}.Validate()).To(Succeed())
			Expect(Epoch{Begin: 10, End: 10}.Validate()).To(Succeed())
			Expect(Epoch{Begin: 10, End: 12}.Blocks()).To(Equal(uint64(3)))
			Expect(Epoch{Begin: 10, End: 10}.Blocks()).To(Equal(uint64(1)))
		})

		It("should reject inverted ranges", func() {
			Expect(Epoch{Begin: 12, End: 10}.Validate()).NotTo(Succeed())
		})
	})

	Context("when parsing broadcast epochs", func() {
		It("should accept a valid payload", func() {
			payload := []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contracts":["0x00000000000000000000000000000000000000aa"]}`)
			broadcast, err := ParseBroadcastEpoch(payload)
			Expect(err).ToNot(HaveOccurred())
			Expect(broadcast.Begin).To(Equal(uint64(100)))
			Expect(broadcast.End).To(Equal(uint64(109)))
			Expect(broadcast.BroadcastID).To(Equal("cb-1"))
			Expect(broadcast.Contracts).To(HaveLen(1))
		})

		It("should reject payloads without a broadcast ID", func() {
			payload := []byte(`{"begin":100,"end":109,"contracts":["0x00000000000000000000000000000000000000aa"]}`)
			_, err := ParseBroadcastEpoch(payload)
			Expect(err).To(HaveOccurred())
		})

		It("should reject payloads without contracts", func() {
			payload := []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contracts":[]}`)
			_, err := ParseBroadcastEpoch(payload)
			Expect(err).To(HaveOccurred())
		})

		It("should reject payloads that are not JSON", func() {
			_, err := ParseBroadcastEpoch([]byte("not json"))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when parsing work units", func() {
		It("should accept a valid payload", func() {
			payload := []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contract":"0x00000000000000000000000000000000000000aa"}`)
			unit, err := ParseWorkUnit(payload)
			Expect(err).ToNot(HaveOccurred())
			Expect(unit.Contract).To(Equal("0x00000000000000000000000000000000000000aa"))
		})

		It("should reject malformed contract addresses", func() {
			payload := []byte(`{"begin":100,"end":109,"broadcast_id":"cb-1","contract":"aa"}`)
			_, err := ParseWorkUnit(payload)
			Expect(err).To(HaveOccurred())
		})

		It("should reject inverted epochs", func() {
			payload := []byte(`{"begin":109,"end":100,"broadcast_id":"cb-1","contract":"0x00000000000000000000000000000000000000aa"}`)
			_, err := ParseWorkUnit(payload)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when journaling progress", func() {
		It("should omit empty optional fields from log entries", func() {
			entry := ProgressLogEntry{
				Worker: "distributor-deadbeef",
				Update: ProgressUpdate{
					Action: "RabbitMQ.Publish",
					Info: ProgressInfo{
						Msg: "payload",
					},
				},
			}
			data, err := json.Marshal(entry)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).ToNot(ContainSubstring("status"))
			Expect(string(data)).ToNot(ContainSubstring("snapshot"))
			Expect(string(data)).ToNot(ContainSubstring("exception"))
			Expect(string(data)).ToNot(ContainSubstring("routing_key"))
		})
	})

	Context("when generating worker IDs", func() {
		It("should produce unique IDs with the worker name prefix", func() {
			id1 := NewWorkerID("distributor")
			id2 := NewWorkerID("distributor")
			Expect(strings.HasPrefix(id1, "distributor-")).To(BeTrue())
			Expect(id1).ToNot(Equal(id2))
		})
	})
})
