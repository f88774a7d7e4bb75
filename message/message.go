// Package message defines the typed payloads that travel over the bus and
// into the broadcast progress log. Every inbound payload is validated before
// use; validation failures are first-class and cause the message to be
// dropped rather than retried.
package message

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Epoch is a contiguous block range processed as a unit.
type Epoch struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

// Validate checks the range is well formed.
func (epoch Epoch) Validate() error {
	if epoch.End < epoch.Begin {
		return fmt.Errorf("invalid epoch: end (%v) < begin (%v)", epoch.End, epoch.Begin)
	}
	return nil
}

// Blocks returns the number of blocks covered by the epoch.
func (epoch Epoch) Blocks() uint64 {
	return epoch.End - epoch.Begin + 1
}

// BroadcastEpoch is an epoch fanned out over many pair contracts under a
// shared broadcast ID. It is published by the external scheduler and consumed
// exactly once by the distributor.
type BroadcastEpoch struct {
	Epoch

	BroadcastID string   `json:"broadcast_id"`
	Contracts   []string `json:"contracts"`
}

// Validate implements basic structural validation.
func (broadcast BroadcastEpoch) Validate() error {
	if broadcast.BroadcastID == "" {
		return fmt.Errorf("invalid broadcast epoch: empty broadcast_id")
	}
	if len(broadcast.Contracts) == 0 {
		return fmt.Errorf("invalid broadcast epoch: no contracts")
	}
	return broadcast.Epoch.Validate()
}

// WorkUnit is a single (broadcast, epoch, contract) triple. One is published
// per pair contract per broadcast. Contract addresses are lowercased by the
// distributor before publishing.
type WorkUnit struct {
	Epoch

	BroadcastID string `json:"broadcast_id"`
	Contract    string `json:"contract"`
}

// Validate implements basic structural validation.
func (unit WorkUnit) Validate() error {
	if unit.BroadcastID == "" {
		return fmt.Errorf("invalid work unit: empty broadcast_id")
	}
	if !strings.HasPrefix(unit.Contract, "0x") || len(unit.Contract) != 42 {
		return fmt.Errorf("invalid work unit: bad contract address %q", unit.Contract)
	}
	return unit.Epoch.Validate()
}

// ParseBroadcastEpoch unmarshals and validates a broadcast epoch payload.
func ParseBroadcastEpoch(data []byte) (BroadcastEpoch, error) {
	var broadcast BroadcastEpoch
	if err := json.Unmarshal(data, &broadcast); err != nil {
		return BroadcastEpoch{}, err
	}
	return broadcast, broadcast.Validate()
}

// ParseWorkUnit unmarshals and validates a work unit payload.
func ParseWorkUnit(data []byte) (WorkUnit, error) {
	var unit WorkUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		return WorkUnit{}, err
	}
	return unit, unit.Validate()
}

// ProgressLogEntry is one entry in the per-broadcast processing log. The JSON
// shape is shared with the audit tooling that reads the log, so the nested
// worker/update/info layout is load-bearing.
type ProgressLogEntry struct {
	Worker string         `json:"worker"`
	Update ProgressUpdate `json:"update"`
}

// ProgressUpdate describes a single lifecycle action taken by a worker.
type ProgressUpdate struct {
	Action string       `json:"action"`
	Info   ProgressInfo `json:"info"`
}

// ProgressInfo carries the status of an action along with the message or
// payload it acted on.
type ProgressInfo struct {
	Msg       interface{} `json:"msg"`
	Status    string      `json:"status,omitempty"`
	Snapshot  interface{} `json:"snapshot,omitempty"`
	Response  interface{} `json:"response,omitempty"`
	Error     interface{} `json:"error,omitempty"`
	Exception string      `json:"exception,omitempty"`

	// Set only for bus publish entries.
	RoutingKey string `json:"routing_key,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
}

// Statuses recorded in progress-log entries.
const (
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// NewWorkerID returns a process-unique worker identity of the form
// "<name>-<hex8>" used to attribute progress-log entries.
func NewWorkerID(name string) string {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(fmt.Sprintf("cannot generate worker ID: %v", err))
	}
	return fmt.Sprintf("%s-%x", name, crypto.Keccak256(nonce[:])[:4])
}
