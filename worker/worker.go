// Package worker consumes per-pair work units and drives snapshot
// construction, audit commits, progress journaling and dead-lettering. The
// worker is stateless across messages; all retry state lives in the per-pair
// dead-letter list.
package worker

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/audit"
	"github.com/epochlabs/snapshotter/message"
	"github.com/epochlabs/snapshotter/snapshot"
	"github.com/epochlabs/snapshotter/store"
)

// Streams committed to the audit service.
const (
	StreamPairReserves = "pair_total_reserves"
	StreamTradeVolume  = "trade_volume"
)

// Worker processes work units from the competing-consumer queue.
type Worker struct {
	logger  logrus.FieldLogger
	builder *snapshot.Builder
	audit   *audit.Client
	store   *store.Store

	// ackAfterProcess switches from at-most-once (ack on receipt) to
	// at-least-once delivery, at the cost of possible duplicate commits.
	ackAfterProcess bool
	id              string
}

// New returns a new Worker.
func New(logger logrus.FieldLogger, builder *snapshot.Builder, auditClient *audit.Client, st *store.Store, ackAfterProcess bool) *Worker {
	return &Worker{
		logger:          logger,
		builder:         builder,
		audit:           auditClient,
		store:           st,
		ackAfterProcess: ackAfterProcess,
		id:              message.NewWorkerID("pair_total_reserves_processor"),
	}
}

// Run consumes deliveries until the context is canceled.
func (worker *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if !worker.ackAfterProcess {
				if err := delivery.Ack(false); err != nil {
					worker.logger.Errorf("[worker] cannot ack delivery: %v", err)
				}
			}
			worker.Process(ctx, delivery.Body)
			if worker.ackAfterProcess {
				if err := delivery.Ack(false); err != nil {
					worker.logger.Errorf("[worker] cannot ack delivery: %v", err)
				}
			}
		}
	}
}

// Process handles one work-unit payload end to end. The reserves and
// trade-volume paths are independent: a failure on one never cancels the
// other.
func (worker *Worker) Process(ctx context.Context, body []byte) {
	unit, err := message.ParseWorkUnit(body)
	if err != nil {
		worker.logger.Errorf("[worker] bad work unit structure: %v", err)
		return
	}
	worker.logger.Debugf("[worker] processing epoch [%v, %v] for pair %v", unit.Begin, unit.End, unit.Contract)

	if reserves, err := worker.builder.BuildPairReserves(ctx, unit); err != nil {
		worker.buildFailed(unit, "PairReserves.SnapshotBuild", err)
	} else {
		worker.journalBuildSuccess(unit, "PairReserves.SnapshotBuild", reserves)
		worker.commit(ctx, unit, StreamPairReserves, "PairReserves.SnapshotCommit", reserves)
	}

	if volume, err := worker.builder.BuildTradeVolume(ctx, unit); err != nil {
		worker.buildFailed(unit, "TradeVolume.SnapshotBuild", err)
	} else {
		worker.journalBuildSuccess(unit, "TradeVolume.SnapshotBuild", volume)
		worker.commit(ctx, unit, StreamTradeVolume, "TradeVolume.SnapshotCommit", volume)
	}
}

// buildFailed dead-letters the unit for out-of-band retry and journals the
// failure.
func (worker *Worker) buildFailed(unit message.WorkUnit, action string, err error) {
	worker.logger.Errorf("[worker] %v failed for pair %v: %v", action, unit.Contract, err)
	if qerr := worker.store.EnqueueFailedEpoch(unit); qerr != nil {
		worker.logger.Errorf("[worker] cannot dead-letter epoch for pair %v: %v", unit.Contract, qerr)
	} else {
		worker.logger.Debugf("[worker] dead-lettered epoch of broadcast %v for pair %v", unit.BroadcastID, unit.Contract)
	}
	worker.journal(unit.BroadcastID, action, message.ProgressInfo{
		Msg:       unit,
		Status:    message.StatusFailed,
		Exception: err.Error(),
	})
}

func (worker *Worker) journalBuildSuccess(unit message.WorkUnit, action string, snap interface{}) {
	worker.journal(unit.BroadcastID, action, message.ProgressInfo{
		Msg:      unit,
		Status:   message.StatusSuccess,
		Snapshot: snap,
	})
}

// commit presets the stream's diff rule and submits the payload. Rejections
// by the audit service are terminal; transport failures have already been
// retried by the client and are journaled as failures without dead-lettering.
func (worker *Worker) commit(ctx context.Context, unit message.WorkUnit, stream, action string, payload interface{}) {
	if err := worker.audit.SetDiffRule(ctx, unit.Contract, stream); err != nil {
		worker.logger.Errorf("[worker] cannot set diff rule for pair %v stream %v: %v", unit.Contract, stream, err)
	}

	response, err := worker.audit.CommitPayload(ctx, unit.Contract, stream, payload)
	switch e := err.(type) {
	case nil:
		worker.logger.Debugf("[worker] committed %v snapshot for pair %v", stream, unit.Contract)
		worker.journal(unit.BroadcastID, action, message.ProgressInfo{
			Msg:      payload,
			Status:   message.StatusSuccess,
			Response: json.RawMessage(response),
		})
	case *audit.RejectError:
		worker.logger.Errorf("[worker] audit service rejected %v snapshot for pair %v: %v", stream, unit.Contract, e.Message)
		worker.journal(unit.BroadcastID, action, message.ProgressInfo{
			Msg:    payload,
			Status: message.StatusFailed,
			Error:  json.RawMessage(e.Body),
		})
	default:
		worker.logger.Errorf("[worker] cannot commit %v snapshot for pair %v: %v", stream, unit.Contract, err)
		worker.journal(unit.BroadcastID, action, message.ProgressInfo{
			Msg:       payload,
			Status:    message.StatusFailed,
			Exception: err.Error(),
		})
	}
}

func (worker *Worker) journal(broadcastID, action string, info message.ProgressInfo) {
	entry := message.ProgressLogEntry{
		Worker: worker.id,
		Update: message.ProgressUpdate{
			Action: action,
			Info:   info,
		},
	}
	if err := worker.store.AppendProgress(broadcastID, entry); err != nil {
		worker.logger.Errorf("[worker] cannot journal %v for broadcast %v: %v", action, broadcastID, err)
	}
}
