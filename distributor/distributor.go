// Package distributor consumes broadcast epochs and fans them out into one
// work unit per pair contract on the subtopics exchange.
package distributor

import (
	"context"
	"encoding/json"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/bus"
	"github.com/epochlabs/snapshotter/message"
	"github.com/epochlabs/snapshotter/store"
)

// Publisher is the slice of the bus the distributor publishes through.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Distributor fans one broadcast epoch out into per-pair work units.
// Messages are acknowledged on receipt: redelivery would only produce
// duplicate work units, which are idempotent at the audit service.
type Distributor struct {
	logger    logrus.FieldLogger
	publisher Publisher
	store     *store.Store
	topology  bus.Topology
	id        string
}

// New returns a new Distributor.
func New(logger logrus.FieldLogger, publisher Publisher, st *store.Store, topology bus.Topology) *Distributor {
	return &Distributor{
		logger:    logger,
		publisher: publisher,
		store:     st,
		topology:  topology,
		id:        message.NewWorkerID("distributor"),
	}
}

// Run consumes deliveries until the context is canceled.
func (distributor *Distributor) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := delivery.Ack(false); err != nil {
				distributor.logger.Errorf("[distributor] cannot ack delivery: %v", err)
			}
			distributor.Distribute(ctx, delivery.RoutingKey, delivery.Body)
		}
	}
}

// Distribute validates one broadcast-epoch payload and publishes its work
// units. Malformed payloads are logged and dropped; they cannot be retried.
func (distributor *Distributor) Distribute(ctx context.Context, routingKey string, body []byte) {
	// Skip callbacks meant for other worker families, e.g.
	// "<project>-backend-callback:<ns>.pair_total_reserves.seeder".
	segments := strings.Split(routingKey, ".")
	if len(segments) < 2 || segments[1] != bus.SubtopicTag {
		return
	}

	broadcast, err := message.ParseBroadcastEpoch(body)
	if err != nil {
		distributor.logger.Errorf("[distributor] bad epoch callback structure: %v", err)
		return
	}
	distributor.logger.Debugf("[distributor] distributing epoch [%v, %v] of broadcast %v over %v pairs", broadcast.Begin, broadcast.End, broadcast.BroadcastID, len(broadcast.Contracts))

	exchange := distributor.topology.SubtopicsExchange()
	workerKey := distributor.topology.WorkerRoutingKey()
	for _, contract := range broadcast.Contracts {
		unit := message.WorkUnit{
			Epoch:       broadcast.Epoch,
			BroadcastID: broadcast.BroadcastID,
			Contract:    strings.ToLower(contract),
		}
		payload, err := json.Marshal(unit)
		if err != nil {
			distributor.logger.Errorf("[distributor] cannot marshal work unit for %v: %v", unit.Contract, err)
			continue
		}
		if err := distributor.publisher.Publish(ctx, exchange, workerKey, payload); err != nil {
			// The work unit is lost for this broadcast; the next broadcast
			// covers a later epoch and the dead-letter path does not apply.
			distributor.logger.Errorf("[distributor] cannot publish work unit for %v: %v", unit.Contract, err)
			continue
		}
		distributor.logger.Debugf("[distributor] published work unit for pair %v", unit.Contract)
	}

	entry := message.ProgressLogEntry{
		Worker: distributor.id,
		Update: message.ProgressUpdate{
			Action: "RabbitMQ.Publish",
			Info: message.ProgressInfo{
				Msg:        broadcast,
				RoutingKey: workerKey,
				Exchange:   exchange,
			},
		},
	}
	if err := distributor.store.AppendProgress(broadcast.BroadcastID, entry); err != nil {
		distributor.logger.Errorf("[distributor] cannot journal publish for broadcast %v: %v", broadcast.BroadcastID, err)
	}
}
