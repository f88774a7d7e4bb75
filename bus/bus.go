// Package bus wraps the AMQP broker connection with the pipeline's topology:
// a callbacks topic exchange carrying broadcast epochs and a subtopics topic
// exchange carrying per-pair work units. Publishes are persistent and
// mandatory; consumers use manual acks with prefetch 1 so competing workers
// spread load.
package bus

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// The worker subtopic segment of routing keys. Epoch callbacks whose second
// dotted segment differs are meant for other worker families.
const SubtopicTag = "pair_total_reserves"

// Topology names the exchanges, queues and routing keys for one project and
// namespace.
type Topology struct {
	Project           string
	Namespace         string
	CallbacksExchange string
}

// SubtopicsExchange is the exchange work units are published to.
func (topology Topology) SubtopicsExchange() string {
	return fmt.Sprintf("%s.subtopics:%s", topology.CallbacksExchange, topology.Namespace)
}

// BroadcastQueue is the shared queue the distributor consumes from.
func (topology Topology) BroadcastQueue() string {
	return fmt.Sprintf("%s-backend-cb:%s", topology.Project, topology.Namespace)
}

// WorkerQueue is the queue snapshot workers compete on.
func (topology Topology) WorkerQueue() string {
	return fmt.Sprintf("%s-backend-cb-%s-processor:%s", topology.Project, SubtopicTag, topology.Namespace)
}

// WorkerRoutingKey routes work units to the worker queue.
func (topology Topology) WorkerRoutingKey() string {
	return fmt.Sprintf("%s-backend-callback:%s.%s_worker.processor", topology.Project, topology.Namespace, SubtopicTag)
}

// BroadcastBindingKey binds the broadcast queue to the callbacks exchange.
// The distributor filters by routing-key segment after delivery.
func (topology Topology) BroadcastBindingKey() string {
	return fmt.Sprintf("%s-backend-callback:%s.#", topology.Project, topology.Namespace)
}

// Bus is a single AMQP connection and channel shared by one process.
type Bus struct {
	logger   logrus.FieldLogger
	conn     *amqp.Connection
	channel  *amqp.Channel
	topology Topology
}

// Dial connects to the broker, declares the topology, and starts draining
// mandatory-publish returns into the log.
func Dial(logger logrus.FieldLogger, url string, topology Topology, timeout time.Duration) (*Bus, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot dial broker: %v", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot open channel: %v", err)
	}

	bus := &Bus{
		logger:   logger,
		conn:     conn,
		channel:  channel,
		topology: topology,
	}
	if err := bus.declare(); err != nil {
		bus.Close()
		return nil, err
	}

	// Unroutable mandatory publishes come back here; the work unit is lost
	// for this broadcast and only logged.
	returns := channel.NotifyReturn(make(chan amqp.Return, 1))
	go func() {
		for ret := range returns {
			logger.Errorf("[bus] publish returned unroutable: exchange=%v key=%v reason=%v", ret.Exchange, ret.RoutingKey, ret.ReplyText)
		}
	}()
	return bus, nil
}

func (bus *Bus) declare() error {
	for _, exchange := range []string{bus.topology.CallbacksExchange, bus.topology.SubtopicsExchange()} {
		if err := bus.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("cannot declare exchange %v: %v", exchange, err)
		}
	}
	if _, err := bus.channel.QueueDeclare(bus.topology.BroadcastQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("cannot declare queue %v: %v", bus.topology.BroadcastQueue(), err)
	}
	if err := bus.channel.QueueBind(bus.topology.BroadcastQueue(), bus.topology.BroadcastBindingKey(), bus.topology.CallbacksExchange, false, nil); err != nil {
		return fmt.Errorf("cannot bind queue %v: %v", bus.topology.BroadcastQueue(), err)
	}
	if _, err := bus.channel.QueueDeclare(bus.topology.WorkerQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("cannot declare queue %v: %v", bus.topology.WorkerQueue(), err)
	}
	if err := bus.channel.QueueBind(bus.topology.WorkerQueue(), bus.topology.WorkerRoutingKey(), bus.topology.SubtopicsExchange(), false, nil); err != nil {
		return fmt.Errorf("cannot bind queue %v: %v", bus.topology.WorkerQueue(), err)
	}
	return nil
}

// Topology returns the names in use.
func (bus *Bus) Topology() Topology {
	return bus.topology
}

// Publish sends a persistent, mandatory message.
func (bus *Bus) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return bus.channel.PublishWithContext(ctx, exchange, routingKey, true, false, amqp.Publishing{
		DeliveryMode:    amqp.Persistent,
		ContentType:     "text/plain",
		ContentEncoding: "utf-8",
		Body:            body,
	})
}

// Consume opens a prefetch-1, manual-ack consumer on the queue.
func (bus *Bus) Consume(queue string) (<-chan amqp.Delivery, error) {
	if err := bus.channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("cannot set prefetch: %v", err)
	}
	deliveries, err := bus.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot consume from %v: %v", queue, err)
	}
	return deliveries, nil
}

// Close tears down the channel and connection.
func (bus *Bus) Close() {
	if bus.channel != nil {
		bus.channel.Close()
	}
	if bus.conn != nil {
		bus.conn.Close()
	}
}
