// Package snapshotter wires the epoch distributor and the snapshot worker
// into one runnable process. All process-wide handles (RPC helper, shared
// store, bus, audit client) are initialized here once and injected down.
package snapshotter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/go-redis/redis/v7"
	"github.com/renproject/phi"
	"github.com/sirupsen/logrus"

	"github.com/epochlabs/snapshotter/audit"
	"github.com/epochlabs/snapshotter/bus"
	"github.com/epochlabs/snapshotter/distributor"
	"github.com/epochlabs/snapshotter/pricing"
	"github.com/epochlabs/snapshotter/ratelimit"
	"github.com/epochlabs/snapshotter/rpc"
	"github.com/epochlabs/snapshotter/snapshot"
	"github.com/epochlabs/snapshotter/store"
	"github.com/epochlabs/snapshotter/trade"
	"github.com/epochlabs/snapshotter/worker"
)

// Snapshotter runs the distributor and the snapshot worker against shared
// process-wide handles.
type Snapshotter struct {
	logger logrus.FieldLogger

	redisClient *redis.Client
	rpcClient   *gethrpc.Client
	messageBus  *bus.Bus

	distributor *distributor.Distributor
	worker      *worker.Worker
}

// New connects all external collaborators and returns a runnable
// Snapshotter.
func New(logger logrus.FieldLogger, options Options) (*Snapshotter, error) {
	limit, err := ratelimit.ParseLimit(options.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:        options.RedisAddr,
		DialTimeout: options.ConnInitTimeout,
	})
	if err := redisClient.Ping().Err(); err != nil {
		return nil, fmt.Errorf("cannot connect to store: %v", err)
	}

	rpcClient, err := gethrpc.DialHTTPWithClient(options.RPCURL, &http.Client{
		Timeout: options.ArchivalTimeout,
	})
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("cannot dial chain RPC: %v", err)
	}

	limiter := ratelimit.New(logger, redisClient, limit)
	helper := rpc.NewHelper(logger, rpcClient, limiter, appID(options.RPCURL))
	sharedStore := store.New(logger, redisClient, options.Namespace)
	metadata := store.NewMetadataCache(logger, sharedStore, helper)
	engine := pricing.New(logger, helper, sharedStore, metadata, pricing.Config{
		Factory:      options.Factory,
		Router:       options.Router,
		WETH:         options.WETH,
		USDT:         options.USDT,
		DAI:          options.DAI,
		Whitelist:    options.Whitelist,
		PruneHorizon: options.PricePruneHorizon,
	})
	extractor := trade.NewExtractor(logger, helper, engine, metadata)
	builder := snapshot.NewBuilder(logger, helper, metadata, extractor, options.StrictTimestamps)
	auditClient := audit.NewClient(logger, options.AuditBaseURL, options.ArchivalTimeout)

	topology := bus.Topology{
		Project:           options.Project,
		Namespace:         options.Namespace,
		CallbacksExchange: options.CallbacksExchange,
	}
	messageBus, err := bus.Dial(logger, options.AMQPURL, topology, options.ConnInitTimeout)
	if err != nil {
		rpcClient.Close()
		redisClient.Close()
		return nil, err
	}

	return &Snapshotter{
		logger:      logger,
		redisClient: redisClient,
		rpcClient:   rpcClient,
		messageBus:  messageBus,
		distributor: distributor.New(logger, messageBus, sharedStore, topology),
		worker:      worker.New(logger, builder, auditClient, sharedStore, options.AckAfterProcess),
	}, nil
}

// Run consumes from both queues until the context is canceled. In-flight
// work is abandoned on shutdown; with eager acknowledgement those units are
// lost and the dead-letter list is the safety net for the next broadcast.
func (snapshotter *Snapshotter) Run(ctx context.Context) error {
	topology := snapshotter.messageBus.Topology()
	broadcasts, err := snapshotter.messageBus.Consume(topology.BroadcastQueue())
	if err != nil {
		return err
	}
	units, err := snapshotter.messageBus.Consume(topology.WorkerQueue())
	if err != nil {
		return err
	}

	snapshotter.logger.Infof("snapshotter running: project=%v namespace=%v", topology.Project, topology.Namespace)
	phi.ParBegin(func() {
		snapshotter.distributor.Run(ctx, broadcasts)
	}, func() {
		snapshotter.worker.Run(ctx, units)
	})
	return nil
}

// Close tears down all external connections.
func (snapshotter *Snapshotter) Close() {
	snapshotter.messageBus.Close()
	snapshotter.rpcClient.Close()
	if err := snapshotter.redisClient.Close(); err != nil {
		snapshotter.logger.Errorf("cannot close store connection: %v", err)
	}
}

// appID derives the rate-limit identity from the RPC endpoint: the last path
// segment, which for hosted gateways is the application key.
func appID(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "default"
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	return segments[len(segments)-1]
}
