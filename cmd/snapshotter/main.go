package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/epochlabs/snapshotter"
	"github.com/sirupsen/logrus"
)

func main() {
	// Retrieve environment variables.
	rpcURL := os.Getenv("RPC_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	amqpURL := os.Getenv("AMQP_URL")
	auditURL := os.Getenv("AUDIT_URL")
	namespace := os.Getenv("NAMESPACE")
	project := os.Getenv("PROJECT")
	callbacksExchange := os.Getenv("CALLBACKS_EXCHANGE")
	rateLimit := os.Getenv("RATE_LIMIT")
	// Specified in seconds
	var archivalTimeout time.Duration
	archivalTimeoutInt, err := strconv.Atoi(os.Getenv("ARCHIVAL_TIMEOUT"))
	if err != nil {
		archivalTimeout = snapshotter.DefaultArchivalTimeout
	} else {
		archivalTimeout = time.Duration(archivalTimeoutInt) * time.Second
	}
	pruneHorizon, err := strconv.ParseUint(os.Getenv("PRICE_PRUNE_HORIZON"), 10, 64)
	if err != nil {
		pruneHorizon = snapshotter.DefaultPricePruneHorizon
	}
	ackAfterProcess := os.Getenv("ACK_AFTER_PROCESS") == "true"
	strictTimestamps := os.Getenv("STRICT_TIMESTAMPS") == "true"

	// Setup logger.
	logger := logrus.New()
	if os.Getenv("DEBUG") == "true" {
		logger.SetLevel(logrus.DebugLevel)
	}

	factory := mustAddress(logger, "FACTORY_ADDRESS")
	router := mustAddress(logger, "ROUTER_ADDRESS")
	weth := mustAddress(logger, "WETH_ADDRESS")
	usdt := mustAddress(logger, "USDT_ADDRESS")
	dai := mustAddress(logger, "DAI_ADDRESS")

	whitelist := []common.Address{}
	for _, hexAddr := range strings.Split(os.Getenv("WHITELIST"), ",") {
		hexAddr = strings.TrimSpace(hexAddr)
		if hexAddr == "" {
			continue
		}
		if !common.IsHexAddress(hexAddr) {
			logger.Fatalf("invalid whitelist address %v", hexAddr)
		}
		whitelist = append(whitelist, common.HexToAddress(hexAddr))
	}

	options := snapshotter.DefaultOptions().
		WithRPCURL(rpcURL).
		WithRedisAddr(redisAddr).
		WithAMQPURL(amqpURL).
		WithAuditBaseURL(auditURL).
		WithContracts(factory, router, weth, usdt, dai).
		WithWhitelist(whitelist).
		WithTimeouts(snapshotter.DefaultConnInitTimeout, archivalTimeout).
		WithPricePruneHorizon(pruneHorizon).
		WithAckAfterProcess(ackAfterProcess).
		WithStrictTimestamps(strictTimestamps)
	if namespace != "" {
		options = options.WithNamespace(namespace)
	}
	if project != "" {
		options = options.WithProject(project)
	}
	if callbacksExchange != "" {
		options = options.WithCallbacksExchange(callbacksExchange)
	}
	if rateLimit != "" {
		options = options.WithRateLimit(rateLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	// Start running the snapshotter.
	node, err := snapshotter.New(logger, options)
	if err != nil {
		logger.Fatalf("cannot initialise snapshotter: %v", err)
	}
	defer node.Close()
	if err := node.Run(ctx); err != nil {
		logger.Fatalf("snapshotter stopped: %v", err)
	}
}

func mustAddress(logger logrus.FieldLogger, env string) common.Address {
	hexAddr := os.Getenv(env)
	if !common.IsHexAddress(hexAddr) {
		logger.Fatalf("invalid %v: %q", env, hexAddr)
	}
	return common.HexToAddress(hexAddr)
}
