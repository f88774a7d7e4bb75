package snapshotter

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Enumerate default options.
var (
	DefaultNamespace         = "UNISWAPV2"
	DefaultProject           = "uniswap"
	DefaultCallbacksExchange = "uniswap-backend-callbacks"
	DefaultRateLimit         = "30/second"
	DefaultConnInitTimeout   = 10 * time.Second
	DefaultArchivalTimeout   = 30 * time.Second
	DefaultPricePruneHorizon = uint64(20)
)

// Options to configure the precise behaviour of the snapshotter.
type Options struct {
	Namespace         string
	Project           string
	RPCURL            string
	RateLimit         string
	RedisAddr         string
	AMQPURL           string
	CallbacksExchange string
	AuditBaseURL      string

	Factory   common.Address
	Router    common.Address
	WETH      common.Address
	USDT      common.Address
	DAI       common.Address
	Whitelist []common.Address

	ConnInitTimeout   time.Duration
	ArchivalTimeout   time.Duration
	PricePruneHorizon uint64
	AckAfterProcess   bool
	StrictTimestamps  bool
}

// DefaultOptions returns new options with default configurations that should
// work for the majority of use cases.
func DefaultOptions() Options {
	return Options{
		Namespace:         DefaultNamespace,
		Project:           DefaultProject,
		CallbacksExchange: DefaultCallbacksExchange,
		RateLimit:         DefaultRateLimit,
		ConnInitTimeout:   DefaultConnInitTimeout,
		ArchivalTimeout:   DefaultArchivalTimeout,
		PricePruneHorizon: DefaultPricePruneHorizon,
	}
}

// WithNamespace updates the namespace appended to every key and queue name.
func (opts Options) WithNamespace(namespace string) Options {
	opts.Namespace = namespace
	return opts
}

// WithProject updates the project tag used in queue and routing-key names.
func (opts Options) WithProject(project string) Options {
	opts.Project = project
	return opts
}

// WithRPCURL updates the chain RPC endpoint.
func (opts Options) WithRPCURL(url string) Options {
	opts.RPCURL = url
	return opts
}

// WithRateLimit updates the RPC rate limit, e.g. "30/second".
func (opts Options) WithRateLimit(limit string) Options {
	opts.RateLimit = limit
	return opts
}

// WithRedisAddr updates the shared store address.
func (opts Options) WithRedisAddr(addr string) Options {
	opts.RedisAddr = addr
	return opts
}

// WithAMQPURL updates the message-bus connection URL.
func (opts Options) WithAMQPURL(url string) Options {
	opts.AMQPURL = url
	return opts
}

// WithCallbacksExchange updates the inbound callbacks exchange name.
func (opts Options) WithCallbacksExchange(exchange string) Options {
	opts.CallbacksExchange = exchange
	return opts
}

// WithAuditBaseURL updates the audit-service base URL.
func (opts Options) WithAuditBaseURL(url string) Options {
	opts.AuditBaseURL = url
	return opts
}

// WithContracts updates the core contract addresses.
func (opts Options) WithContracts(factory, router, weth, usdt, dai common.Address) Options {
	opts.Factory = factory
	opts.Router = router
	opts.WETH = weth
	opts.USDT = usdt
	opts.DAI = dai
	return opts
}

// WithWhitelist updates the ordered pricing whitelist.
func (opts Options) WithWhitelist(whitelist []common.Address) Options {
	opts.Whitelist = whitelist
	return opts
}

// WithTimeouts updates the HTTP connection-init and archival-call timeouts.
func (opts Options) WithTimeouts(connInit, archival time.Duration) Options {
	opts.ConnInitTimeout = connInit
	opts.ArchivalTimeout = archival
	return opts
}

// WithPricePruneHorizon updates how many blocks of cached prices are kept
// behind the newest write.
func (opts Options) WithPricePruneHorizon(horizon uint64) Options {
	opts.PricePruneHorizon = horizon
	return opts
}

// WithAckAfterProcess switches the worker to at-least-once delivery.
func (opts Options) WithAckAfterProcess(ackAfterProcess bool) Options {
	opts.AckAfterProcess = ackAfterProcess
	return opts
}

// WithStrictTimestamps makes snapshot construction fail when the end-block
// timestamp cannot be fetched, instead of falling back to wall-clock time.
func (opts Options) WithStrictTimestamps(strict bool) Options {
	opts.StrictTimestamps = strict
	return opts
}
