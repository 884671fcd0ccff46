// Package multirpc is a resilient client for one smart contract over
// many redundant JSON-RPC endpoints. Every logical call fans out
// across a bracket of endpoints and is reconciled into a single
// answer; flaky, lagging or hostile endpoints are absorbed as long as
// one healthy endpoint remains.
package multirpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/umbracle/ethgo"
	"github.com/umbracle/ethgo/abi"
	"github.com/umbracle/ethgo/wallet"

	"github.com/solvernet/multirpc/contracts/multicallabi"
	"github.com/solvernet/multirpc/gasfee"
	"github.com/solvernet/multirpc/registry"
	"github.com/solvernet/multirpc/telemetry"
)

// Client is the façade over the bracketed endpoints. Construct with
// New, then Setup once before issuing calls. After Setup the client
// is safe for concurrent use; SetAccount is the only mutating method.
type Client struct {
	logger   hclog.Logger
	observer telemetry.Observer
	cfg      Config

	registry  *registry.Registry
	estimator *gasfee.Estimator

	contract  ethgo.Address
	multicall ethgo.Address
	functions map[string]*Function
	mcMethod  *abi.Method

	chainID   uint64
	setupDone atomic.Bool

	accountMu sync.RWMutex
	key       *wallet.Key

	// test hooks for the confirmation workers
	receiptPoll       time.Duration
	receiptRetryPause time.Duration
}

// Option adjusts a Client at construction time.
type Option func(*Client)

func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithObserver(obs telemetry.Observer) Option {
	return func(c *Client) {
		c.observer = obs
	}
}

// New validates the configuration and builds the function descriptor
// set. No I/O happens here.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:            hclog.NewNullLogger(),
		observer:          telemetry.Nop(),
		cfg:               cfg,
		receiptPoll:       defaultReceiptPoll,
		receiptRetryPause: defaultReceiptRetryPause,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.Named("multirpc")

	c.contract, err = registry.ParseAddress(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}

	c.multicall, err = registry.ParseAddress(cfg.MulticallAddress)
	if err != nil {
		return nil, fmt.Errorf("multicall address: %w", err)
	}

	parsed, err := abi.NewABI(cfg.ContractABI)
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	c.functions, err = parseFunctions(cfg.ContractABI, parsed, c)
	if err != nil {
		return nil, err
	}

	c.mcMethod = abi.MustNewABI(multicallabi.TryBlockAndAggregateABI).GetMethod("tryBlockAndAggregate")

	c.registry, err = registry.New(cfg.RPCURLs, registry.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Setup probes the configured endpoints, resolves the chain id and
// binds the multicall contract on the view bracket. It must complete
// before any call.
func (c *Client) Setup(ctx context.Context) error {
	if err := c.registry.Setup(ctx); err != nil {
		return err
	}

	chainID := c.cfg.ChainID
	if chainID == 0 {
		var err error

		chainID, err = c.registry.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("resolve chain id: %w", err)
		}
	}

	c.chainID = chainID

	if err := c.bindMulticall(ctx); err != nil {
		return err
	}

	c.estimator = gasfee.New(
		chainID,
		c.registry.Endpoints(registry.RoleTransaction),
		c.cfg.Gas,
		gasfee.WithLogger(c.logger),
		gasfee.WithObserver(c.observer),
	)

	c.setupDone.Store(true)

	c.logger.Info("client ready",
		"chainId", chainID,
		"contract", c.contract.String(),
		"viewPolicy", string(c.cfg.ViewPolicy))

	return nil
}

// bindMulticall checks that the multicall contract is deployed on
// every view endpoint and drops the ones missing it. A view role that
// loses all endpoints this way fails setup.
func (c *Client) bindMulticall(ctx context.Context) error {
	eps := c.registry.Endpoints(registry.RoleView)
	if len(eps) == 0 {
		return nil
	}

	for _, ep := range eps {
		code, err := ep.Code(ctx, c.multicall)
		if err == nil && len(code) > 0 {
			continue
		}

		c.logger.Warn("dropping view rpc without multicall contract",
			"url", ep.URL(), "multicall", c.multicall.String(), "err", err)
		c.observer.EndpointFault("eth_getCode", ep.URL(), err)

		if !c.registry.DropViewEndpoint(ep) {
			return fmt.Errorf("%w: no view endpoint has the multicall contract at %s",
				registry.ErrNoAvailableRPC, c.multicall.String())
		}
	}

	return nil
}

func (c *Client) ready() bool {
	return c.setupDone.Load()
}

// ChainID returns the id resolved during Setup.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// SetAccount sets the default sender identity for transactions.
func (c *Client) SetAccount(key *wallet.Key) {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()

	c.key = key
}

// SetAccountFromPrivateKey decodes a 0x-prefixed or bare hex private
// key and installs it as the default sender.
func (c *Client) SetAccountFromPrivateKey(hexKey string) error {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return err
	}

	c.SetAccount(key)

	return nil
}

func (c *Client) account() *wallet.Key {
	c.accountMu.RLock()
	defer c.accountMu.RUnlock()

	return c.key
}

// Function returns the descriptor of a named contract function.
func (c *Client) Function(name string) (*Function, error) {
	fn, ok := c.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}

	return fn, nil
}

// Functions lists the callable function names, sorted.
func (c *Client) Functions() []string {
	names := make([]string, 0, len(c.functions))
	for name := range c.functions {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// EstimateGasFee quotes fee parameters at the given priority using
// the configured estimation setup.
func (c *Client) EstimateGasFee(ctx context.Context, priority gasfee.Priority) (gasfee.Params, error) {
	if !c.ready() {
		return gasfee.Params{}, ErrNotSetup
	}

	return c.estimator.Estimate(ctx, c.cfg.GasUpperBoundGwei, priority, gasfee.MethodNone)
}

// Close releases every endpoint connection.
func (c *Client) Close() {
	c.registry.Close()
}

// newPendingCall layers the caller's options over the client
// defaults. Every invocation gets a fresh record.
func (c *Client) newPendingCall(fn *Function, args []interface{}, opts ...CallOption) *PendingCall {
	pc := &PendingCall{
		fn:          fn,
		args:        args,
		key:         c.account(),
		gasLimit:    c.cfg.GasLimit,
		ceilingGwei: c.cfg.GasUpperBoundGwei,
		wait:        c.cfg.ReceiptWait,
		priority:    gasfee.PriorityLow,
		block:       registry.Latest,
	}

	for _, opt := range opts {
		opt(pc)
	}

	if pc.key != nil && !pc.hasFrom {
		pc.from = pc.key.Address()
	}

	return pc
}

func parsePrivateKey(hexKey string) (*wallet.Key, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid private key: expected 32 bytes, got %d", len(raw))
	}

	key, err := wallet.NewWalletFromPrivKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return key, nil
}
