// Package gasfee produces the fee parameters of a transaction. Four
// estimation methods exist (gas API, endpoint-reported price, fixed
// table, caller-supplied quoter); unless the caller pins one, they
// are tried in that order and the first quote wins. Every method
// enforces the caller's fee ceiling.
package gasfee

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/solvernet/multirpc/registry"
	"github.com/solvernet/multirpc/telemetry"
)

// Priority is the caller-stated urgency of a transaction. It selects
// the tier of an API quote and the multiplier applied to RPC and
// fixed quotes.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the three known tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}

	return false
}

// Method names one estimation strategy.
type Method string

const (
	// MethodNone selects the configured default or the full cascade.
	MethodNone Method = ""

	MethodGasAPI Method = "gas_api"
	MethodRPC    Method = "rpc"
	MethodFixed  Method = "fixed"
	MethodCustom Method = "custom"
)

// Params is the fee mapping merged into the transaction: either a
// legacy GasPrice or the dynamic-fee pair, all in wei.
type Params struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Dynamic reports whether the params carry EIP-1559 fields.
func (p Params) Dynamic() bool {
	return p.MaxFeePerGas != nil
}

// Quoter is the extension hook behind MethodCustom.
type Quoter interface {
	Quote(ctx context.Context, priority Priority, ceilingGwei float64) (Params, error)
}

const (
	// DefaultAPIURL is the metaswap gas API; {chain_id} is replaced
	// before the request.
	DefaultAPIURL = "https://gas-api.metaswap.codefi.network/networks/{chain_id}/suggestedGasFees"

	// DefaultFixedGwei is the fixed-method fallback for chains absent
	// from the FixedByChain table.
	DefaultFixedGwei = 10

	defaultAPITimeout = 10 * time.Second
)

// DefaultRPCOnlyChains are chains whose gas API coverage is known to
// be unreliable; the cascade starts at MethodRPC for them.
var DefaultRPCOnlyChains = []uint64{56, 97}

// Config tunes an Estimator. The zero value works.
type Config struct {
	// APIURL is the gas API template with a {chain_id} placeholder.
	APIURL string `mapstructure:"apiUrl" yaml:"apiUrl"`

	// APITimeout bounds one gas API request.
	APITimeout time.Duration `mapstructure:"apiTimeout" yaml:"apiTimeout"`

	// DefaultMethod pins the method used when the caller does not name
	// one. Empty means cascade.
	DefaultMethod Method `mapstructure:"defaultMethod" yaml:"defaultMethod"`

	// Multipliers scale RPC and fixed quotes per priority. Missing
	// tiers default to 1.
	Multipliers map[Priority]float64 `mapstructure:"multipliers" yaml:"multipliers"`

	// FixedByChain maps chain id to a fixed gas price in GWei.
	FixedByChain map[uint64]float64 `mapstructure:"fixedByChain" yaml:"fixedByChain"`

	// FixedDefault replaces DefaultFixedGwei when non-zero.
	FixedDefault float64 `mapstructure:"fixedDefault" yaml:"fixedDefault"`

	// DevEnv forces the RPC method for the whole cascade.
	DevEnv bool `mapstructure:"devEnv" yaml:"devEnv"`

	// RPCOnlyChains overrides DefaultRPCOnlyChains when non-nil.
	RPCOnlyChains []uint64 `mapstructure:"rpcOnlyChains" yaml:"rpcOnlyChains"`
}

// Estimator answers fee queries for one chain over one endpoint set.
type Estimator struct {
	logger   hclog.Logger
	observer telemetry.Observer
	cfg      Config

	chainID   uint64
	endpoints []*registry.Endpoint
	httpc     *http.Client
	custom    Quoter
}

// Option adjusts an Estimator at construction time.
type Option func(*Estimator)

func WithLogger(logger hclog.Logger) Option {
	return func(e *Estimator) {
		e.logger = logger
	}
}

func WithObserver(obs telemetry.Observer) Option {
	return func(e *Estimator) {
		e.observer = obs
	}
}

// WithQuoter installs the MethodCustom implementation.
func WithQuoter(q Quoter) Option {
	return func(e *Estimator) {
		e.custom = q
	}
}

// WithHTTPClient replaces the gas API transport, used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Estimator) {
		e.httpc = c
	}
}

// New builds an estimator for chainID quoting against the given
// endpoints (the transaction bracket, flattened, in bracket order).
func New(chainID uint64, endpoints []*registry.Endpoint, cfg Config, opts ...Option) *Estimator {
	e := &Estimator{
		logger:    hclog.NewNullLogger(),
		observer:  telemetry.Nop(),
		cfg:       cfg,
		chainID:   chainID,
		endpoints: endpoints,
		httpc:     &http.Client{Timeout: defaultAPITimeout},
	}

	if cfg.APIURL == "" {
		e.cfg.APIURL = DefaultAPIURL
	}

	if cfg.APITimeout > 0 {
		e.httpc = &http.Client{Timeout: cfg.APITimeout}
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.Named("gasfee")

	return e
}

// Estimate returns fee params whose selected fee stays under
// ceilingGwei. A non-empty method pins the strategy and propagates
// its failure; otherwise the cascade runs, absorbing quote failures
// and out-of-range quotes until a method answers. A rate-limited RPC
// walk stops the cascade.
func (e *Estimator) Estimate(ctx context.Context, ceilingGwei float64, priority Priority, method Method) (Params, error) {
	if method == MethodNone {
		method = e.cfg.DefaultMethod
	}

	if method != MethodNone {
		return e.run(ctx, method, priority, ceilingGwei)
	}

	order := []Method{MethodGasAPI, MethodRPC, MethodFixed, MethodCustom}
	if e.cfg.DevEnv || e.rpcOnly() {
		order = []Method{MethodRPC}
	}

	var lastErr error

	for _, m := range order {
		if m == MethodCustom && e.custom == nil {
			continue
		}

		params, err := e.run(ctx, m, priority, ceilingGwei)
		if err == nil {
			return params, nil
		}

		if !cascades(err) {
			return Params{}, err
		}

		e.logger.Warn("gas estimation method failed", "method", m, "err", err)

		lastErr = err
	}

	return Params{}, fmt.Errorf("%w: all methods failed: %w", ErrNoGasQuote, lastErr)
}

func (e *Estimator) rpcOnly() bool {
	chains := e.cfg.RPCOnlyChains
	if chains == nil {
		chains = DefaultRPCOnlyChains
	}

	for _, id := range chains {
		if id == e.chainID {
			return true
		}
	}

	return false
}

func (e *Estimator) run(ctx context.Context, method Method, priority Priority, ceilingGwei float64) (Params, error) {
	switch method {
	case MethodGasAPI:
		return e.fromAPI(ctx, priority, ceilingGwei)
	case MethodRPC:
		return e.fromRPC(ctx, priority, ceilingGwei)
	case MethodFixed:
		return e.fromFixed(priority, ceilingGwei)
	case MethodCustom:
		if e.custom == nil {
			return Params{}, fmt.Errorf("%w: no custom quoter configured", ErrNoGasQuote)
		}

		params, err := e.custom.Quote(ctx, priority, ceilingGwei)
		if err != nil {
			return Params{}, err
		}

		return params, e.checkCustom(params, ceilingGwei)
	}

	return Params{}, fmt.Errorf("unknown gas estimation method %q", method)
}

func (e *Estimator) checkCustom(params Params, ceilingGwei float64) error {
	fee := params.GasPrice
	if params.Dynamic() {
		fee = params.MaxFeePerGas
	}

	if fee == nil {
		return fmt.Errorf("%w: custom quoter returned empty params", ErrNoGasQuote)
	}

	if gwei := WeiToGwei(fee); gwei > ceilingGwei {
		return &FeeOutOfRangeError{FeeGwei: gwei, CeilingGwei: ceilingGwei}
	}

	return nil
}

// apiTier is one priority entry of the gas API response body.
type apiTier struct {
	SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
	SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
}

func (e *Estimator) fromAPI(ctx context.Context, priority Priority, ceilingGwei float64) (Params, error) {
	url := strings.ReplaceAll(e.cfg.APIURL, "{chain_id}", strconv.FormatUint(e.chainID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %w", ErrNoGasQuote, err)
	}

	resp, err := e.httpc.Do(req)
	if err != nil {
		return Params{}, fmt.Errorf("%w: gas api request: %w", ErrNoGasQuote, err)
	}
	defer resp.Body.Close()

	// a rate-limited or otherwise failing API is just a failed quote;
	// the RPC walk can still answer
	if resp.StatusCode != http.StatusOK {
		return Params{}, fmt.Errorf("%w: gas api status %s", ErrNoGasQuote, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Params{}, fmt.Errorf("%w: gas api read: %w", ErrNoGasQuote, err)
	}

	var tiers map[string]apiTier
	if err := json.Unmarshal(body, &tiers); err != nil {
		return Params{}, fmt.Errorf("%w: gas api decode: %w", ErrNoGasQuote, err)
	}

	tier, ok := tiers[string(priority)]
	if !ok || tier.SuggestedMaxFeePerGas == "" {
		// No fall-through to another tier: a missing key is a failed
		// quote.
		return Params{}, fmt.Errorf("%w: gas api has no %q tier", ErrNoGasQuote, priority)
	}

	maxFee, err := strconv.ParseFloat(tier.SuggestedMaxFeePerGas, 64)
	if err != nil {
		return Params{}, fmt.Errorf("%w: gas api maxFeePerGas %q: %w", ErrNoGasQuote, tier.SuggestedMaxFeePerGas, err)
	}

	maxPriorityFee, err := strconv.ParseFloat(tier.SuggestedMaxPriorityFeePerGas, 64)
	if err != nil {
		return Params{}, fmt.Errorf("%w: gas api maxPriorityFeePerGas %q: %w",
			ErrNoGasQuote, tier.SuggestedMaxPriorityFeePerGas, err)
	}

	e.logger.Debug("gas api quote", "maxFeePerGas", maxFee, "maxPriorityFeePerGas", maxPriorityFee, "url", url)

	if maxFee > ceilingGwei {
		return Params{}, &FeeOutOfRangeError{FeeGwei: maxFee, CeilingGwei: ceilingGwei}
	}

	e.observer.GasQuoted(string(MethodGasAPI), string(priority), maxFee)

	return Params{
		MaxFeePerGas:         GweiToWei(maxFee),
		MaxPriorityFeePerGas: GweiToWei(maxPriorityFee),
	}, nil
}

func (e *Estimator) fromRPC(ctx context.Context, priority Priority, ceilingGwei float64) (Params, error) {
	var lastQuote *big.Int

	for _, ep := range e.endpoints {
		price, err := ep.GasPrice(ctx)
		if err != nil {
			if registry.IsTooManyRequests(err) {
				e.logger.Error("rate limited while fetching gas price", "url", ep.URL(), "err", err)

				return Params{}, fmt.Errorf("gas price from %s: %w", ep.URL(), ErrTooManyRequests)
			}

			e.logger.Error("failed to get gas price", "url", ep.URL(), "err", err)
			e.observer.EndpointFault("eth_gasPrice", ep.URL(), err)

			continue
		}

		lastQuote = price

		gwei := WeiToGwei(price)

		e.logger.Debug("rpc gas quote", "gasPriceGwei", gwei, "url", ep.URL())

		if gwei <= ceilingGwei {
			scaled := mulFloat(price, e.multiplier(priority))

			e.observer.GasQuoted(string(MethodRPC), string(priority), WeiToGwei(scaled))

			return Params{GasPrice: scaled}, nil
		}
	}

	if lastQuote == nil {
		return Params{}, fmt.Errorf("%w: none of the RPCs could provide a gas price", ErrNoGasQuote)
	}

	return Params{}, &FeeOutOfRangeError{FeeGwei: WeiToGwei(lastQuote), CeilingGwei: ceilingGwei}
}

func (e *Estimator) fromFixed(priority Priority, ceilingGwei float64) (Params, error) {
	gwei, ok := e.cfg.FixedByChain[e.chainID]
	if !ok {
		gwei = e.cfg.FixedDefault
	}

	if gwei == 0 {
		gwei = DefaultFixedGwei
	}

	if gwei > ceilingGwei {
		return Params{}, &FeeOutOfRangeError{FeeGwei: gwei, CeilingGwei: ceilingGwei}
	}

	scaled := gwei * e.multiplier(priority)

	e.observer.GasQuoted(string(MethodFixed), string(priority), scaled)

	return Params{GasPrice: GweiToWei(scaled)}, nil
}

func (e *Estimator) multiplier(priority Priority) float64 {
	if m, ok := e.cfg.Multipliers[priority]; ok && m > 0 {
		return m
	}

	return 1
}

// GweiToWei converts a GWei amount to wei, rounding half away from
// zero.
func GweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))

	wei, _ := f.Int(nil)

	return wei
}

// WeiToGwei converts wei to a GWei amount.
func WeiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()

	return f
}

func mulFloat(wei *big.Int, m float64) *big.Int {
	if m == 1 {
		return new(big.Int).Set(wei)
	}

	f := new(big.Float).Mul(new(big.Float).SetInt(wei), big.NewFloat(m))

	out, _ := f.Int(nil)

	return out
}
