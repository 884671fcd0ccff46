package multirpc

import (
	"fmt"
	"time"

	"github.com/solvernet/multirpc/contracts/multicallabi"
	"github.com/solvernet/multirpc/gasfee"
	"github.com/solvernet/multirpc/registry"
)

// ViewPolicy selects how a view bracket's answers are reconciled.
type ViewPolicy string

const (
	// MostUpdated waits for every endpoint and returns the answer of
	// the one reporting the highest block.
	MostUpdated ViewPolicy = "most_updated"

	// FirstSuccess returns the first answer that arrives.
	FirstSuccess ViewPolicy = "first_success"
)

func (p ViewPolicy) valid() bool {
	return p == MostUpdated || p == FirstSuccess
}

const (
	// DefaultGasLimit is applied to transactions without a per-call
	// gas limit.
	DefaultGasLimit = 1_000_000

	// DefaultGasCeilingGwei bounds the accepted fee quotes.
	DefaultGasCeilingGwei = 26_000

	// DefaultReceiptWait is the confirmation window of a transaction
	// call.
	DefaultReceiptWait = 90 * time.Second

	defaultReceiptPoll       = time.Second
	defaultReceiptRetryPause = 5 * time.Second
)

// Config describes one client. ContractAddress and ContractABI are
// required; everything else has a working default.
type Config struct {
	// RPCURLs carries the per-role bracket definitions.
	RPCURLs registry.Config `mapstructure:"rpcUrls" yaml:"rpcUrls"`

	ContractAddress string `mapstructure:"contractAddress" yaml:"contractAddress"`

	// ContractABI is the contract's ABI JSON.
	ContractABI string `mapstructure:"contractAbi" yaml:"contractAbi"`

	ViewPolicy ViewPolicy `mapstructure:"viewPolicy" yaml:"viewPolicy"`

	// ChainID skips the setup-time probe when non-zero.
	ChainID uint64 `mapstructure:"chainId" yaml:"chainId"`

	GasLimit          uint64  `mapstructure:"gasLimit" yaml:"gasLimit"`
	GasUpperBoundGwei float64 `mapstructure:"gasUpperBound" yaml:"gasUpperBound"`

	// EnableGasEstimation runs an observational eth_estimateGas before
	// signing.
	EnableGasEstimation bool `mapstructure:"enableGasEstimation" yaml:"enableGasEstimation"`

	// IsProofAuthority forces legacy gas pricing, which PoA chains
	// expect.
	IsProofAuthority bool `mapstructure:"isProofAuthority" yaml:"isProofAuthority"`

	// MulticallAddress overrides the canonical Multicall3 deployment.
	MulticallAddress string `mapstructure:"multicallAddress" yaml:"multicallAddress"`

	// ReceiptWait is the default confirmation window; 0 keeps
	// DefaultReceiptWait. Per-call overrides win.
	ReceiptWait time.Duration `mapstructure:"receiptWait" yaml:"receiptWait"`

	// StrictBroadcastErrors promotes non-benign node rejections from
	// soft to terminal during the broadcast race.
	StrictBroadcastErrors bool `mapstructure:"strictBroadcastErrors" yaml:"strictBroadcastErrors"`

	// Gas tunes the fee estimator.
	Gas gasfee.Config `mapstructure:"gas" yaml:"gas"`
}

func (c *Config) withDefaults() (Config, error) {
	out := *c

	if out.ViewPolicy == "" {
		out.ViewPolicy = MostUpdated
	}

	if !out.ViewPolicy.valid() {
		return out, fmt.Errorf("%w: %q", ErrInvalidViewPolicy, out.ViewPolicy)
	}

	if out.GasLimit == 0 {
		out.GasLimit = DefaultGasLimit
	}

	if out.GasUpperBoundGwei == 0 {
		out.GasUpperBoundGwei = DefaultGasCeilingGwei
	}

	if out.MulticallAddress == "" {
		out.MulticallAddress = multicallabi.DefaultAddress
	}

	if out.ReceiptWait == 0 {
		out.ReceiptWait = DefaultReceiptWait
	}

	return out, nil
}
