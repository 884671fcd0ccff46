package multirpc

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/umbracle/ethgo/abi"
	"github.com/umbracle/ethgo/wallet"

	"github.com/solvernet/multirpc/contracts/multicallabi"
	"github.com/solvernet/multirpc/gasfee"
	"github.com/solvernet/multirpc/internal/testrpc"
	"github.com/solvernet/multirpc/registry"
)

const testChainID = 1337

// testABI is a storage contract: one view getter, one setter.
const testABI = `[
	{"type":"function","name":"get","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"set","stateMutability":"nonpayable",
	 "inputs":[{"name":"value","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"pair","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"a","type":"uint256"},{"name":"b","type":"uint256"}]},
	{"type":"event","name":"Stored","inputs":[{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	mcOutputs   = abi.MustNewABI(multicallabi.TryBlockAndAggregateABI).GetMethod("tryBlockAndAggregate").Outputs
	uint256Type = abi.MustNewType("uint256")
)

func encodeUint(t *testing.T, v uint64) []byte {
	t.Helper()

	raw, err := uint256Type.Encode(new(big.Int).SetUint64(v))
	require.NoError(t, err)

	return raw
}

// multicallResult encodes a tryBlockAndAggregate answer wrapping one
// successful inner call.
func multicallResult(t *testing.T, block uint64, inner []byte) string {
	t.Helper()

	raw, err := mcOutputs.Encode([]interface{}{
		new(big.Int).SetUint64(block),
		[32]byte{},
		[]map[string]interface{}{{"success": true, "returnData": inner}},
	})
	require.NoError(t, err)

	return testrpc.Data(raw)
}

// abiPairResult encodes the two-output answer of the pair getter.
func abiPairResult(t *testing.T, a, b uint64) []byte {
	t.Helper()

	outputs := abi.MustNewABI(testABI).GetMethod("pair").Outputs

	raw, err := outputs.Encode([]interface{}{
		new(big.Int).SetUint64(a),
		new(big.Int).SetUint64(b),
	})
	require.NoError(t, err)

	return raw
}

// revertedMulticallResult encodes an answer whose inner call failed.
func revertedMulticallResult(t *testing.T, block uint64) string {
	t.Helper()

	raw, err := mcOutputs.Encode([]interface{}{
		new(big.Int).SetUint64(block),
		[32]byte{},
		[]map[string]interface{}{{"success": false, "returnData": []byte{}}},
	})
	require.NoError(t, err)

	return testrpc.Data(raw)
}

// newViewServer scripts the responses every view endpoint must serve
// during setup: the chain id probe and the multicall code check.
func newViewServer(t *testing.T) *testrpc.Server {
	t.Helper()

	srv := testrpc.NewEndpoint(t, testChainID)
	srv.Handle("eth_getCode", testrpc.Reply{Result: "0x60806040"})

	return srv
}

func newTxServer(t *testing.T) *testrpc.Server {
	t.Helper()

	return testrpc.NewEndpoint(t, testChainID)
}

func urls(servers []*testrpc.Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.URL()
	}

	return out
}

func subBrackets(brackets ...[]*testrpc.Server) []registry.SubBracketConfig {
	var out []registry.SubBracketConfig
	for _, servers := range brackets {
		out = append(out, registry.SubBracketConfig{URLs: urls(servers)})
	}

	return out
}

// baseConfig pins the gas estimator to the fixed method so no test
// reaches out to a public gas API.
func baseConfig(view, tx []registry.SubBracketConfig) Config {
	return Config{
		RPCURLs:         registry.Config{View: view, Transaction: tx},
		ContractAddress: testrpc.TestAddress(0xc0),
		ContractABI:     testABI,
		Gas: gasfee.Config{
			DefaultMethod: gasfee.MethodFixed,
			FixedByChain:  map[uint64]float64{testChainID: 5},
		},
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()

	c, err := New(cfg)
	require.NoError(t, err)

	// keep the confirmation workers fast under test
	c.receiptPoll = 5 * time.Millisecond
	c.receiptRetryPause = 10 * time.Millisecond

	require.NoError(t, c.Setup(context.Background()))
	t.Cleanup(c.Close)

	return c
}

func bigUint(t *testing.T, v interface{}) uint64 {
	t.Helper()

	b, ok := v.(*big.Int)
	require.True(t, ok, "expected *big.Int, got %T", v)

	return b.Uint64()
}

func testKey(t *testing.T) *wallet.Key {
	t.Helper()

	key, err := wallet.GenerateKey()
	require.NoError(t, err)

	return key
}
