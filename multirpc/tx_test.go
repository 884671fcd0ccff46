package multirpc

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solvernet/multirpc/gasfee"
	"github.com/solvernet/multirpc/internal/testrpc"
	"github.com/solvernet/multirpc/registry"
)

// sentRaw decodes the payload a server received on
// eth_sendRawTransaction.
func sentRaw(t *testing.T, srv *testrpc.Server) []byte {
	t.Helper()

	params := srv.Params("eth_sendRawTransaction")
	require.NotEmpty(t, params)

	var encoded string
	require.NoError(t, json.Unmarshal(params[0], &encoded))

	raw, err := hexutil.Decode(encoded)
	require.NoError(t, err)

	return raw
}

// firstSentRaw picks the payload from whichever server of a race saw
// the broadcast; a cancelled loser may never have received it.
func firstSentRaw(t *testing.T, servers ...*testrpc.Server) []byte {
	t.Helper()

	for _, srv := range servers {
		if srv.Calls("eth_sendRawTransaction") > 0 {
			return sentRaw(t, srv)
		}
	}

	t.Fatal("no server received eth_sendRawTransaction")

	return nil
}

func TestTransaction_HappyPath(t *testing.T) {
	t.Parallel()

	lagging := newTxServer(t)
	lagging.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(7)})
	lagging.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x01)})
	lagging.Handle("eth_getTransactionReceipt", testrpc.Reply{Result: nil})

	fresh := newTxServer(t)
	fresh.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(9)})
	fresh.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x01)})
	fresh.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Result: nil},
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x01), 120, 1)},
	)

	c := newTestClient(t, baseConfig(nil, subBrackets([]*testrpc.Server{lagging, fresh})))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	res, err := fn.Call(context.Background(), []interface{}{uint64(42)})
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, uint64(1), res.Receipt.Status)

	// the reported hash is the local hash of the broadcast payload
	assert.Equal(t, keccak256Hash(firstSentRaw(t, lagging, fresh)), res.TxHash)
}

func TestTransaction_SignsOnce(t *testing.T) {
	t.Parallel()

	servers := []*testrpc.Server{newTxServer(t), newTxServer(t), newTxServer(t)}
	for _, srv := range servers {
		srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(3)})
		srv.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x02), Delay: 50 * time.Millisecond})
		srv.Handle("eth_getTransactionReceipt", testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x02), 10, 1)})
	}

	c := newTestClient(t, baseConfig(nil, subBrackets(servers)))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(1)})
	require.NoError(t, err)

	// every endpoint that saw the broadcast saw the same signed bytes
	reference := firstSentRaw(t, servers...)
	for _, srv := range servers {
		if srv.Calls("eth_sendRawTransaction") == 0 {
			continue
		}

		assert.Equal(t, reference, sentRaw(t, srv))
	}
}

func TestTransaction_WaitZeroReturnsHashOnly(t *testing.T) {
	t.Parallel()

	srv := newTxServer(t)
	srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(0)})
	srv.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x03)})

	c := newTestClient(t, baseConfig(nil, subBrackets([]*testrpc.Server{srv})))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	res, err := fn.Call(context.Background(), []interface{}{uint64(5)}, WithReceiptWait(0))
	require.NoError(t, err)
	assert.Nil(t, res.Receipt)
	assert.NotEqual(t, "0x0000000000000000000000000000000000000000000000000000000000000000", res.TxHash.String())
	assert.Zero(t, srv.Calls("eth_getTransactionReceipt"))
}

func TestTransaction_BenignRejectionsStaySoft(t *testing.T) {
	t.Parallel()

	stale := newTxServer(t)
	stale.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(1)})
	stale.Handle("eth_sendRawTransaction",
		testrpc.Reply{Error: &testrpc.RPCError{Code: -32000, Message: "nonce too low"}})
	stale.Handle("eth_getTransactionReceipt", testrpc.Reply{Result: nil})

	mempool := newTxServer(t)
	mempool.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(1)})
	mempool.Handle("eth_sendRawTransaction",
		testrpc.Reply{Error: &testrpc.RPCError{Code: -32000, Message: "already known"}})
	mempool.Handle("eth_getTransactionReceipt", testrpc.Reply{Result: nil})

	accepting := newTxServer(t)
	accepting.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(1)})
	accepting.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x04)})
	accepting.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x04), 33, 1)})

	c := newTestClient(t, baseConfig(nil, subBrackets([]*testrpc.Server{stale, mempool, accepting})))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	res, err := fn.Call(context.Background(), []interface{}{uint64(9)})
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, uint64(33), res.Receipt.BlockNumber)
}

func TestTransaction_ValueRejectionExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	reverting := []*testrpc.Server{newTxServer(t), newTxServer(t)}
	for _, srv := range reverting {
		srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(2)})
		srv.Handle("eth_sendRawTransaction",
			testrpc.Reply{Error: &testrpc.RPCError{Code: -32000, Message: "execution reverted"}})
	}

	fallback := newTxServer(t)
	fallback.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(2)})
	fallback.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x05)})

	c := newTestClient(t, baseConfig(nil, subBrackets(reverting, []*testrpc.Server{fallback})))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(3)})

	valueErr := &TxValueError{}
	require.ErrorAs(t, err, &valueErr)
	assert.Contains(t, valueErr.Err.Error(), "execution reverted")

	// a node rejection is final: the payload never reaches the next
	// sub-bracket
	assert.Zero(t, fallback.Calls("eth_sendRawTransaction"))
}

func TestTransaction_ConnFailureEscalates(t *testing.T) {
	t.Parallel()

	unreachable := newTxServer(t)
	unreachable.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(4)})
	unreachable.Handle("eth_sendRawTransaction", testrpc.Reply{Status: 503, Result: "0x"})

	backup := newTxServer(t)
	backup.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(4)})
	backup.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x06)})
	backup.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x06), 44, 1)})

	c := newTestClient(t, baseConfig(nil, subBrackets(
		[]*testrpc.Server{unreachable},
		[]*testrpc.Server{backup},
	)))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	res, err := fn.Call(context.Background(), []interface{}{uint64(7)})
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)

	// escalation reuses the signed payload, nothing is re-signed
	assert.Equal(t, 1, unreachable.Calls("eth_sendRawTransaction"))
	assert.Equal(t, sentRaw(t, unreachable), sentRaw(t, backup))
}

func TestTransaction_ReceiptTimeoutEscalates(t *testing.T) {
	t.Parallel()

	silent := newTxServer(t)
	silent.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(6)})
	silent.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x07)})
	silent.Handle("eth_getTransactionReceipt", testrpc.Reply{Result: nil})

	confirming := newTxServer(t)
	confirming.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(6)})
	confirming.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x07)})
	confirming.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x07), 55, 1)})

	c := newTestClient(t, baseConfig(nil, subBrackets(
		[]*testrpc.Server{silent},
		[]*testrpc.Server{confirming},
	)))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	res, err := fn.Call(context.Background(), []interface{}{uint64(8)}, WithReceiptWait(30*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, uint64(55), res.Receipt.BlockNumber)
	assert.Equal(t, sentRaw(t, silent), sentRaw(t, confirming))
}

func TestTransaction_ReceiptWorkerToleratesConnErrors(t *testing.T) {
	t.Parallel()

	srv := newTxServer(t)
	srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(0)})
	srv.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x08)})
	srv.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Status: 502, Result: "0x"},
		testrpc.Reply{Status: 502, Result: "0x"},
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x08), 66, 1)},
	)

	c := newTestClient(t, baseConfig(nil, subBrackets([]*testrpc.Server{srv})))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	res, err := fn.Call(context.Background(), []interface{}{uint64(2)})
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.GreaterOrEqual(t, srv.Calls("eth_getTransactionReceipt"), 3)
}

func TestTransaction_FailedStatusIsFatal(t *testing.T) {
	t.Parallel()

	srv := newTxServer(t)
	srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(1)})
	srv.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x09)})
	srv.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x09), 77, 0)})
	srv.Handle("debug_traceTransaction",
		testrpc.Reply{Result: map[string]interface{}{"error": "execution reverted", "failed": true}})

	fallback := newTxServer(t)
	fallback.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(1)})
	fallback.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x09)})

	c := newTestClient(t, baseConfig(nil, subBrackets(
		[]*testrpc.Server{srv},
		[]*testrpc.Server{fallback},
	)))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(4)})

	statusErr := &TxFailedStatusError{}
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "set", statusErr.Function)
	assert.Contains(t, statusErr.Trace, "execution reverted")

	// a mined failure never escalates: rebroadcasting cannot change
	// the outcome
	assert.Zero(t, fallback.Calls("eth_sendRawTransaction"))
}

func TestTransaction_StrictBroadcastErrorsAreTerminal(t *testing.T) {
	t.Parallel()

	rejecting := newTxServer(t)
	rejecting.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(5)})
	rejecting.Handle("eth_sendRawTransaction",
		testrpc.Reply{Error: &testrpc.RPCError{Code: -32000, Message: "execution reverted"}})

	hanging := newTxServer(t)
	hanging.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(5)})
	hanging.Handle("eth_sendRawTransaction", testrpc.Reply{Hang: true})

	cfg := baseConfig(nil, subBrackets([]*testrpc.Server{rejecting, hanging}))
	cfg.StrictBroadcastErrors = true

	c := newTestClient(t, cfg)
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	// the strict rejection aborts the race without waiting for the
	// hanging endpoint
	_, err = fn.Call(context.Background(), []interface{}{uint64(6)})

	valueErr := &TxValueError{}
	require.ErrorAs(t, err, &valueErr)
}

func TestTransaction_FeeCeilingPropagates(t *testing.T) {
	t.Parallel()

	srv := newTxServer(t)
	srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(0)})
	srv.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x0a)})

	c := newTestClient(t, baseConfig(nil, subBrackets([]*testrpc.Server{srv})))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	// the pinned fixed quote is 5 gwei, over the 1 gwei ceiling
	_, err = fn.Call(context.Background(), []interface{}{uint64(1)}, WithGasCeiling(1))

	rangeErr := &gasfee.FeeOutOfRangeError{}
	require.ErrorAs(t, err, &rangeErr)
	assert.Zero(t, srv.Calls("eth_sendRawTransaction"))
}

func TestTransaction_RejectsEmptyGasParams(t *testing.T) {
	t.Parallel()

	srv := newTxServer(t)
	srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(0)})
	srv.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x0b)})

	c := newTestClient(t, baseConfig(nil, subBrackets([]*testrpc.Server{srv})))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(1)}, WithGasParams(gasfee.Params{}))
	require.ErrorIs(t, err, ErrInvalidGasParams)

	// a dynamic fee without its priority fee is just as unusable
	_, err = fn.Call(context.Background(), []interface{}{uint64(1)},
		WithGasParams(gasfee.Params{MaxFeePerGas: big.NewInt(2_000_000_000)}))
	require.ErrorIs(t, err, ErrInvalidGasParams)

	assert.Zero(t, srv.Calls("eth_sendRawTransaction"))
}

func TestTransaction_GasEstimationFailureIsFatal(t *testing.T) {
	t.Parallel()

	srv := newTxServer(t)
	srv.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(0)})
	srv.Handle("eth_estimateGas",
		testrpc.Reply{Error: &testrpc.RPCError{Code: -32000, Message: "execution reverted"}})
	srv.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x0b)})

	cfg := baseConfig(nil, subBrackets([]*testrpc.Server{srv}))
	cfg.EnableGasEstimation = true

	c := newTestClient(t, cfg)
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gas estimation")
	assert.Zero(t, srv.Calls("eth_sendRawTransaction"))
}

func TestTransaction_NoAccount(t *testing.T) {
	t.Parallel()

	srv := newTxServer(t)

	c := newTestClient(t, baseConfig(nil, subBrackets([]*testrpc.Server{srv})))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(1)})
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestTransaction_MissingRole(t *testing.T) {
	t.Parallel()

	view := newViewServer(t)

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{view}), nil))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(1)})
	assert.ErrorIs(t, err, registry.ErrMissingRole)
}

func TestTransaction_NonceSourcePrefersViewRole(t *testing.T) {
	t.Parallel()

	view := newViewServer(t)
	view.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(11)})

	tx := newTxServer(t)
	tx.Handle("eth_sendRawTransaction", testrpc.Reply{Result: testrpc.TestHash(0x0c)})
	tx.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x0c), 88, 1)})

	c := newTestClient(t, baseConfig(
		subBrackets([]*testrpc.Server{view}),
		subBrackets([]*testrpc.Server{tx}),
	))
	c.SetAccount(testKey(t))

	fn, err := c.Function("set")
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), []interface{}{uint64(1)})
	require.NoError(t, err)

	assert.Equal(t, 1, view.Calls("eth_getTransactionCount"))
	assert.Zero(t, tx.Calls("eth_getTransactionCount"))
}
