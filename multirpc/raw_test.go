package multirpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solvernet/multirpc/internal/testrpc"
	"github.com/solvernet/multirpc/registry"
)

func TestGetNonce_TakesHighestAnswer(t *testing.T) {
	t.Parallel()

	lagging := newViewServer(t)
	lagging.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(7)})

	fresh := newViewServer(t)
	fresh.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(9)})

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{lagging, fresh}), nil))

	addr, err := registry.ParseAddress(testrpc.TestAddress(0x11))
	require.NoError(t, err)

	nonce, err := c.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), nonce)
}

func TestGetNonce_SurvivesOneFailingEndpoint(t *testing.T) {
	t.Parallel()

	broken := newViewServer(t)
	broken.Handle("eth_getTransactionCount", testrpc.Reply{Status: 503, Result: "0x"})

	healthy := newViewServer(t)
	healthy.Handle("eth_getTransactionCount", testrpc.Reply{Result: testrpc.Quantity(3)})

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{broken, healthy}), nil))

	addr, err := registry.ParseAddress(testrpc.TestAddress(0x11))
	require.NoError(t, err)

	nonce, err := c.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)
}

func TestGetBlockNumber(t *testing.T) {
	t.Parallel()

	srv := newViewServer(t)
	srv.Handle("eth_blockNumber", testrpc.Reply{Result: testrpc.Quantity(123)})

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{srv}), nil))

	n, err := c.GetBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123), n)
}

func TestGetBlockNumber_EscalatesToNextSubBracket(t *testing.T) {
	t.Parallel()

	broken := newViewServer(t)
	broken.Handle("eth_blockNumber", testrpc.Reply{Status: 503, Result: "0x"})

	backup := newViewServer(t)
	backup.Handle("eth_blockNumber", testrpc.Reply{Result: testrpc.Quantity(200)})

	c := newTestClient(t, baseConfig(subBrackets(
		[]*testrpc.Server{broken},
		[]*testrpc.Server{backup},
	), nil))

	n, err := c.GetBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(200), n)
}

func TestGetBlock(t *testing.T) {
	t.Parallel()

	srv := newViewServer(t)
	srv.Handle("eth_getBlockByNumber", testrpc.Reply{Result: testrpc.BlockResult(5)})

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{srv}), nil))

	block, err := c.GetBlock(context.Background(), registry.NumberRef(5), false)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, uint64(5), block.Number)
}

func TestGetBlock_Missing(t *testing.T) {
	t.Parallel()

	srv := newViewServer(t)
	srv.Handle("eth_getBlockByNumber", testrpc.Reply{Result: nil})

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{srv}), nil))

	_, err := c.GetBlock(context.Background(), registry.NumberRef(9999), false)
	assert.ErrorIs(t, err, ErrGetBlockFailed)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestGetTransactionReceipt(t *testing.T) {
	t.Parallel()

	hash, err := registry.ParseHash(testrpc.TestHash(0x42))
	require.NoError(t, err)

	srv := newViewServer(t)
	srv.Handle("eth_getTransactionReceipt",
		testrpc.Reply{Result: testrpc.ReceiptResult(testrpc.TestHash(0x42), 9, 1)})

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{srv}), nil))

	receipt, err := c.GetTransactionReceipt(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, uint64(9), receipt.BlockNumber)
}

func TestGetTransactionReceipt_Missing(t *testing.T) {
	t.Parallel()

	hash, err := registry.ParseHash(testrpc.TestHash(0x43))
	require.NoError(t, err)

	srv := newViewServer(t)
	srv.Handle("eth_getTransactionReceipt", testrpc.Reply{Result: nil})

	c := newTestClient(t, baseConfig(subBrackets([]*testrpc.Server{srv}), nil))

	// a one-shot lookup does not wait for the transaction to mine
	_, err = c.GetTransactionReceipt(context.Background(), hash)
	assert.ErrorIs(t, err, ErrReceiptNotFound)
	assert.Equal(t, 1, srv.Calls("eth_getTransactionReceipt"))
}

func TestRawQueries_RequireSetup(t *testing.T) {
	t.Parallel()

	srv := newViewServer(t)

	c, err := New(baseConfig(subBrackets([]*testrpc.Server{srv}), nil))
	require.NoError(t, err)

	_, err = c.GetBlockNumber(context.Background())
	assert.ErrorIs(t, err, ErrNotSetup)

	_, err = c.GetBlock(context.Background(), registry.Latest, false)
	assert.ErrorIs(t, err, ErrNotSetup)
}
