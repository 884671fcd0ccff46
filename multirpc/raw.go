package multirpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/umbracle/ethgo"

	"github.com/solvernet/multirpc/fanout"
	"github.com/solvernet/multirpc/registry"
)

// Raw queries skip the view policy: they race the view bracket and
// take the first answer, escalating through sub-brackets like every
// other operation.

// GetNonce returns the highest transaction count any endpoint reports
// for the address.
func (c *Client) GetNonce(ctx context.Context, addr ethgo.Address) (uint64, error) {
	if !c.ready() {
		return 0, ErrNotSetup
	}

	return c.nonceOf(ctx, addr)
}

// GetBlockNumber returns the first block height a view endpoint
// answers with.
func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	if !c.ready() {
		return 0, ErrNotSetup
	}

	subs, err := c.registry.Brackets(registry.RoleView)
	if err != nil {
		return 0, err
	}

	soft := func(err error) bool {
		return registry.IsConnError(err) || registry.IsValueError(err)
	}

	return raceBrackets(c, ctx, "eth_blockNumber", subs, func(ep *registry.Endpoint) fanout.Task[uint64] {
		return func(ctx context.Context) (uint64, error) {
			n, err := ep.BlockNumber(ctx)
			if err != nil {
				c.observer.EndpointFault("eth_blockNumber", ep.URL(), err)
			}

			return n, err
		}
	}, soft)
}

// GetBlock fetches a block by tag or number. A block no endpoint
// knows comes back as ErrBlockNotFound wrapped in ErrGetBlockFailed.
func (c *Client) GetBlock(ctx context.Context, ref registry.BlockRef, fullTx bool) (*ethgo.Block, error) {
	if !c.ready() {
		return nil, ErrNotSetup
	}

	subs, err := c.registry.Brackets(registry.RoleView)
	if err != nil {
		return nil, err
	}

	soft := func(err error) bool {
		return registry.IsConnError(err) || registry.IsValueError(err) || errors.Is(err, ErrBlockNotFound)
	}

	block, err := raceBrackets(c, ctx, "eth_getBlockByNumber", subs, func(ep *registry.Endpoint) fanout.Task[*ethgo.Block] {
		return func(ctx context.Context) (*ethgo.Block, error) {
			block, err := ep.GetBlock(ctx, ref, fullTx)
			if err != nil {
				c.observer.EndpointFault("eth_getBlockByNumber", ep.URL(), err)

				return nil, err
			}

			if block == nil {
				return nil, ErrBlockNotFound
			}

			return block, nil
		}
	}, soft)
	if err != nil {
		return nil, wrapQueryErr(ErrGetBlockFailed, err)
	}

	return block, nil
}

// GetTransactionReceipt looks the receipt up once per endpoint, no
// waiting. A transaction not yet mined anywhere is
// ErrReceiptNotFound.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash ethgo.Hash) (*ethgo.Receipt, error) {
	if !c.ready() {
		return nil, ErrNotSetup
	}

	subs, err := c.registry.Brackets(registry.RoleView)
	if err != nil {
		return nil, err
	}

	soft := func(err error) bool {
		return registry.IsConnError(err) || registry.IsValueError(err) || errors.Is(err, ErrReceiptNotFound)
	}

	return raceBrackets(c, ctx, "eth_getTransactionReceipt", subs, func(ep *registry.Endpoint) fanout.Task[*ethgo.Receipt] {
		return func(ctx context.Context) (*ethgo.Receipt, error) {
			receipt, err := ep.GetTransactionReceipt(ctx, hash)
			if err != nil {
				c.observer.EndpointFault("eth_getTransactionReceipt", ep.URL(), err)

				return nil, err
			}

			if receipt == nil {
				return nil, ErrReceiptNotFound
			}

			return receipt, nil
		}
	}, soft)
}

// raceBrackets runs a first-success race per sub-bracket, escalating
// in registration order. The last observed failure is returned when
// every sub-bracket is exhausted.
func raceBrackets[T any](
	c *Client,
	ctx context.Context,
	op string,
	subs []*registry.SubBracket,
	mk func(ep *registry.Endpoint) fanout.Task[T],
	soft func(error) bool,
) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for _, sub := range subs {
		tasks := make([]fanout.Task[T], len(sub.Endpoints))
		for i, ep := range sub.Endpoints {
			tasks[i] = mk(ep)
		}

		v, err := fanout.Race(ctx, tasks, soft, nil)
		if err == nil {
			return v, nil
		}

		if !escalatable(err) && !registry.IsValueError(err) {
			return zero, err
		}

		lastErr = err

		c.logger.Info("query failed on sub-bracket", "op", op, "subBracket", sub.Key, "err", err)
	}

	if lastErr == nil {
		lastErr = ErrAllRPCsFailed
	}

	return zero, lastErr
}

func wrapQueryErr(identity, err error) error {
	if errors.Is(err, identity) {
		return err
	}

	return fmt.Errorf("%w: %w", identity, err)
}
