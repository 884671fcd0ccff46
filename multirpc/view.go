package multirpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/solvernet/multirpc/fanout"
	"github.com/solvernet/multirpc/registry"
)

// viewAnswer is one endpoint's multicall result: the block it was
// evaluated at and the raw return data of the wrapped call.
type viewAnswer struct {
	block uint64
	ret   []byte
	url   string
}

// callView fans the call out over the view brackets under the
// configured policy. Sub-brackets are tried in order; reconciliation
// failures and transport errors escalate to the next one, anything
// unexpected aborts.
func (c *Client) callView(ctx context.Context, pc *PendingCall) (interface{}, error) {
	subs, err := c.registry.Brackets(registry.RoleView)
	if err != nil {
		return nil, err
	}

	data, err := pc.fn.EncodeInput(pc.args...)
	if err != nil {
		return nil, err
	}

	mcData, err := c.mcMethod.Encode([]interface{}{
		false,
		[]map[string]interface{}{{"target": c.contract, "callData": data}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode multicall: %w", err)
	}

	var lastErr error

	for _, sub := range subs {
		answer, err := c.viewOnBracket(ctx, sub, mcData, pc.block)
		if err == nil {
			return pc.fn.decodeOutput(answer.ret)
		}

		if !escalatable(err) && !registry.IsValueError(err) {
			return nil, err
		}

		lastErr = err

		c.logger.Info("view call failed on sub-bracket",
			"function", pc.fn.name, "subBracket", sub.Key, "err", err)
	}

	return nil, fmt.Errorf("%w: %w: %w", ErrViewCallFailed, ErrAllRPCsFailed, lastErr)
}

func (c *Client) viewOnBracket(
	ctx context.Context,
	sub *registry.SubBracket,
	mcData []byte,
	ref registry.BlockRef,
) (viewAnswer, error) {
	tasks := make([]fanout.Task[viewAnswer], len(sub.Endpoints))

	for i, ep := range sub.Endpoints {
		ep := ep

		tasks[i] = func(ctx context.Context) (viewAnswer, error) {
			answer, err := c.multicallOnce(ctx, ep, mcData, ref)
			if err != nil {
				c.observer.EndpointFault("eth_call", ep.URL(), err)

				return viewAnswer{}, err
			}

			return answer, nil
		}
	}

	switch c.cfg.ViewPolicy {
	case MostUpdated:
		// highest reported block wins, ties go to the first endpoint
		return fanout.Gather(ctx, tasks, func(ok []fanout.Result[viewAnswer]) viewAnswer {
			best := ok[0]
			for _, r := range ok[1:] {
				if r.Value.block > best.Value.block {
					best = r
				}
			}

			return best.Value
		})
	case FirstSuccess:
		soft := func(err error) bool {
			return registry.IsConnError(err) || registry.IsValueError(err)
		}

		answer, err := fanout.Race(ctx, tasks, soft, ErrAllRPCsFailed)
		if err == nil {
			c.observer.RaceWon("eth_call", answer.url)
		}

		return answer, err
	}

	return viewAnswer{}, fmt.Errorf("%w: %q", ErrInvalidViewPolicy, c.cfg.ViewPolicy)
}

// multicallOnce runs tryBlockAndAggregate with the single wrapped
// call against one endpoint and unpacks (blockNumber, returnData).
func (c *Client) multicallOnce(
	ctx context.Context,
	ep *registry.Endpoint,
	mcData []byte,
	ref registry.BlockRef,
) (viewAnswer, error) {
	raw, err := ep.Call(ctx, &registry.CallMsg{To: c.multicall, Data: mcData}, ref)
	if err != nil {
		return viewAnswer{}, err
	}

	decoded, err := c.mcMethod.Outputs.Decode(raw)
	if err != nil {
		return viewAnswer{}, fmt.Errorf("decode multicall response from %s: %w", ep.URL(), err)
	}

	vals, ok := decoded.(map[string]interface{})
	if !ok {
		return viewAnswer{}, fmt.Errorf("unexpected multicall response shape from %s", ep.URL())
	}

	blockNumber, ok := vals["blockNumber"].(*big.Int)
	if !ok {
		return viewAnswer{}, fmt.Errorf("multicall response from %s has no block number", ep.URL())
	}

	rets, ok := vals["returnData"].([]map[string]interface{})
	if !ok || len(rets) != 1 {
		return viewAnswer{}, fmt.Errorf("multicall response from %s has %d return slots, want 1", ep.URL(), len(rets))
	}

	success, _ := rets[0]["success"].(bool)
	if !success {
		return viewAnswer{}, fmt.Errorf("call reverted on %s", ep.URL())
	}

	ret, _ := rets[0]["returnData"].([]byte)

	return viewAnswer{block: blockNumber.Uint64(), ret: ret, url: ep.URL()}, nil
}
