package multirpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/umbracle/ethgo"
	"github.com/umbracle/ethgo/wallet"
	"golang.org/x/crypto/sha3"

	"github.com/solvernet/multirpc/fanout"
	"github.com/solvernet/multirpc/gasfee"
	"github.com/solvernet/multirpc/internal/txtrace"
	"github.com/solvernet/multirpc/registry"
)

// callTransaction drives the pipeline: nonce, fee params, one
// signature, then a broadcast race and a confirmation race per
// transaction sub-bracket. Escalation to the next sub-bracket reuses
// the signed payload; the nonce and fees are never recomputed.
func (c *Client) callTransaction(ctx context.Context, pc *PendingCall) (*CallResult, error) {
	if pc.key == nil {
		return nil, ErrNoAccount
	}

	subs, err := c.registry.Brackets(registry.RoleTransaction)
	if err != nil {
		return nil, err
	}

	nonce, err := c.nonceOf(ctx, pc.from)
	if err != nil {
		return nil, fmt.Errorf("nonce of %s: %w", pc.from.String(), err)
	}

	params, err := c.feeParams(ctx, pc)
	if err != nil {
		return nil, err
	}

	raw, txHash, err := c.buildAndSign(ctx, subs[0].Endpoints[0], pc, nonce, params)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("transaction signed",
		"tx", txHash.String(), "function", pc.fn.name, "nonce", nonce, "dynamicFee", params.Dynamic())

	for _, sub := range subs {
		res, err := c.runBracket(ctx, sub, pc, raw, txHash)
		if err == nil {
			return res, nil
		}

		if fatal(err) || !escalatable(err) {
			return nil, err
		}

		c.logger.Warn("transaction failed on sub-bracket",
			"tx", txHash.String(), "subBracket", sub.Key, "err", err)
	}

	return nil, fmt.Errorf("transaction %s: %w", txHash.String(), ErrAllRPCsFailed)
}

// nonceOf asks every endpoint of the nonce-source bracket and takes
// the maximum, so one lagging node cannot produce a nonce-too-low
// rejection.
func (c *Client) nonceOf(ctx context.Context, addr ethgo.Address) (uint64, error) {
	subs, err := c.registry.ViewOrTransaction()
	if err != nil {
		return 0, err
	}

	for _, sub := range subs {
		tasks := make([]fanout.Task[uint64], len(sub.Endpoints))

		for i, ep := range sub.Endpoints {
			ep := ep

			tasks[i] = func(ctx context.Context) (uint64, error) {
				nonce, err := ep.Nonce(ctx, addr, registry.Latest)
				if err != nil {
					c.observer.EndpointFault("eth_getTransactionCount", ep.URL(), err)
				}

				return nonce, err
			}
		}

		nonce, err := fanout.Gather(ctx, tasks, func(ok []fanout.Result[uint64]) uint64 {
			max := ok[0].Value
			for _, r := range ok[1:] {
				if r.Value > max {
					max = r.Value
				}
			}

			return max
		})
		if err == nil {
			return nonce, nil
		}

		if !escalatable(err) {
			return 0, err
		}

		c.logger.Warn("nonce query failed on sub-bracket", "subBracket", sub.Key, "err", err)
	}

	return 0, ErrAllRPCsFailed
}

func (c *Client) feeParams(ctx context.Context, pc *PendingCall) (gasfee.Params, error) {
	if pc.gasParams != nil {
		supplied := *pc.gasParams

		if supplied.GasPrice == nil && supplied.MaxFeePerGas == nil {
			return gasfee.Params{}, ErrInvalidGasParams
		}

		if supplied.Dynamic() && supplied.MaxPriorityFeePerGas == nil {
			return gasfee.Params{}, fmt.Errorf("%w: dynamic fee without a priority fee", ErrInvalidGasParams)
		}

		return supplied, nil
	}

	params, err := c.estimator.Estimate(ctx, pc.ceilingGwei, pc.priority, pc.gasMethod)
	if err != nil {
		return gasfee.Params{}, err
	}

	if c.cfg.IsProofAuthority && params.Dynamic() {
		c.logger.Debug("demoting dynamic fee to legacy gas price for proof-of-authority chain")

		params = gasfee.Params{GasPrice: params.MaxFeePerGas}
	}

	return params, nil
}

// buildAndSign assembles and signs the transaction exactly once,
// against the first endpoint of the first transaction sub-bracket.
// The returned raw bytes are what every endpoint sees.
func (c *Client) buildAndSign(
	ctx context.Context,
	ep *registry.Endpoint,
	pc *PendingCall,
	nonce uint64,
	params gasfee.Params,
) ([]byte, ethgo.Hash, error) {
	data, err := pc.fn.EncodeInput(pc.args...)
	if err != nil {
		return nil, ethgo.Hash{}, err
	}

	to := c.contract
	txn := &ethgo.Transaction{
		From:    pc.from,
		To:      &to,
		Input:   data,
		Gas:     pc.gasLimit,
		Nonce:   nonce,
		ChainID: new(big.Int).SetUint64(c.chainID),
	}

	if params.Dynamic() {
		txn.Type = ethgo.TransactionDynamicFee
		txn.MaxFeePerGas = params.MaxFeePerGas
		txn.MaxPriorityFeePerGas = params.MaxPriorityFeePerGas
	} else {
		txn.GasPrice = params.GasPrice.Uint64()
	}

	enable := c.cfg.EnableGasEstimation
	if pc.estimateGas != nil {
		enable = *pc.estimateGas
	}

	if enable {
		from := pc.from

		gas, err := ep.EstimateGas(ctx, &registry.CallMsg{From: &from, To: to, Data: data})
		if err != nil {
			return nil, ethgo.Hash{}, fmt.Errorf("gas estimation for %s: %w", pc.fn.name, err)
		}

		c.logger.Info("gas estimation successful", "function", pc.fn.name, "gas", gas)
	}

	signer := wallet.NewEIP155Signer(c.chainID)

	signed, err := signer.SignTx(txn, pc.key)
	if err != nil {
		return nil, ethgo.Hash{}, fmt.Errorf("sign %s: %w", pc.fn.name, err)
	}

	raw, err := signed.MarshalRLPTo(nil)
	if err != nil {
		return nil, ethgo.Hash{}, fmt.Errorf("encode signed transaction: %w", err)
	}

	return raw, keccak256Hash(raw), nil
}

func (c *Client) runBracket(
	ctx context.Context,
	sub *registry.SubBracket,
	pc *PendingCall,
	raw []byte,
	txHash ethgo.Hash,
) (*CallResult, error) {
	winner, err := c.broadcast(ctx, sub, raw)
	if err != nil {
		return nil, err
	}

	c.observer.RaceWon("eth_sendRawTransaction", winner)
	c.logger.Info("transaction broadcast accepted", "tx", txHash.String(), "url", winner)

	if pc.wait <= 0 {
		return &CallResult{TxHash: txHash}, nil
	}

	receipt, err := c.confirm(ctx, sub, pc, txHash)
	if err != nil {
		return nil, err
	}

	return &CallResult{TxHash: txHash, Receipt: receipt}, nil
}

// broadcast races the same signed payload over every endpoint of the
// sub-bracket. Benign rejections stay quiet; a race exhausted by node
// rejections is a fatal TxValueError.
func (c *Client) broadcast(ctx context.Context, sub *registry.SubBracket, raw []byte) (string, error) {
	tasks := make([]fanout.Task[string], len(sub.Endpoints))

	for i, ep := range sub.Endpoints {
		ep := ep

		tasks[i] = func(ctx context.Context) (string, error) {
			if _, err := ep.SendRawTransaction(ctx, raw); err != nil {
				c.observer.EndpointFault("eth_sendRawTransaction", ep.URL(), err)

				if registry.IsValueError(err) && !isBenignBroadcast(err, c.chainID) {
					c.logger.Error("broadcast rejected", "url", ep.URL(), "err", err)

					if c.cfg.StrictBroadcastErrors {
						return "", &TxValueError{Err: err}
					}
				}

				return "", err
			}

			return ep.URL(), nil
		}
	}

	soft := func(err error) bool {
		valueErr := &TxValueError{}
		if errors.As(err, &valueErr) {
			return false
		}

		return registry.IsConnError(err) || registry.IsValueError(err)
	}

	winner, err := fanout.Race(ctx, tasks, soft, nil)
	if err != nil {
		valueErr := &TxValueError{}
		if errors.As(err, &valueErr) {
			return "", err
		}

		if registry.IsValueError(err) {
			return "", &TxValueError{Err: err}
		}

		return "", err
	}

	return winner, nil
}

// confirm races one receipt worker per endpoint of the sub-bracket
// the broadcast won on.
func (c *Client) confirm(
	ctx context.Context,
	sub *registry.SubBracket,
	pc *PendingCall,
	txHash ethgo.Hash,
) (*ethgo.Receipt, error) {
	tasks := make([]fanout.Task[*ethgo.Receipt], len(sub.Endpoints))

	for i, ep := range sub.Endpoints {
		ep := ep

		tasks[i] = func(ctx context.Context) (*ethgo.Receipt, error) {
			return c.receiptWorker(ctx, ep, pc, txHash)
		}
	}

	soft := func(err error) bool {
		return errors.Is(err, ErrReceiptTimeout) || registry.IsConnError(err)
	}

	return fanout.Race(ctx, tasks, soft, nil)
}

// receiptWorker polls one endpoint for the receipt. It forgives up to
// five transient connection errors and doubles its window once before
// giving up; a mined receipt with status 0 is fatal and carries a
// best-effort trace.
func (c *Client) receiptWorker(
	ctx context.Context,
	ep *registry.Endpoint,
	pc *PendingCall,
	txHash ethgo.Hash,
) (*ethgo.Receipt, error) {
	window := pc.wait
	connErrs := 0
	timeouts := 0

	for {
		receipt, err := c.pollReceipt(ctx, ep, txHash, window)
		if err == nil {
			if receipt.Status != 1 {
				trace := c.fetchTrace(ep.URL(), txHash)

				return nil, &TxFailedStatusError{
					Hash:     txHash,
					Function: pc.fn.name,
					Args:     pc.args,
					Trace:    trace,
				}
			}

			return receipt, nil
		}

		switch {
		case errors.Is(err, context.Canceled):
			return nil, err
		case registry.IsConnError(err):
			if connErrs >= 5 {
				return nil, err
			}

			connErrs++

			select {
			case <-time.After(c.receiptRetryPause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case errors.Is(err, ErrReceiptTimeout):
			if timeouts >= 1 {
				return nil, err
			}

			timeouts++
			window *= 2
		default:
			return nil, err
		}
	}
}

func (c *Client) pollReceipt(
	ctx context.Context,
	ep *registry.Endpoint,
	txHash ethgo.Hash,
	window time.Duration,
) (*ethgo.Receipt, error) {
	deadline := time.Now().Add(window)

	for {
		receipt, err := ep.GetTransactionReceipt(ctx, txHash)
		if err != nil {
			return nil, err
		}

		if receipt != nil {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s on %s", ErrReceiptTimeout, txHash.String(), window, ep.URL())
		}

		select {
		case <-time.After(c.receiptPoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fetchTrace is best-effort: a missing debug namespace must not turn
// into a second failure.
func (c *Client) fetchTrace(url string, txHash ethgo.Hash) string {
	tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	trace, err := txtrace.Fetch(tctx, url, txHash)
	if err != nil {
		c.logger.Debug("transaction trace unavailable", "tx", txHash.String(), "url", url, "err", err)

		return ""
	}

	return trace
}

func keccak256Hash(data []byte) ethgo.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)

	var out ethgo.Hash

	copy(out[:], h.Sum(nil))

	return out
}
