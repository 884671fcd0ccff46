package multirpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/umbracle/ethgo"
	"github.com/umbracle/ethgo/abi"
	"github.com/umbracle/ethgo/wallet"

	"github.com/solvernet/multirpc/gasfee"
	"github.com/solvernet/multirpc/registry"
	"github.com/solvernet/multirpc/telemetry"
)

// Kind classifies a contract function by its ABI mutability.
type Kind string

const (
	// KindView marks read-only functions (stateMutability view or
	// pure).
	KindView Kind = "view"

	// KindTransaction marks state-mutating functions.
	KindTransaction Kind = "transaction"
)

// Function is one callable entry of the bound contract. Descriptors
// are built once at client construction and shared; per-invocation
// state lives in the PendingCall that Call creates.
type Function struct {
	name   string
	method *abi.Method
	kind   Kind
	client *Client
}

func (f *Function) Name() string {
	return f.name
}

func (f *Function) Kind() Kind {
	return f.kind
}

// EncodeInput returns the calldata of the function applied to args,
// selector included.
func (f *Function) EncodeInput(args ...interface{}) ([]byte, error) {
	data, err := f.method.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.name, err)
	}

	return data, nil
}

// decodeOutput turns raw return data into the decoded value: the bare
// value for single-output functions, the named map otherwise.
func (f *Function) decodeOutput(raw []byte) (interface{}, error) {
	elems := f.method.Outputs.TupleElems()
	if len(elems) == 0 {
		return nil, nil
	}

	decoded, err := f.method.Outputs.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", f.name, err)
	}

	if len(elems) > 1 {
		return decoded, nil
	}

	vals, ok := decoded.(map[string]interface{})
	if !ok {
		return decoded, nil
	}

	name := elems[0].Name
	if name == "" {
		name = "0"
	}

	if v, ok := vals[name]; ok {
		return v, nil
	}

	return decoded, nil
}

// CallResult is the outcome of one logical call. Decoded is set for
// views; TxHash always and Receipt when the call waited for
// confirmation, for transactions.
type CallResult struct {
	Decoded interface{}
	TxHash  ethgo.Hash
	Receipt *ethgo.Receipt
}

// PendingCall is the per-invocation record: function, args and the
// caller's overrides layered over the client defaults. It never
// mutates the client.
type PendingCall struct {
	fn   *Function
	args []interface{}

	key         *wallet.Key
	from        ethgo.Address
	hasFrom     bool
	gasLimit    uint64
	ceilingGwei float64
	wait        time.Duration
	waitSet     bool
	priority    gasfee.Priority
	gasMethod   gasfee.Method
	gasParams   *gasfee.Params
	block       registry.BlockRef
	estimateGas *bool
}

// CallOption overrides one client default for a single call.
type CallOption func(*PendingCall)

// WithKey signs this call with the given key instead of the account
// set on the client.
func WithKey(key *wallet.Key) CallOption {
	return func(pc *PendingCall) {
		pc.key = key
	}
}

// WithFrom overrides the sender address used for the nonce query and
// the from field. Defaults to the signing key's address.
func WithFrom(addr ethgo.Address) CallOption {
	return func(pc *PendingCall) {
		pc.from = addr
		pc.hasFrom = true
	}
}

func WithGasLimit(limit uint64) CallOption {
	return func(pc *PendingCall) {
		pc.gasLimit = limit
	}
}

// WithGasCeiling bounds the accepted fee for this call, in GWei.
func WithGasCeiling(gwei float64) CallOption {
	return func(pc *PendingCall) {
		pc.ceilingGwei = gwei
	}
}

// WithReceiptWait sets the confirmation window. Zero returns the
// transaction hash right after a successful broadcast.
func WithReceiptWait(d time.Duration) CallOption {
	return func(pc *PendingCall) {
		pc.wait = d
		pc.waitSet = true
	}
}

func WithPriority(p gasfee.Priority) CallOption {
	return func(pc *PendingCall) {
		pc.priority = p
	}
}

// WithGasMethod pins the estimation method for this call.
func WithGasMethod(m gasfee.Method) CallOption {
	return func(pc *PendingCall) {
		pc.gasMethod = m
	}
}

// WithGasParams skips estimation entirely and uses the given fee
// parameters.
func WithGasParams(p gasfee.Params) CallOption {
	return func(pc *PendingCall) {
		pc.gasParams = &p
	}
}

// WithBlock runs a view call against the given block identifier
// instead of latest.
func WithBlock(ref registry.BlockRef) CallOption {
	return func(pc *PendingCall) {
		pc.block = ref
	}
}

// WithGasEstimation toggles the observational eth_estimateGas for
// this call.
func WithGasEstimation(enable bool) CallOption {
	return func(pc *PendingCall) {
		pc.estimateGas = &enable
	}
}

// Call dispatches the function: views go through the configured read
// policy, transactions through the pipeline. args are positional ABI
// arguments.
func (f *Function) Call(ctx context.Context, args []interface{}, opts ...CallOption) (*CallResult, error) {
	c := f.client

	if !c.ready() {
		return nil, ErrNotSetup
	}

	pc := c.newPendingCall(f, args, opts...)

	info := telemetry.CallInfo{ID: uuid.NewString(), Function: f.name, Kind: string(f.kind)}
	c.observer.CallStarted(info)

	start := time.Now()

	var (
		res *CallResult
		err error
	)

	switch f.kind {
	case KindView:
		var decoded interface{}

		decoded, err = c.callView(ctx, pc)
		if err == nil {
			res = &CallResult{Decoded: decoded}
		}
	case KindTransaction:
		res, err = c.callTransaction(ctx, pc)
	}

	outcome := telemetry.Outcome{Err: err, Duration: time.Since(start)}
	if res != nil && f.kind == KindTransaction {
		outcome.TxHash = res.TxHash.String()
	}

	c.observer.CallFinished(info, outcome)

	return res, err
}

// abiEntry carries the fields of one ABI item the kind derivation
// needs.
type abiEntry struct {
	Type            string `json:"type"`
	Name            string `json:"name"`
	StateMutability string `json:"stateMutability"`
}

// parseFunctions derives the descriptor set from the ABI JSON. View
// when stateMutability is view or pure, transaction for any other
// function entry; events and constructors are skipped.
func parseFunctions(abiJSON string, parsed *abi.ABI, client *Client) (map[string]*Function, error) {
	var entries []abiEntry
	if err := json.Unmarshal([]byte(abiJSON), &entries); err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	functions := map[string]*Function{}

	for _, entry := range entries {
		var kind Kind

		switch {
		case entry.StateMutability == "view" || entry.StateMutability == "pure":
			kind = KindView
		case entry.Type == "function":
			kind = KindTransaction
		default:
			continue
		}

		method, ok := parsed.Methods[entry.Name]
		if !ok {
			continue
		}

		functions[entry.Name] = &Function{
			name:   entry.Name,
			method: method,
			kind:   kind,
			client: client,
		}
	}

	return functions, nil
}
