package registry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/umbracle/ethgo"
)

// BlockRef selects the block a query or eth_call runs against. It is
// either one of the named tags below or a hex quantity produced by
// NumberRef.
type BlockRef string

const (
	Latest   BlockRef = "latest"
	Pending  BlockRef = "pending"
	Earliest BlockRef = "earliest"
)

// NumberRef returns the BlockRef for an explicit block height.
func NumberRef(n uint64) BlockRef {
	return BlockRef(hexutil.EncodeUint64(n))
}

// CallMsg is the parameter object of eth_call and eth_estimateGas.
type CallMsg struct {
	From                 *ethgo.Address
	To                   ethgo.Address
	Data                 []byte
	Gas                  uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Nonce                *uint64
}

func (m *CallMsg) MarshalJSON() ([]byte, error) {
	out := map[string]string{
		"to": m.To.String(),
	}

	if m.From != nil {
		out["from"] = m.From.String()
	}

	if len(m.Data) > 0 {
		out["data"] = hexutil.Encode(m.Data)
	}

	if m.Gas > 0 {
		out["gas"] = hexutil.EncodeUint64(m.Gas)
	}

	if m.GasPrice != nil {
		out["gasPrice"] = hexutil.EncodeBig(m.GasPrice)
	}

	if m.MaxFeePerGas != nil {
		out["maxFeePerGas"] = hexutil.EncodeBig(m.MaxFeePerGas)
	}

	if m.MaxPriorityFeePerGas != nil {
		out["maxPriorityFeePerGas"] = hexutil.EncodeBig(m.MaxPriorityFeePerGas)
	}

	if m.Value != nil {
		out["value"] = hexutil.EncodeBig(m.Value)
	}

	if m.Nonce != nil {
		out["nonce"] = hexutil.EncodeUint64(*m.Nonce)
	}

	return json.Marshal(out)
}

// Endpoint is one live RPC URL. All methods thread the given context
// through to the underlying transport, so a cancelled fan-out aborts
// the in-flight request instead of abandoning it.
type Endpoint struct {
	url string
	cli *rpc.Client
}

// Dial opens an endpoint handle. For http(s) URLs no connection is
// made until the first call; for ws(s) the handshake happens here.
func Dial(ctx context.Context, rawURL string) (*Endpoint, error) {
	cli, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	return &Endpoint{url: rawURL, cli: cli}, nil
}

func (e *Endpoint) URL() string {
	return e.url
}

func (e *Endpoint) Close() {
	e.cli.Close()
}

// ChainID queries eth_chainId.
func (e *Endpoint) ChainID(ctx context.Context) (uint64, error) {
	var out hexutil.Big
	if err := e.cli.CallContext(ctx, &out, "eth_chainId"); err != nil {
		return 0, err
	}

	return (*big.Int)(&out).Uint64(), nil
}

// BlockNumber queries eth_blockNumber.
func (e *Endpoint) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	if err := e.cli.CallContext(ctx, &out, "eth_blockNumber"); err != nil {
		return 0, err
	}

	return uint64(out), nil
}

// GetBlock queries eth_getBlockByNumber. A nil result with a nil error
// from the node is surfaced as (nil, nil); callers decide whether a
// missing block is an error.
func (e *Endpoint) GetBlock(ctx context.Context, ref BlockRef, full bool) (*ethgo.Block, error) {
	var out *ethgo.Block
	if err := e.cli.CallContext(ctx, &out, "eth_getBlockByNumber", string(ref), full); err != nil {
		return nil, err
	}

	return out, nil
}

// Nonce queries eth_getTransactionCount at the given block.
func (e *Endpoint) Nonce(ctx context.Context, addr ethgo.Address, ref BlockRef) (uint64, error) {
	var out hexutil.Uint64
	if err := e.cli.CallContext(ctx, &out, "eth_getTransactionCount", addr.String(), string(ref)); err != nil {
		return 0, err
	}

	return uint64(out), nil
}

// GasPrice queries eth_gasPrice, in wei.
func (e *Endpoint) GasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := e.cli.CallContext(ctx, &out, "eth_gasPrice"); err != nil {
		return nil, err
	}

	return (*big.Int)(&out), nil
}

// Call runs eth_call and returns the raw return data.
func (e *Endpoint) Call(ctx context.Context, msg *CallMsg, ref BlockRef) ([]byte, error) {
	var out hexutil.Bytes
	if err := e.cli.CallContext(ctx, &out, "eth_call", msg, string(ref)); err != nil {
		return nil, err
	}

	return out, nil
}

// EstimateGas runs eth_estimateGas.
func (e *Endpoint) EstimateGas(ctx context.Context, msg *CallMsg) (uint64, error) {
	var out hexutil.Uint64
	if err := e.cli.CallContext(ctx, &out, "eth_estimateGas", msg); err != nil {
		return 0, err
	}

	return uint64(out), nil
}

// SendRawTransaction broadcasts a signed payload and returns the hash
// reported by the node.
func (e *Endpoint) SendRawTransaction(ctx context.Context, raw []byte) (ethgo.Hash, error) {
	var out string
	if err := e.cli.CallContext(ctx, &out, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return ethgo.Hash{}, err
	}

	return ParseHash(out)
}

// GetTransactionReceipt queries eth_getTransactionReceipt. A missing
// receipt is returned as (nil, nil).
func (e *Endpoint) GetTransactionReceipt(ctx context.Context, hash ethgo.Hash) (*ethgo.Receipt, error) {
	var out *ethgo.Receipt
	if err := e.cli.CallContext(ctx, &out, "eth_getTransactionReceipt", hash.String()); err != nil {
		return nil, err
	}

	return out, nil
}

// Code queries eth_getCode at latest.
func (e *Endpoint) Code(ctx context.Context, addr ethgo.Address) ([]byte, error) {
	var out hexutil.Bytes
	if err := e.cli.CallContext(ctx, &out, "eth_getCode", addr.String(), string(Latest)); err != nil {
		return nil, err
	}

	return out, nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex string.
func ParseAddress(s string) (ethgo.Address, error) {
	var addr ethgo.Address

	b, err := parseHexBytes(s, 20)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}

	copy(addr[:], b)

	return addr, nil
}

// ParseHash decodes a 0x-prefixed 32-byte hex string.
func ParseHash(s string) (ethgo.Hash, error) {
	var hash ethgo.Hash

	b, err := parseHexBytes(s, 32)
	if err != nil {
		return hash, fmt.Errorf("invalid hash %q: %w", s, err)
	}

	copy(hash[:], b)

	return hash, nil
}

func parseHexBytes(s string, wantLen int) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")

	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}

	if len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}

	return b, nil
}
