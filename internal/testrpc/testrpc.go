// Package testrpc runs scripted JSON-RPC endpoints for tests. Each
// server answers one URL; methods are scripted with canned replies
// played back in sequence, with optional latency, HTTP status
// overrides and hangs for cancellation tests.
package testrpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Reply is one canned answer for a scripted method.
type Reply struct {
	// Result is marshaled into the JSON-RPC result field.
	Result interface{}

	// Error, when set, produces a JSON-RPC error response instead.
	Error *RPCError

	// Status, when non-zero, overrides the HTTP status code. The body
	// is still written, letting 429 tests carry a payload.
	Status int

	// Delay postpones the answer.
	Delay time.Duration

	// Hang blocks until the client goes away. The request is answered
	// with a 499-style close, which the client observes as a
	// cancelled call.
	Hang bool
}

type script struct {
	mu      sync.Mutex
	replies []Reply
	cursor  int
	calls   int
	params  []json.RawMessage
	fn      func(params []json.RawMessage) Reply
}

// next plays replies in order, repeating the last one once the script
// is exhausted.
func (s *script) next(params []json.RawMessage) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.params = append(s.params, params...)

	if s.fn != nil {
		return s.fn(params)
	}

	idx := s.cursor
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}

	if s.cursor < len(s.replies)-1 {
		s.cursor++
	}

	return s.replies[idx]
}

// Server is one scripted JSON-RPC endpoint.
type Server struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.RWMutex
	scripts map[string]*script
}

// New starts a scripted endpoint, shut down with the test.
func New(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		t:       t,
		scripts: map[string]*script{},
	}

	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)

	return s
}

// NewEndpoint starts a scripted endpoint that already answers
// eth_chainId, which every setup probe asks first.
func NewEndpoint(t *testing.T, chainID uint64) *Server {
	t.Helper()

	s := New(t)
	s.Handle("eth_chainId", Reply{Result: Quantity(chainID)})

	return s
}

// URL returns the endpoint address.
func (s *Server) URL() string {
	return s.srv.URL
}

// Handle scripts a method with canned replies, played in order with
// the last reply repeating.
func (s *Server) Handle(method string, replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scripts[method] = &script{replies: replies}
}

// HandleFunc scripts a method with a dynamic responder.
func (s *Server) HandleFunc(method string, fn func(params []json.RawMessage) Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scripts[method] = &script{fn: fn}
}

// Calls reports how often a method was asked.
func (s *Server) Calls(method string) int {
	s.mu.RLock()
	sc := s.scripts[method]
	s.mu.RUnlock()

	if sc == nil {
		return 0
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.calls
}

// Params returns every raw parameter the method received, in call
// order.
func (s *Server) Params(method string) []json.RawMessage {
	s.mu.RLock()
	sc := s.scripts[method]
	s.mu.RUnlock()

	if sc == nil {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	out := make([]json.RawMessage, len(sc.params))
	copy(out, sc.params)

	return out
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	s.mu.RLock()
	sc := s.scripts[req.Method]
	s.mu.RUnlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	if sc == nil {
		resp.Error = &RPCError{Code: -32601, Message: "the method " + req.Method + " does not exist"}
		writeJSON(w, http.StatusOK, resp)

		return
	}

	reply := sc.next(req.Params)

	if reply.Hang {
		<-r.Context().Done()

		return
	}

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if reply.Error != nil {
		resp.Error = reply.Error
	} else {
		// Always carry a result field, rendering nil as JSON null so
		// clients see a valid not-found response instead of ErrNoResult.
		raw, err := json.Marshal(reply.Result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)

			return
		}

		resp.Result = raw
	}

	status := http.StatusOK
	if reply.Status != 0 {
		status = reply.Status
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// Quantity renders a uint64 as a JSON-RPC hex quantity.
func Quantity(v uint64) string {
	return hexutil.EncodeUint64(v)
}

// Data renders bytes as 0x-prefixed hex.
func Data(b []byte) string {
	return hexutil.Encode(b)
}

// TestHash returns a deterministic 32-byte hex string.
func TestHash(fill byte) string {
	return Data(bytes.Repeat([]byte{fill}, 32))
}

// TestAddress returns a deterministic 20-byte hex string.
func TestAddress(fill byte) string {
	return Data(bytes.Repeat([]byte{fill}, 20))
}

// ReceiptResult builds a complete eth_getTransactionReceipt result.
func ReceiptResult(txHash string, blockNumber uint64, status uint64) map[string]interface{} {
	return map[string]interface{}{
		"transactionHash":   txHash,
		"transactionIndex":  "0x0",
		"blockHash":         TestHash(0xbb),
		"blockNumber":       Quantity(blockNumber),
		"from":              TestAddress(0x11),
		"to":                TestAddress(0x22),
		"gasUsed":           "0x5208",
		"cumulativeGasUsed": "0x5208",
		"effectiveGasPrice": "0x3b9aca00",
		"contractAddress":   nil,
		"logs":              []interface{}{},
		"logsBloom":         Data(make([]byte, 256)),
		"status":            Quantity(status),
		"type":              "0x0",
	}
}

// BlockResult builds a complete eth_getBlockByNumber result with no
// transactions.
func BlockResult(number uint64) map[string]interface{} {
	return map[string]interface{}{
		"number":           Quantity(number),
		"hash":             TestHash(0xaa),
		"parentHash":       TestHash(0x01),
		"sha3Uncles":       TestHash(0x02),
		"nonce":            "0x0000000000000000",
		"mixHash":          TestHash(0x03),
		"logsBloom":        Data(make([]byte, 256)),
		"transactionsRoot": TestHash(0x04),
		"stateRoot":        TestHash(0x05),
		"receiptsRoot":     TestHash(0x06),
		"miner":            TestAddress(0x07),
		"difficulty":       "0x1",
		"totalDifficulty":  "0x1",
		"extraData":        "0x",
		"size":             "0x220",
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x5208",
		"timestamp":        "0x64",
		"baseFeePerGas":    "0x7",
		"transactions":     []interface{}{},
		"uncles":           []interface{}{},
	}
}
