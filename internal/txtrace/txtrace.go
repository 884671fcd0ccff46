// Package txtrace fetches a best-effort post-mortem of a failed
// transaction via debug_traceTransaction. Not every endpoint exposes
// the debug namespace, so callers treat an empty trace as normal.
package txtrace

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/umbracle/ethgo"
)

// maxTraceBytes caps how much trace text is carried around in errors
// and logs.
const maxTraceBytes = 16 << 10

// Fetch runs debug_traceTransaction with the callTracer against one
// endpoint on a fresh connection.
func Fetch(ctx context.Context, rpcURL string, hash ethgo.Hash) (string, error) {
	cl, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return "", err
	}
	defer cl.Close()

	var out json.RawMessage

	cfg := map[string]string{"tracer": "callTracer"}
	if err := cl.CallContext(ctx, &out, "debug_traceTransaction", hash.String(), cfg); err != nil {
		return "", err
	}

	text := string(out)
	if len(text) > maxTraceBytes {
		text = text[:maxTraceBytes]
	}

	return text, nil
}
