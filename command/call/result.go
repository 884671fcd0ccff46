package call

import (
	"fmt"

	"github.com/solvernet/multirpc/command"
	"github.com/solvernet/multirpc/multirpc"
)

type callResult struct {
	Function string      `json:"function"`
	Kind     string      `json:"kind"`
	Decoded  interface{} `json:"decoded,omitempty"`
	TxHash   string      `json:"txHash,omitempty"`
	Block    uint64      `json:"blockNumber,omitempty"`
	GasUsed  uint64      `json:"gasUsed,omitempty"`
}

func newCallResult(fn *multirpc.Function, res *multirpc.CallResult) *callResult {
	out := &callResult{
		Function: fn.Name(),
		Kind:     string(fn.Kind()),
		Decoded:  res.Decoded,
	}

	if fn.Kind() == multirpc.KindTransaction {
		out.TxHash = res.TxHash.String()
	}

	if res.Receipt != nil {
		out.Block = res.Receipt.BlockNumber
		out.GasUsed = res.Receipt.GasUsed
	}

	return out
}

func (r *callResult) GetOutput() string {
	pairs := [][2]string{
		{"FUNCTION", r.Function},
		{"KIND", r.Kind},
	}

	if r.Decoded != nil {
		pairs = append(pairs, [2]string{"RESULT", fmt.Sprintf("%v", r.Decoded)})
	}

	if r.TxHash != "" {
		pairs = append(pairs, [2]string{"TX HASH", r.TxHash})
	}

	if r.Block != 0 {
		pairs = append(pairs,
			[2]string{"BLOCK", fmt.Sprintf("%d", r.Block)},
			[2]string{"GAS USED", fmt.Sprintf("%d", r.GasUsed)},
		)
	}

	return command.FormatKV(pairs)
}
