package call

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"github.com/solvernet/multirpc/command"
	"github.com/solvernet/multirpc/command/helper"
	"github.com/solvernet/multirpc/gasfee"
	"github.com/solvernet/multirpc/multirpc"
)

const (
	functionFlag = "function"
	argsFlag     = "args"
	waitFlag     = "wait"
	priorityFlag = "priority"
	keyFlag      = "key"
)

var params callParams

type callParams struct {
	function string
	rawArgs  string
	wait     time.Duration
	priority string
	key      string

	args []interface{}
}

func GetCommand() *cobra.Command {
	callCmd := &cobra.Command{
		Use:     "call",
		Short:   "Calls a contract function, view or transaction, across the configured brackets",
		PreRunE: runPreRun,
		RunE:    runCommand,
	}

	setFlags(callCmd)

	return callCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.function,
		functionFlag,
		"",
		"name of the contract function to call",
	)

	cmd.Flags().StringVar(
		&params.rawArgs,
		argsFlag,
		"[]",
		"positional function arguments as a json array",
	)

	cmd.Flags().DurationVar(
		&params.wait,
		waitFlag,
		multirpc.DefaultReceiptWait,
		"how long to wait for the transaction receipt, 0 returns after broadcast",
	)

	cmd.Flags().StringVar(
		&params.priority,
		priorityFlag,
		string(gasfee.PriorityLow),
		"transaction fee priority (low, medium, high)",
	)

	cmd.Flags().StringVar(
		&params.key,
		keyFlag,
		"",
		"hex private key signing a transaction call",
	)

	_ = cmd.MarkFlagRequired(functionFlag)
}

func runPreRun(_ *cobra.Command, _ []string) error {
	return params.validateFlags()
}

func (p *callParams) validateFlags() error {
	if !gasfee.Priority(p.priority).Valid() {
		return fmt.Errorf("unknown priority %q", p.priority)
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(p.rawArgs)))
	decoder.UseNumber()

	var args []interface{}
	if err := decoder.Decode(&args); err != nil {
		return fmt.Errorf("parse --args: %w", err)
	}

	for i := range args {
		args[i] = normalizeArg(args[i])
	}

	p.args = args

	return nil
}

// normalizeArg turns json numbers into big integers the ABI encoder
// accepts; strings and booleans pass through.
func normalizeArg(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if n, ok := new(big.Int).SetString(t.String(), 10); ok {
			return n
		}

		return t.String()
	case []interface{}:
		for i := range t {
			t[i] = normalizeArg(t[i])
		}
	case map[string]interface{}:
		for k := range t {
			t[k] = normalizeArg(t[k])
		}
	}

	return v
}

func runCommand(cmd *cobra.Command, _ []string) error {
	outputter := command.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	client, err := helper.SetupClient(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if params.key != "" {
		if err := client.SetAccountFromPrivateKey(params.key); err != nil {
			return err
		}
	}

	fn, err := client.Function(params.function)
	if err != nil {
		return err
	}

	opts := []multirpc.CallOption{
		multirpc.WithPriority(gasfee.Priority(params.priority)),
	}
	if cmd.Flags().Changed(waitFlag) {
		opts = append(opts, multirpc.WithReceiptWait(params.wait))
	}

	res, err := fn.Call(cmd.Context(), params.args, opts...)
	if err != nil {
		return err
	}

	outputter.SetCommandResult(newCallResult(fn, res))

	return nil
}
