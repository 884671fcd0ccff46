package block

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/solvernet/multirpc/command"
	"github.com/solvernet/multirpc/command/helper"
	"github.com/solvernet/multirpc/registry"
)

const (
	numberFlag = "number"
	fullFlag   = "full"
)

var params blockParams

type blockParams struct {
	number string
	full   bool

	ref registry.BlockRef
}

func GetCommand() *cobra.Command {
	blockCmd := &cobra.Command{
		Use:     "block",
		Short:   "Fetches a block from the view bracket",
		PreRunE: runPreRun,
		RunE:    runCommand,
	}

	setFlags(blockCmd)

	return blockCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.number,
		numberFlag,
		string(registry.Latest),
		"block height or the latest tag",
	)

	cmd.Flags().BoolVar(
		&params.full,
		fullFlag,
		false,
		"include full transaction objects",
	)
}

func runPreRun(_ *cobra.Command, _ []string) error {
	if params.number == string(registry.Latest) {
		params.ref = registry.Latest

		return nil
	}

	n, err := strconv.ParseUint(params.number, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid --number %q: %w", params.number, err)
	}

	params.ref = registry.NumberRef(n)

	return nil
}

func runCommand(cmd *cobra.Command, _ []string) error {
	outputter := command.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	client, err := helper.SetupClient(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	block, err := client.GetBlock(cmd.Context(), params.ref, params.full)
	if err != nil {
		return err
	}

	outputter.SetCommandResult(&blockResult{
		Number:       block.Number,
		Hash:         block.Hash.String(),
		ParentHash:   block.ParentHash.String(),
		Timestamp:    block.Timestamp,
		GasUsed:      block.GasUsed,
		GasLimit:     block.GasLimit,
		Transactions: len(block.TransactionsHashes) + len(block.Transactions),
	})

	return nil
}

type blockResult struct {
	Number       uint64 `json:"number"`
	Hash         string `json:"hash"`
	ParentHash   string `json:"parentHash"`
	Timestamp    uint64 `json:"timestamp"`
	GasUsed      uint64 `json:"gasUsed"`
	GasLimit     uint64 `json:"gasLimit"`
	Transactions int    `json:"transactions"`
}

func (r *blockResult) GetOutput() string {
	return command.FormatKV([][2]string{
		{"NUMBER", fmt.Sprintf("%d", r.Number)},
		{"HASH", r.Hash},
		{"PARENT HASH", r.ParentHash},
		{"TIMESTAMP", fmt.Sprintf("%d", r.Timestamp)},
		{"GAS USED", fmt.Sprintf("%d", r.GasUsed)},
		{"GAS LIMIT", fmt.Sprintf("%d", r.GasLimit)},
		{"TRANSACTIONS", fmt.Sprintf("%d", r.Transactions)},
	})
}
