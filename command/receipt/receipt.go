package receipt

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/umbracle/ethgo"

	"github.com/solvernet/multirpc/command"
	"github.com/solvernet/multirpc/command/helper"
	"github.com/solvernet/multirpc/registry"
)

const hashFlag = "hash"

var params receiptParams

type receiptParams struct {
	rawHash string

	hash ethgo.Hash
}

func GetCommand() *cobra.Command {
	receiptCmd := &cobra.Command{
		Use:     "receipt",
		Short:   "Looks a transaction receipt up across the view bracket",
		PreRunE: runPreRun,
		RunE:    runCommand,
	}

	setFlags(receiptCmd)

	return receiptCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.rawHash,
		hashFlag,
		"",
		"hash of the transaction",
	)

	_ = cmd.MarkFlagRequired(hashFlag)
}

func runPreRun(_ *cobra.Command, _ []string) error {
	hash, err := registry.ParseHash(params.rawHash)
	if err != nil {
		return fmt.Errorf("invalid --hash: %w", err)
	}

	params.hash = hash

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

	receipt, err := client.GetTransactionReceipt(cmd.Context(), params.hash)
	if err != nil {
		return err
	}

	outputter.SetCommandResult(&receiptResult{
		TxHash:  receipt.TransactionHash.String(),
		Block:   receipt.BlockNumber,
		GasUsed: receipt.GasUsed,
		Status:  receipt.Status,
	})

	return nil
}

type receiptResult struct {
	TxHash  string `json:"txHash"`
	Block   uint64 `json:"blockNumber"`
	GasUsed uint64 `json:"gasUsed"`
	Status  uint64 `json:"status"`
}

func (r *receiptResult) GetOutput() string {
	return command.FormatKV([][2]string{
		{"TX HASH", r.TxHash},
		{"BLOCK", fmt.Sprintf("%d", r.Block)},
		{"GAS USED", fmt.Sprintf("%d", r.GasUsed)},
		{"STATUS", fmt.Sprintf("%d", r.Status)},
	})
}
