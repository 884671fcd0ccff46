package nonce

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/umbracle/ethgo"

	"github.com/solvernet/multirpc/command"
	"github.com/solvernet/multirpc/command/helper"
	"github.com/solvernet/multirpc/registry"
)

const addressFlag = "address"

var params nonceParams

type nonceParams struct {
	rawAddress string

	address ethgo.Address
}

func GetCommand() *cobra.Command {
	nonceCmd := &cobra.Command{
		Use:     "nonce",
		Short:   "Returns the highest transaction count any endpoint reports for an address",
		PreRunE: runPreRun,
		RunE:    runCommand,
	}

	setFlags(nonceCmd)

	return nonceCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.rawAddress,
		addressFlag,
		"",
		"address whose nonce to query",
	)

	_ = cmd.MarkFlagRequired(addressFlag)
}

func runPreRun(_ *cobra.Command, _ []string) error {
	addr, err := registry.ParseAddress(params.rawAddress)
	if err != nil {
		return fmt.Errorf("invalid --address: %w", err)
	}

	params.address = addr

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

	nonce, err := client.GetNonce(cmd.Context(), params.address)
	if err != nil {
		return err
	}

	outputter.SetCommandResult(&nonceResult{
		Address: params.address.String(),
		Nonce:   nonce,
	})

	return nil
}

type nonceResult struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

func (r *nonceResult) GetOutput() string {
	return command.FormatKV([][2]string{
		{"ADDRESS", r.Address},
		{"NONCE", fmt.Sprintf("%d", r.Nonce)},
	})
}
