package gasprice

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solvernet/multirpc/command"
	"github.com/solvernet/multirpc/command/helper"
	"github.com/solvernet/multirpc/gasfee"
)

const priorityFlag = "priority"

var params gaspriceParams

type gaspriceParams struct {
	priority string
}

func GetCommand() *cobra.Command {
	gaspriceCmd := &cobra.Command{
		Use:     "gasprice",
		Short:   "Quotes fee parameters through the configured estimation cascade",
		PreRunE: runPreRun,
		RunE:    runCommand,
	}

	setFlags(gaspriceCmd)

	return gaspriceCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.priority,
		priorityFlag,
		string(gasfee.PriorityLow),
		"fee priority to quote (low, medium, high)",
	)
}

func runPreRun(_ *cobra.Command, _ []string) error {
	if !gasfee.Priority(params.priority).Valid() {
		return fmt.Errorf("unknown priority %q", params.priority)
	}

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

	quote, err := client.EstimateGasFee(cmd.Context(), gasfee.Priority(params.priority))
	if err != nil {
		return err
	}

	result := &gaspriceResult{Priority: params.priority}

	if quote.Dynamic() {
		result.MaxFeeGwei = gasfee.WeiToGwei(quote.MaxFeePerGas)
		result.MaxPriorityFeeGwei = gasfee.WeiToGwei(quote.MaxPriorityFeePerGas)
	} else {
		result.GasPriceGwei = gasfee.WeiToGwei(quote.GasPrice)
	}

	outputter.SetCommandResult(result)

	return nil
}

type gaspriceResult struct {
	Priority           string  `json:"priority"`
	GasPriceGwei       float64 `json:"gasPriceGwei,omitempty"`
	MaxFeeGwei         float64 `json:"maxFeeGwei,omitempty"`
	MaxPriorityFeeGwei float64 `json:"maxPriorityFeeGwei,omitempty"`
}

func (r *gaspriceResult) GetOutput() string {
	pairs := [][2]string{{"PRIORITY", r.Priority}}

	if r.MaxFeeGwei > 0 {
		pairs = append(pairs,
			[2]string{"MAX FEE (GWEI)", fmt.Sprintf("%g", r.MaxFeeGwei)},
			[2]string{"MAX PRIORITY FEE (GWEI)", fmt.Sprintf("%g", r.MaxPriorityFeeGwei)},
		)
	} else {
		pairs = append(pairs, [2]string{"GAS PRICE (GWEI)", fmt.Sprintf("%g", r.GasPriceGwei)})
	}

	return command.FormatKV(pairs)
}
