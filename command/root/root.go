package root

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/solvernet/multirpc/command/block"
	"github.com/solvernet/multirpc/command/call"
	"github.com/solvernet/multirpc/command/gasprice"
	"github.com/solvernet/multirpc/command/helper"
	"github.com/solvernet/multirpc/command/nonce"
	"github.com/solvernet/multirpc/command/receipt"
)

type RootCommand struct {
	baseCmd *cobra.Command
}

func NewRootCommand() *RootCommand {
	rootCommand := &RootCommand{
		baseCmd: &cobra.Command{
			Use:   "multirpc",
			Short: "Multirpc is a redundant multi-endpoint client for a single smart contract",
		},
	}

	helper.RegisterJSONOutputFlag(rootCommand.baseCmd)
	helper.RegisterClientFlags(rootCommand.baseCmd)

	rootCommand.registerSubCommands()

	return rootCommand
}

func (rc *RootCommand) registerSubCommands() {
	rc.baseCmd.AddCommand(
		call.GetCommand(),
		block.GetCommand(),
		receipt.GetCommand(),
		nonce.GetCommand(),
		gasprice.GetCommand(),
	)
}

func (rc *RootCommand) Execute() {
	if err := rc.baseCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}
