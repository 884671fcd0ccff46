package command

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// CommandResult is the reportable outcome of one command.
type CommandResult interface {
	GetOutput() string
}

// Outputter collects a command's result or error and writes it once,
// in the format the --json flag asks for.
type Outputter interface {
	SetError(err error)
	SetCommandResult(result CommandResult)
	WriteOutput()
	WriteCommandResult(result CommandResult)
}

// InitializeOutputter builds the outputter matching the command's
// output flags.
func InitializeOutputter(cmd *cobra.Command) Outputter {
	if jsonOut, _ := cmd.Flags().GetBool(JSONOutputFlag); jsonOut {
		return &jsonOutput{}
	}

	return &cliOutput{}
}

type cliOutput struct {
	result CommandResult
	err    error
}

func (o *cliOutput) SetError(err error) {
	o.err = err
}

func (o *cliOutput) SetCommandResult(result CommandResult) {
	o.result = result
}

func (o *cliOutput) WriteOutput() {
	if o.err != nil {
		_, _ = fmt.Fprintln(os.Stderr, o.err.Error())

		return
	}

	if o.result != nil {
		_, _ = fmt.Fprintln(os.Stdout, o.result.GetOutput())
	}
}

func (o *cliOutput) WriteCommandResult(result CommandResult) {
	o.SetCommandResult(result)
	o.WriteOutput()
}

type jsonOutput struct {
	result CommandResult
	err    error
}

func (o *jsonOutput) SetError(err error) {
	o.err = err
}

func (o *jsonOutput) SetCommandResult(result CommandResult) {
	o.result = result
}

func (o *jsonOutput) WriteOutput() {
	if o.err != nil {
		encoded, _ := json.Marshal(map[string]string{"error": o.err.Error()})
		_, _ = fmt.Fprintln(os.Stderr, string(encoded))

		return
	}

	if o.result == nil {
		return
	}

	encoded, err := json.MarshalIndent(o.result, "", "    ")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())

		return
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func (o *jsonOutput) WriteCommandResult(result CommandResult) {
	o.SetCommandResult(result)
	o.WriteOutput()
}

// FormatKV renders aligned KEY = VALUE lines for human output.
func FormatKV(pairs [][2]string) string {
	width := 0
	for _, pair := range pairs {
		if len(pair[0]) > width {
			width = len(pair[0])
		}
	}

	var sb strings.Builder

	for i, pair := range pairs {
		if i > 0 {
			sb.WriteByte('\n')
		}

		fmt.Fprintf(&sb, "%-*s = %s", width, pair[0], pair[1])
	}

	return sb.String()
}
