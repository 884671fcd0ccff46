// Package helper carries the flag plumbing shared by every command:
// the config loader, the logger and the client bootstrap.
package helper

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/solvernet/multirpc/command"
	"github.com/solvernet/multirpc/multirpc"
)

// RegisterJSONOutputFlag adds the --json output toggle.
func RegisterJSONOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().Bool(
		command.JSONOutputFlag,
		false,
		"get command results in json format",
	)
}

// RegisterClientFlags adds the flags every client-backed command
// needs.
func RegisterClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String(
		command.ConfigFlag,
		"",
		"path to the client configuration yaml",
	)

	cmd.PersistentFlags().String(
		command.LogLevelFlag,
		command.DefaultLogLevel,
		"minimum log level of the client",
	)
}

// LoadConfig reads the client configuration yaml. Decoding goes
// through mapstructure so duration fields accept "90s"-style strings.
func LoadConfig(path string) (multirpc.Config, error) {
	var cfg multirpc.Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return cfg, err
	}

	if err := decoder.Decode(tree); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	return cfg, nil
}

// CreateLogger builds the client logger at the level the --log-level
// flag asks for.
func CreateLogger(cmd *cobra.Command) hclog.Logger {
	level, _ := cmd.Flags().GetString(command.LogLevelFlag)

	return hclog.New(&hclog.LoggerOptions{
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}

// SetupClient builds a ready client from the --config flag. The
// caller owns Close.
func SetupClient(ctx context.Context, cmd *cobra.Command) (*multirpc.Client, error) {
	path, _ := cmd.Flags().GetString(command.ConfigFlag)
	if path == "" {
		return nil, errors.New("the --config flag is required")
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	client, err := multirpc.New(cfg, multirpc.WithLogger(CreateLogger(cmd)))
	if err != nil {
		return nil, err
	}

	if err := client.Setup(ctx); err != nil {
		return nil, err
	}

	return client, nil
}
