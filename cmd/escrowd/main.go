// Command escrowd runs the escrow API and its operator tooling.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"escrowflow/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// open loads the configuration and builds the services for one command.
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, log, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	return openApp(cmd.Context(), cfg, log)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "escrowd",
		Short:         "escrowd - agent registry and job escrow service",
		Long:          `Registers agents, holds job payments in escrow and releases them through the job lifecycle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("ESCROWD_CONFIG"), "path to the TOML config file")

	credentialCmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage API credentials",
	}
	credentialCmd.AddCommand(newCredentialCreateCmd(opts))

	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect agents",
	}
	agentCmd.AddCommand(newAgentShowCmd(opts))

	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	jobCmd.AddCommand(newJobShowCmd(opts), newJobListCmd(opts))

	disputeCmd := &cobra.Command{
		Use:   "dispute",
		Short: "Inspect the dispute queue",
	}
	disputeCmd.AddCommand(newDisputeListCmd(opts))

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newFundCmd(opts),
		credentialCmd,
		agentCmd,
		jobCmd,
		disputeCmd,
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
