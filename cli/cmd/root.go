// Package cmd implements the operator CLI for the hub. Every command builds
// on the subscriber SDK: it identifies itself on the command channel, issues
// one request, and optionally follows the broadcast channel for the outcome.
package cmd

import (
	"fmt"
	"time"

	"github.com/gridfabric/telehub/client"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const cliSubscriberType = "telehub_cli"

var commandAddr string
var publishAddr string
var requestTimeout time.Duration
var verbose bool

// RootCmd is the telehub CLI entry point.
var RootCmd = &cobra.Command{
	Use:   "telehub",
	Short: "telehub operates the telecontrol aggregation hub",
	Long:  `telehub operates the telecontrol aggregation hub.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.PanicLevel)
		}
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&commandAddr, "command-addr", "localhost:9470", "Address of the hub's command channel")
	RootCmd.PersistentFlags().StringVar(&publishAddr, "publish-addr", "localhost:9471", "Address of the hub's publish channel")
	RootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", client.DefaultTimeout, "Round-trip budget per request")
	RootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Turn on debug logging")

	RootCmd.AddCommand(newCmdSend())
	RootCmd.AddCommand(newCmdRead())
	RootCmd.AddCommand(newCmdInterro())
	RootCmd.AddCommand(newCmdStatus())
	RootCmd.AddCommand(newCmdWatch())
}

func dialCommand() (*client.CommandClient, error) {
	c, err := client.DialCommand(commandAddr, cliSubscriberType, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reach the hub at %s: %w", commandAddr, err)
	}
	return c, nil
}

func dialCombi() (*client.CombiClient, error) {
	c, err := client.Dial(commandAddr, publishAddr, cliSubscriberType, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reach the hub at %s: %w", commandAddr, err)
	}
	return c, nil
}
