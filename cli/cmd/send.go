package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/spf13/cobra"
)

// parseValue turns a command-line value into the wire representation: bools
// for single commands, numbers for everything else.
func parseValue(s string) (interface{}, error) {
	switch s {
	case "true", "on", "close":
		return true, nil
	case "false", "off", "open":
		return false, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("cannot parse value %q", s)
}

func newCmdSend() *cobra.Command {
	var coa uint16
	var ioa uint32
	var typeID int
	var value string
	var queue bool
	var wait bool
	var maxTries int

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a process command to a data point",
		Long: `Send a process command to a data point.

The command returns once the hub accepted it; with --wait it follows the
broadcast channel until the RTU terminates the command.`,
		Example: `  # close a breaker (single command, type 45)
  telehub send --coa 101 --ioa 5 --value close --wait

  # write a float set-point (type 50)
  telehub send --coa 101 --ioa 1200 --type 50 --value 3.14`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(value)
			if err != nil {
				return err
			}
			combi, err := dialCombi()
			if err != nil {
				return err
			}
			defer combi.Close()

			m := &message.ProcessInfoControl{
				COA:              iec104.CommonAddr(coa),
				Type:             iec104.TypeID(typeID),
				ValMap:           message.ValMap{iec104.InfoObjAddr(ioa): v},
				QueueOnCollision: queue,
			}
			m.MaxTries = maxTries

			if !wait {
				reply, err := combi.Cmd.Request(m)
				if err != nil {
					return err
				}
				renderMessage(reply)
				return nil
			}

			done := make(chan struct{})
			reply, err := combi.Do(m, func(update message.Message) bool {
				renderMessage(update)
				if c, ok := update.(*message.Confirmation); ok && c.Status.Terminal() {
					close(done)
					return true
				}
				return false
			})
			if err != nil {
				return err
			}
			renderMessage(reply)
			if replyTerminalCLI(reply) {
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+time.Second)
			defer cancel()
			go combi.Run(ctx)
			select {
			case <-done:
			case <-ctx.Done():
				warnColor.Println("no termination within the budget; the command may still complete")
			}
			return nil
		},
	}

	cmd.Flags().Uint16Var(&coa, "coa", 0, "Common address of the target RTU")
	cmd.Flags().Uint32Var(&ioa, "ioa", 0, "Information object address of the point")
	cmd.Flags().IntVar(&typeID, "type", int(iec104.CScNa1), "Type identification of the command")
	cmd.Flags().StringVar(&value, "value", "", "Command value (true/false/on/off/close/open or a number)")
	cmd.Flags().BoolVar(&queue, "queue", false, "Queue behind an in-flight command instead of failing")
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow the broadcast channel until the command terminates")
	cmd.Flags().IntVar(&maxTries, "max-tries", 1, "Send attempts before the hub gives up")
	cmd.MarkFlagRequired("coa")
	cmd.MarkFlagRequired("ioa")
	cmd.MarkFlagRequired("value")
	return cmd
}

func replyTerminalCLI(reply message.Message) bool {
	c, ok := reply.(*message.Confirmation)
	return ok && c.Status.Terminal()
}
