package cmd

import (
	"context"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/spf13/cobra"
)

func newCmdInterro() *cobra.Command {
	var coa uint16
	var global bool
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "interro",
		Short: "Trigger a general interrogation",
		Long: `Trigger a general interrogation of one RTU or of every connected RTU.

Interrogation answers stream in on the broadcast channel grouped under the
command's reference; the CLI prints them until the RTU terminates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := iec104.CommonAddr(coa)
			if global {
				target = iec104.GlobalCOA
			}
			combi, err := dialCombi()
			if err != nil {
				return err
			}
			defer combi.Close()

			m := &message.SysInfoControl{
				COA:   target,
				Type:  iec104.CIcNa1,
				Cause: iec104.CauseActivation,
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

			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()
			go combi.Run(ctx)
			select {
			case <-done:
			case <-ctx.Done():
				warnColor.Println("interrogation still running; later answers keep flowing to subscribers")
			}
			return nil
		},
	}

	cmd.Flags().Uint16Var(&coa, "coa", 0, "Common address of the target RTU")
	cmd.Flags().BoolVar(&global, "global", false, "Interrogate every connected RTU")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to follow the answers")
	return cmd
}
