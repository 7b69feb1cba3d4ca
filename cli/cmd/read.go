package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/spf13/cobra"
)

func newCmdRead() *cobra.Command {
	var coa uint16
	var ioa uint32

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read the current value of a data point",
		Long: `Read the current value of a data point.

The hub forwards a read command to the RTU and the value comes back on the
broadcast channel; the CLI waits for it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			combi, err := dialCombi()
			if err != nil {
				return err
			}
			defer combi.Close()

			m := &message.ReadDatapoint{
				COA: iec104.CommonAddr(coa),
				IOA: iec104.InfoObjAddr(ioa),
			}

			valueCh := make(chan message.Message, 1)
			reply, err := combi.Do(m, func(update message.Message) bool {
				switch update.(type) {
				case *message.ProcessInfoMonitor, *message.Confirmation, *message.DisconnectCancel:
					valueCh <- update
					return true
				}
				return false
			})
			if err != nil {
				return err
			}
			if replyTerminalCLI(reply) {
				renderMessage(reply)
				return fmt.Errorf("read rejected")
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+time.Second)
			defer cancel()
			go combi.Run(ctx)
			select {
			case update := <-valueCh:
				if pim, ok := update.(*message.ProcessInfoMonitor); ok {
					okColor.Printf("%d/%d = %v\n", pim.COA, ioa, pim.ValMap[iec104.InfoObjAddr(ioa)])
					return nil
				}
				renderMessage(update)
				return fmt.Errorf("read failed")
			case <-ctx.Done():
				return fmt.Errorf("no reply from RTU %d within the budget", coa)
			}
		},
	}

	cmd.Flags().Uint16Var(&coa, "coa", 0, "Common address of the target RTU")
	cmd.Flags().Uint32Var(&ioa, "ioa", 0, "Information object address of the point")
	cmd.MarkFlagRequired("coa")
	cmd.MarkFlagRequired("ioa")
	return cmd
}
