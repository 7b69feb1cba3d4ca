package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/gridfabric/telehub/client"
	"github.com/spf13/cobra"
)

func newCmdWatch() *cobra.Command {
	var queueSize int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream every message the hub broadcasts",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := client.DialSubscriber(publishAddr, queueSize)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			go sub.Run(ctx)
			for {
				select {
				case <-ctx.Done():
					return nil
				case m, ok := <-sub.Messages():
					if !ok {
						return nil
					}
					renderMessage(m)
				}
			}
		},
	}

	cmd.Flags().IntVar(&queueSize, "queue-size", client.DefaultQueueSize, "Local buffer before messages are dropped")
	return cmd
}
