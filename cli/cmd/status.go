package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/spf13/cobra"
)

func newCmdStatus() *cobra.Command {
	var showCache bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show RTU link states and in-flight commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialCommand()
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Request(&message.RTUStatusReq{})
			if err != nil {
				return err
			}
			statuses, ok := reply.(*message.RTUStatusReply)
			if !ok {
				return fmt.Errorf("unexpected reply %s", reply.ID())
			}
			printStatuses(statuses)

			if !showCache {
				return nil
			}
			reply, err = c.Request(&message.MtuCacheReq{})
			if err != nil {
				return err
			}
			cacheReply, ok := reply.(*message.MtuCacheReply)
			if !ok {
				return fmt.Errorf("unexpected reply %s", reply.ID())
			}
			printCache(cacheReply)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showCache, "cache", false, "Also list in-flight command references")
	return cmd
}

func printStatuses(reply *message.RTUStatusReply) {
	coas := make([]int, 0, len(reply.Statuses))
	for coa := range reply.Statuses {
		coas = append(coas, int(coa))
	}
	sort.Ints(coas)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "COA\tSTATE\tENDPOINT\tSINCE")
	for _, coa := range coas {
		st := reply.Statuses[iec104.CommonAddr(coa)]
		state := failColor.Sprint("down")
		if st.Connected {
			state = okColor.Sprint("up")
		}
		since := time.UnixMilli(st.SinceMs).Format(time.RFC3339)
		fmt.Fprintf(w, "%d\t%s\t%s:%d\t%s\n", coa, state, st.IP, st.Port, since)
	}
	w.Flush()
}

func printCache(reply *message.MtuCacheReply) {
	if len(reply.ActiveRefs) == 0 {
		fmt.Println("\nno in-flight commands")
		return
	}
	fmt.Println("\nin-flight commands:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "COA\tREFERENCES")
	for coa, refs := range reply.ActiveRefs {
		fmt.Fprintf(w, "%d\t%v\n", coa, refs)
	}
	w.Flush()
}
