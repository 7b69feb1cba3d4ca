package cmd

import (
	"fmt"

	json "github.com/clarketm/json"
	"github.com/fatih/color"
	"github.com/gridfabric/telehub/hub/message"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
)

// renderConfirmation prints one command outcome line.
func renderConfirmation(c *message.Confirmation) {
	switch c.Status {
	case message.StatusFail:
		failColor.Printf("%s", c.Status)
		if c.Reason != "" {
			failColor.Printf(" (%s)", c.Reason)
		}
		if c.CollisionRef != "" {
			fmt.Printf(" colliding with %s", c.CollisionRef)
		}
	case message.StatusQueued, message.StatusClientQueued, message.StatusWaitingForSend:
		warnColor.Printf("%s", c.Status)
	default:
		okColor.Printf("%s", c.Status)
	}
	dimColor.Printf("  ref=%s\n", c.Ref())
}

// renderMessage prints one broadcast message line, with the full payload in
// verbose mode.
func renderMessage(m message.Message) {
	switch v := m.(type) {
	case *message.Confirmation:
		fmt.Printf("%-26s ", m.ID())
		renderConfirmation(v)
		return
	case *message.ProcessInfoMonitor:
		fmt.Printf("%-26s coa=%d type=%s cot=%s vals=%v", m.ID(), v.COA, v.Type, v.Cause, v.ValMap)
	case *message.PeriodicUpdate:
		fmt.Printf("%-26s coa=%d type=%s vals=%v", m.ID(), v.COA, v.Type, v.ValMap)
	case *message.ConnectionStatusChange:
		if v.Connected {
			okColor.Printf("%-26s coa=%d up %s:%d", m.ID(), v.COA, v.IP, v.Port)
		} else {
			failColor.Printf("%-26s coa=%d down", m.ID(), v.COA)
		}
	case *message.DisconnectCancel:
		failColor.Printf("%-26s coa=%d cancelled=%v", m.ID(), v.COA, v.CancelledRefs)
	default:
		fmt.Printf("%-26s", m.ID())
	}
	dimColor.Printf("  ref=%s\n", m.Ref())

	if verbose {
		if raw, err := json.MarshalIndent(m, "  ", "  "); err == nil {
			dimColor.Printf("  %s\n", raw)
		}
	}
}
