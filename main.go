package main

import (
	"os"
	"strings"

	mtu "github.com/gridfabric/telehub/hub/cmd/mtu"
	log "github.com/sirupsen/logrus"
)

func main() {
	// The hub ships as a single executable; subcommands keep the door open
	// for auxiliary daemons (telemetry export, replay) without a second
	// binary and container image.
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		log.Fatal("no command given; it must be the first argument")
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "mtu":
		mtu.Main(args)
	default:
		log.Fatalf("unrecognized command: %s", cmd)
	}
}
