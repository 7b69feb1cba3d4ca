package mtu

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridfabric/telehub/hub/cache"
	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/iec104/iecp5"
	"github.com/gridfabric/telehub/hub/manager"
	"github.com/gridfabric/telehub/hub/roster"
	"github.com/gridfabric/telehub/hub/server"
	"github.com/gridfabric/telehub/hub/translator"
	"github.com/gridfabric/telehub/pkg/admin"
	"github.com/gridfabric/telehub/pkg/flags"
	log "github.com/sirupsen/logrus"
)

// Main executes the mtu subcommand: the telecontrol aggregation hub.
func Main(args []string) {
	cmd := flag.NewFlagSet("mtu", flag.ExitOnError)

	commandAddr := cmd.String("command-addr", ":9470", "address of the command/reply channel")
	publishAddr := cmd.String("publish-addr", ":9471", "address of the publish channel")
	adminAddr := cmd.String("admin-addr", ":9990", "address to serve scrapable metrics on")
	rosterPath := cmd.String("roster", "/etc/telehub/roster.yaml", "path to the RTU roster file")
	watchRoster := cmd.Bool("watch-roster", true, "reload the roster file on change")
	workers := cmd.Int("command-workers", 6, "size of the command worker pool")
	periodicWindow := cmd.Duration("periodic-window", 20*time.Millisecond, "batching window for cyclic measurements")

	publishAcks := cmd.Bool("publish-acks", true, "broadcast positive confirmations")
	publishFlowFrames := cmd.Bool("publish-flow-frames", false, "broadcast S and U frames")
	combinePeriodic := cmd.Bool("combine-periodic", true, "aggregate cyclic measurements per station and type")
	independentClockSync := cmd.Bool("independent-clock-sync", false, "publish unrequested clock sync responses")
	ignoreQuality := cmd.Bool("ignore-quality", true, "publish data points even when they carry quality remarks")
	strictClockSyncTerm := cmd.Bool("strict-clock-sync-term", false, "require ACT_TERM to finish clock synchronizations")

	flags.ConfigureAndParse(cmd, args)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := translator.DefaultPolicy()
	policy.Acks = *publishAcks
	policy.SFrames = *publishFlowFrames
	policy.UFrames = *publishFlowFrames
	policy.CombinePeriodicIOs = *combinePeriodic
	policy.IndependentClockSync = *independentClockSync
	policy.IgnoreQuality = *ignoreQuality
	policy.StrictClockSyncTerm = *strictClockSyncTerm

	store := cache.New()
	refs := &manager.Refs{}
	tr, err := translator.New(policy, store, refs)
	if err != nil {
		log.Fatalf("Failed to build translator: %s", err)
	}

	// The adapter needs its callbacks at construction and the manager needs
	// the adapter; the closures bridge the cycle. Nothing fires before
	// adapter.Start below, by which time mgr is set.
	var mgr *manager.Manager
	adapter := iecp5.New(iec104.Callbacks{
		OnReceiveAPDU: func(apdu iec104.APDU, rtu iec104.CommonAddr) {
			mgr.Callbacks().OnReceiveAPDU(apdu, rtu)
		},
		OnReceiveDataPoint: func(p iec104.DataPoint, prev *iec104.DataPoint, hdr iec104.ASDUHeader) {
			mgr.Callbacks().OnReceiveDataPoint(p, prev, hdr)
		},
		OnSendAPDU: func(apdu iec104.APDU, rtu iec104.CommonAddr) {
			mgr.Callbacks().OnSendAPDU(apdu, rtu)
		},
		OnConnectionChange: func(coa iec104.CommonAddr, connected bool, ip string, port int) {
			mgr.Callbacks().OnConnectionChange(coa, connected, ip, port)
		},
	})

	pubSrv := server.NewPublish(server.PublishConfig{Addr: *publishAddr})
	mgr = manager.New(adapter, tr, store, pubSrv, refs, manager.Config{
		PeriodicWindow: *periodicWindow,
	})
	cmdSrv := server.NewCommand(mgr, pubSrv, server.CommandConfig{
		Addr:    *commandAddr,
		Workers: *workers,
	})

	r, err := roster.Load(*rosterPath)
	if err != nil {
		log.Fatalf("Failed to load roster %s: %s", *rosterPath, err)
	}
	registrar := roster.NewRegistrar(adapter)
	if registrar.Apply(r) == 0 {
		log.Warn("roster holds no RTUs; the hub will idle until a reload adds some")
	}

	if err := adapter.Start(ctx); err != nil {
		log.Fatalf("Failed to start IEC-104 links: %s", err)
	}
	defer adapter.Stop()

	go func() {
		if err := pubSrv.Serve(ctx); err != nil {
			log.Fatalf("Publish server failed: %s", err)
		}
	}()
	go func() {
		if err := cmdSrv.Serve(ctx); err != nil {
			log.Fatalf("Command server failed: %s", err)
		}
	}()
	go mgr.Run(ctx)
	if *watchRoster {
		go func() {
			if err := roster.WatchAndApply(ctx, *rosterPath, registrar); err != nil && ctx.Err() == nil {
				log.Errorf("Roster watcher stopped: %s", err)
			}
		}()
	}
	go admin.StartServer(*adminAddr, nil)

	<-stop
	log.Info("shutting down the hub")
	cancel()
}
