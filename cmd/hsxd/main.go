// Command hsxd is the HSX host daemon: it wires the MiniVM arena, mailbox
// manager, value/command registry, SVC dispatcher, and Executive scheduler
// together, then serves the debugger control endpoint until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hans-Einar/hsx/internal/arena"
	"github.com/Hans-Einar/hsx/internal/config"
	"github.com/Hans-Einar/hsx/internal/control"
	"github.com/Hans-Einar/hsx/internal/hal"
	"github.com/Hans-Einar/hsx/internal/logx"
	"github.com/Hans-Einar/hsx/internal/mailbox"
	"github.com/Hans-Einar/hsx/internal/persist"
	"github.com/Hans-Einar/hsx/internal/registry"
	"github.com/Hans-Einar/hsx/internal/sched"
	"github.com/Hans-Einar/hsx/internal/session"
	"github.com/Hans-Einar/hsx/internal/svc"
)

func banner() {
	fmt.Println("hsxd - HSX host daemon")
	fmt.Println("MiniVM Executive, mailboxes, registry and control endpoint")
}

func main() {
	banner()

	configPath := flag.String("config", "", "TOML configuration file")
	listenAddr := flag.String("listen", "", "override Control.ListenAddr")
	flag.Parse()

	cfg := config.Defaults()
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "hsxd: %v\n", err)
			os.Exit(1)
		}
	}
	if *listenAddr != "" {
		cfg.Control.ListenAddr = *listenAddr
	}

	logx.Default = logx.New(os.Stderr, logx.ParseLevel(cfg.Log.Level))
	log := logx.Default

	var store persist.Store = persist.NewMemory()
	if cfg.Registry.PersistPath != "" {
		db, err := persist.OpenLevelDB(cfg.Registry.PersistPath)
		if err != nil {
			log.Error("failed to open persistence store", "path", cfg.Registry.PersistPath, "err", err)
			os.Exit(1)
		}
		store = db
	}

	a := arena.New(cfg.Arena.SizeBytes)
	mboxes := mailbox.NewManager()
	streamer := session.NewStreamer()
	values := registry.New(store, svc.MailboxNotifier{Mailboxes: mboxes}, session.RegistryBridge{Streamer: streamer})
	dispatcher := svc.New(mboxes, values, hal.NewRegistry())

	scheduler := sched.New(a, mboxes, dispatcher, streamer)
	defer scheduler.Stop()

	ctrl := control.New(scheduler, streamer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("control endpoint listening", "addr", cfg.Control.ListenAddr)
	if err := ctrl.Serve(ctx, cfg.Control.ListenAddr); err != nil {
		log.Error("control endpoint exited", "err", err)
		os.Exit(1)
	}
	log.Info("hsxd shutting down")
}
