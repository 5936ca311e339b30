// Command tracker runs the auto-tracking engine: it loads a game module,
// polls the usb2snes service for console memory, and publishes objective
// state to subscribers and the optional broadcast endpoint.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/louisbranch/gametrack/internal/broadcast"
	"github.com/louisbranch/gametrack/internal/module"
	"github.com/louisbranch/gametrack/internal/objective"
	"github.com/louisbranch/gametrack/internal/platform/config"
	"github.com/louisbranch/gametrack/internal/platform/otel"
	"github.com/louisbranch/gametrack/internal/tracker"
	"github.com/louisbranch/gametrack/internal/usb2snes"
)

var modulePath = flag.String("module", "", "path to the game module directory")

type envConfig struct {
	USB2SNESURL   string        `env:"GAMETRACK_USB2SNES_URL" envDefault:"ws://localhost:8080"`
	PollInterval  time.Duration `env:"GAMETRACK_POLL_INTERVAL" envDefault:"500ms"`
	ReadTimeout   time.Duration `env:"GAMETRACK_READ_TIMEOUT" envDefault:"2s"`
	BroadcastAddr string        `env:"GAMETRACK_BROADCAST_ADDR"`
}

func main() {
	flag.Parse()
	if *modulePath == "" {
		config.Exitf("usage: tracker -module <dir>")
	}

	var cfg envConfig
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatalf("failed to parse environment: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "gametrack")
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	mod, err := module.Load(*modulePath)
	if err != nil {
		log.Fatalf("failed to load module: %v", err)
	}
	log.Printf("loaded module %q with %d objectives and %d watches",
		mod.Manifest.Name, len(mod.ObjectiveIDs()), len(mod.Watches()))

	store := objective.NewStore(nil)
	dial := func(ctx context.Context) (tracker.Session, error) {
		return usb2snes.Connect(ctx, usb2snes.Config{URL: cfg.USB2SNESURL, ReadTimeout: cfg.ReadTimeout})
	}
	tr := tracker.New(tracker.Config{PollInterval: cfg.PollInterval}, dial, mod, store, log.Default())
	tr.OnStatus(func(s tracker.Status) {
		log.Printf("tracker status: %s", s)
	})

	if cfg.BroadcastAddr != "" {
		hub := broadcast.NewHub(store, log.Default())
		srv := &http.Server{Addr: cfg.BroadcastAddr, Handler: hub}
		go func() {
			log.Printf("broadcast listening at %s", cfg.BroadcastAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("broadcast server: %v", err)
			}
		}()
		defer srv.Close()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- tr.Run(ctx)
	}()

	if err := tr.Start(); err != nil {
		log.Fatalf("failed to start tracking: %v", err)
	}

	go console(tr, stop)

	if err := <-runErr; err != nil {
		log.Fatalf("tracker: %v", err)
	}
}

// console reads diagnostic commands from stdin until EOF or quit.
func console(tr *tracker.Tracker, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "start":
			err = tr.Start()
		case "stop":
			err = tr.Stop()
		case "dump":
			err = tr.Dump(os.Stdout)
		case "override":
			if len(fields) != 3 {
				log.Printf("usage: override <id> <LOCKED|UNLOCKED|COMPLETE>")
				continue
			}
			var state objective.State
			state, err = objective.ParseState(fields[2])
			if err == nil {
				err = tr.Override(fields[1], state)
			}
		case "quit":
			quit()
			return
		default:
			log.Printf("commands: start, stop, dump, override, quit")
			continue
		}
		if err != nil {
			log.Printf("%s: %v", fields[0], err)
		}
	}
	quit()
}
