package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/timanema/hostblock/internal/server"
	"github.com/timanema/hostblock/pkg/blocker"
	"github.com/timanema/hostblock/pkg/config"
	"github.com/timanema/hostblock/pkg/storage"
	"github.com/timanema/hostblock/pkg/watcher"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "/etc/hostblock.yaml", "Path to configuration file, empty to use environment variables only")
	printConfig = flag.Bool("print", false, "Print the effective configuration and exit")
	once        = flag.Bool("once", false, "Check log files once and exit")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using system environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load configuration", "path", *configPath, "error", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal("invalid log level", "level", cfg.LogLevel, "error", err)
	}
	log.SetLevel(level)

	if *printConfig {
		if err := cfg.Print(os.Stdout); err != nil {
			log.Fatal("failed to print configuration", "error", err)
		}
		return
	}

	log.Info("starting hostblock")
	p := storage.NewPersistentStore(cfg)
	if err := p.Load(); err != nil {
		log.Fatal("unable to load data file", "path", cfg.DataFilePath, "error", err)
	}

	fw, err := blocker.NewIptables()
	if err != nil {
		log.Fatal("unable to use iptables", "error", err)
	}

	n := blocker.NewNotifier(cfg.Webhooks)
	defer n.Wait()

	b := blocker.New(p, fw, blocker.Policy{
		BlockScore:     cfg.ActivityScoreToBlock,
		KeepMultiplier: cfg.KeepMultiplier(),
	}, blocker.WithNotifier(n))
	if err := b.Sync(); err != nil {
		log.Error("failed to synchronise firewall rules", "error", err)
	}

	w, err := watcher.New(cfg, p, b)
	if err != nil {
		log.Fatal("invalid log pattern", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		w.Check(ctx)
		closeStore(p)
		return
	}

	s := server.New(cfg.ListenAddress, p, b)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx, cfg.LogCheckInterval)
	})
	g.Go(func() error {
		return b.Housekeep(gctx, cfg.HousekeepingInterval)
	})
	g.Go(func() error {
		return s.ListenAndServe(gctx)
	})

	err = g.Wait()
	log.Info("stopping hostblock")
	closeStore(p)

	if err != nil {
		n.Wait()
		log.Fatal("stopped with error", "error", err)
	}
}

func closeStore(p *storage.DataStore) {
	if err := p.Close(); err != nil {
		log.Error("failed to close storage", "error", err)
	}
}
