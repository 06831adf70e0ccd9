//go:build linux

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dmdmdm-nz/netchanged/internal/api"
	"github.com/dmdmdm-nz/netchanged/internal/ioloop"
	"github.com/dmdmdm-nz/netchanged/internal/netmon"
	"github.com/dmdmdm-nz/netchanged/internal/netstate"
	"github.com/dmdmdm-nz/netchanged/internal/runtime"
	"github.com/dmdmdm-nz/netchanged/pkg/cli"
	"github.com/dmdmdm-nz/netchanged/pkg/version"
)

func main() {
	// Parse command line flags
	cfg := cli.ParseFlags()

	// Configure logging
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})
	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   filepath.Clean(cfg.LogFile),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	log.Info(version.String())
	log.Infof("Config: Host=%s", cfg.Host)
	log.Infof("Config: Port=%d", cfg.Port)
	log.Infof("Config: LogLevel=%s", cfg.LogLevel)
	log.Infof("Config: LogFile=%s", cfg.LogFile)
	log.Infof("Config: Settle=%s", cfg.SettleDelay)
	log.Infof("Config: RecvBuffer=%d", cfg.RecvBuffer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	loop, err := ioloop.New()
	if err != nil {
		log.WithError(err).Fatal("Failed to create event loop")
	}

	notifier, err := netmon.New(loop,
		netmon.WithBufferSize(cfg.RecvBuffer),
		netmon.WithMetrics(netmon.NewMetrics(reg)),
	)
	if err != nil {
		var setupErr *netmon.SetupError
		if errors.As(err, &setupErr) {
			log.WithField("op", setupErr.Op).WithError(setupErr.Err).Error("Cannot listen for network changes")
		} else {
			log.WithError(err).Error("Cannot listen for network changes")
		}
		_ = loop.Close()
		os.Exit(1)
	}

	querier, err := netstate.NewQuerier()
	if err != nil {
		log.WithError(err).Fatal("Failed to open netlink handle")
	}
	defer querier.Close()

	stateSvc := netmon.NewService(querier, cfg.SettleDelay)
	apiSvc := api.NewService(cfg.Host, cfg.Port, stateSvc, reg)

	// Observers are added before the loop runs; from then on the notifier
	// is only touched on the loop goroutine.
	notifier.AddObserver(netmon.ObserverFunc(func(ev netmon.ChangeEvent) {
		log.WithFields(log.Fields{
			"seq":     ev.Seq,
			"kinds":   ev.Kinds,
			"changes": len(ev.Changes),
		}).Debug("Network configuration may have changed")
	}))
	notifier.AddObserver(stateSvc)

	// Start in dependency order: ioloop → state → api
	super := runtime.NewSupervisor()
	super.Add("ioloop", func(ctx context.Context) error {
		err := loop.Run(ctx)
		// Teardown happens on the goroutine that ran the loop.
		if cerr := notifier.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close network change notifier")
		}
		if cerr := loop.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close event loop")
		}
		return err
	}, func() error {
		loop.Quit()
		return nil
	})
	super.Add("state", func(ctx context.Context) error { return stateSvc.Start(ctx) }, stateSvc.Close)
	super.Add("api", func(ctx context.Context) error { return apiSvc.Start(ctx) }, apiSvc.Close)

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor wait failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.WithField("level", level).Warn("Unknown log level, using info")
		log.SetLevel(log.InfoLevel)
	}
}
