package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediagraph/mediagraph/pkg/config"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/thread"
)

var Version = "?"

const shutdownTimeout = 10 * time.Second

func run() {
	conf, err := config.NewGraphConfig()
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}
	conf.ParseFlags()

	log := logger.New(conf.Log.Debug)
	if !conf.Log.NoConsole {
		log = logger.NewConsole(conf.Log.Debug, "graphd", conf.Log.NoColor)
	}
	log.Info().Msgf("version: %v", Version)
	log.Debug().Msgf("conf: %+v", conf)

	a, err := newApp(conf, thread.Main{}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	a.services.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.Info().Msgf("shutting down [os:%v]", sig)
	case <-a.Done():
		log.Info().Msg("nothing more to render")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.services.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func main() { thread.Wrap(run) }
