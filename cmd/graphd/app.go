package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mediagraph/mediagraph/pkg/audio"
	"github.com/mediagraph/mediagraph/pkg/config"
	"github.com/mediagraph/mediagraph/pkg/driver"
	"github.com/mediagraph/mediagraph/pkg/graph"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/monitoring"
	"github.com/mediagraph/mediagraph/pkg/recorder"
	"github.com/mediagraph/mediagraph/pkg/service"
	"github.com/mediagraph/mediagraph/pkg/thread"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	toneFreq = 440
	toneGain = 0.2
)

// app plays a tone with the audio output or renders it into a file.
type app struct {
	conf     config.GraphConfig
	g        *graph.Graph
	backend  audio.Backend
	wav      *recorder.Wav
	services service.Group
	log      *logger.Logger
}

func newApp(conf config.GraphConfig, control thread.Dispatcher, log *logger.Logger) (*app, error) {
	a := &app{conf: conf, log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if conf.Offline.Enabled {
		wav, err := recorder.NewWav(conf.Offline.Output, conf.Graph.SampleRate, conf.Graph.Channels, log)
		if err != nil {
			return nil, fmt.Errorf("offline output: %w", err)
		}
		a.wav = wav
	} else {
		backend, err := audio.New(conf.Audio.Backend, audio.Config{
			Rate:          conf.Graph.SampleRate,
			Name:          conf.Audio.Name,
			LatencyFrames: conf.Audio.LatencyFrames,
			DevicePollMs:  conf.Audio.DevicePollMs,
		}, log)
		if err != nil {
			return nil, err
		}
		if rate, err := backend.PreferredSampleRate(); err == nil && rate > 0 && rate != conf.Graph.SampleRate {
			log.Info().Msgf("device sample rate: %v", rate)
			conf.Graph.SampleRate = rate
		}
		a.backend = backend
	}

	a.g = graph.New(conf, driver.Env{
		Audio:   a.backend,
		Control: control,
		Log:     log,
		Metrics: driver.NewMetrics(reg),
	})
	a.g.AddSource(graph.NewTone(toneFreq, toneGain, a.g.Rate()))
	if a.wav != nil {
		a.g.SetSink(a.wav)
	} else {
		a.g.SetAudioOutput(true)
	}

	if conf.Monitoring.IsEnabled() {
		a.services.Add(monitoring.New(conf.Monitoring, reg, log))
	}
	a.services.Add(a)
	return a, nil
}

func (a *app) Run() {
	if err := a.g.Start(); err != nil {
		a.log.Error().Err(err).Msg("graph start")
	}
}

func (a *app) Shutdown(ctx context.Context) error {
	err := a.g.Shutdown(ctx)
	if a.wav != nil {
		err = errors.Join(err, a.wav.Close())
	}
	if a.backend != nil {
		err = errors.Join(err, a.backend.Close())
	}
	return err
}

// Done is closed when the graph has nothing more to render.
func (a *app) Done() <-chan struct{} { return a.g.Done() }

func (a *app) String() string { return "graph::" + a.g.ID().Short() }
