package config

import (
	"time"

	flag "github.com/spf13/pflag"
)

type GraphConfig struct {
	Graph      Graph
	Driver     Driver
	Audio      Audio
	Offline    Offline
	Log        Log
	Monitoring Monitoring
}

type Graph struct {
	SampleRate int `default:"48000"`
	Channels   int `default:"2"`
}

// Driver keeps the tunables of graph drivers.
type Driver struct {
	// target wake up period of the system clock driver
	TargetPeriodMs int `default:"10"`
	// extra look-ahead over two periods
	SafetyMarginMs int `default:"10"`
	// an upper bound for a single timed wait
	MaxWaitSec int `default:"60"`
	// share of the distance to the state computed time that
	// the realtime driver processes each callback
	IterationMargin float64 `default:"0.8"`
	// no temporary fallback to the system clock on output device changes
	NoDeviceSwitchFallback bool
	// audio callbacks to wait for before switching back after a device change
	DeviceSwitchCallbacks int `default:"10"`
	OfflineSliceMs        int `default:"10"`
}

type Audio struct {
	// virtual or portaudio
	Backend       string `default:"virtual"`
	Name          string `default:"mediagraph"`
	LatencyFrames int    `default:"512"`
	DevicePollMs  int    `default:"1000"`
}

type Offline struct {
	Enabled     bool
	Output      string  `default:"render.wav"`
	DurationSec float64 `default:"5"`
}

type Log struct {
	Debug bool
	// JSON logs instead of the human-friendly ones
	NoConsole bool
	NoColor   bool
}

type Monitoring struct {
	Port             int `default:"6601"`
	URLPrefix        string
	MetricEnabled    bool `json:"metric_enabled"`
	ProfilingEnabled bool `json:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

func (d Driver) TargetPeriod() time.Duration { return time.Duration(d.TargetPeriodMs) * time.Millisecond }
func (d Driver) MaxWait() time.Duration      { return time.Duration(d.MaxWaitSec) * time.Second }

// AudioTargetMs is how far ahead of the current time the state
// of the graph is computed.
func (d Driver) AudioTargetMs() int64 { return int64(2*d.TargetPeriodMs + d.SafetyMarginMs) }

// allows custom config path
var configPath string

func NewGraphConfig() (conf GraphConfig, err error) {
	if err = LoadConfig(&conf, configPath); err != nil {
		return
	}
	conf.fixValues()
	return
}

// ParseFlags updates config values from passed runtime flags.
// Define own flags with default value set to the current config param.
func (c *GraphConfig) ParseFlags() {
	flag.IntVar(&c.Graph.SampleRate, "rate", c.Graph.SampleRate, "Graph sample rate (Hz)")
	flag.IntVar(&c.Graph.Channels, "channels", c.Graph.Channels, "Number of output channels")
	flag.StringVar(&c.Audio.Backend, "backend", c.Audio.Backend, "Audio backend (virtual, portaudio)")
	flag.IntVar(&c.Audio.LatencyFrames, "latency", c.Audio.LatencyFrames, "Audio callback buffer size (frames)")
	flag.BoolVar(&c.Offline.Enabled, "offline", c.Offline.Enabled, "Render as fast as possible into a file")
	flag.StringVar(&c.Offline.Output, "out", c.Offline.Output, "Offline render output file")
	flag.Float64Var(&c.Offline.DurationSec, "duration", c.Offline.DurationSec, "Offline render duration (sec)")
	flag.BoolVar(&c.Log.Debug, "debug", c.Log.Debug, "Debug logs")
	flag.BoolVar(&c.Log.NoConsole, "json", c.Log.NoConsole, "JSON logs")
	flag.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port")
	flag.StringVar(&configPath, "conf", configPath, "Set custom configuration file path")
	flag.Parse()
	c.fixValues()
}

// fixValues keeps the values in the ranges drivers can work with.
func (c *GraphConfig) fixValues() {
	if c.Graph.Channels < 1 {
		c.Graph.Channels = 1
	}
	if c.Driver.IterationMargin <= 0 || c.Driver.IterationMargin > 1 {
		c.Driver.IterationMargin = 0.8
	}
	if c.Driver.DeviceSwitchCallbacks < 1 {
		c.Driver.DeviceSwitchCallbacks = 1
	}
	if c.Driver.MaxWaitSec < 1 {
		c.Driver.MaxWaitSec = 60
	}
	if c.Driver.OfflineSliceMs < 1 {
		c.Driver.OfflineSliceMs = c.Driver.TargetPeriodMs
	}
}
