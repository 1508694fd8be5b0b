package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/mediagraph/mediagraph/pkg/config"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/thread"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Monitoring struct {
	conf   config.Monitoring
	server *http.Server
	ln     net.Listener
	log    *logger.Logger
}

// New creates new monitoring service.
// Metrics are served from the gatherer, the default registry if nil.
func New(conf config.Monitoring, g prometheus.Gatherer, log *logger.Logger) *Monitoring {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	log = log.Extend(log.With().Str("m", "monitoring"))
	addr := fmt.Sprintf(":%d", conf.Port)

	h := http.NewServeMux()
	if conf.ProfilingEnabled {
		prefix := fmt.Sprintf("%s/debug/pprof", conf.URLPrefix)
		log.Info().Msgf("Profiling is enabled at %v", addr+prefix)
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
		// handlers for a custom pprof path need to be explicitly specified,
		// only the index page is rendered otherwise
		h.Handle(prefix+"/allocs", pprof.Handler("allocs"))
		h.Handle(prefix+"/block", pprof.Handler("block"))
		h.Handle(prefix+"/goroutine", pprof.Handler("goroutine"))
		h.Handle(prefix+"/heap", pprof.Handler("heap"))
		h.Handle(prefix+"/mutex", pprof.Handler("mutex"))
		h.Handle(prefix+"/threadcreate", pprof.Handler("threadcreate"))
	}
	if conf.MetricEnabled {
		metricPath := fmt.Sprintf("%s/metrics", conf.URLPrefix)
		log.Info().Msgf("Prometheus metric is enabled at %v", addr+metricPath)
		h.Handle(metricPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	return &Monitoring{
		conf:   conf,
		server: &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second},
		log:    log,
	}
}

// Run starts listening, the server is served in the background.
func (m *Monitoring) Run() {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		m.log.Error().Err(err).Msg("monitoring server")
		return
	}
	m.ln = ln
	m.log.Info().Msgf("Starting monitoring server at %v", ln.Addr())
	thread.Go("monitoring", func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error().Err(err).Msg("monitoring server")
		}
	})
}

// Addr returns the address the server listens on.
func (m *Monitoring) Addr() string {
	if m.ln == nil {
		return m.server.Addr
	}
	return m.ln.Addr().String()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
