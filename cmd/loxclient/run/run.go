// Main mode: keep session with controller, deliver events to sinks.
package run

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/lox/cmd/loxclient/subcmd"
	"github.com/temoto/lox/lox"
	"github.com/temoto/lox/state"
)

const DefaultMetricsPath = "/metrics"

var Mod = subcmd.Mod{Name: "run", Usage: "connect and stream events", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	var readyOnce sync.Once
	g.OnAuthenticated = func(s *lox.Session) {
		g.Log.Infof("authenticated remote=%s token_rights=%d", s.Conn().RemoteAddr(), s.Context().TokenRights)
		readyOnce.Do(func() { subcmd.SdNotify(daemon.SdNotifyReady) })
	}
	g.MustInit(ctx, config)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		g.Log.Infof("signal=%s stopping", sig)
		subcmd.SdNotify(daemon.SdNotifyStopping)
		g.Stop()
	}()

	if config.Metrics.Listen != "" {
		srv, err := StartMetrics(g, config)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	err := g.Run(ctx)
	g.StopWait(10 * time.Second)
	g.Log.Infof("stopped stat=%s", g.Client.Stat().String())
	return err
}

// StartMetrics serves prometheus metrics of client sessions.
func StartMetrics(g *state.Global, config *state.Config) (*http.Server, error) {
	h, err := NewMetricsHandler(g, config)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", config.Metrics.Listen)
	if err != nil {
		return nil, errors.Annotatef(err, "metrics listen=%s", config.Metrics.Listen)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.Log.Errorf("metrics serve err=%v", err)
		}
	}()
	g.Log.Infof("metrics listen=%s", ln.Addr())
	return srv, nil
}

func NewMetricsHandler(g *state.Global, config *state.Config) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(lox.NewStatCollector(config.Metrics.Namespace, g.Client.Stat)); err != nil {
		return nil, errors.Annotate(err, "metrics register")
	}
	sessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace(config),
		Name:      "sessions",
		Help:      "Sessions started by client",
	}, func() float64 { return float64(g.Client.Sessions()) })
	if err := reg.Register(sessions); err != nil {
		return nil, errors.Annotate(err, "metrics register")
	}

	path := config.Metrics.Path
	if path == "" {
		path = DefaultMetricsPath
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r, nil
}

func metricsNamespace(config *state.Config) string {
	if config.Metrics.Namespace != "" {
		return config.Metrics.Namespace
	}
	return lox.MetricsNamespace
}
