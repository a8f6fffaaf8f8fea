// Command huddle runs one coordination node and exposes its view over HTTP:
// /metrics, /stats, /peers, /events (SSE), /ws (WebSocket) and
// /locks/{resource} (POST acquires, DELETE releases).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-huddle/v1/config"
	"github.com/mirkobrombin/go-huddle/v1/coord"
	"github.com/mirkobrombin/go-huddle/v1/logger"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/presets"
	"github.com/mirkobrombin/go-huddle/v1/transport"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfgPath := flag.String("config", os.Getenv("HUDDLE_CONFIG"), "Path to a YAML config file")
	backend := flag.String("backend", "", "Bus backend override: memory, redis, nats, kafka or mesh")
	addr := flag.String("addr", "", "HTTP listen address override")
	trace := flag.Bool("trace", false, "Print spans to stdout")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	cfg.Trace = cfg.Trace || *trace

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	err = run(cfg, log)
	if err != nil {
		log.Error("huddle stopped", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	wb := watchbus.NewInMemory()

	node, err := presets.FromConfig(cfg, log, coord.WithWatchBus(wb))
	if err != nil {
		return err
	}
	// The node is started with a background context; shutdown goes through
	// Close so departure is announced before the bus closes.
	if err := node.Start(context.Background()); err != nil {
		return err
	}
	node.Subscribe(transport.PeerAnnounce, func(evt coord.Event) {
		log.Debug("peer announce", zap.String("peer", evt.SourceID))
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           routes(node, wb, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("backend", cfg.Backend),
			zap.String("instance", node.InstanceID()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Append(srv.Shutdown(sctx), node.Close(sctx))
	})
	return g.Wait()
}

func routes(node *presets.Node, wb watchbus.WatchBus, reg prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, node.Stats())
	})
	mux.HandleFunc("GET /peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, node.ActivePeers())
	})
	mux.HandleFunc("GET /events", withDefaultPrefix(watchbus.SSEHandler(wb)))
	mux.HandleFunc("GET /ws", withDefaultPrefix(watchbus.WebSocketHandler(wb)))
	mux.HandleFunc("POST /locks/{resource}", func(w http.ResponseWriter, r *http.Request) {
		lease, err := parseLease(r.URL.Query().Get("lease"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resource := r.PathValue("resource")
		acquired := node.Acquire(r.Context(), resource, lease)
		status := http.StatusOK
		if !acquired {
			status = http.StatusConflict
		}
		writeJSONStatus(w, status, map[string]any{"resource": resource, "acquired": acquired})
	})
	mux.HandleFunc("DELETE /locks/{resource}", func(w http.ResponseWriter, r *http.Request) {
		node.Release(r.Context(), r.PathValue("resource"))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// withDefaultPrefix streams every event type unless the client asked for a
// specific key or prefix.
func withDefaultPrefix(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") == "" && q.Get("prefix") == "" {
			q.Set("prefix", watchbus.KeyPrefix)
			r.URL.RawQuery = q.Encode()
		}
		h(w, r)
	}
}

func parseLease(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid lease %q: %w", s, err)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
