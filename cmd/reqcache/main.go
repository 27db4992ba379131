package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"reqcache/internal/reqcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("REQCACHE_CONFIG"), "path to reqcache.yaml")
	flag.Parse()

	cfg, err := reqcache.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg)
	log.Logger = logger

	mp, err := newMeterProvider(cfg.Metrics.Exporter)
	if err != nil {
		logger.Fatal().Err(err).Msg("init metrics")
	}
	otel.SetMeterProvider(mp)

	mgr, err := reqcache.New(cfg, reqcache.Options{
		MeterProvider: mp,
		Logger:        &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init cache")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}
	srv := &http.Server{
		Handler:           hlog.NewHandler(logger)(newRouter(mgr)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Str("generation", cfg.Generation).Msg("reqcache listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	// Requests are accepted right away; reads wait for the sweep.
	if err := mgr.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start cache")
		stop()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("close cache")
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("flush metrics")
	}
}

func newLogger(cfg reqcache.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Logging.Console {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func newMeterProvider(exporter string) (*sdkmetric.MeterProvider, error) {
	switch exporter {
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("stdout metrics exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp))), nil
	case "none", "":
		return sdkmetric.NewMeterProvider(), nil
	}
	return nil, fmt.Errorf("unknown metrics exporter: %q", exporter)
}

func newRouter(mgr *reqcache.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("took", d).
			Msg("request")
	}))

	r.Route("/_reqcache", func(cr chi.Router) {
		cr.Post("/online", func(w http.ResponseWriter, r *http.Request) {
			mgr.Connectivity().Set(true)
			w.WriteHeader(http.StatusNoContent)
		})
		cr.Post("/offline", func(w http.ResponseWriter, r *http.Request) {
			mgr.Connectivity().Set(false)
			w.WriteHeader(http.StatusNoContent)
		})
		cr.Post("/drain", func(w http.ResponseWriter, r *http.Request) {
			if err := mgr.Drain(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, map[string]int{"queued": len(mgr.Queue())})
		})
		cr.Post("/janitor", func(w http.ResponseWriter, r *http.Request) {
			rep, err := mgr.RunJanitor(r.Context())
			if err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("janitor sweep incomplete")
			}
			writeJSON(w, map[string]any{
				"partitions": len(rep.Partitions),
				"entries":    rep.Entries,
			})
		})
		cr.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			st, err := mgr.Stats()
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, st)
		})
	})
	r.Handle("/*", mgr.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write json")
	}
}
