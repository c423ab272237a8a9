package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

// runServe exposes a lock API on the first node together with the metrics
// and a live stream of lock events.
func runServe(ctx context.Context, cfg *config, addr string) error {
	defer cfg.tracing()()

	single, err := presets.NewSingle(cfg.opts)
	if err != nil {
		return err
	}
	defer single.Close()
	bus, closeBus, err := cfg.bus(single)
	if err != nil {
		return err
	}
	defer closeBus()

	// Every latch process publishes its lock events on the server, so the
	// streams below show all of them, not only this API's.
	events := watchbus.NewRedisWatchBus(single.Node.Client())
	l := lock.New(single.Node, lock.WithBus(bus), lock.WithEvents(events))

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(&lockAPI{l: l, ttl: cfg.opts.TTL}, events,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), slog.Default())

	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Printf("serving on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
