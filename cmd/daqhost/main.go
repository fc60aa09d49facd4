// Command daqhost runs one host's slice of a run: it arms the boards
// named in its options file, starts polling, exports telemetry, and
// keeps writing compressed chunks until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nxdaq/corehost/internal/controller"
	"github.com/nxdaq/corehost/internal/daqcfg"
	"github.com/nxdaq/corehost/internal/daqlog"
	"github.com/nxdaq/corehost/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	optionsPath := flag.String("options", "options.toml", "path to the run options file")
	metricsAddr := flag.String("metrics-addr", ":9191", "listen address for the Prometheus /metrics endpoint")
	sampleInterval := flag.Duration("telemetry-interval", 5*time.Second, "telemetry sampling interval")
	flag.Parse()

	log := daqlog.New("daqhost")

	cfg, err := daqcfg.Load(*optionsPath)
	if err != nil {
		return fmt.Errorf("daqhost: %w", err)
	}

	reg := prometheus.NewRegistry()
	sampler := telemetry.New(reg, *sampleInterval)

	ctrl := controller.New(log)
	if err := ctrl.Arm(cfg, nil); err != nil {
		return fmt.Errorf("daqhost: arm: %w", err)
	}
	for _, b := range ctrl.Boards() {
		sampler.AddBoard(b)
	}
	for _, workers := range ctrl.Workers() {
		for _, w := range workers {
			sampler.AddWorker(w)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	defer stopTelemetry()
	go sampler.Run(telemetryCtx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server: %v", err)
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("daqhost: start: %w", err)
	}
	log.Message("run %s started", ctrl.Status().RunIdentifier)

	<-ctx.Done()
	log.Message("stopping run %s", ctrl.Status().RunIdentifier)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		log.Error("stop: %v", err)
	}
	stopTelemetry()
	_ = metricsServer.Shutdown(shutdownCtx)

	if ctrl.Status().Fatal {
		return fmt.Errorf("daqhost: run %s ended with a fatal error", ctrl.Status().RunIdentifier)
	}
	return nil
}
