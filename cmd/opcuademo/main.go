// Package main is a small demo entry point wiring opcuabackend.Backend to
// an OPC UA server named on the command line: it opens the connection,
// activates the async (subscription) read path, polls one register on an
// interval, and serves Prometheus metrics — adapted from the teacher's
// Protocol Gateway service, which wired MQTT/Modbus/polling instead of a
// single OPC UA register.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/accessor"
	"github.com/hzdr-desy/opcua-register-backend/opcuabackend"
)

const (
	serviceName    = "opcua-register-backend"
	serviceVersion = "0.1.0"
)

func newLogger(level, format string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if format == "console" || format == "pretty" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Str("service", serviceName).Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

func main() {
	var (
		address     = flag.String("address", "opc.tcp://localhost:4840", "OPC UA server endpoint")
		path        = flag.String("register", "", "catalogue path of the register to poll (empty: skip polling)")
		rootNode    = flag.String("root-node", "", `restrict browsing to a subtree, "ns:nodeid" or "ns:nodename" form`)
		mapFile     = flag.String("map-file", "", "path to a mapfile; empty means populate by browsing")
		cacheFile   = flag.String("cache-file", "", "path to a catalogue cache file")
		pollEvery   = flag.Duration("poll-interval", 2*time.Second, "how often to read -register")
		httpAddr    = flag.String("http-addr", ":9100", "address to serve /metrics on")
		logLevel    = flag.String("log-level", "info", "zerolog level name")
		logFormat   = flag.String("log-format", "console", "console or json")
		openTimeout = flag.Duration("open-timeout", 10*time.Second, "timeout for the initial Open")
	)
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)
	logger.Info().Str("address", *address).Msg("starting demo")

	backend := opcuabackend.New(opcuabackend.Config{
		ServerAddress:      *address,
		RootNode:           *rootNode,
		MapFile:            *mapFile,
		CacheFile:          *cacheFile,
		PublishingInterval: 500 * time.Millisecond,
		ConnectionTimeout:  5 * time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, *openTimeout)
	err := backend.Open(openCtx)
	openCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backend")
	}
	defer backend.Close(context.Background())

	if err := backend.ActivateAsyncRead(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to activate async read (continuing with synchronous reads only)")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", *httpAddr).Msg("serving /metrics")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if *path == "" {
		<-quit
	} else {
		pollRegister(ctx, backend, *path, *pollEvery, quit, logger)
	}

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down http server")
	}
	if err := backend.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error closing backend")
	}

	logger.Info().Msg("demo shutdown complete")
}

// pollRegister reads path as a float64 register every interval until quit
// fires, logging each value and its validity; acc is minted once with
// WaitForNewData set so the read blocks on the subscription's delivered
// value instead of issuing a fresh synchronous transfer every tick.
func pollRegister(ctx context.Context, backend *opcuabackend.Backend, path string, interval time.Duration, quit <-chan os.Signal, logger zerolog.Logger) {
	acc, err := opcuabackend.GetRegisterAccessor[float64](backend, path, accessor.AccessFlags{WaitForNewData: true}, 0, 0)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to get register accessor, falling back to waiting for shutdown")
		<-quit
		return
	}
	defer acc.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			values, ver, validity, err := acc.Read(ctx)
			if err != nil {
				logger.Error().Err(err).Str("path", path).Msg("read failed")
				continue
			}
			logger.Info().
				Str("path", path).
				Interface("values", values).
				Uint64("version", ver.Sequence()).
				Int("validity", int(validity)).
				Msg(fmt.Sprintf("%s = %v", path, values))
		}
	}
}
