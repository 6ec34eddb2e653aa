// Command v1bridged runs the detector bridge daemon: it maintains the BLE
// link to the detector, mirrors the detector's service for a companion app,
// exposes the HTTP/WebSocket API and optionally records history to SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/api"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/bridge"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/config"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/link"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio/bluez"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio/serialport"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/v1bridge/config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "v1bridged: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Daemon.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "v1bridged: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("daemon failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}

	var db *store.DB
	if cfg.Store.Enabled {
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		log.Info("history store open", zap.String("path", cfg.Store.Path))
	}

	factory, peripheral, err := radioBackend(cfg, log)
	if err != nil {
		return err
	}
	defer peripheral.Close()

	var rec bridge.Recorder
	if db != nil {
		rec = db
	}
	br, err := bridge.New(
		bridge.Config{TickInterval: cfg.Daemon.TickInterval.Duration},
		cfg.LinkConfig(), cfg.ProxyConfig(), cfg.PushConfig(),
		factory, peripheral, resolver, rec, log,
	)
	if err != nil {
		return err
	}
	if cfg.Link.KnownAddr != "" {
		br.Link().Registry().Seed(link.Device{
			Addr:        cfg.Link.KnownAddr,
			Checksummed: cfg.Link.KnownChecksummed,
		})
		log.Info("registry seeded", zap.String("addr", cfg.Link.KnownAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.API.Enabled {
		var hist api.History
		if db != nil {
			hist = db
		}
		srv = &http.Server{
			Addr:    cfg.API.ListenAddr,
			Handler: api.NewRouter(br, hist, log),
		}
		go func() {
			log.Info("api listening", zap.String("addr", cfg.API.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("api server failed", zap.Error(err))
			}
		}()
	}

	log.Info("bridge running", zap.String("backend", cfg.Radio.Backend))
	err = br.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shut down")
	return nil
}

// radioBackend builds the central factory and the companion-side peripheral
// for the configured transport. The serial backend has no peripheral; the
// mirror stays dormant and the relay never advertises.
func radioBackend(cfg config.Config, log *zap.Logger) (radio.CentralFactory, radio.Peripheral, error) {
	switch cfg.Radio.Backend {
	case "bluez":
		factory := func() (radio.Central, error) {
			return bluez.NewCentral(cfg.Radio.Adapter, log)
		}
		peripheral, err := bluez.NewPeripheral(cfg.Radio.Adapter, log)
		if err != nil {
			return nil, nil, fmt.Errorf("mirror peripheral: %w", err)
		}
		return factory, peripheral, nil
	case "serial":
		factory := func() (radio.Central, error) {
			return serialport.New(cfg.Radio.SerialPort, cfg.Radio.SerialBaud, log), nil
		}
		return factory, radio.NopPeripheral{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown radio backend %q", cfg.Radio.Backend)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
