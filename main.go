package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"
	log "github.com/fclairamb/go-log"
	logrusadapter "github.com/fclairamb/go-log/logrus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/OffBroadway/sdspi/pkg/cardsim"
	"github.com/OffBroadway/sdspi/pkg/config"
	"github.com/OffBroadway/sdspi/pkg/diskio"
	"github.com/OffBroadway/sdspi/pkg/sdspi"
	"github.com/OffBroadway/sdspi/pkg/spidev"
)

func main() {
	configPath := flag.String("c", "", "configuration file")
	image := flag.String("i", "", "SD card image file (simulated bus)")
	ftpAddr := flag.String("ftp", "", "FTP listen address, \"off\" to disable")
	davAddr := flag.String("webdav", "", "WebDAV listen address, \"off\" to disable")
	flag.Parse()

	fs := afero.NewOsFs()
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(fs, *configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *image != "" {
		cfg.Sim.Image = *image
	}
	if *ftpAddr != "" {
		cfg.FTP.Listen = *ftpAddr
	}
	if *davAddr != "" {
		cfg.WebDAV.Listen = *davAddr
	}

	base := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	base.SetLevel(level)
	logger := logrusadapter.NewWrap(base)

	if err := run(fs, cfg, base, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

// openBus builds the bus named by cfg.Bus. The returned function releases it.
func openBus(fs afero.Fs, cfg *config.Config, logger log.Logger) (sdspi.Bus, func(), error) {
	switch cfg.Bus {
	case config.BusSim:
		opts, err := cfg.SimOptions()
		if err != nil {
			return nil, nil, err
		}
		sim, err := cardsim.New(fs, cfg.Sim.Image, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open card image: %w", err)
		}
		logger.Info("using simulated card", "image", cfg.Sim.Image, "version", opts.Version.String(), "sectors", sim.Sectors())
		return sim, func() { sim.Close() }, nil

	case config.BusSPIDev:
		var cs *spidev.GPIO
		opts := spidev.Options{Path: cfg.SPI.Device, Logger: logger}
		if cfg.SPI.ChipSelect != "" {
			var err error
			cs, err = spidev.NewGPIO(fs, cfg.SPI.ChipSelect, cfg.SPI.ActiveLow)
			if err != nil {
				return nil, nil, err
			}
			opts.ChipSelect = cs
		}
		dev, err := spidev.Open(opts)
		if err != nil {
			if cs != nil {
				cs.Close()
			}
			return nil, nil, err
		}
		logger.Info("using spidev", "device", cfg.SPI.Device, "chipSelect", cfg.SPI.ChipSelect)
		return dev, func() {
			dev.Close()
			if cs != nil {
				cs.Close()
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown bus %q", cfg.Bus)
}

func run(fs afero.Fs, cfg *config.Config, base *logrus.Logger, logger log.Logger) error {
	bus, closeBus, err := openBus(fs, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	drv, err := cfg.Driver(logger.With("component", "sdspi"))
	if err != nil {
		return err
	}
	card := sdspi.New(bus, drv)

	reg := diskio.NewRegistry(logger.With("component", "diskio"))
	reg.RegisterBlockDevice(0, card)
	defer reg.UnregisterBlockDevice(0)

	if _, err := reg.DiskInitialize(0); err != nil {
		return err
	}
	logger.Info("card initialized", "type", card.Type().String(), "highCapacity", card.HighCapacity(), "ocr", fmt.Sprintf("0x%08X", card.OCR()))

	sectors := cfg.Sectors
	if sim, ok := bus.(*cardsim.Card); ok {
		sectors = sim.Sectors()
	}
	dfs := diskio.NewDeviceFs(reg, sectors)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	var stops []func()

	if enabled(cfg.FTP.Listen) {
		srv := ftpserver.NewFtpServer(
			&FTPServer{
				Settings: &ftpserver.Settings{
					ListenAddr: cfg.FTP.Listen,
				},
				FileSystem: dfs,
				User:       cfg.FTP.User,
				Password:   cfg.FTP.Password,
				Logger:     logger.With("component", "ftp"),
			},
		)
		srv.Logger = logger.With("component", "ftpserver")
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("ftp: %w", err)
		}
		logger.Info("serving FTP", "addr", cfg.FTP.Listen)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(); err != nil {
				errs <- fmt.Errorf("ftp: %w", err)
			}
		}()
		stops = append(stops, func() { srv.Stop() })
	}

	if enabled(cfg.WebDAV.Listen) {
		ln, err := net.Listen("tcp", cfg.WebDAV.Listen)
		if err != nil {
			for _, stop := range stops {
				stop()
			}
			return fmt.Errorf("webdav: %w", err)
		}
		access := base.WriterLevel(logrus.InfoLevel)
		defer access.Close()
		httpErrors := base.WriterLevel(logrus.ErrorLevel)
		defer httpErrors.Close()
		srv := newWebDAVServer(dfs, cfg.WebDAV.Prefix, logger.With("component", "webdav"), access, httpErrors)
		logger.Info("serving WebDAV", "addr", ln.Addr().String(), "prefix", cfg.WebDAV.Prefix)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("webdav: %w", err)
			}
		}()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}

	if len(stops) == 0 {
		return errors.New("no front end enabled")
	}

	// Handle SIGINT and SIGTERM.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case err = <-errs:
	}
	for _, stop := range stops {
		stop()
	}
	wg.Wait()

	if _, serr := reg.DiskIoctl(0, diskio.IoctlSync); serr != nil {
		logger.Warn("final sync failed", "err", serr)
	}
	return err
}

func enabled(addr string) bool {
	return addr != "" && addr != "off"
}
