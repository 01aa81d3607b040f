package main

import (
	"bytes"
	"flag"
	"fmt"
	"math"
	"os"

	logrusadapter "github.com/fclairamb/go-log/logrus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/OffBroadway/sdspi/pkg/cardsim"
	"github.com/OffBroadway/sdspi/pkg/sdspi"
	"github.com/OffBroadway/sdspi/pkg/spidev"
)

func main() {
	image := flag.String("i", "sdcard.img", "SD card image file")
	device := flag.String("d", "", "spidev node, for example /dev/spidev0.0; empty uses the image")
	cs := flag.String("cs", "", "sysfs value file of the chip select GPIO")
	sectorFlag := flag.Uint64("s", 0, "sector to write")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	base := logrus.New()
	if *verbose {
		base.SetLevel(logrus.DebugLevel)
	}
	logger := logrusadapter.NewWrap(base)

	sector, err := sectorArg(*sectorFlag)
	if err != nil {
		logger.Error("bad sector", "err", err)
		os.Exit(2)
	}

	var bus sdspi.Bus
	if *device == "" {
		sim, err := cardsim.New(afero.NewOsFs(), *image, cardsim.Options{HighCapacity: true})
		if err != nil {
			panic(err)
		}
		defer sim.Close()
		bus = sim
	} else {
		opts := spidev.Options{Path: *device, Logger: logger}
		if *cs != "" {
			gpio, err := spidev.NewGPIO(afero.NewOsFs(), *cs, true)
			if err != nil {
				panic(err)
			}
			defer gpio.Close()
			opts.ChipSelect = gpio
		}
		dev, err := spidev.Open(opts)
		if err != nil {
			panic(err)
		}
		defer dev.Close()
		bus = dev
	}

	cfg := sdspi.DefaultConfig()
	cfg.Addressing = sdspi.AddressAuto
	cfg.Logger = logger
	card := sdspi.New(bus, cfg)

	logger.Info("initializing card")
	if _, err := card.Initialize(); err != nil {
		logger.Error("initialization failed", "err", err)
		os.Exit(1)
	}
	logger.Info("card ready", "type", card.Type().String(), "highCapacity", card.HighCapacity())

	block := make([]byte, 512)
	copy(block, "HELLO WORLD\n")
	if err := card.WriteSectors(block, sector, 1); err != nil {
		logger.Error("write failed", "err", err)
		os.Exit(1)
	}
	logger.Info("sector written", "sector", sector)

	readBack := make([]byte, 512)
	if err := card.ReadSectors(readBack, sector, 1); err != nil {
		logger.Error("read failed", "err", err)
		os.Exit(1)
	}
	if !bytes.Equal(block, readBack) {
		logger.Error("read back differs", "got", string(bytes.TrimRight(readBack, "\x00")))
		os.Exit(1)
	}
	logger.Info("read back", "data", string(bytes.TrimRight(readBack, "\x00")))
}

// sectorArg narrows the -s flag to a sector number.
func sectorArg(v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("sector %d out of range, the largest is %d", v, uint32(math.MaxUint32))
	}
	return uint32(v), nil
}
