// Package config loads the server configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/fclairamb/go-log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/OffBroadway/sdspi/pkg/cardsim"
	"github.com/OffBroadway/sdspi/pkg/sdspi"
)

// Bus kinds.
const (
	BusSim    = "sim"
	BusSPIDev = "spidev"
)

// Config holds the configuration of the sdspi server.
type Config struct {
	// Bus is "sim" for an emulated card or "spidev" for real hardware.
	Bus string
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"logLevel"`
	// Sectors is the medium size reported when the card cannot tell, and the
	// size of a new simulator image.
	Sectors uint32

	Sim    Sim
	SPI    SPI `yaml:"spi"`
	Card   Card
	FTP    FTP    `yaml:"ftp"`
	WebDAV WebDAV `yaml:"webdav"`
}

// Sim describes the emulated card.
type Sim struct {
	// Image is the backing file of the card.
	Image string
	// Version is "sdv2", "sdv1" or "mmc".
	Version      string
	HighCapacity bool `yaml:"highCapacity"`
}

// SPI describes the hardware bus.
type SPI struct {
	Device string
	// ChipSelect is the sysfs value file of the CS GPIO. Empty leaves chip
	// select to the controller.
	ChipSelect string `yaml:"chipSelect"`
	ActiveLow  bool   `yaml:"activeLow"`
}

// Card holds the driver settings.
type Card struct {
	InitFrequency uint32 `yaml:"initFrequency"`
	Frequency     uint32
	// Addressing is "sector", "byte" or "auto".
	Addressing string
	Timeouts   Timeouts
}

// Timeouts mirrors sdspi.Timeouts.
type Timeouts struct {
	WakeupClocks int `yaml:"wakeupClocks"`
	ResetPolls   int `yaml:"resetPolls"`
	CommandPolls int `yaml:"commandPolls"`
	InitAttempts int `yaml:"initAttempts"`
	TokenPolls   int `yaml:"tokenPolls"`
	BusyPolls    int `yaml:"busyPolls"`
}

// FTP configures the FTP front end. An empty Listen disables it.
type FTP struct {
	Listen   string
	User     string
	Password string
}

// WebDAV configures the WebDAV front end. An empty Listen disables it.
type WebDAV struct {
	Listen string
	Prefix string
}

// Default returns the configuration used when no file is given: an emulated
// SDHC card in sdcard.img served over FTP and WebDAV on localhost.
func Default() *Config {
	drv := sdspi.DefaultConfig()
	t := drv.Timeouts
	return &Config{
		Bus:      BusSim,
		LogLevel: "info",
		Sectors:  cardsim.DefaultSectors,
		Sim: Sim{
			Image:        "sdcard.img",
			Version:      "sdv2",
			HighCapacity: true,
		},
		SPI: SPI{
			Device:    "/dev/spidev0.0",
			ActiveLow: true,
		},
		Card: Card{
			InitFrequency: drv.InitFrequency,
			Frequency:     drv.Frequency,
			Addressing:    drv.Addressing.String(),
			Timeouts: Timeouts{
				WakeupClocks: t.WakeupClocks,
				ResetPolls:   t.ResetPolls,
				CommandPolls: t.CommandPolls,
				InitAttempts: t.InitAttempts,
				TokenPolls:   t.TokenPolls,
				BusyPolls:    t.BusyPolls,
			},
		},
		FTP: FTP{
			Listen: "127.0.0.1:7021",
		},
		WebDAV: WebDAV{
			Listen: "127.0.0.1:7080",
			Prefix: "/mount",
		},
	}
}

// Load reads the YAML file at path on fs. Keys missing from the file keep
// their Default value.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Bus {
	case BusSim:
		if c.Sim.Image == "" {
			return errors.New("sim.image is required")
		}
		if _, err := c.SimOptions(); err != nil {
			return err
		}
	case BusSPIDev:
		if c.SPI.Device == "" {
			return errors.New("spi.device is required")
		}
	default:
		return fmt.Errorf("unknown bus %q", c.Bus)
	}
	if _, err := sdspi.ParseAddressing(c.Card.Addressing); err != nil {
		return err
	}
	if c.Card.InitFrequency == 0 || c.Card.Frequency == 0 {
		return errors.New("card frequencies must be nonzero")
	}
	if c.Card.InitFrequency > 400000 {
		return fmt.Errorf("card.initFrequency %d is above 400kHz", c.Card.InitFrequency)
	}
	if c.Sectors == 0 {
		return errors.New("sectors must be nonzero")
	}
	return nil
}

// Driver returns the sdspi configuration.
func (c *Config) Driver(logger log.Logger) (sdspi.Config, error) {
	mode, err := sdspi.ParseAddressing(c.Card.Addressing)
	if err != nil {
		return sdspi.Config{}, err
	}
	t := c.Card.Timeouts
	return sdspi.Config{
		InitFrequency: c.Card.InitFrequency,
		Frequency:     c.Card.Frequency,
		Addressing:    mode,
		Timeouts: sdspi.Timeouts{
			WakeupClocks: t.WakeupClocks,
			ResetPolls:   t.ResetPolls,
			CommandPolls: t.CommandPolls,
			InitAttempts: t.InitAttempts,
			TokenPolls:   t.TokenPolls,
			BusyPolls:    t.BusyPolls,
		},
		Logger: logger,
	}, nil
}

// SimOptions returns the emulated card options.
func (c *Config) SimOptions() (cardsim.Options, error) {
	var v cardsim.Version
	switch strings.ToLower(c.Sim.Version) {
	case "sdv2", "v2", "":
		v = cardsim.V2
	case "sdv1", "v1":
		v = cardsim.V1
	case "mmc":
		v = cardsim.MMC
	default:
		return cardsim.Options{}, fmt.Errorf("unknown sim.version %q", c.Sim.Version)
	}
	return cardsim.Options{
		Version:      v,
		HighCapacity: c.Sim.HighCapacity,
		Sectors:      c.Sectors,
	}, nil
}
