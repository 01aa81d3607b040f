package sdspi

import (
	"fmt"

	log "github.com/fclairamb/go-log"
)

// Addressing selects how a sector index becomes a read/write command argument.
type Addressing uint8

const (
	// AddressSector passes the sector index unchanged. Correct for
	// high-capacity cards only.
	AddressSector Addressing = iota
	// AddressByte passes the byte offset sector*512, as standard-capacity
	// cards expect.
	AddressByte
	// AddressAuto picks sector addressing when the OCR reported a
	// high-capacity card and byte addressing otherwise.
	AddressAuto
)

func (a Addressing) String() string {
	switch a {
	case AddressSector:
		return "sector"
	case AddressByte:
		return "byte"
	case AddressAuto:
		return "auto"
	default:
		return fmt.Sprintf("Addressing(%d)", uint8(a))
	}
}

// ParseAddressing is the inverse of Addressing.String.
func ParseAddressing(s string) (Addressing, error) {
	switch s {
	case "sector", "":
		return AddressSector, nil
	case "byte":
		return AddressByte, nil
	case "auto":
		return AddressAuto, nil
	}
	return 0, fmt.Errorf("sdspi: unknown addressing mode %q", s)
}

// Timeouts holds every polling bound used by the driver, counted in bus
// transfers or command attempts. A zero bound means no attempt is made.
type Timeouts struct {
	WakeupClocks int // idle bytes sent with the card deselected at power up, at least 10 are sent
	ResetPolls   int // response polls after CMD0
	CommandPolls int // response polls after every other command
	InitAttempts int // ACMD41 (or CMD1) attempts before giving up
	TokenPolls   int // polls for the read data start token
	BusyPolls    int // polls for the end of write programming
}

// DefaultTimeouts returns the bounds used on real hardware.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		WakeupClocks: 10,
		ResetPolls:   255,
		CommandPolls: 16,
		InitAttempts: 200000,
		TokenPolls:   50000,
		BusyPolls:    0x100000,
	}
}

// Config tunes a Card.
type Config struct {
	InitFrequency uint32 // clock during initialization, at most 400kHz
	Frequency     uint32 // clock once the card is ready
	Addressing    Addressing
	Timeouts      Timeouts
	Logger        log.Logger // nil discards
}

// DefaultConfig returns a conservative configuration: 400kHz while
// initializing, 4MHz afterwards, raw sector addressing.
func DefaultConfig() Config {
	return Config{
		InitFrequency: 400000,
		Frequency:     4000000,
		Addressing:    AddressSector,
		Timeouts:      DefaultTimeouts(),
	}
}
