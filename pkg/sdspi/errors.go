package sdspi

import (
	"fmt"

	"github.com/OffBroadway/sdspi/pkg/diskio"
)

// Stage names a step of the initialization sequence.
type Stage uint8

const (
	StageBus        Stage = iota // clock setup and wake-up
	StageGoIdle                  // CMD0
	StageIfCond                  // CMD8
	StageAppInit                 // CMD55 + ACMD41 loop
	StageLegacyInit              // CMD1 loop
	StageReadOCR                 // CMD58
	StageSpeedUp                 // final clock change
)

func (s Stage) String() string {
	switch s {
	case StageBus:
		return "bus reset"
	case StageGoIdle:
		return "go idle (CMD0)"
	case StageIfCond:
		return "interface condition (CMD8)"
	case StageAppInit:
		return "application init (ACMD41)"
	case StageLegacyInit:
		return "legacy init (CMD1)"
	case StageReadOCR:
		return "read OCR (CMD58)"
	case StageSpeedUp:
		return "speed step-up"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// InitError reports why Initialize left the card not ready. It matches
// diskio.ResultNotReady with errors.Is.
type InitError struct {
	Stage    Stage
	Response byte  // last response byte seen, 0xFF when none
	Err      error // underlying bus error, if any
}

func (e *InitError) Error() string {
	msg := fmt.Sprintf("sdspi: initialization failed at %v", e.Stage)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: response 0x%02X", msg, e.Response)
}

func (e *InitError) Unwrap() []error {
	if e.Err != nil {
		return []error{diskio.ResultNotReady, e.Err}
	}
	return []error{diskio.ResultNotReady}
}

// transferError wraps diskio.ResultError with the failing command context.
func transferError(format string, args ...interface{}) error {
	return fmt.Errorf("sdspi: "+format+": %w", append(args, diskio.ResultError)...)
}
