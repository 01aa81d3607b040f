package sdspi

import (
	"encoding/binary"

	"github.com/OffBroadway/sdspi/pkg/diskio"
)

const (
	minWakeupClocks = 10
	ocrPowerUp      = 1 << 31 // OCR busy bit, set once initialization is complete
)

// Initialize brings the card from power-on to the ready state and raises the
// bus clock. On failure the card is left deselected and not initialized and
// the returned error is an *InitError; the whole sequence may be retried.
func (c *Card) Initialize() (diskio.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stat |= diskio.StatusNoInit
	c.typ, c.hc, c.ocr = CardUnknown, false, 0

	typ, err := c.initialize()
	if err != nil {
		c.release()
		c.logger.Warn("card initialization failed", "err", err)
		return c.stat, err
	}

	c.typ = typ
	c.stat &^= diskio.StatusNoInit
	c.logger.Info("card ready", "type", typ.String(), "highCapacity", c.hc, "addressing", c.cfg.Addressing.String())
	return c.stat, nil
}

func (c *Card) initialize() (CardType, error) {
	t := c.cfg.Timeouts

	// Power-up synchronization: slow clock, at least 74 clocks with the card
	// deselected.
	if err := c.bus.SetFrequency(c.cfg.InitFrequency); err != nil {
		return CardUnknown, &InitError{Stage: StageBus, Response: idleByte, Err: err}
	}
	if err := c.resync(); err != nil {
		return CardUnknown, &InitError{Stage: StageBus, Response: idleByte, Err: err}
	}
	clocks := t.WakeupClocks
	if clocks < minWakeupClocks {
		clocks = minWakeupClocks
	}
	for i := 0; i < clocks; i++ {
		if _, err := c.bus.Transfer(idleByte); err != nil {
			return CardUnknown, &InitError{Stage: StageBus, Response: idleByte, Err: err}
		}
	}

	c.logger.Debug("sending CMD0")
	res, err := c.command(cmdGoIdleState, 0)
	if err != nil {
		return CardUnknown, &InitError{Stage: StageGoIdle, Response: idleByte, Err: err}
	}
	if res != r1Idle {
		return CardUnknown, &InitError{Stage: StageGoIdle, Response: res}
	}

	typ, err := c.checkInterfaceCondition()
	if err != nil {
		return CardUnknown, err
	}

	fallback, err := c.appInit(typ)
	if err != nil {
		return CardUnknown, err
	}
	if fallback {
		typ = CardSDv1
		if err := c.legacyInit(); err != nil {
			return CardUnknown, err
		}
	} else if typ == CardSDv2 {
		c.readOCR()
	}

	if err := c.deselect(); err != nil {
		return CardUnknown, &InitError{Stage: StageSpeedUp, Response: idleByte, Err: err}
	}
	if err := c.bus.SetFrequency(c.cfg.Frequency); err != nil {
		return CardUnknown, &InitError{Stage: StageSpeedUp, Response: idleByte, Err: err}
	}
	return typ, nil
}

// checkInterfaceCondition sends CMD8. Only a card that answers idle and
// echoes both the voltage window and the check pattern is version 2; every
// other outcome means a version 1 SD card or an MMC.
func (c *Card) checkInterfaceCondition() (CardType, error) {
	c.logger.Debug("sending CMD8")
	res, err := c.command(cmdSendIfCond, ifCondArg)
	if err != nil {
		return CardUnknown, &InitError{Stage: StageIfCond, Response: idleByte, Err: err}
	}

	typ := CardSDv1
	if res == r1Idle {
		r7, err := c.readTrailer(4)
		if err != nil {
			return CardUnknown, &InitError{Stage: StageIfCond, Response: res, Err: err}
		}
		if r7[2]&0x0F == ifCondVoltage && r7[3] == ifCondPattern {
			typ = CardSDv2
		} else {
			c.logger.Warn("CMD8 echo mismatch", "voltage", r7[2]&0x0F, "pattern", r7[3])
		}
	} else {
		c.logger.Debug("CMD8 rejected", "resp", res)
	}

	if err := c.deselect(); err != nil {
		return CardUnknown, &InitError{Stage: StageIfCond, Response: res, Err: err}
	}
	return typ, nil
}

// appInit repeats CMD55+ACMD41 until the card leaves the idle state. It
// reports fallback when the card refuses application commands.
func (c *Card) appInit(typ CardType) (fallback bool, err error) {
	var arg uint32
	if typ == CardSDv2 {
		arg = hcsBit
	}

	last := byte(idleByte)
	for i := 0; i < c.cfg.Timeouts.InitAttempts; i++ {
		res, err := c.command(cmdAppCmd, 0)
		if err != nil {
			return false, &InitError{Stage: StageAppInit, Response: idleByte, Err: err}
		}
		last = res
		if res&r1Busy != 0 {
			continue
		}
		if res > r1Idle {
			c.logger.Debug("CMD55 rejected, trying CMD1", "resp", res)
			return true, nil
		}

		res, err = c.command(acmdSendOpCond, arg)
		if err != nil {
			return false, &InitError{Stage: StageAppInit, Response: idleByte, Err: err}
		}
		last = res
		switch {
		case res == r1Ready:
			c.logger.Debug("ACMD41 ready", "attempts", i+1)
			return false, nil
		case res == r1Idle, res&r1Busy != 0:
			continue
		default:
			c.logger.Debug("ACMD41 rejected, trying CMD1", "resp", res)
			return true, nil
		}
	}
	return false, &InitError{Stage: StageAppInit, Response: last}
}

// legacyInit repeats CMD1 until the card leaves the idle state.
func (c *Card) legacyInit() error {
	last := byte(idleByte)
	for i := 0; i < c.cfg.Timeouts.InitAttempts; i++ {
		res, err := c.command(cmdSendOpCond, 0)
		if err != nil {
			return &InitError{Stage: StageLegacyInit, Response: idleByte, Err: err}
		}
		last = res
		switch {
		case res == r1Ready:
			c.logger.Debug("CMD1 ready", "attempts", i+1)
			return nil
		case res == r1Idle, res&r1Busy != 0:
			continue
		default:
			return &InitError{Stage: StageLegacyInit, Response: res}
		}
	}
	return &InitError{Stage: StageLegacyInit, Response: last}
}

// readOCR records the card capacity status. Failures are only logged since
// the result merely refines the addressing mode.
func (c *Card) readOCR() {
	res, err := c.command(cmdReadOCR, 0)
	if err != nil || res != r1Ready {
		c.logger.Warn("CMD58 failed", "resp", res, "err", err)
		c.release()
		return
	}
	r3, err := c.readTrailer(4)
	if err != nil {
		c.logger.Warn("CMD58 failed", "err", err)
		c.release()
		return
	}
	c.ocr = binary.BigEndian.Uint32(r3)
	c.hc = c.ocr&ocrPowerUp != 0 && c.ocr&hcsBit != 0
	c.logger.Debug("OCR", "ocr", c.ocr, "highCapacity", c.hc)
}
