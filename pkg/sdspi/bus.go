package sdspi

// Bus is the synchronous serial link to one card. Implementations block until
// each call completes and are only used by one Card at a time.
type Bus interface {
	// Transfer clocks out w and returns the byte clocked in at the same time.
	Transfer(w byte) (byte, error)
	// Select drives the card's chip-select line: true asserts it (low).
	Select(selected bool) error
	// SetFrequency changes the serial clock rate.
	SetFrequency(hz uint32) error
}
