//go:build !linux

package spidev

// Open always fails outside Linux.
func Open(opts Options) (*Device, error) {
	return nil, ErrUnsupported
}
