// Package serial provides a serial port, which provides the io.ReadWriter
// interface, that provides the connection between the at or gsm packages
// and the physical modem.
package serial

import (
	"github.com/tarm/serial"
)

// Config is the serial port configuration, defaulted per-platform by
// defaultConfig and overridden via Option.
type Config struct {
	port string
	baud int
}

// Option modifies the serial port configuration used by New.
type Option func(*Config)

// WithPort sets the device path of the serial port, e.g. /dev/ttyUSB0.
func WithPort(name string) Option {
	return func(c *Config) { c.port = name }
}

// WithBaud sets the baud rate of the serial port.
func WithBaud(baud int) Option {
	return func(c *Config) { c.baud = baud }
}

// New opens a serial port, which provides the connection between the at or
// gsm packages and the physical modem. It is currently a thin wrapper
// around tarm/serial.
func New(opts ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return serial.OpenPort(&serial.Config{Name: cfg.port, Baud: cfg.baud})
}
